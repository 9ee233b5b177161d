// Package watchdog implements spec.md §4.9's stall detector: if the
// supervisor hasn't called Kick within the timeout, dump every
// goroutine's stack and force-exit.
//
// Grounded in original_source/watchdog.py's dedicated watchdog thread
// that wakes periodically, compares against the last heartbeat
// timestamp, and calls os._exit(1) directly (no cleanup) so a stalled
// Modbus transaction can never block process termination.
package watchdog

import (
	"log"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// DefaultTimeout is spec.md §4.9/§5's watchdog stall timeout (30 s).
const DefaultTimeout = 30 * time.Second

// exit is process termination, overridden by tests so they don't kill
// the test binary.
var exit = os.Exit

// Watchdog tracks the supervisor's last heartbeat and force-exits the
// process if it goes stale.
type Watchdog struct {
	timeout  time.Duration
	lastKick int64 // unix nanoseconds, atomic
	log      *log.Logger
	stop     chan struct{}
}

// New constructs a Watchdog with the given stall timeout (DefaultTimeout
// if zero) and an initial heartbeat of now.
func New(timeout time.Duration, logger *log.Logger) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	w := &Watchdog{timeout: timeout, log: logger, stop: make(chan struct{})}
	w.Kick()
	return w
}

// Kick records a heartbeat, called once per supervisor tick.
func (w *Watchdog) Kick() {
	atomic.StoreInt64(&w.lastKick, time.Now().UnixNano())
}

// Run polls on timeout/4 until Stop is called, force-exiting the
// process the moment the gap since the last Kick exceeds timeout.
func (w *Watchdog) Run() {
	period := w.timeout / 4
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			last := atomic.LoadInt64(&w.lastKick)
			if time.Since(time.Unix(0, last)) > w.timeout {
				w.dumpAndExit()
				return
			}
		}
	}
}

func (w *Watchdog) dumpAndExit() {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	w.log.Printf("watchdog: stall detected, no heartbeat in %s; goroutine dump:\n%s", w.timeout, buf[:n])
	exit(1)
}

// Stop ends Run's polling loop without exiting, used on clean shutdown.
func (w *Watchdog) Stop() { close(w.stop) }
