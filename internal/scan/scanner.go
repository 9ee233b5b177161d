// Package scan implements the network and serial discovery sweeps:
// spec.md §4.7's worker-pool network scan and two-phase serial scan,
// with cooperative cancellation via a polled running flag.
//
// Grounded in the teacher's internal/tasks/collector.go for the
// bounded-queue worker-pool shape (N goroutines draining a channel,
// a WaitGroup joining them), adapted from a fixed collector job queue
// to scan.go's candidate-IP sweep.
package scan

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/victronenergy/dbus-modbus-client/internal/device"
	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
	"github.com/victronenergy/dbus-modbus-client/internal/mbclient"
	"github.com/victronenergy/dbus-modbus-client/internal/probe"
)

// Workers is the fixed network-scan worker-pool size, spec.md §4.7.1.
const Workers = 8

// Progress is invoked once per host, after all of that host's candidate
// specs are probed (success or not); done and total count candidate
// specs, not hosts.
type Progress func(done, total int)

// Scanner runs one scan at a time and exposes cooperative cancellation:
// Cancel sets a flag workers and the progress path observe, per spec.md
// §4.7.3.
type Scanner struct {
	pool *mbclient.Pool
	reg  *probe.Registry

	// Logger, if set, receives human-readable progress lines ("scanned
	// 128/1,022 candidates") at a fixed cadence during NetworkScan. Counts
	// are rendered with dustin/go-humanize so large sweeps stay
	// readable in logs.
	Logger *log.Logger

	running int32 // atomic bool; 1 while a scan is in flight or cancellable

	mu    sync.Mutex
	found []*device.Device
}

// New builds a Scanner bound to a client pool and probe registry.
func New(pool *mbclient.Pool, reg *probe.Registry) *Scanner {
	return &Scanner{pool: pool, reg: reg}
}

// logInterval is how often (in completed candidate specs) scanHosts
// emits a progress line to Logger.
const logInterval = 32

func (s *Scanner) logProgress(done, total int) {
	if s.Logger == nil {
		return
	}
	if done%logInterval != 0 && done != total {
		return
	}
	s.Logger.Printf("scanned %s/%s candidates", humanize.Comma(int64(done)), humanize.Comma(int64(total)))
}

// Cancel requests that an in-flight scan stop at the next opportunity.
func (s *Scanner) Cancel() { atomic.StoreInt32(&s.running, 0) }

func (s *Scanner) cancelled() bool { return atomic.LoadInt32(&s.running) == 0 }

func (s *Scanner) addFound(d *device.Device) {
	s.mu.Lock()
	s.found = append(s.found, d)
	s.mu.Unlock()
}

// Found returns everything discovered by the most recent scan.
func (s *Scanner) Found() []*device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*device.Device, len(s.found))
	copy(out, s.found)
	return out
}

// NetworkScan sweeps every locally reachable network per spec.md
// §4.7.1: 8 workers drain a bounded queue (capacity 8) of candidate IPs,
// each constructing TCP/UDP probe candidates and delegating to the
// registry's Probe under timeout. filter rejects specs already present
// elsewhere (e.g. already-configured devices).
func (s *Scanner) NetworkScan(filter probe.Filter, timeout time.Duration, progress Progress) error {
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}
	atomic.StoreInt32(&s.running, 1)
	defer atomic.StoreInt32(&s.running, 0)

	s.mu.Lock()
	s.found = nil
	s.mu.Unlock()

	networks, own, err := Interfaces()
	if err != nil {
		return &Err{Kind: Transport, Err: err}
	}

	var hosts []string
	for _, n := range networks {
		hosts = append(hosts, Hosts(n, own)...)
	}

	return s.scanHosts(hosts, filter, timeout, progress)
}

// scanHosts runs the worker-pool sweep over an explicit host list,
// factored out of NetworkScan so tests can drive it without depending
// on the machine's actual network interfaces.
func (s *Scanner) scanHosts(hosts []string, filter probe.Filter, timeout time.Duration, progress Progress) error {
	total := len(hosts) * len(Protocols)
	var done int32

	queue := make(chan string, Workers)
	var wg sync.WaitGroup
	wg.Add(Workers)
	for i := 0; i < Workers; i++ {
		go func() {
			defer wg.Done()
			for host := range queue {
				if s.cancelled() {
					continue
				}
				specs := CandidateSpecs(host)
				found, _ := s.reg.Probe(s.pool, specs, filter, timeout, nil)
				for _, d := range found {
					s.addFound(d)
				}
				n := atomic.AddInt32(&done, int32(len(specs)))
				if progress != nil {
					progress(int(n), total)
				}
				s.logProgress(int(n), total)
			}
		}()
	}

	for _, h := range hosts {
		if s.cancelled() {
			break
		}
		queue <- h
	}
	close(queue)
	wg.Wait()

	if s.cancelled() {
		return &Err{Kind: Cancelled}
	}
	return nil
}

// SerialScan implements spec.md §4.7.2's two-phase sweep over one tty:
// a quick pass over the union of handler-declared units at each
// candidate rate (fixing the rate once any driver matches), then an
// optional full pass over units 1-247 minus those already found.
func (s *Scanner) SerialScan(tty string, method devspec.Method, rates []int, full bool, timeout time.Duration) error {
	atomic.StoreInt32(&s.running, 1)
	defer atomic.StoreInt32(&s.running, 0)

	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	units := s.reg.Units(method)
	if len(units) == 0 {
		units = []int{1}
	}

	chosenRate := 0
	foundUnits := map[int]bool{}

ratesLoop:
	for _, rate := range rates {
		if s.cancelled() {
			return &Err{Kind: Cancelled}
		}
		for _, u := range units {
			if s.cancelled() {
				return &Err{Kind: Cancelled}
			}
			spec := devspec.Spec{Method: method, Target: tty, Port: rate, Unit: u}
			found, _ := s.reg.Probe(s.pool, []devspec.Spec{spec}, nil, timeout, nil)
			if len(found) > 0 {
				for _, d := range found {
					s.addFound(d)
				}
				foundUnits[u] = true
				chosenRate = rate
				time.Sleep(time.Second) // bus rearbitration, spec.md §4.7.2
			}
		}
		if chosenRate != 0 {
			break ratesLoop
		}
	}

	if !full || chosenRate == 0 {
		return nil
	}

	for u := 1; u <= 247; u++ {
		if s.cancelled() {
			return &Err{Kind: Cancelled}
		}
		if foundUnits[u] {
			continue
		}
		spec := devspec.Spec{Method: method, Target: tty, Port: chosenRate, Unit: u}
		found, _ := s.reg.Probe(s.pool, []devspec.Spec{spec}, nil, timeout, nil)
		if len(found) > 0 {
			for _, d := range found {
				s.addFound(d)
			}
			time.Sleep(time.Second)
		}
	}

	return nil
}
