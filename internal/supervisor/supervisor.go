// Package supervisor implements the main update loop described in
// spec.md §4.9: a single-threaded tick driving device updates, failure
// eviction and retry, scheduled rescans, mDNS candidate draining, and
// watchdog kicking. It is the one component that holds the "devices",
// "failed", "scan_time" and "failed_time" state spec.md §3 calls out as
// Supervisor state.
//
// Grounded in the teacher's internal/servermgr/manager.go for the
// ticker/select/ctx.Done() run-loop shape (time.NewTicker plus a select
// over ctx.Done() and the ticker channel), adapted from servermgr's
// per-server CSV-replay ticks to this module's per-device update tick.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victronenergy/dbus-modbus-client/internal/device"
	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
	"github.com/victronenergy/dbus-modbus-client/internal/mbclient"
	"github.com/victronenergy/dbus-modbus-client/internal/mdns"
	"github.com/victronenergy/dbus-modbus-client/internal/objectbus"
	"github.com/victronenergy/dbus-modbus-client/internal/probe"
	"github.com/victronenergy/dbus-modbus-client/internal/scan"
	"github.com/victronenergy/dbus-modbus-client/internal/watchdog"
)

// Default tick timings, spec.md §5 "Timeouts".
const (
	DefaultUpdateInterval = 100 * time.Millisecond
	DefaultProbeTimeout   = time.Second
	DefaultFailTimeout    = 5 * time.Second
	DefaultFailedInterval = 10 * time.Second
	DefaultScanInterval   = 600 * time.Second
)

// Settings is the supervisor-level view of the external settings store:
// device.SettingsBinder plus the persisted device list and autoscan
// flag, per spec.md §3 "Supervisor state... settings (persisted device
// list, autoscan flag)". internal/settingsstore.Store satisfies this
// structurally; supervisor never imports it.
type Settings interface {
	device.SettingsBinder
	Devices() (map[devspec.Spec]struct{}, error)
	SetDevices(map[devspec.Spec]struct{}) error
	AutoScan() bool
}

// Config holds the tick timings and behavior flags, defaulted by New.
type Config struct {
	Name string // supervisor service suffix: com.victronenergy.modbusclient.<Name>

	UpdateInterval time.Duration
	ProbeTimeout   time.Duration
	FailTimeout    time.Duration
	FailedInterval time.Duration
	ScanInterval   time.Duration

	// ExitOnFail mirrors spec.md §4.9 step 2's "optionally exit the
	// process if configured to do so on error."
	ExitOnFail bool
}

func (c *Config) setDefaults() {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = DefaultUpdateInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.FailTimeout <= 0 {
		c.FailTimeout = DefaultFailTimeout
	}
	if c.FailedInterval <= 0 {
		c.FailedInterval = DefaultFailedInterval
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
}

// Supervisor owns the live device set, drives update ticks, and bridges
// the scanner/mDNS discoverer/watchdog into one control loop.
type Supervisor struct {
	cfg      Config
	pool     *mbclient.Pool
	reg      *probe.Registry
	bus      objectbus.Bus
	settings Settings
	scanner  *scan.Scanner
	disc     *mdns.Discoverer
	wd       *watchdog.Watchdog
	log      *log.Logger
	exit     func(code int)

	serviceName string

	mu         sync.Mutex
	devices    map[devspec.Spec]*device.Device
	pending    map[string]*device.Device // ident -> probed-but-not-adopted mDNS candidate
	failed     []devspec.Spec
	failedTime time.Time
	scanTime   time.Time
	scanActive bool
	scanDone   chan struct{}
	scanPct    int32
}

// New builds a Supervisor. pool and reg are shared with any other probe
// call site (e.g. a CLI -P one-shot probe); scanner and disc may be nil
// to disable network scanning or mDNS respectively; wd may be nil to run
// without a watchdog.
func New(pool *mbclient.Pool, reg *probe.Registry, bus objectbus.Bus, settings Settings, scanner *scan.Scanner, disc *mdns.Discoverer, wd *watchdog.Watchdog, cfg Config, logger *log.Logger) *Supervisor {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		cfg:         cfg,
		pool:        pool,
		reg:         reg,
		bus:         bus,
		settings:    settings,
		scanner:     scanner,
		disc:        disc,
		wd:          wd,
		log:         logger,
		exit:        os.Exit,
		serviceName: fmt.Sprintf("com.victronenergy.modbusclient.%s", cfg.Name),
		devices:     map[devspec.Spec]*device.Device{},
		pending:     map[string]*device.Device{},
	}
}

// Run publishes the supervisor's own service, starts the watchdog and
// mDNS discoverer (if configured), loads the persisted device list, then
// ticks at cfg.UpdateInterval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.bus.AddService(s.serviceName); err != nil {
		return fmt.Errorf("supervisor: add service: %w", err)
	}
	s.bus.Publish(s.serviceName, "/Scan", false, func(v any) error {
		on, _ := v.(bool)
		if on {
			s.StartScan()
		} else if s.scanner != nil {
			s.scanner.Cancel()
		}
		return nil
	})
	s.bus.Publish(s.serviceName, "/ScanProgress", nil, nil)

	if s.wd != nil {
		go s.wd.Run()
	}
	if s.disc != nil {
		go func() {
			if err := s.disc.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Printf("supervisor: mdns: %v", err)
			}
		}()
	}

	if err := s.loadPersistedDevices(); err != nil {
		s.log.Printf("supervisor: load persisted devices: %v", err)
	}

	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()
	lastMDNS := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Tick(now)
			if s.disc != nil && now.Sub(lastMDNS) >= mdns.CheckInterval {
				lastMDNS = now
				s.drainMDNS()
			}
		}
	}
}

// Tick runs one iteration of spec.md §4.9's five numbered steps.
// Exported so tests can drive the loop deterministically without a real
// ticker.
func (s *Supervisor) Tick(now time.Time) {
	s.drainScan()
	s.updateDevices(now)
	s.retryFailed(now)
	s.maybeAutoscan(now)
	if s.wd != nil {
		s.wd.Kick()
	}
}

// Devices returns a snapshot of the live device set.
func (s *Supervisor) Devices() []*device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// Failed returns a snapshot of the specs currently in the retry list.
func (s *Supervisor) Failed() []devspec.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]devspec.Spec, len(s.failed))
	copy(out, s.failed)
	return out
}

// StartScan begins a network scan in the background unless one is
// already running (spec.md §4.9 step 1's drain/init path assumes at
// most one scan in flight).
func (s *Supervisor) StartScan() {
	if s.scanner == nil {
		return
	}
	s.mu.Lock()
	if s.scanActive {
		s.mu.Unlock()
		return
	}
	s.scanActive = true
	done := make(chan struct{})
	s.scanDone = done
	s.scanTime = time.Now()
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := s.scanner.NetworkScan(s.notConfigured, 0, func(doneN, total int) {
			pct := 0
			if total > 0 {
				pct = doneN * 100 / total
			}
			atomic.StoreInt32(&s.scanPct, int32(pct))
		})
		if err != nil {
			s.log.Printf("supervisor: network scan: %v", err)
		}
	}()
}

// drainScan implements spec.md §4.9 step 1: while a scan is running,
// expose its progress; once it completes, adopt discovered devices in
// order and clear.
func (s *Supervisor) drainScan() {
	s.mu.Lock()
	done := s.scanDone
	s.mu.Unlock()
	if done == nil {
		return
	}

	s.bus.Publish(s.serviceName, "/ScanProgress", int(atomic.LoadInt32(&s.scanPct)), nil)

	select {
	case <-done:
		s.mu.Lock()
		s.scanActive = false
		s.scanDone = nil
		s.mu.Unlock()

		for _, d := range s.scanner.Found() {
			s.adopt(d, false)
		}
		s.bus.Publish(s.serviceName, "/ScanProgress", nil, nil)
		s.bus.Publish(s.serviceName, "/Scan", false, nil)
	default:
	}
}

// updateDevices implements spec.md §4.9 step 2.
func (s *Supervisor) updateDevices(now time.Time) {
	for _, d := range s.Devices() {
		if err := d.Update(now); err != nil {
			if now.Sub(d.LastSeen) > s.cfg.FailTimeout {
				s.log.Printf("supervisor: %s: update failed, evicting: %v", d.Spec, err)
				s.evict(d)
				if s.cfg.ExitOnFail {
					s.exit(1)
				}
			}
		}
	}
}

func (s *Supervisor) evict(d *device.Device) {
	s.mu.Lock()
	delete(s.devices, d.Spec)
	s.failed = append(s.failed, d.Spec)
	s.mu.Unlock()
	d.Destroy()
	s.persistDeviceList()
}

// retryFailed implements spec.md §4.9 step 3.
func (s *Supervisor) retryFailed(now time.Time) {
	s.mu.Lock()
	failed := make([]devspec.Spec, len(s.failed))
	copy(failed, s.failed)
	sinceLastRetry := now.Sub(s.failedTime)
	s.mu.Unlock()

	if len(failed) == 0 || sinceLastRetry < s.cfg.FailedInterval {
		return
	}

	s.mu.Lock()
	s.failedTime = now
	s.mu.Unlock()

	found, stillFailed := s.reg.Probe(s.pool, failed, nil, s.cfg.ProbeTimeout, nil)
	for _, d := range found {
		s.adopt(d, false)
	}
	s.mu.Lock()
	s.failed = stillFailed
	s.mu.Unlock()
}

// maybeAutoscan implements spec.md §4.9 step 4.
func (s *Supervisor) maybeAutoscan(now time.Time) {
	if s.scanner == nil || !s.settings.AutoScan() {
		return
	}
	s.mu.Lock()
	since := now.Sub(s.scanTime)
	s.mu.Unlock()
	if since < s.cfg.ScanInterval {
		return
	}
	s.StartScan()
}

// adopt initializes a freshly probed device against the bus/settings and
// folds it into the live set. nosave skips persisting the device list,
// used for the initial load and ApplyDeviceListChange, whose specs are
// already in the persisted list.
func (s *Supervisor) adopt(d *device.Device, nosave bool) {
	if err := d.Init(s.bus, true, s.settings); err != nil {
		s.log.Printf("supervisor: init %s: %v", d.Spec, err)
		d.Destroy()
		return
	}
	s.mu.Lock()
	s.devices[d.Spec] = d
	s.mu.Unlock()
	if !nosave {
		s.persistDeviceList()
	}
}

func (s *Supervisor) notConfigured(spec devspec.Spec) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.devices[spec]
	return !exists
}

func (s *Supervisor) persistDeviceList() {
	s.mu.Lock()
	specs := make(map[devspec.Spec]struct{}, len(s.devices))
	for spec := range s.devices {
		specs[spec] = struct{}{}
	}
	s.mu.Unlock()
	if err := s.settings.SetDevices(specs); err != nil {
		s.log.Printf("supervisor: persist device list: %v", err)
	}
}

// loadPersistedDevices probes every spec the settings store remembers
// from a previous run, adopting matches and queuing the rest for retry.
func (s *Supervisor) loadPersistedDevices() error {
	specs, err := s.settings.Devices()
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return nil
	}
	list := make([]devspec.Spec, 0, len(specs))
	for spec := range specs {
		list = append(list, spec)
	}
	found, failed := s.reg.Probe(s.pool, list, nil, s.cfg.ProbeTimeout, nil)
	for _, d := range found {
		s.adopt(d, true)
	}
	s.mu.Lock()
	s.failed = append(s.failed, failed...)
	s.mu.Unlock()
	return nil
}

// drainMDNS implements spec.md §4.8's drain step: probe each newly
// resolved candidate with nosave=true, enable=false — a match is kept as
// a pending, not-yet-enabled device surfaced at
// "/Devices/<ident>/{Enabled,Serial,Name}" until a bus client writes
// Enabled=true.
func (s *Supervisor) drainMDNS() {
	for _, c := range s.disc.Drain() {
		spec := devspec.Spec{Method: devspec.TCP, Target: c.Host, Port: c.Port}
		if !s.notConfigured(spec) {
			continue
		}
		found, _ := s.reg.Probe(s.pool, []devspec.Spec{spec}, nil, s.cfg.ProbeTimeout, nil)
		for _, d := range found {
			s.addPending(d)
		}
	}
}

func (s *Supervisor) addPending(d *device.Device) {
	s.mu.Lock()
	if _, exists := s.pending[d.IdentStr]; exists {
		s.mu.Unlock()
		d.Client.Put(s.pool)
		return
	}
	s.pending[d.IdentStr] = d
	s.mu.Unlock()

	ident := d.IdentStr
	path := fmt.Sprintf("/Devices/%s", ident)
	s.bus.Publish(s.serviceName, path+"/Enabled", false, func(v any) error {
		on, _ := v.(bool)
		if on {
			s.enablePending(ident)
		}
		return nil
	})
	s.bus.Publish(s.serviceName, path+"/Serial", d.SerialNumber, nil)
	s.bus.Publish(s.serviceName, path+"/Name", d.ProductName, nil)
}

func (s *Supervisor) enablePending(ident string) {
	s.mu.Lock()
	d, ok := s.pending[ident]
	if ok {
		delete(s.pending, ident)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	path := fmt.Sprintf("/Devices/%s", ident)
	s.bus.Clear(s.serviceName, path+"/Enabled")
	s.bus.Clear(s.serviceName, path+"/Serial")
	s.bus.Clear(s.serviceName, path+"/Name")

	s.adopt(d, false)
}

// ApplyDeviceListChange implements spec.md §4.9's "Settings change"
// paragraph: given the device-spec set before and after an external edit
// to the persisted device list, destroys devices removed from the set
// and probes specs newly added to it. Callers invoke this when a
// settings-store watch observes the persisted list changed out from
// under the supervisor.
func (s *Supervisor) ApplyDeviceListChange(old, newSet map[devspec.Spec]struct{}) {
	for spec := range old {
		if _, still := newSet[spec]; !still {
			s.mu.Lock()
			d, ok := s.devices[spec]
			if ok {
				delete(s.devices, spec)
			}
			s.mu.Unlock()
			if ok {
				d.Destroy()
			}
		}
	}

	var fresh []devspec.Spec
	for spec := range newSet {
		if _, had := old[spec]; !had {
			fresh = append(fresh, spec)
		}
	}
	if len(fresh) == 0 {
		return
	}
	found, failed := s.reg.Probe(s.pool, fresh, nil, s.cfg.ProbeTimeout, nil)
	for _, d := range found {
		s.adopt(d, true)
	}
	s.mu.Lock()
	s.failed = append(s.failed, failed...)
	s.mu.Unlock()
}
