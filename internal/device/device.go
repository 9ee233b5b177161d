// Package device implements the device driver framework: register
// packing, init/update/write, the reinit state machine, and the
// capability composition that replaces the original's mixin hierarchy
// (spec.md §4.5, §9).
package device

import (
	"fmt"
	"time"

	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
	"github.com/victronenergy/dbus-modbus-client/internal/mbclient"
	"github.com/victronenergy/dbus-modbus-client/internal/modbusreg"
	"github.com/victronenergy/dbus-modbus-client/internal/objectbus"
)

// State is the device lifecycle state, per spec.md §4.10.
type State int

const (
	Uninitialized State = iota
	Initialized
	ReinitPending
	Disabled
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case ReinitPending:
		return "reinit-pending"
	case Disabled:
		return "disabled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// SettingsBinder is the narrow view device.Init needs of the external
// settings store (spec.md §1 "deliberately out of scope... The core
// requires only a small interface"). internal/settingsstore.Store
// satisfies this structurally; device never imports it.
type SettingsBinder interface {
	RoleAndInstance(ident, defaultRole string) (role string, instance int, err error)
	Enabled(ident string) (enabled bool, explicit bool)
	CustomName(ident string) (name string, ok bool)
}

// Hooks are the driver-provided extension points spec.md §4.5.2 calls
// "driver hooks": DeviceInit (step 1), ReadInfo (step 2, defaulted if
// nil), InitLate (step 10, beyond the fixed capability phases).
type Hooks struct {
	DeviceInit func(d *Device) error
	ReadInfo   func(d *Device) error
	InitLate   func(d *Device) error
}

// Factory constructs a Device after a probe handler's model match
// (spec.md §4.4 "construct a driver instance Driver(spec, client,
// modelName)").
type Factory func(spec devspec.Spec, c *mbclient.Client, model string) (*Device, error)

// Device is the union described in spec.md §3: a DeviceSpec, a shared
// Client, a driver's register maps, role/instance, and optional
// capabilities.
type Device struct {
	Spec   devspec.Spec
	Client *mbclient.Client
	Pool   *mbclient.Pool

	DeviceType  string
	VendorName  string
	Model       string
	ProductID   int
	ProductName string

	IdentStr    string
	SerialNumber string
	FirmwareVer  string
	HardwareVer  string

	Role        string
	AllowedRoles []string
	Instance    int
	CustomName  string
	Enabled     bool

	MinTimeout time.Duration
	Latency    time.Duration // probe latency, seeds the LatencyFilter
	Timeout    time.Duration
	filter     *LatencyFilter

	InfoRegs    []*modbusreg.Register
	DataRegs    []*modbusreg.Register
	HoleMax     int // 0 means derive from Spec.Method
	RegBarriers map[uint16]bool
	Groups      []*Group

	RefreshTime time.Duration
	ProcessName    string
	ProcessVersion string

	Hooks Hooks

	// Optional capabilities, invoked in fixed order by runInitLate:
	// EnergyMeter -> ErrorID -> VregLink -> SubDevices.
	EnergyMeter HasEnergyMeter
	ErrorID     HasErrorID
	VregLink    HasVregLink
	SubDevices  []SubDevice

	// RemoteStart is consulted via type assertion against
	// HasRemoteStartOverride by drivers needing the override hook
	// (spec.md §9 Open Question); nil for ordinary devices.
	RemoteStart HasRemoteStartOverride

	State      State
	NeedReinit bool
	LastSeen   time.Time

	Bus         objectbus.Bus
	ServiceName string
	Settings    SettingsBinder
}

// Ident implements ParentInfo: "<vendor_id>_<serial>" per spec.md §4.5.2
// step 6.
func (d *Device) Ident() string { return d.IdentStr }

func (d *Device) Serial() string           { return d.SerialNumber }
func (d *Device) FirmwareVersion() string  { return d.FirmwareVer }
func (d *Device) HardwareVersion() string  { return d.HardwareVer }

// SchedReinit requests a reinit on the next tick, per spec.md §4.5.5
// ("A driver may request a reinit... when a setting that changes
// register layout is written").
func (d *Device) SchedReinit() { d.NeedReinit = true }

// Init performs spec.md §4.5.2 steps 1-11.
func (d *Device) Init(bus objectbus.Bus, enable bool, settings SettingsBinder) error {
	d.Bus = bus
	d.Settings = settings

	if d.Hooks.DeviceInit != nil {
		if err := d.Hooks.DeviceInit(d); err != nil {
			return fmt.Errorf("device: %s: device_init: %w", d.Spec, err)
		}
	}

	if d.Hooks.ReadInfo != nil {
		if err := d.Hooks.ReadInfo(d); err != nil {
			return fmt.Errorf("device: %s: read_info: %w", d.Spec, err)
		}
	} else if err := d.defaultReadInfo(); err != nil {
		return fmt.Errorf("device: %s: read_info: %w", d.Spec, err)
	}

	role, instance := d.Role, d.Instance
	enabledSetting := true
	if settings != nil {
		if r, i, err := settings.RoleAndInstance(d.IdentStr, d.Role); err == nil {
			role, instance = r, i
		}
		if en, explicit := settings.Enabled(d.IdentStr); explicit {
			enabledSetting = en
		}
		if name, ok := settings.CustomName(d.IdentStr); ok {
			d.CustomName = name
		}
	}
	d.Role = role
	d.Instance = instance

	if !enable || !enabledSetting {
		d.release()
		d.State = Disabled
		return nil
	}

	holeMax := d.HoleMax
	if holeMax == 0 {
		holeMax = HoleMax(string(d.Spec.Method))
	}
	d.Groups = PackRegisters(d.DataRegs, holeMax, d.RegBarriers)

	d.ServiceName = fmt.Sprintf("com.victronenergy.%s.%s", d.Role, d.IdentStr)
	if err := bus.AddService(d.ServiceName); err != nil {
		return fmt.Errorf("device: %s: add service: %w", d.Spec, err)
	}

	d.publishStandardPaths()
	d.publishRegisterPaths(d.InfoRegs)
	d.publishRegisterPaths(d.DataRegs)

	d.filter = NewLatencyFilter(d.Latency)
	d.Timeout = d.filter.Timeout(d.MinTimeout)

	if err := d.runInitLate(); err != nil {
		return fmt.Errorf("device: %s: init_late: %w", d.Spec, err)
	}

	bus.Flush(d.ServiceName)
	d.State = Initialized
	d.LastSeen = time.Now()
	d.NeedReinit = false
	return nil
}

func (d *Device) defaultReadInfo() error {
	if len(d.InfoRegs) == 0 {
		return nil
	}
	now := time.Now().UnixNano()
	for _, r := range d.InfoRegs {
		words, err := d.readRegister(r)
		if err != nil {
			return err
		}
		if _, err := r.Decode(words, now); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) readRegister(r *modbusreg.Register) ([]uint16, error) {
	g := &Group{Access: r.AccessOrDefault(), Base: r.Base, Count: r.WordSpan()}
	raw, err := d.readGroupBytes(g)
	if err != nil {
		return nil, err
	}
	return bytesToWords(raw), nil
}

// ReadRegister reads and decodes a single register outside the normal
// Groups poll cycle, for a DeviceInit hook that needs a register's value
// (phase config, role ID, firmware version) before the rest of the
// register set is known, mirroring the original's direct
// self.read_register(reg) calls during device_init.
func (d *Device) ReadRegister(r *modbusreg.Register) error {
	words, err := d.readRegister(r)
	if err != nil {
		return err
	}
	_, err = r.Decode(words, time.Now().UnixNano())
	return err
}

// runInitLate invokes the fixed-order capability phases (SPEC_FULL.md
// §6 "4.5 Device framework — additions") then device_init_late, then
// SubDevices.
func (d *Device) runInitLate() error {
	phases := []InitLate{}
	if d.EnergyMeter != nil {
		phases = append(phases, d.EnergyMeter)
	}
	if d.ErrorID != nil {
		phases = append(phases, d.ErrorID)
	}
	if d.VregLink != nil {
		phases = append(phases, d.VregLink)
	}
	for _, p := range phases {
		if err := p.InitLate(d); err != nil {
			return err
		}
	}
	if d.Hooks.InitLate != nil {
		if err := d.Hooks.InitLate(d); err != nil {
			return err
		}
	}
	for _, sd := range d.SubDevices {
		if err := sd.Init(d); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) publishStandardPaths() {
	b, s := d.Bus, d.ServiceName
	b.Publish(s, "/Mgmt/ProcessName", d.ProcessName, nil)
	b.Publish(s, "/Mgmt/ProcessVersion", d.ProcessVersion, nil)
	b.Publish(s, "/Mgmt/Connection", d.Spec.String(), nil)
	b.Publish(s, "/DeviceInstance", d.Instance, nil)
	b.Publish(s, "/ProductId", d.ProductID, nil)
	b.Publish(s, "/ProductName", d.ProductName, nil)
	b.Publish(s, "/Model", d.Model, nil)
	b.Publish(s, "/Connected", 1, nil)
	b.Publish(s, "/Role", d.Role, nil)
	if len(d.AllowedRoles) > 0 {
		b.Publish(s, "/AllowedRoles", d.AllowedRoles, nil)
	}
	if d.RefreshTime > 0 {
		b.Publish(s, "/RefreshTime", int(d.RefreshTime/time.Millisecond), nil)
	}
	b.Publish(s, "/CustomName", d.CustomName, func(v any) error {
		name, _ := v.(string)
		d.CustomName = name
		return nil
	})
}

func (d *Device) publishRegisterPaths(regs []*modbusreg.Register) {
	for _, r := range regs {
		if r.Name == "" {
			continue
		}
		d.publishRegister(r)
	}
}

func (d *Device) publishRegister(r *modbusreg.Register) {
	var write objectbus.WriteFunc
	if r.Write.Enabled {
		reg := r
		write = func(v any) error { return d.WriteRegister(reg, v) }
	}
	if r.IsValid() {
		d.Bus.Publish(d.ServiceName, r.Name, r.Value, write)
	} else {
		d.Bus.Clear(d.ServiceName, r.Name)
		if write != nil {
			// a write-only path with no current value still needs a
			// WriteFunc registered; Publish with a nil value does that
			// without surfacing a bogus reading.
			d.Bus.Publish(d.ServiceName, r.Name, nil, write)
		}
	}
}

// release puts back the client reference without publishing anything,
// per spec.md §4.5.2 step 4 ("release the client reference and return
// in the Disabled state").
func (d *Device) release() {
	if d.Client != nil {
		d.Client.Put(d.Pool)
		d.Client = nil
	}
}

// Destroy tears down the published service and releases the transport
// reference, used on failure eviction and before a reinit rebuild.
func (d *Device) Destroy() {
	if d.Bus != nil && d.ServiceName != "" {
		d.Bus.RemoveService(d.ServiceName)
	}
	d.release()
}

// reinit implements spec.md §4.10's "ReinitPending -> next tick ->
// destroy -> Uninitialized -> Initialized": the service is torn down and
// rebuilt, but the transport client and settings binder are kept (only
// the bus publication and register packing are rebuilt).
func (d *Device) reinit() error {
	if d.Bus != nil && d.ServiceName != "" {
		d.Bus.RemoveService(d.ServiceName)
	}
	d.State = Uninitialized
	return d.Init(d.Bus, true, d.Settings)
}

// Update implements spec.md §4.5.3.
func (d *Device) Update(now time.Time) error {
	if d.NeedReinit {
		if err := d.reinit(); err != nil {
			return err
		}
	}
	if d.State == Disabled {
		return nil
	}

	d.Client.SetTimeout(d.Timeout)
	nowNanos := now.UnixNano()

	var tickMax time.Duration
	for _, g := range d.Groups {
		if nowNanos-g.LastRead < g.MaxAge {
			continue
		}
		t0 := time.Now()
		raw, err := d.readGroupBytes(g)
		if err != nil {
			return fmt.Errorf("device: %s: update: %w", d.Spec, err)
		}
		lat := time.Since(t0)
		if lat > tickMax {
			tickMax = lat
		}
		g.LastRead = nowNanos
		d.decodeGroup(g, bytesToWords(raw), nowNanos)
	}

	for _, sd := range d.SubDevices {
		if err := sd.Update(nowNanos); err != nil {
			return fmt.Errorf("device: %s: subdevice %s: %w", d.Spec, sd.Ident(), err)
		}
	}

	if tickMax > 0 {
		d.filter.Update(tickMax)
		d.Timeout = d.filter.Timeout(d.MinTimeout)
	}

	d.Bus.Flush(d.ServiceName)
	d.LastSeen = now
	return nil
}

func (d *Device) decodeGroup(g *Group, words []uint16, now int64) {
	for _, r := range g.Regs {
		span := r.WordSpan()
		start := int(r.Base) - int(g.Base)
		if start < 0 || start+span > len(words) {
			continue
		}
		changed, err := r.Decode(words[start:start+span], now)
		if err != nil || r.Name == "" {
			continue
		}
		if changed {
			d.publishRegister(r)
		}
	}
}

func (d *Device) readGroupBytes(g *Group) ([]byte, error) {
	if g.Access == "input" {
		return d.Client.ReadInputRegisters(g.Base, uint16(g.Count))
	}
	return d.Client.ReadHoldingRegisters(g.Base, uint16(g.Count))
}

func bytesToWords(b []byte) []uint16 {
	n := len(b) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = uint16(b[i*2])<<8 | uint16(b[i*2+1])
	}
	return out
}

// WriteRegister implements spec.md §4.5.4.
func (d *Device) WriteRegister(r *modbusreg.Register, val any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("device: %s: write %s: %v", d.Spec, r.Name, rec)
		}
	}()

	if s, isText := val.(string); isText {
		if r.Write.Callback != nil {
			return r.Write.Callback(r, s)
		}
		if r.Coding != modbusreg.Text || !r.Write.Accepts(0) {
			return fmt.Errorf("device: %s: write %s: text registers require a write callback or Text coding", d.Spec, r.Name)
		}
		r.Value = s
		words, err := r.Encode()
		if err != nil {
			return err
		}
		return d.Client.WriteMultipleRegisters(r.Base, words)
	}

	f, ok := toFloat(val)
	if !ok {
		return fmt.Errorf("device: %s: write %s: value %v not numeric", d.Spec, r.Name, val)
	}

	if r.Write.Callback != nil {
		return r.Write.Callback(r, f)
	}

	scale := r.Scale
	if scale == 0 {
		scale = 1
	}
	raw := int64(f * scale)
	if !r.Write.Accepts(raw) {
		return fmt.Errorf("device: %s: write %s: value %v rejected by policy", d.Spec, r.Name, val)
	}

	switch r.Coding {
	case modbusreg.Enum16, modbusreg.Map16, modbusreg.MapU16:
		r.Value = int(raw)
	default:
		r.Value = f
	}
	words, err := r.Encode()
	if err != nil {
		return err
	}

	if len(words) == 1 {
		return d.Client.WriteSingleRegister(r.Base, words[0])
	}
	return d.Client.WriteMultipleRegisters(r.Base, words)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
