// Package subdevice implements secondary logical devices (e.g. a tank
// sensor sharing a meter's transport) per spec.md §4.6: a SubDevice owns
// its own register map and object-bus identity but shares the parent's
// transport, unit, and request serialization.
package subdevice

import (
	"fmt"

	"github.com/victronenergy/dbus-modbus-client/internal/device"
	"github.com/victronenergy/dbus-modbus-client/internal/modbusreg"
	"github.com/victronenergy/dbus-modbus-client/internal/objectbus"
)

// SubDevice is the base implementation of device.SubDevice. Specialized
// kinds (Tank) embed it.
type SubDevice struct {
	parent *device.Device
	subID  string

	Role        string
	ProductName string
	DataRegs    []*modbusreg.Register
	HoleMax     int

	groups      []*device.Group
	serviceName string
}

// New constructs a SubDevice under parent with the given sub-id, per
// spec.md §4.6 ("a synthetic get_ident() suffix").
func New(parent *device.Device, subID string) *SubDevice {
	return &SubDevice{parent: parent, subID: subID}
}

// Ident implements device.SubDevice: parent_ident + "_" + subid.
func (s *SubDevice) Ident() string {
	return s.parent.Ident() + "_" + s.subID
}

// Init implements device.SubDevice. It inherits the parent's /Serial,
// /FirmwareVersion, /HardwareVersion when not set locally, per spec.md
// §4.6, and publishes its own service + register paths.
func (s *SubDevice) Init(parent *device.Device) error {
	s.parent = parent

	holeMax := s.HoleMax
	if holeMax == 0 {
		holeMax = device.HoleMax(string(parent.Spec.Method))
	}
	s.groups = device.PackRegisters(s.DataRegs, holeMax, nil)

	s.serviceName = fmt.Sprintf("com.victronenergy.%s.%s", s.Role, s.Ident())
	bus := parent.Bus
	if err := bus.AddService(s.serviceName); err != nil {
		return fmt.Errorf("subdevice: %s: add service: %w", s.Ident(), err)
	}

	bus.Publish(s.serviceName, "/ProductName", s.ProductName, nil)
	bus.Publish(s.serviceName, "/Connected", 1, nil)
	bus.Publish(s.serviceName, "/Mgmt/Connection", parent.Spec.String()+"/"+s.subID, nil)
	bus.Publish(s.serviceName, "/Serial", parent.Serial(), nil)
	bus.Publish(s.serviceName, "/FirmwareVersion", parent.FirmwareVersion(), nil)
	bus.Publish(s.serviceName, "/HardwareVersion", parent.HardwareVersion(), nil)

	for _, r := range s.DataRegs {
		if r.Name == "" {
			continue
		}
		s.publishRegister(bus, r)
	}
	return nil
}

func (s *SubDevice) publishRegister(bus objectbus.Bus, r *modbusreg.Register) {
	var write objectbus.WriteFunc
	if r.Write.Enabled {
		reg := r
		write = func(v any) error { return s.writeRegister(reg, v) }
	}
	if r.IsValid() {
		bus.Publish(s.serviceName, r.Name, r.Value, write)
	} else {
		bus.Clear(s.serviceName, r.Name)
	}
}

func (s *SubDevice) writeRegister(r *modbusreg.Register, val any) error {
	f, ok := val.(float64)
	if !ok {
		return fmt.Errorf("subdevice: %s: write %s: value not numeric", s.Ident(), r.Name)
	}
	scale := r.Scale
	if scale == 0 {
		scale = 1
	}
	if !r.Write.Accepts(int64(f * scale)) {
		return fmt.Errorf("subdevice: %s: write %s: rejected by policy", s.Ident(), r.Name)
	}
	r.Value = f
	words, err := r.Encode()
	if err != nil {
		return err
	}
	if len(words) == 1 {
		return s.parent.Client.WriteSingleRegister(r.Base, words[0])
	}
	return s.parent.Client.WriteMultipleRegisters(r.Base, words)
}

// Update reads only this sub-device's own packed groups, recursing
// without re-measuring latency (spec.md §4.6, §4.5.3).
func (s *SubDevice) Update(now int64) error {
	for _, g := range s.groups {
		if now-g.LastRead < g.MaxAge {
			continue
		}
		raw, err := s.readGroup(g)
		if err != nil {
			return err
		}
		g.LastRead = now
		s.decodeGroup(g, raw, now)
	}
	s.parent.Bus.Flush(s.serviceName)
	return nil
}

func (s *SubDevice) readGroup(g *device.Group) ([]byte, error) {
	if g.Access == "input" {
		return s.parent.Client.ReadInputRegisters(g.Base, uint16(g.Count))
	}
	return s.parent.Client.ReadHoldingRegisters(g.Base, uint16(g.Count))
}

func (s *SubDevice) decodeGroup(g *device.Group, raw []byte, now int64) {
	words := make([]uint16, len(raw)/2)
	for i := range words {
		words[i] = uint16(raw[i*2])<<8 | uint16(raw[i*2+1])
	}
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
			s.publishRegister(s.parent.Bus, r)
		}
	}
}
