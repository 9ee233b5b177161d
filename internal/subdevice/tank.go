package subdevice

import (
	"github.com/victronenergy/dbus-modbus-client/internal/device"
	"github.com/victronenergy/dbus-modbus-client/internal/modbusreg"
)

// Tank specializes SubDevice, adding /Level and /Remaining derived from
// a /RawValue register and calibration settings, per spec.md §4.6.
type Tank struct {
	*SubDevice

	RawValue *modbusreg.Register // the register publishing /RawValue

	RawValueEmpty float64
	RawValueFull  float64
	Capacity      float64 // m3, per spec.md §6 settings table
	FluidType     int
}

// NewTank constructs a Tank sub-device under parent.
func NewTank(parent *device.Device, subID string) *Tank {
	return &Tank{SubDevice: New(parent, subID)}
}

// Init publishes the base sub-device paths, then wires a change hook on
// RawValue that derives /Level and /Remaining, per spec.md §4.6
// ("clamped to [min(empty,full), max(empty,full)] before computing
// level = (raw - empty)/(full - empty)").
func (t *Tank) Init(parent *device.Device) error {
	if err := t.SubDevice.Init(parent); err != nil {
		return err
	}
	if t.RawValue != nil {
		prev := t.RawValue.OnChange
		t.RawValue.OnChange = func(r *modbusreg.Register) {
			if prev != nil {
				prev(r)
			}
			t.publishLevel()
		}
	}
	return nil
}

func (t *Tank) publishLevel() {
	if t.RawValue == nil || !t.RawValue.IsValid() {
		return
	}
	raw, ok := t.RawValue.Value.(float64)
	if !ok {
		return
	}

	empty, full := t.RawValueEmpty, t.RawValueFull
	lo, hi := empty, full
	if lo > hi {
		lo, hi = hi, lo
	}
	if raw < lo {
		raw = lo
	}
	if raw > hi {
		raw = hi
	}

	var level float64
	if full != empty {
		level = (raw - empty) / (full - empty)
	}

	bus := t.parent.Bus
	bus.Publish(t.serviceName, "/Level", level*100, nil)
	bus.Publish(t.serviceName, "/Remaining", level*t.Capacity, nil)
	bus.Publish(t.serviceName, "/FluidType", t.FluidType, nil)
	bus.Publish(t.serviceName, "/Capacity", t.Capacity, nil)
}
