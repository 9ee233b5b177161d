package device

// Capability interfaces replace the cooperative multiple-inheritance
// mixins (CustomName, EnergyMeter, SubDevice, ShmExport, VregLink,
// ErrorId) named in spec.md §9: each capability is a small interface: the
// Device aggregates at most one of each as an optional field, and
// layout-time hooks (device_init_late) become explicit phase calls
// invoked in a fixed order (SPEC_FULL.md §6 "4.5 Device framework —
// additions": EnergyMeter → ErrorID → VregLink → SubDevices).

// InitLate is implemented by every capability that needs to add dynamic
// object-bus paths once the device's standard paths exist.
type InitLate interface {
	InitLate(d *Device) error
}

// HasErrorID is the optional capability publishing a vendor-specific
// error/alarm code at /ErrorId.
type HasErrorID interface {
	InitLate
	ErrorID() int
}

// HasEnergyMeter is the optional capability adding the energy-meter
// specific paths (e.g. /Ac/Energy/Forward) on top of the generic
// register set.
type HasEnergyMeter interface {
	InitLate
}

// HasVregLink is the optional capability wiring the FC23 vendor control
// channel (internal/vreglink) onto a device's shared client.
type HasVregLink interface {
	InitLate
}

// HasRemoteStartOverride is the override hook kept available for any
// driver per spec.md §9 Open Question ("Some drivers (DSE 4520 MKII)
// explicitly override a remote start support flag because the device
// misreports capability. Other devices may do the same; implementers
// should keep this override hook available."). claimed reports whether
// the device's own register claims remote-start support; override, when
// true, means that claim should be disregarded in favor of
// overrideValue.
type HasRemoteStartOverride interface {
	RemoteStartOverride() (claimed bool, override bool, overrideValue bool)
}

// ParentInfo is the read-only view a SubDevice is given of its parent,
// per spec.md §9 ("Sub-devices reaching into parent's info: expose only a
// read-only parent-info view; the sub-device never mutates parent state
// other than the shared transport's request queue").
type ParentInfo interface {
	Ident() string
	Serial() string
	FirmwareVersion() string
	HardwareVersion() string
}

// SubDevice is the interface a logical child device (internal/subdevice)
// implements so Device can drive it without an import cycle.
type SubDevice interface {
	Init(d *Device) error
	Update(now int64) error
	Ident() string
}
