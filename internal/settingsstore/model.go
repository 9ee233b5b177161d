package settingsstore

// DeviceRow persists one device's role/instance assignment and user
// overrides, keyed by its ident ("<vendor_id>_<serial>"), per spec.md
// §4.5.2 step 6/§9 "the external settings store."
type DeviceRow struct {
	Ident      string `gorm:"primaryKey"`
	Role       string
	Instance   int
	Enabled    bool
	HasEnabled bool // whether Enabled was ever explicitly set, vs. defaulted
	CustomName string
}

func (DeviceRow) TableName() string { return "device_settings" }

// TankCalibrationRow persists a Tank sub-device's raw-value calibration,
// per spec.md §4.6 "/RawValueEmpty, /RawValueFull, /Capacity."
type TankCalibrationRow struct {
	Ident         string `gorm:"primaryKey"`
	RawValueEmpty float64
	RawValueFull  float64
	Capacity      float64
}

func (TankCalibrationRow) TableName() string { return "tank_calibration" }

// GlobalSetting is a single-row key/value table for the supervisor-level
// settings spec.md §4.9 reads: the comma-separated device-spec list and
// the autoscan flag.
type GlobalSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (GlobalSetting) TableName() string { return "global_settings" }

const (
	keyDeviceList = "devices"
	keyAutoScan   = "autoscan"
)
