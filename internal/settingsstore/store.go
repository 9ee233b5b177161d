// Package settingsstore is the default implementation of the "external
// settings store" spec.md §1/§9 treats as a collaborator the core never
// depends on directly: device role/instance/enabled/custom-name
// overrides, tank calibration, and the supervisor-level device list and
// autoscan flag, all backed by SQLite through GORM.
//
// Grounded in the teacher's internal/db/orm.go (openORM/AutoMigrate
// pattern), repurposed from the teacher's server/device/point telemetry
// schema to this module's settings schema. The driver underneath is
// gorm.io/driver/sqlite, which uses the cgo mattn/go-sqlite3 driver.
package settingsstore

import (
	"fmt"
	"strings"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
)

// Store is a GORM/SQLite-backed settings store satisfying
// device.SettingsBinder structurally (no import of internal/device here,
// keeping the dependency one-directional per spec.md §9's narrow-binder
// redesign flag).
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the SQLite-backed store at path and
// migrates its schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("settingsstore: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&DeviceRow{}, &TankCalibrationRow{}, &GlobalSetting{}); err != nil {
		return nil, fmt.Errorf("settingsstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying SQL connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RoleAndInstance implements device.SettingsBinder: returns the
// persisted role/instance for ident, falling back to defaultRole and
// instance 0 if no row exists yet. Reading does not create a row; only
// SetRoleAndInstance (or another setter) writes one.
func (s *Store) RoleAndInstance(ident, defaultRole string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row DeviceRow
	err := s.db.First(&row, "ident = ?", ident).Error
	if err == gorm.ErrRecordNotFound {
		return defaultRole, 0, nil
	}
	if err != nil {
		return defaultRole, 0, fmt.Errorf("settingsstore: role/instance %s: %w", ident, err)
	}
	if row.Role == "" {
		return defaultRole, row.Instance, nil
	}
	return row.Role, row.Instance, nil
}

// SetRoleAndInstance persists the assigned role/instance for ident,
// called once a device has successfully settled on one.
func (s *Store) SetRoleAndInstance(ident, role string, instance int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row DeviceRow
	err := s.db.First(&row, "ident = ?", ident).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return fmt.Errorf("settingsstore: set role/instance %s: %w", ident, err)
	}
	row.Ident = ident
	row.Role = role
	row.Instance = instance
	return s.db.Save(&row).Error
}

// Enabled implements device.SettingsBinder: reports the persisted
// enabled override for ident and whether one was ever explicitly set.
func (s *Store) Enabled(ident string) (enabled bool, explicit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row DeviceRow
	if err := s.db.First(&row, "ident = ?", ident).Error; err != nil {
		return true, false
	}
	return row.Enabled, row.HasEnabled
}

// SetEnabled persists an explicit enabled/disabled override for ident.
func (s *Store) SetEnabled(ident string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row DeviceRow
	err := s.db.First(&row, "ident = ?", ident).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return fmt.Errorf("settingsstore: set enabled %s: %w", ident, err)
	}
	row.Ident = ident
	row.Enabled = enabled
	row.HasEnabled = true
	return s.db.Save(&row).Error
}

// CustomName implements device.SettingsBinder.
func (s *Store) CustomName(ident string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row DeviceRow
	if err := s.db.First(&row, "ident = ?", ident).Error; err != nil {
		return "", false
	}
	return row.CustomName, row.CustomName != ""
}

// SetCustomName persists a user-assigned display name for ident.
func (s *Store) SetCustomName(ident, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row DeviceRow
	err := s.db.First(&row, "ident = ?", ident).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return fmt.Errorf("settingsstore: set custom name %s: %w", ident, err)
	}
	row.Ident = ident
	row.CustomName = name
	return s.db.Save(&row).Error
}

// TankCalibration returns the persisted calibration for a Tank
// sub-device, or zero values if none has been set.
func (s *Store) TankCalibration(ident string) (empty, full, capacity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row TankCalibrationRow
	if err := s.db.First(&row, "ident = ?", ident).Error; err != nil {
		return 0, 0, 0
	}
	return row.RawValueEmpty, row.RawValueFull, row.Capacity
}

// SetTankCalibration persists a Tank sub-device's calibration.
func (s *Store) SetTankCalibration(ident string, empty, full, capacity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := TankCalibrationRow{Ident: ident, RawValueEmpty: empty, RawValueFull: full, Capacity: capacity}
	return s.db.Save(&row).Error
}

// Devices returns the persisted comma-separated device-spec set, per
// spec.md §4.9 "persisted device list."
func (s *Store) Devices() (map[devspec.Spec]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row GlobalSetting
	err := s.db.First(&row, "key = ?", keyDeviceList).Error
	if err == gorm.ErrRecordNotFound {
		return map[devspec.Spec]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settingsstore: devices: %w", err)
	}
	parts := strings.Split(row.Value, ",")
	return devspec.FromStrings(parts), nil
}

// SetDevices persists the device-spec set back to the comma-separated
// settings form.
func (s *Store) SetDevices(specs map[devspec.Spec]struct{}) error {
	return s.setGlobal(keyDeviceList, devspec.JoinStrings(specs))
}

// AutoScan reports whether automatic periodic scanning is enabled, per
// spec.md §4.9 "if autoscan is on."
func (s *Store) AutoScan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row GlobalSetting
	if err := s.db.First(&row, "key = ?", keyAutoScan).Error; err != nil {
		return true // default on, matching the original's AutoScan default
	}
	return row.Value == "1"
}

// SetAutoScan persists the autoscan flag.
func (s *Store) SetAutoScan(on bool) error {
	val := "0"
	if on {
		val = "1"
	}
	return s.setGlobal(keyAutoScan, val)
}

func (s *Store) setGlobal(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row GlobalSetting
	err := s.db.First(&row, "key = ?", key).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return fmt.Errorf("settingsstore: set %s: %w", key, err)
	}
	row.Key = key
	row.Value = value
	return s.db.Save(&row).Error
}
