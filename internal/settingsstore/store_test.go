package settingsstore

import (
	"testing"

	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRoleAndInstanceDefaultsWhenUnset(t *testing.T) {
	s := newTestStore(t)
	role, instance, err := s.RoleAndInstance("cg_1234", "grid")
	if err != nil {
		t.Fatalf("RoleAndInstance: %v", err)
	}
	if role != "grid" || instance != 0 {
		t.Fatalf("RoleAndInstance = (%q, %d), want (grid, 0)", role, instance)
	}
}

func TestRoleAndInstancePersists(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetRoleAndInstance("cg_1234", "grid", 2); err != nil {
		t.Fatalf("SetRoleAndInstance: %v", err)
	}
	role, instance, err := s.RoleAndInstance("cg_1234", "battery")
	if err != nil {
		t.Fatalf("RoleAndInstance: %v", err)
	}
	if role != "grid" || instance != 2 {
		t.Fatalf("RoleAndInstance = (%q, %d), want (grid, 2)", role, instance)
	}
}

func TestEnabledDefaultsToImplicitTrue(t *testing.T) {
	s := newTestStore(t)
	enabled, explicit := s.Enabled("cg_1234")
	if !enabled || explicit {
		t.Fatalf("Enabled = (%v, %v), want (true, false)", enabled, explicit)
	}
}

func TestSetEnabledPersistsExplicitOverride(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetEnabled("cg_1234", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	enabled, explicit := s.Enabled("cg_1234")
	if enabled || !explicit {
		t.Fatalf("Enabled = (%v, %v), want (false, true)", enabled, explicit)
	}
}

func TestCustomNameRoundTrips(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetCustomName("cg_1234", "Shed meter"); err != nil {
		t.Fatalf("SetCustomName: %v", err)
	}
	name, ok := s.CustomName("cg_1234")
	if !ok || name != "Shed meter" {
		t.Fatalf("CustomName = (%q, %v), want (Shed meter, true)", name, ok)
	}
}

func TestTankCalibrationRoundTrips(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetTankCalibration("cg_1234_tank1", 10, 200, 0.2); err != nil {
		t.Fatalf("SetTankCalibration: %v", err)
	}
	empty, full, cap := s.TankCalibration("cg_1234_tank1")
	if empty != 10 || full != 200 || cap != 0.2 {
		t.Fatalf("TankCalibration = (%v, %v, %v), want (10, 200, 0.2)", empty, full, cap)
	}
}

func TestDevicesRoundTrips(t *testing.T) {
	s := newTestStore(t)
	specs := map[devspec.Spec]struct{}{
		{Method: devspec.TCP, Target: "192.168.1.5", Port: 502, Unit: 1}: {},
	}
	if err := s.SetDevices(specs); err != nil {
		t.Fatalf("SetDevices: %v", err)
	}
	got, err := s.Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Devices() = %v, want 1 entry", got)
	}
}

func TestAutoScanDefaultsOn(t *testing.T) {
	s := newTestStore(t)
	if !s.AutoScan() {
		t.Fatal("AutoScan() = false, want default true")
	}
	if err := s.SetAutoScan(false); err != nil {
		t.Fatalf("SetAutoScan: %v", err)
	}
	if s.AutoScan() {
		t.Fatal("AutoScan() = true after SetAutoScan(false)")
	}
}
