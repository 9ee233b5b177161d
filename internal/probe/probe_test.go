package probe

import (
	"testing"
	"time"

	"github.com/victronenergy/dbus-modbus-client/internal/device"
	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
	"github.com/victronenergy/dbus-modbus-client/internal/mbclient"
	"github.com/victronenergy/dbus-modbus-client/internal/modbusreg"
)

// stubHandler lets Registry.Units/Rates tests run without a real Modbus
// transport; its Probe is never exercised here.
type stubHandler struct {
	methods []devspec.Method
	units   []int
	rates   []int
}

func (h *stubHandler) Methods() []devspec.Method { return h.methods }
func (h *stubHandler) Units() []int              { return h.units }
func (h *stubHandler) Rates() []int              { return h.rates }
func (h *stubHandler) Timeout() time.Duration    { return DefaultTimeout }

func (h *stubHandler) Probe(spec devspec.Spec, c *mbclient.Client, timeout time.Duration) (*device.Device, error) {
	return nil, nil
}

func TestRegistryUnitsRatesDedupe(t *testing.T) {
	reg := NewRegistry()
	reg.Add(&stubHandler{methods: []devspec.Method{devspec.RTU}, units: []int{1, 2}, rates: []int{9600}})
	reg.Add(&stubHandler{methods: []devspec.Method{devspec.RTU}, units: []int{2, 3}, rates: []int{9600, 19200}})
	reg.Add(&stubHandler{methods: []devspec.Method{devspec.TCP}, units: []int{99}})

	units := reg.Units(devspec.RTU)
	if len(units) != 3 {
		t.Fatalf("Units(RTU) = %v, want 3 deduplicated entries", units)
	}

	rates := reg.Rates(devspec.RTU)
	if len(rates) != 2 {
		t.Fatalf("Rates(RTU) = %v, want 2 deduplicated entries", rates)
	}
}

func TestModelRegisterAccessKindsFixedWhenSet(t *testing.T) {
	m := &ModelRegister{Reg: &modbusreg.Register{Access: "input"}}
	got := m.accessKinds()
	if len(got) != 1 || got[0] != "input" {
		t.Fatalf("accessKinds() = %v, want [input]", got)
	}
}

func TestModelRegisterAccessKindsTriesBothWhenUnset(t *testing.T) {
	m := &ModelRegister{Reg: &modbusreg.Register{}}
	got := m.accessKinds()
	if len(got) != 2 || got[0] != "holding" || got[1] != "input" {
		t.Fatalf("accessKinds() = %v, want [holding input]", got)
	}
}

// TestModelLookupByDecodedValue exercises the decode -> model-table
// dispatch in isolation from the transport, mirroring what Probe does
// once it has raw words in hand.
func TestModelLookupByDecodedValue(t *testing.T) {
	reg := &modbusreg.Register{Base: 0, Count: 1, Coding: modbusreg.U16}
	if _, err := reg.Decode([]uint16{7}, 1); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	raw, ok := toInt(reg.Value)
	if !ok || raw != 7 {
		t.Fatalf("toInt(%v) = %v, %v; want 7, true", reg.Value, raw, ok)
	}

	models := map[int]Model{
		7: {Name: "widget-7"},
	}
	if _, ok := models[raw]; !ok {
		t.Fatalf("model table lookup missed entry for raw=%d", raw)
	}
	if _, ok := models[8]; ok {
		t.Fatalf("model table lookup matched an unregistered raw value")
	}
}

func TestBytesToWords(t *testing.T) {
	got := bytesToWords([]byte{0x01, 0x02, 0x03, 0x04})
	want := []uint16{0x0102, 0x0304}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("bytesToWords = %#v, want %#v", got, want)
	}
}
