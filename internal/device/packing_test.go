package device

import (
	"testing"

	"github.com/victronenergy/dbus-modbus-client/internal/modbusreg"
)

func reg(base uint16, count int) *modbusreg.Register {
	return &modbusreg.Register{Base: base, Count: count, Coding: modbusreg.Text}
}

// Scenario B: bases {0x5000(4), 0x5004(4), 0x5B00(2), 0x5B02(2),
// 0x5B0C(2)} at hole_max=8 pack into two groups: [0x5000..0x5008) and
// [0x5B00..0x5B0E).
func TestPackRegistersScenarioB(t *testing.T) {
	regs := []*modbusreg.Register{
		reg(0x5000, 4),
		reg(0x5004, 4),
		reg(0x5B00, 2),
		reg(0x5B02, 2),
		reg(0x5B0C, 2),
	}

	groups := PackRegisters(regs, 8, nil)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	if groups[0].Base != 0x5000 || groups[0].Count != 8 {
		t.Fatalf("group 0: got base=%#x count=%d, want base=0x5000 count=8", groups[0].Base, groups[0].Count)
	}
	if groups[1].Base != 0x5B00 || groups[1].Count != 0x0E {
		t.Fatalf("group 1: got base=%#x count=%d, want base=0x5B00 count=14", groups[1].Base, groups[1].Count)
	}
}

func TestPackRegistersSeparatesAccessKinds(t *testing.T) {
	holding := reg(0x10, 1)
	input := &modbusreg.Register{Base: 0x10, Count: 1, Coding: modbusreg.Text, Access: "input"}

	groups := PackRegisters([]*modbusreg.Register{holding, input}, 8, nil)
	if len(groups) != 2 {
		t.Fatalf("expected registers at the same address but different access kinds to land in separate groups, got %d", len(groups))
	}
}

func TestPackRegistersRespectsBarrier(t *testing.T) {
	regs := []*modbusreg.Register{reg(0x00, 1), reg(0x05, 1)}
	barriers := map[uint16]bool{0x02: true}

	groups := PackRegisters(regs, 8, barriers)
	if len(groups) != 2 {
		t.Fatalf("expected a barrier inside the hole to force a split, got %d groups", len(groups))
	}
}

func TestHoleMaxPerTransport(t *testing.T) {
	if HoleMax("tcp") <= 0 || HoleMax("rtu") <= 0 {
		t.Fatalf("HoleMax must be positive for every transport")
	}
	if HoleMax("rtu") >= HoleMax("tcp") {
		t.Fatalf("RTU's lower per-request overhead should yield a smaller hole_max than TCP")
	}
}
