package device

import (
	"sort"

	"github.com/victronenergy/dbus-modbus-client/internal/modbusreg"
)

// Group is a contiguous register range readable with one Modbus
// transaction, per spec.md §4.5.1.
type Group struct {
	Access   string
	Base     uint16
	Count    int
	Regs     []*modbusreg.Register
	MaxAge   int64 // nanoseconds; smallest MaxAge among its members
	LastRead int64 // nanoseconds of last successful read; mutated by Device.Update/SubDevice.Update
}

// TransportOverhead returns the per-request byte overhead used to derive
// HoleMax, per spec.md §4.5.1: "5+2 application + 2*(20+7) for TCP MBAP,
// 2*(8+7) for UDP, 2*(1+2) for RTU".
func TransportOverhead(method string) int {
	switch method {
	case "tcp":
		return 5 + 2 + 2*(20+7)
	case "udp":
		return 2 * (8 + 7)
	default: // rtu, ascii
		return 2 * (1 + 2)
	}
}

// HoleMax derives the default hole_max from a transport's per-request
// overhead: "(per-request overhead + 1) / 2 words" (spec.md §4.5.1).
func HoleMax(method string) int {
	return (TransportOverhead(method) + 1) / 2
}

// PackRegisters implements spec.md §4.5.1's packing algorithm: sort by
// (access, base); walk sorted registers, accumulating into the current
// group while (i) total span <= 125, (ii) the hole to the next register
// is <= holeMax, and (iii) no address in the hole falls within
// regBarriers. regBarriers is a set of addresses to treat as
// uncoalesceable (controller-specific unreadable regions).
func PackRegisters(regs []*modbusreg.Register, holeMax int, regBarriers map[uint16]bool) []*Group {
	byAccess := make(map[string][]*modbusreg.Register)
	for _, r := range regs {
		a := r.AccessOrDefault()
		byAccess[a] = append(byAccess[a], r)
	}

	accesses := make([]string, 0, len(byAccess))
	for a := range byAccess {
		accesses = append(accesses, a)
	}
	sort.Strings(accesses)

	var groups []*Group
	for _, access := range accesses {
		list := byAccess[access]
		sort.Slice(list, func(i, j int) bool { return list[i].Base < list[j].Base })

		var cur *Group
		for _, r := range list {
			span := regSpan(r)
			if cur == nil {
				cur = &Group{Access: access, Base: r.Base, Count: span, Regs: []*modbusreg.Register{r}, MaxAge: regMaxAge(r)}
				continue
			}

			groupEnd := cur.Base + uint16(cur.Count)
			hole := int(r.Base) - int(groupEnd)
			newSpan := int(r.Base) + span - int(cur.Base)

			if hole >= 0 && newSpan <= 125 && hole <= holeMax && !holeBlocked(groupEnd, r.Base, regBarriers) {
				cur.Count = newSpan
				cur.Regs = append(cur.Regs, r)
				if age := regMaxAge(r); age < cur.MaxAge {
					cur.MaxAge = age
				}
				continue
			}

			groups = append(groups, cur)
			cur = &Group{Access: access, Base: r.Base, Count: span, Regs: []*modbusreg.Register{r}, MaxAge: regMaxAge(r)}
		}
		if cur != nil {
			groups = append(groups, cur)
		}
	}
	return groups
}

func holeBlocked(from, to uint16, barriers map[uint16]bool) bool {
	if len(barriers) == 0 {
		return false
	}
	for a := from; a < to; a++ {
		if barriers[a] {
			return true
		}
	}
	return false
}

func regSpan(r *modbusreg.Register) int {
	return r.WordSpan()
}

func regMaxAge(r *modbusreg.Register) int64 {
	if r.MaxAge > 0 {
		return r.MaxAge
	}
	return fastPathDefault(r.Name)
}

// fastPathDefault returns the 1s fast-path TTL for the power paths named
// in spec.md §4.5.2, 4s otherwise.
func fastPathDefault(name string) int64 {
	const second = int64(1e9)
	switch name {
	case "/Ac/L1/Power", "/Ac/L2/Power", "/Ac/L3/Power", "/Ac/Power":
		return second
	}
	return 4 * second
}
