// Package devspec implements the DeviceSpec value type: an immutable
// identifier quadruple (method, target, port-or-rate, unit) for a
// reachable Modbus endpoint, per spec.md §3/§4.3.
//
// Grounded in devspec.py's NetDevSpec/SerialDevSpec NamedTuples; the
// redesign flag in spec.md §9 ("__str__ used as the canonical identity of
// a Device: split explicitly into a display form and a hashable Spec
// value type") is applied by making Spec a plain comparable struct with
// a String method, used both as a map key and for display.
package devspec

import (
	"fmt"
	"strconv"
	"strings"
)

// Method identifies the transport kind.
type Method string

const (
	TCP   Method = "tcp"
	UDP   Method = "udp"
	RTU   Method = "rtu"
	ASCII Method = "ascii"
)

// IsSerial reports whether the method addresses a serial line.
func (m Method) IsSerial() bool { return m == RTU || m == ASCII }

// Spec is an immutable, comparable identifier for a Modbus endpoint.
// Equality and hashing are structural (Go's built-in struct comparison),
// matching spec.md §3 "Equality and hashing are structural".
type Spec struct {
	Method Method
	Target string // host or tty basename
	Port   int    // net port, or serial baud rate
	Unit   int    // 1-247 for serial; 0 means wildcard during probe
}

// String renders the canonical "method:target:port_or_rate:unit" form.
func (s Spec) String() string {
	return fmt.Sprintf("%s:%s:%d:%d", s.Method, s.Target, s.Port, s.Unit)
}

// WithUnit returns a copy of s with Unit replaced, used by the probe
// registry when iterating candidate units for a wildcard spec.
func (s Spec) WithUnit(unit int) Spec {
	s.Unit = unit
	return s
}

// Parse parses the strict four-field colon-separated form. Unparseable
// input returns an error; FromStrings uses this to silently drop bad
// entries per spec.md §4.3 ("settings may contain stale or partial
// strings").
func Parse(s string) (Spec, error) {
	f := strings.Split(s, ":")
	if len(f) != 4 {
		return Spec{}, fmt.Errorf("devspec: expected 4 fields, got %d in %q", len(f), s)
	}

	method := Method(f[0])
	switch method {
	case TCP, UDP, RTU, ASCII:
	default:
		return Spec{}, fmt.Errorf("devspec: unknown method %q", f[0])
	}

	port, err := strconv.Atoi(f[2])
	if err != nil {
		return Spec{}, fmt.Errorf("devspec: bad port/rate field %q: %w", f[2], err)
	}

	unit, err := strconv.Atoi(f[3])
	if err != nil {
		return Spec{}, fmt.Errorf("devspec: bad unit field %q: %w", f[3], err)
	}

	return Spec{Method: method, Target: f[1], Port: port, Unit: unit}, nil
}

// FromStrings parses each string in ss, silently dropping entries that
// fail to parse, and returns the set of valid specs (deduplicated by
// structural equality).
func FromStrings(ss []string) map[Spec]struct{} {
	out := make(map[Spec]struct{}, len(ss))
	for _, s := range ss {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		spec, err := Parse(s)
		if err != nil {
			continue
		}
		out[spec] = struct{}{}
	}
	return out
}

// JoinStrings renders a set of specs back to the comma-separated settings
// form, sorted for determinism.
func JoinStrings(specs map[Spec]struct{}) string {
	strs := make([]string, 0, len(specs))
	for s := range specs {
		strs = append(strs, s.String())
	}
	sortStrings(strs)
	return strings.Join(strs, ",")
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}
