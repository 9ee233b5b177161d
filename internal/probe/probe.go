// Package probe implements the probe registry described in spec.md
// §4.4: a list of handlers, each declaring a method whitelist, candidate
// units/rates, a probe-register descriptor, and a model -> driver
// dispatch table. Grounded in original_source/probe.py's ModelRegister
// and device_types list, generalized per spec.md's Go redesign (a
// Registry instance instead of a module-level singleton, per spec.md §9
// "Process-wide registries... encapsulate in a Supervisor-scoped
// object").
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/victronenergy/dbus-modbus-client/internal/device"
	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
	"github.com/victronenergy/dbus-modbus-client/internal/mbclient"
	"github.com/victronenergy/dbus-modbus-client/internal/modbusreg"
)

// DefaultTimeout is the probe timeout spec.md §4.4 and §5 default to
// when a handler doesn't set its own.
const DefaultTimeout = time.Second

// Model is one entry in a ModelRegister's dispatch table: the model name
// a successful register read must match, and the factory that
// constructs the matching driver.
type Model struct {
	Name string
	New  device.Factory
}

// Handler is one probe strategy: a model-identifying register read
// (or a custom Probe func) dispatched to a device.Factory by the decoded
// value.
type Handler interface {
	// Methods returns the transport whitelist; nil/empty means "all".
	Methods() []devspec.Method
	// Units returns candidate units to try for a wildcard (unit=0) spec.
	Units() []int
	// Rates returns candidate serial baud rates this handler cares
	// about, for the serial scanner's rate sweep.
	Rates() []int
	// Timeout returns this handler's probe timeout.
	Timeout() time.Duration
	// Probe attempts to identify and construct a driver for spec over
	// the already-connected client. Returns nil, nil on no match (not an
	// error: a non-matching model is an ordinary outcome, not a
	// failure).
	Probe(spec devspec.Spec, c *mbclient.Client, timeout time.Duration) (*device.Device, error)
}

// ModelRegister is the standard Handler: read a fixed register, look up
// the decoded value in a model table, per spec.md §4.4 and probe.py's
// ModelRegister.
type ModelRegister struct {
	Reg    *modbusreg.Register // probe-register descriptor; Reg.Access, if set, fixes the access kind tried
	Models map[int]Model       // decoded raw value -> model entry

	MethodList []devspec.Method
	UnitList   []int
	RateList   []int
	TimeoutVal time.Duration
}

func (m *ModelRegister) Methods() []devspec.Method { return m.MethodList }
func (m *ModelRegister) Units() []int              { return m.UnitList }
func (m *ModelRegister) Rates() []int              { return m.RateList }

func (m *ModelRegister) Timeout() time.Duration {
	if m.TimeoutVal > 0 {
		return m.TimeoutVal
	}
	return DefaultTimeout
}

// accessKinds returns the access kinds to try, in order, per spec.md
// §4.4 "If multiple access kinds are possible for a model register
// (holding vs input), try each in order until one does not error."
func (m *ModelRegister) accessKinds() []string {
	if m.Reg.Access != "" {
		return []string{m.Reg.Access}
	}
	return []string{"holding", "input"}
}

func (m *ModelRegister) Probe(spec devspec.Spec, c *mbclient.Client, timeout time.Duration) (*device.Device, error) {
	if timeout <= 0 {
		timeout = m.Timeout()
	}

	var words []byte
	var lastErr error
	err := mbclient.WithTimeout(c, timeout, c.Timeout(), func(ctx context.Context) error {
		for _, access := range m.accessKinds() {
			var e error
			if access == "input" {
				words, e = c.ReadInputRegisters(m.Reg.Base, uint16(m.Reg.Count))
			} else {
				words, e = c.ReadHoldingRegisters(m.Reg.Base, uint16(m.Reg.Count))
			}
			if e == nil {
				return nil
			}
			lastErr = e
		}
		return lastErr
	})
	if err != nil {
		return nil, nil // no match; caller treats this spec as failed, not erroring the whole probe pass
	}

	wordVals := bytesToWords(words)
	if _, decErr := m.Reg.Decode(wordVals, time.Now().UnixNano()); decErr != nil || !m.Reg.IsValid() {
		return nil, nil
	}

	raw, ok := toInt(m.Reg.Value)
	if !ok {
		return nil, nil
	}
	model, ok := m.Models[raw]
	if !ok {
		return nil, nil
	}

	d, err := model.New(spec, c, model.Name)
	if err != nil {
		return nil, fmt.Errorf("probe: %s: construct %s: %w", spec, model.Name, err)
	}
	return d, nil
}

func bytesToWords(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = uint16(b[i*2])<<8 | uint16(b[i*2+1])
	}
	return out
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	}
	return 0, false
}
