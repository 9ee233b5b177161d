// Package mdns implements the multicast-DNS discoverer described in
// spec.md §4.8: browse a fixed set of registered service names, buffer
// resolved (host, port) pairs into a found-set, and let the supervisor
// drain it on its own cadence.
//
// Grounded in original_source/mdns.py's periodic PTR-query/SRV-response
// loop, reimplemented over github.com/grandcat/zeroconf's
// Resolver.Browse instead of hand-rolled DNS record parsing (the
// original's mdns.py parses raw PTR/SRV with dnslib; zeroconf's
// ServiceEntry already exposes HostName/Port/AddrIPv4, which this
// package buffers the same way mdns.py buffers into its found set).
package mdns

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// QueryInterval is the steady-state re-query cadence, spec.md §4.8
// default 60s.
const QueryInterval = 60 * time.Second

// InitialQueryInterval is used until the first successful response,
// spec.md §4.8 "initially every 6 s until the first successful
// response."
const InitialQueryInterval = 6 * time.Second

// CheckInterval is how often the supervisor is expected to drain Found,
// spec.md §4.8/§5 "MDNS_CHECK_INTERVAL (5 s)".
const CheckInterval = 5 * time.Second

// Candidate is one discovered (host, port) pair awaiting a probe.
type Candidate struct {
	Service string
	Host    string
	Port    int
}

// Discoverer browses a fixed set of service names and buffers resolved
// candidates for the supervisor to drain, per spec.md §4.8.
type Discoverer struct {
	services []string
	log      *log.Logger

	mu    sync.Mutex
	found []Candidate
	seen  map[string]bool

	gotResponse bool
}

// New builds a Discoverer for the given service names, e.g.
// "_victron-energy-meter._udp".
func New(services []string, logger *log.Logger) *Discoverer {
	if logger == nil {
		logger = log.Default()
	}
	return &Discoverer{services: services, log: logger, seen: map[string]bool{}}
}

// Run browses every registered service name on repeat until ctx is
// cancelled, adapting its query cadence per spec.md §4.8. It blocks;
// callers run it in its own goroutine.
func (d *Discoverer) Run(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns: new resolver: %w", err)
	}

	for {
		interval := InitialQueryInterval
		if d.hasResponded() {
			interval = QueryInterval
		}

		for _, svc := range d.services {
			if err := d.browseOnce(ctx, resolver, svc); err != nil {
				d.log.Printf("mdns: browse %s: %v", svc, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (d *Discoverer) browseOnce(ctx context.Context, resolver *zeroconf.Resolver, service string) error {
	browseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			d.handleEntry(service, e)
		}
	}()

	err := resolver.Browse(browseCtx, service, "local.", entries)
	<-browseCtx.Done()
	close(entries)
	<-done
	return err
}

func (d *Discoverer) handleEntry(service string, e *zeroconf.ServiceEntry) {
	if e.Port == 0 {
		return
	}
	host := e.HostName
	if host == "" && len(e.AddrIPv4) > 0 {
		host = e.AddrIPv4[0].String()
	}
	if host == "" {
		return
	}

	key := fmt.Sprintf("%s|%s|%d", service, host, e.Port)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.gotResponse = true
	if d.seen[key] {
		return
	}
	d.seen[key] = true
	d.found = append(d.found, Candidate{Service: service, Host: host, Port: e.Port})
}

func (d *Discoverer) hasResponded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gotResponse
}

// Drain returns and clears everything buffered since the last Drain,
// per spec.md §4.8/§4.9 "the supervisor drains the set every
// MDNS_CHECK_INTERVAL."
func (d *Discoverer) Drain() []Candidate {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.found
	d.found = nil
	return out
}
