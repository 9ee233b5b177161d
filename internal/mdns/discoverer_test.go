package mdns

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestHandleEntryBuffersNewCandidate(t *testing.T) {
	d := New([]string{"_victron-energy-meter._udp"}, nil)

	d.handleEntry("_victron-energy-meter._udp", &zeroconf.ServiceEntry{
		HostName: "meter1.local.",
		Port:     502,
	})

	got := d.Drain()
	if len(got) != 1 {
		t.Fatalf("Drain() = %v, want 1 candidate", got)
	}
	if got[0].Host != "meter1.local." || got[0].Port != 502 {
		t.Fatalf("Drain()[0] = %+v, want host meter1.local. port 502", got[0])
	}
}

func TestHandleEntryFallsBackToIPv4(t *testing.T) {
	d := New([]string{"_svc._udp"}, nil)

	d.handleEntry("_svc._udp", &zeroconf.ServiceEntry{
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.50")},
		Port:     502,
	})

	got := d.Drain()
	if len(got) != 1 || got[0].Host != "192.168.1.50" {
		t.Fatalf("Drain() = %v, want fallback to AddrIPv4", got)
	}
}

func TestHandleEntryDedupesRepeats(t *testing.T) {
	d := New([]string{"_svc._udp"}, nil)
	entry := &zeroconf.ServiceEntry{HostName: "dup.local.", Port: 502}

	d.handleEntry("_svc._udp", entry)
	d.handleEntry("_svc._udp", entry)

	if got := d.Drain(); len(got) != 1 {
		t.Fatalf("Drain() = %v, want exactly 1 deduplicated candidate", got)
	}
}

func TestHandleEntrySkipsZeroPort(t *testing.T) {
	d := New([]string{"_svc._udp"}, nil)
	d.handleEntry("_svc._udp", &zeroconf.ServiceEntry{HostName: "noport.local."})

	if got := d.Drain(); len(got) != 0 {
		t.Fatalf("Drain() = %v, want none for a zero-port entry", got)
	}
}

func TestDrainClearsBuffer(t *testing.T) {
	d := New([]string{"_svc._udp"}, nil)
	d.handleEntry("_svc._udp", &zeroconf.ServiceEntry{HostName: "a.local.", Port: 1})

	first := d.Drain()
	second := d.Drain()
	if len(first) != 1 {
		t.Fatalf("first Drain() = %v, want 1", first)
	}
	if len(second) != 0 {
		t.Fatalf("second Drain() = %v, want empty after first drain", second)
	}
}
