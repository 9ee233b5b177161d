package scan

import (
	"net"
	"testing"
)

func TestHostsExcludesNetworkAndBroadcast(t *testing.T) {
	_, network, err := net.ParseCIDR("192.168.1.0/30")
	if err != nil {
		t.Fatalf("ParseCIDR: %v", err)
	}
	hosts := Hosts(network, nil)
	want := []string{"192.168.1.1", "192.168.1.2"}
	if len(hosts) != len(want) {
		t.Fatalf("Hosts = %v, want %v", hosts, want)
	}
	for i, h := range hosts {
		if h != want[i] {
			t.Fatalf("Hosts[%d] = %q, want %q", i, h, want[i])
		}
	}
}

func TestHostsExcludesOwnAddress(t *testing.T) {
	_, network, err := net.ParseCIDR("10.0.0.0/29")
	if err != nil {
		t.Fatalf("ParseCIDR: %v", err)
	}
	own := map[string]bool{"10.0.0.3": true}
	hosts := Hosts(network, own)
	for _, h := range hosts {
		if h == "10.0.0.3" {
			t.Fatalf("Hosts included excluded own address 10.0.0.3")
		}
	}
	if len(hosts) != 5 { // .1 .2 .3(excl) .4 .5 .6 -> 6 usable minus 1 excluded = 5
		t.Fatalf("len(Hosts) = %d, want 5", len(hosts))
	}
}

func TestCandidateSpecsCoversBothProtocols(t *testing.T) {
	specs := CandidateSpecs("192.168.1.5")
	if len(specs) != 2 {
		t.Fatalf("CandidateSpecs returned %d specs, want 2", len(specs))
	}
	for _, s := range specs {
		if s.Unit != 0 || s.Port != 502 || s.Target != "192.168.1.5" {
			t.Fatalf("CandidateSpecs produced unexpected spec %+v", s)
		}
	}
}
