package scan

import (
	"net"
	"time"

	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
)

// DefaultNetworkTimeout is the per-candidate probe timeout during a
// network scan (spec.md §5 "scan default 0.25 s (network)").
const DefaultNetworkTimeout = 250 * time.Millisecond

// blacklistedInterfaces are excluded from network scans, per spec.md
// §4.7.1 ("subtract blacklisted interface names (e.g., ap0)") — ap0 is
// the access-point interface a Victron GX device brings up for its own
// local Wi-Fi hotspot, which is never a network worth probing.
var blacklistedInterfaces = map[string]bool{
	"ap0": true,
}

// Protocols enumerated for a network scan, per spec.md §4.7.1.
var Protocols = []devspec.Method{devspec.TCP, devspec.UDP}

// Interfaces returns the local IPv4 networks to scan and the host's own
// addresses within them, mirroring spec.md §4.7.1: "enumerate the
// host's globally-scoped IPv4 interfaces; subtract blacklisted interface
// names; collapse to unique networks; collect the host's own addresses
// to exclude."
func Interfaces() (networks []*net.IPNet, ownAddrs map[string]bool, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, err
	}

	seen := map[string]bool{}
	ownAddrs = map[string]bool{}

	for _, iface := range ifaces {
		if blacklistedInterfaces[iface.Name] {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || !ip4.IsGlobalUnicast() {
				continue
			}
			ownAddrs[ip4.String()] = true

			network := &net.IPNet{IP: ip4.Mask(ipnet.Mask), Mask: ipnet.Mask}
			key := network.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			networks = append(networks, network)
		}
	}

	return networks, ownAddrs, nil
}

// Hosts enumerates every usable host address in network (excluding the
// network and broadcast addresses), skipping anything in exclude.
func Hosts(network *net.IPNet, exclude map[string]bool) []string {
	ones, bits := network.Mask.Size()
	if bits-ones > 16 {
		// Guard against accidentally sweeping something enormous (a
		// misconfigured /8): cap to the network's first 65534 hosts.
		bits = ones + 16
	}

	base := ip4ToUint32(network.IP)
	hostBits := uint(bits - ones)
	count := uint32(1) << hostBits
	if count < 2 {
		return nil
	}

	var out []string
	for i := uint32(1); i < count-1; i++ {
		ip := uint32ToIP4(base | i)
		s := ip.String()
		if exclude[s] {
			continue
		}
		out = append(out, s)
	}
	return out
}

func ip4ToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP4(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// CandidateSpecs builds the probe candidates for one host IP: a
// wildcard-unit TCP and UDP spec on the default Modbus port, per
// spec.md §4.7.1.
func CandidateSpecs(host string) []devspec.Spec {
	specs := make([]devspec.Spec, 0, len(Protocols))
	for _, m := range Protocols {
		specs = append(specs, devspec.Spec{Method: m, Target: host, Port: 502, Unit: 0})
	}
	return specs
}
