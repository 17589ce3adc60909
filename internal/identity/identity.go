// Package identity derives the stable player identifier sent in a
// JoinRequest. The identifier is a name-based UUID over a machine
// attribute: it is stable across restarts but offers no security, since
// any client can send whatever it likes.
package identity

import (
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Namespace is the UUID namespace player identifiers are derived in.
var Namespace = uuid.MustParse("8cf1e494-e052-4507-bf88-b7d25004d5d8")

// FromSeed returns the player identifier derived from seed.
func FromSeed(seed string) string {
	return uuid.NewSHA1(Namespace, []byte(seed)).String()
}

// PlayerID returns the identifier for this machine. The seed is the first
// hardware address, then the host id, then the hostname.
func PlayerID() string {
	seed, source := machineSeed()
	log.Debug().Str("source", source).Msg("derived player id")
	return FromSeed(seed)
}

func machineSeed() (seed, source string) {
	if mac := primaryHardwareAddr(); mac != "" {
		return mac, "hardware_addr"
	}
	if id, err := host.HostID(); err == nil && id != "" {
		return id, "host_id"
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name, "hostname"
	}
	return "unknown", "fallback"
}

// primaryHardwareAddr returns the lowest non-loopback MAC address so the
// choice does not depend on interface enumeration order.
func primaryHardwareAddr() string {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return ""
	}

	var addrs []string
	for _, iface := range ifaces {
		if iface.HardwareAddr == "" || isLoopback(iface.Flags) {
			continue
		}
		if strings.Trim(iface.HardwareAddr, "0:") == "" {
			continue
		}
		addrs = append(addrs, strings.ToLower(iface.HardwareAddr))
	}
	if len(addrs) == 0 {
		return ""
	}
	sort.Strings(addrs)
	return addrs[0]
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}
