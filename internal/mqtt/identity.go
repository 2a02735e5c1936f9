package mqtt

import (
	"fmt"
	"net"
	"strings"
)

// interfaces is replaced in tests.
var interfaces = net.Interfaces

// NodeID returns the node identifier used as the second topic level.
// A non-empty override wins. Otherwise the last three bytes of the
// MAC address of iface (or of the first non-loopback interface with a
// hardware address when iface is empty) give "Node_xxyyzz". Hosts
// without a usable MAC fall back to the tail of the persisted instance
// UUID in dataDir.
func NodeID(override, iface, dataDir string) (string, error) {
	if override != "" {
		return override, nil
	}

	mac, err := hardwareAddr(iface)
	if err != nil {
		return "", err
	}
	if mac != nil {
		return nodeIDFromMAC(mac), nil
	}

	id, err := LoadOrCreateInstanceID(dataDir)
	if err != nil {
		return "", fmt.Errorf("derive node id: %w", err)
	}
	hex := strings.ReplaceAll(id, "-", "")
	return "Node_" + hex[len(hex)-6:], nil
}

func nodeIDFromMAC(mac net.HardwareAddr) string {
	n := len(mac)
	return fmt.Sprintf("Node_%02x%02x%02x", mac[n-3], mac[n-2], mac[n-1])
}

// hardwareAddr returns nil without error when no interface qualifies.
// A named interface that does not exist is an error.
func hardwareAddr(name string) (net.HardwareAddr, error) {
	ifaces, err := interfaces()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}

	for _, ifi := range ifaces {
		if name != "" {
			if ifi.Name != name {
				continue
			}
			if len(ifi.HardwareAddr) < 3 {
				return nil, fmt.Errorf("interface %s has no hardware address", name)
			}
			return ifi.HardwareAddr, nil
		}
		if ifi.Flags&net.FlagLoopback != 0 || len(ifi.HardwareAddr) < 3 {
			continue
		}
		return ifi.HardwareAddr, nil
	}

	if name != "" {
		return nil, fmt.Errorf("network interface %s not found", name)
	}
	return nil, nil
}
