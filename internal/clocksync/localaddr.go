package clocksync

import (
	"net"
	"strings"
)

// isLocalHost reports whether host names this machine: localhost, a
// loopback or unspecified address, or an address of a local interface.
func isLocalHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}

	var candidates []net.IP
	if ip := net.ParseIP(host); ip != nil {
		candidates = []net.IP{ip}
	} else {
		ips, err := net.LookupIP(host)
		if err != nil {
			return false
		}
		candidates = ips
	}

	for _, ip := range candidates {
		if ip.IsLoopback() || ip.IsUnspecified() {
			return true
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		for _, ip := range candidates {
			if ipnet.IP.Equal(ip) {
				return true
			}
		}
	}
	return false
}
