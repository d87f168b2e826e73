package scan

import (
	"fmt"
	"net"
)

// maxHosts bounds how many addresses a single ping/snmp probe will expand a
// CIDR into, protecting the agent from an operator fat-fingering a /8.
const maxHosts = 4096

// expandCIDR enumerates every usable host address in cidr (excluding network
// and broadcast addresses for IPv4 prefixes shorter than /31).
func expandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid network_cidr %q: %w", cidr, err)
	}

	var hosts []string
	for addr := ip.Mask(ipnet.Mask); ipnet.Contains(addr); incIP(addr) {
		if len(hosts) >= maxHosts {
			break
		}
		hosts = append(hosts, addr.String())
	}

	ones, bits := ipnet.Mask.Size()
	if bits-ones >= 2 && len(hosts) >= 2 {
		hosts = hosts[1 : len(hosts)-1] // drop network and broadcast addresses
	}
	return hosts, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
