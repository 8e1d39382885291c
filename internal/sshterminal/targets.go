package sshterminal

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/scottpeterman/velociterm/internal/logutil"
)

// ParseAllowedTargets parses IPs and CIDR ranges into networks. Single IPs
// become /32 (IPv4) or /128 (IPv6) networks. No entries means every target is
// allowed.
func ParseAllowedTargets(entries []string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// resolveAllowed resolves host and returns an address to dial. Every address
// the name resolves to must lie inside allowed, so a name cannot smuggle in a
// forbidden host alongside a permitted one. The returned IP is dialed
// directly, which keeps a second lookup from answering differently.
func resolveAllowed(ctx context.Context, resolver *net.Resolver, host string, allowed []*net.IPNet) (net.IP, error) {
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", logutil.SanitizeForLog(host), err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", logutil.SanitizeForLog(host))
	}

	for _, ip := range ips {
		if !containsIP(allowed, ip) {
			return nil, fmt.Errorf("%w: %s is not in the allowed target list", ErrTargetNotAllowed, ip)
		}
	}
	return ips[0], nil
}

func containsIP(networks []*net.IPNet, ip net.IP) bool {
	for _, n := range networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
