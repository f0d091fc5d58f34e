package util

import "net"

// UniqueIPs returns the addresses in canonical text form, in first-seen
// order, without empty entries or duplicates. Addresses that do not parse
// are kept as given. Returns nil when nothing is left.
func UniqueIPs(addrs ...string) []string {
	var out []string
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if ip := net.ParseIP(a); ip != nil {
			a = ip.String()
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
