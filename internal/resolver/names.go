package resolver

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

const (
	reverseV4Suffix = ".in-addr.arpa"
	reverseV6Suffix = ".ip6.arpa"
)

// normalizeName lowercases and strips the root dot.
func normalizeName(name string) string {
	if name == "." {
		return name
	}
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// normalizeIP returns the canonical text form of an IP, or the input
// unchanged if it does not parse.
func normalizeIP(s string) string {
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return s
}

func isSubdomain(parent, child string) bool {
	return dns.IsSubDomain(parent, child)
}

// zoneLabels returns the labels of name that precede zone, or false if the
// name is not strictly below the zone.
func zoneLabels(zone, name string) ([]string, bool) {
	fqdn := dns.Fqdn(name)
	if !isSubdomain(zone, fqdn) || len(fqdn) <= len(zone) {
		return nil, false
	}
	prefix := fqdn[:len(fqdn)-len(zone)]
	labels := dns.SplitDomainName(prefix)
	if len(labels) == 0 {
		return nil, false
	}
	return labels, true
}

// nameToIP recognises names that encode an address:
//
//	10.0.0.5                        literal
//	5.0.0.10.in-addr.arpa           reverse lookup (also ip6.arpa)
//	10-0-0-5.default.pod.<domain>   pod A record
//	10-0-0-5.web.default.svc.<domain> endpoint record of a headless service
func (r *Resolver) nameToIP(name string) (string, bool) {
	if ip := net.ParseIP(name); ip != nil {
		return ip.String(), true
	}
	if strings.HasSuffix(name, reverseV4Suffix) {
		return reverseV4(strings.TrimSuffix(name, reverseV4Suffix))
	}
	if strings.HasSuffix(name, reverseV6Suffix) {
		return reverseV6(strings.TrimSuffix(name, reverseV6Suffix))
	}
	if labels, ok := zoneLabels(r.podZone, name); ok && len(labels) == 2 {
		return dashedIP(labels[0])
	}
	if labels, ok := zoneLabels(r.domain, name); ok && len(labels) == 3 {
		return dashedIP(labels[0])
	}
	return "", false
}

// serviceName extracts namespace and service from a name in the service
// zone. Accepts <svc>.<ns>, <host>.<svc>.<ns> and _port._proto.<svc>.<ns>.
func (r *Resolver) serviceName(name string) (namespace, service string, ok bool) {
	labels, ok := zoneLabels(r.domain, name)
	if !ok || len(labels) < 2 || len(labels) > 4 {
		return "", "", false
	}
	n := len(labels)
	return labels[n-1], labels[n-2], true
}

// isServiceRecord reports whether a name in the service zone has a shape
// that only names a service: <svc>.<ns> or _port._proto.<svc>.<ns>. Three
// labels are ambiguous with search path expansions of dotted names and do
// not qualify.
func (r *Resolver) isServiceRecord(name string) bool {
	labels, ok := zoneLabels(r.domain, name)
	if !ok {
		return false
	}
	switch len(labels) {
	case 2:
		return true
	case 4:
		return strings.HasPrefix(labels[0], "_") && strings.HasPrefix(labels[1], "_")
	default:
		return false
	}
}

func reverseV4(prefix string) (string, bool) {
	parts := strings.Split(prefix, ".")
	if len(parts) != 4 {
		return "", false
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	ip := net.ParseIP(strings.Join(parts, "."))
	if ip == nil || ip.To4() == nil {
		return "", false
	}
	return ip.String(), true
}

func reverseV6(prefix string) (string, bool) {
	nibbles := strings.Split(prefix, ".")
	if len(nibbles) != 32 {
		return "", false
	}
	var b strings.Builder
	for i := len(nibbles) - 1; i >= 0; i-- {
		if len(nibbles[i]) != 1 {
			return "", false
		}
		b.WriteString(nibbles[i])
		if i%4 == 0 && i != 0 {
			b.WriteByte(':')
		}
	}
	ip := net.ParseIP(b.String())
	if ip == nil {
		return "", false
	}
	return ip.String(), true
}

// dashedIP decodes the "10-0-0-5" / "fd00--5" label form used by pod records.
func dashedIP(label string) (string, bool) {
	if ip := net.ParseIP(strings.ReplaceAll(label, "-", ".")); ip != nil && ip.To4() != nil {
		return ip.String(), true
	}
	if ip := net.ParseIP(strings.ReplaceAll(label, "-", ":")); ip != nil {
		return ip.String(), true
	}
	return "", false
}
