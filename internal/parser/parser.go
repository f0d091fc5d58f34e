package parser

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/dnsgraph/dnsgraph/internal/types"
)

// ErrUnrecognized is wrapped by every ParseError. Lines that fail with it are
// foreign or malformed and are expected to be dropped.
var ErrUnrecognized = errors.New("unrecognized log line")

// Reason labels why a line was rejected.
type Reason string

const (
	ReasonShape     Reason = "shape"
	ReasonTimestamp Reason = "timestamp"
	ReasonClient    Reason = "client"
	ReasonQueryID   Reason = "query_id"
	ReasonClass     Reason = "class"
	ReasonQueryType Reason = "query_type"
	ReasonName      Reason = "name"
	ReasonProtocol  Reason = "protocol"
	ReasonRcode     Reason = "rcode"
	ReasonNumber    Reason = "number"
	ReasonDuration  Reason = "duration"
)

// ParseError describes a rejected line.
type ParseError struct {
	Reason Reason
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrUnrecognized, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrUnrecognized, e.Reason, e.Detail)
}

// Unwrap returns ErrUnrecognized.
func (e *ParseError) Unwrap() error {
	return ErrUnrecognized
}

// ReasonOf extracts the rejection reason from an error returned by Parse.
func ReasonOf(err error) Reason {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ReasonShape
}

// queryLine matches the CoreDNS log plugin's default format, optionally
// prefixed by the RFC3339 timestamp the Kubernetes log API adds:
//
//	2024-03-01T12:00:00.1Z [INFO] 10.244.0.1:52044 - 23005 "A IN kubernetes.default.svc.cluster.local. udp 54 false 512" NOERROR qr,aa,rd 106 0.000136s
var queryLine = regexp.MustCompile(
	`^(?:(\d{4}-\d{2}-\d{2}T\S+)\s+)?` + // k8s timestamp
		`\[INFO\]\s+(\S+)\s+-\s+(\S+)\s+` + // client, id
		`"(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)"\s+` + // type class name proto size do bufsize
		`(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s*$`, // rcode flags rsize duration
)

const (
	groupTimestamp = iota + 1
	groupClient
	groupID
	groupType
	groupClass
	groupName
	groupProto
	groupSize
	groupDO
	groupBufSize
	groupRcode
	groupFlags
	groupRSize
	groupDuration
)

// Parse converts one raw line into a QueryEvent. The returned event has no
// Source or Destination; those are filled in by the classifier. Parse is
// pure: its result depends only on its argument.
func Parse(line types.RawLine) (types.QueryEvent, error) {
	m := queryLine.FindStringSubmatch(strings.TrimRight(line.Text, "\r\n"))
	if m == nil {
		return types.QueryEvent{}, &ParseError{Reason: ReasonShape}
	}

	ev := types.QueryEvent{
		Time:   line.Received,
		Server: line.Pod,
	}

	if ts := m[groupTimestamp]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return types.QueryEvent{}, &ParseError{Reason: ReasonTimestamp, Detail: ts}
		}
		ev.Time = t
	}

	ip, port, err := splitClient(m[groupClient])
	if err != nil {
		return types.QueryEvent{}, &ParseError{Reason: ReasonClient, Detail: m[groupClient]}
	}
	ev.ClientIP = ip
	ev.ClientPort = port

	id, err := strconv.ParseUint(m[groupID], 10, 16)
	if err != nil {
		return types.QueryEvent{}, &ParseError{Reason: ReasonQueryID, Detail: m[groupID]}
	}
	ev.QueryID = uint16(id)

	if m[groupClass] != "IN" {
		return types.QueryEvent{}, &ParseError{Reason: ReasonClass, Detail: m[groupClass]}
	}

	qtype, ok := normalizeType(m[groupType])
	if !ok {
		return types.QueryEvent{}, &ParseError{Reason: ReasonQueryType, Detail: m[groupType]}
	}
	ev.Type = qtype

	name, ok := normalizeName(m[groupName])
	if !ok {
		return types.QueryEvent{}, &ParseError{Reason: ReasonName, Detail: m[groupName]}
	}
	ev.Name = name

	switch proto := strings.ToLower(m[groupProto]); proto {
	case "udp", "tcp":
		ev.Protocol = proto
	default:
		return types.QueryEvent{}, &ParseError{Reason: ReasonProtocol, Detail: m[groupProto]}
	}

	if _, err := strconv.ParseBool(m[groupDO]); err != nil {
		return types.QueryEvent{}, &ParseError{Reason: ReasonNumber, Detail: m[groupDO]}
	}
	if ev.RequestSize, err = strconv.Atoi(m[groupSize]); err != nil {
		return types.QueryEvent{}, &ParseError{Reason: ReasonNumber, Detail: m[groupSize]}
	}
	if _, err := strconv.Atoi(m[groupBufSize]); err != nil {
		return types.QueryEvent{}, &ParseError{Reason: ReasonNumber, Detail: m[groupBufSize]}
	}

	if _, ok := dns.StringToRcode[m[groupRcode]]; !ok {
		return types.QueryEvent{}, &ParseError{Reason: ReasonRcode, Detail: m[groupRcode]}
	}
	ev.Rcode = m[groupRcode]

	if f := m[groupFlags]; f != "-" {
		ev.Flags = strings.Split(f, ",")
	}

	if ev.ResponseSize, err = strconv.Atoi(m[groupRSize]); err != nil {
		return types.QueryEvent{}, &ParseError{Reason: ReasonNumber, Detail: m[groupRSize]}
	}

	d, err := time.ParseDuration(m[groupDuration])
	if err != nil || d < 0 {
		return types.QueryEvent{}, &ParseError{Reason: ReasonDuration, Detail: m[groupDuration]}
	}
	ev.Duration = d

	return ev, nil
}

// splitClient splits "10.0.0.1:53" or "[::1]:53" into IP and port.
func splitClient(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", 0, fmt.Errorf("invalid client address %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid client port %q", portStr)
	}
	return ip.String(), port, nil
}

// normalizeType validates a query type mnemonic. Unknown types are logged
// by CoreDNS in RFC 3597 form (TYPE65534), which is accepted as-is.
func normalizeType(s string) (string, bool) {
	upper := strings.ToUpper(s)
	if _, ok := dns.StringToType[upper]; ok {
		return upper, true
	}
	if rest, found := strings.CutPrefix(upper, "TYPE"); found {
		if _, err := strconv.ParseUint(rest, 10, 16); err == nil {
			return upper, true
		}
	}
	return "", false
}

// normalizeName lowercases a fully qualified query name and strips the root
// dot. The root itself is returned as ".".
func normalizeName(s string) (string, bool) {
	if !dns.IsFqdn(s) {
		return "", false
	}
	if _, ok := dns.IsDomainName(s); !ok {
		return "", false
	}
	if s == "." {
		return s, true
	}
	return strings.ToLower(strings.TrimSuffix(s, ".")), true
}
