package parser

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsgraph/dnsgraph/internal/types"
)

var corednsPod = types.PodIdentity{Namespace: "kube-system", Name: "coredns-7db6d8ff4d-x2x9l", IP: "10.244.0.2"}

func rawLine(text string) types.RawLine {
	return types.RawLine{
		Pod:      corednsPod,
		Text:     text,
		Received: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestParse_ValidLine(t *testing.T) {
	line := rawLine(`2024-03-01T11:59:58.123456789Z [INFO] 10.244.0.7:52044 - 23005 "A IN Web.Default.svc.cluster.local. udp 54 false 512" NOERROR qr,aa,rd 106 0.000136s`)

	ev, err := Parse(line)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 1, 11, 59, 58, 123456789, time.UTC), ev.Time)
	assert.Equal(t, corednsPod, ev.Server)
	assert.Equal(t, "10.244.0.7", ev.ClientIP)
	assert.Equal(t, 52044, ev.ClientPort)
	assert.Equal(t, uint16(23005), ev.QueryID)
	assert.Equal(t, "A", ev.Type)
	assert.Equal(t, "web.default.svc.cluster.local", ev.Name)
	assert.Equal(t, "udp", ev.Protocol)
	assert.Equal(t, 54, ev.RequestSize)
	assert.Equal(t, "NOERROR", ev.Rcode)
	assert.Equal(t, []string{"qr", "aa", "rd"}, ev.Flags)
	assert.Equal(t, 106, ev.ResponseSize)
	assert.Equal(t, 136*time.Microsecond, ev.Duration)
	assert.False(t, ev.Routed())
}

func TestParse_NoTimestampUsesReceiveTime(t *testing.T) {
	line := rawLine(`[INFO] 10.244.0.7:40000 - 1 "AAAA IN example.com. tcp 40 true 1232" NXDOMAIN qr,rd,ra 120 0.0213s`)

	ev, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, line.Received, ev.Time)
	assert.Equal(t, "AAAA", ev.Type)
	assert.Equal(t, "tcp", ev.Protocol)
	assert.Equal(t, "NXDOMAIN", ev.Rcode)
	assert.False(t, ev.Succeeded())
}

func TestParse_IPv6Client(t *testing.T) {
	ev, err := Parse(rawLine(`[INFO] [fd00::7]:50759 - 29008 "PTR IN 7.0.244.10.in-addr.arpa. udp 44 false 512" NOERROR qr,aa,rd 108 0.0001s`))
	require.NoError(t, err)
	assert.Equal(t, "fd00::7", ev.ClientIP)
	assert.Equal(t, 50759, ev.ClientPort)
	assert.Equal(t, "PTR", ev.Type)
	assert.Equal(t, "7.0.244.10.in-addr.arpa", ev.Name)
}

func TestParse_UnknownTypeRFC3597(t *testing.T) {
	ev, err := Parse(rawLine(`[INFO] 10.0.0.1:1 - 2 "TYPE65 IN example.com. udp 40 false 512" NOERROR - 40 0.001s`))
	require.NoError(t, err)
	assert.Equal(t, "TYPE65", ev.Type)
	assert.Nil(t, ev.Flags)
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		reason Reason
	}{
		{"empty", ``, ReasonShape},
		{"startup banner", `.:53`, ReasonShape},
		{"plugin warning", `[WARNING] plugin/kubernetes: starting server with unsynced Kubernetes API`, ReasonShape},
		{"reload notice", `[INFO] Reloading complete`, ReasonShape},
		{"truncated", `[INFO] 10.0.0.1:1 - 2 "A IN example.com. udp 40 false 512" NOERROR`, ReasonShape},
		{"bad timestamp", `2024-13-45T99:99:99Z [INFO] 10.0.0.1:1 - 2 "A IN example.com. udp 40 false 512" NOERROR qr 40 0.001s`, ReasonTimestamp},
		{"bad client", `[INFO] not-an-ip:1 - 2 "A IN example.com. udp 40 false 512" NOERROR qr 40 0.001s`, ReasonClient},
		{"bad id", `[INFO] 10.0.0.1:1 - 99999 "A IN example.com. udp 40 false 512" NOERROR qr 40 0.001s`, ReasonQueryID},
		{"chaos class", `[INFO] 10.0.0.1:1 - 2 "TXT CH version.bind. udp 40 false 512" NOERROR qr 40 0.001s`, ReasonClass},
		{"bad type", `[INFO] 10.0.0.1:1 - 2 "BOGUS IN example.com. udp 40 false 512" NOERROR qr 40 0.001s`, ReasonQueryType},
		{"not fqdn", `[INFO] 10.0.0.1:1 - 2 "A IN example.com udp 40 false 512" NOERROR qr 40 0.001s`, ReasonName},
		{"bad proto", `[INFO] 10.0.0.1:1 - 2 "A IN example.com. sctp 40 false 512" NOERROR qr 40 0.001s`, ReasonProtocol},
		{"bad rcode", `[INFO] 10.0.0.1:1 - 2 "A IN example.com. udp 40 false 512" WHATEVER qr 40 0.001s`, ReasonRcode},
		{"bad size", `[INFO] 10.0.0.1:1 - 2 "A IN example.com. udp big false 512" NOERROR qr 40 0.001s`, ReasonNumber},
		{"bad duration", `[INFO] 10.0.0.1:1 - 2 "A IN example.com. udp 40 false 512" NOERROR qr 40 fast`, ReasonDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(rawLine(tt.text))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnrecognized))
			assert.Equal(t, tt.reason, ReasonOf(err))
		})
	}
}

func TestParse_MalformedLinesDoNotAffectValidOnes(t *testing.T) {
	valid := []string{
		`[INFO] 10.244.0.7:1 - 1 "A IN api.default.svc.cluster.local. udp 54 false 512" NOERROR qr,aa,rd 106 0.0001s`,
		`[INFO] 10.244.0.8:2 - 2 "AAAA IN example.com. udp 40 false 512" NOERROR qr,rd,ra 80 0.02s`,
		`[INFO] 10.244.0.9:3 - 3 "SRV IN _http._tcp.web.default.svc.cluster.local. udp 60 false 512" NOERROR qr,aa,rd 150 0.0002s`,
	}
	garbage := []string{
		`[ERROR] plugin/errors: 2 example.com. A: read udp i/o timeout`,
		`"A IN`,
		`[INFO] 10.0.0.1:1 - 2 "A IN example.com. udp 40 false 512" NOERROR`,
	}

	var clean []types.QueryEvent
	for _, l := range valid {
		ev, err := Parse(rawLine(l))
		require.NoError(t, err)
		clean = append(clean, ev)
	}

	var mixed []types.QueryEvent
	for i, l := range valid {
		for _, g := range garbage[:i+1] {
			_, err := Parse(rawLine(g))
			require.Error(t, err)
		}
		ev, err := Parse(rawLine(l))
		require.NoError(t, err)
		mixed = append(mixed, ev)
	}

	assert.Equal(t, clean, mixed)
}

func TestReasonOf_ForeignError(t *testing.T) {
	assert.Equal(t, ReasonShape, ReasonOf(errors.New("boom")))
}
