package hubble

import (
	"strconv"
	"strings"
	"time"

	flowpb "github.com/cilium/cilium/api/v1/flow"
	"github.com/miekg/dns"

	"github.com/dnsgraph/dnsgraph/internal/types"
)

// convertFlow turns a Hubble DNS response flow into a query event. Only
// responses are kept: they carry the rcode and the latency, and the request
// for the same query would otherwise be counted twice.
//
// In a response the DNS server is the flow source and the querying pod is
// the destination.
func convertFlow(f *flowpb.Flow) (types.QueryEvent, bool) {
	l7 := f.GetL7()
	if l7 == nil || l7.GetType() != flowpb.L7FlowType_RESPONSE {
		return types.QueryEvent{}, false
	}
	q := l7.GetDns()
	if q == nil || q.GetQuery() == "" {
		return types.QueryEvent{}, false
	}

	ev := types.QueryEvent{
		Name:     strings.TrimSuffix(strings.ToLower(q.GetQuery()), "."),
		Rcode:    rcodeString(q.GetRcode()),
		Duration: time.Duration(l7.GetLatencyNs()),
		ClientIP: f.GetIP().GetDestination(),
		Server: types.PodIdentity{
			Namespace: f.GetSource().GetNamespace(),
			Name:      f.GetSource().GetPodName(),
			IP:        f.GetIP().GetSource(),
		},
	}
	if ev.ClientIP == "" {
		return types.QueryEvent{}, false
	}
	if qtypes := q.GetQtypes(); len(qtypes) > 0 {
		ev.Type = strings.ToUpper(qtypes[0])
	}
	if ts := f.GetTime(); ts != nil {
		ev.Time = ts.AsTime()
	} else {
		ev.Time = time.Now()
	}

	switch l4 := f.GetL4(); {
	case l4.GetUDP() != nil:
		ev.Protocol = "udp"
		ev.ClientPort = int(l4.GetUDP().GetDestinationPort())
	case l4.GetTCP() != nil:
		ev.Protocol = "tcp"
		ev.ClientPort = int(l4.GetTCP().GetDestinationPort())
	}

	// Hubble knows which pod asked, so the resolver does not have to.
	if dst := f.GetDestination(); dst.GetPodName() != "" {
		ev.Source = types.PodIdentity{
			Namespace: dst.GetNamespace(),
			Name:      dst.GetPodName(),
			IP:        ev.ClientIP,
		}.ID()
	}
	return ev, true
}

func rcodeString(rcode uint32) string {
	if s, ok := dns.RcodeToString[int(rcode)]; ok {
		return s
	}
	return "RCODE" + strconv.FormatUint(uint64(rcode), 10)
}
