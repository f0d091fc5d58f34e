// Package parser turns CoreDNS query log lines into QueryEvents.
//
// # Format
//
// The accepted shape is the default format of the CoreDNS log plugin, as
// returned by the Kubernetes pod log API with timestamps enabled:
//
//	2024-03-01T12:00:00.123Z [INFO] 10.244.0.1:52044 - 23005 "A IN web.default.svc.cluster.local. udp 54 false 512" NOERROR qr,aa,rd 106 0.000136s
//
// The timestamp prefix is optional. Query types and response codes are
// checked against the DNS registry.
//
// # Errors
//
// Everything that does not match yields a *ParseError wrapping
// ErrUnrecognized. CoreDNS also logs startup banners, plugin warnings and
// reload notices to the same stream, so rejected lines are normal and callers
// drop them after counting.
package parser
