// Package challenge implements the http-01 and dns-01 proof-of-control
// fulfillers described in SPEC_FULL.md §4.3: provisioning and best-effort
// cleanup of the material an ACME authorization validates against.
package challenge

import "context"

// Provisioner is the capability set a pluggable DNS driver exposes,
// per spec.md §9 ("treated as a capability set {add_txt, remove_txt,
// list_ns(zone)} ... chosen by configuration, not by runtime reflection").
// Concrete drivers live in internal/dnsprovider/{godop,gcdns,cloudflare}.
type Provisioner interface {
	// AddTXT creates a TXT record at rrname (a fully-qualified name ending
	// in zone) with the given value and ttl.
	AddTXT(ctx context.Context, zone, rrname, value string, ttl int) error
	// RemoveTXT deletes the TXT record at rrname with the given value.
	// Best-effort: callers must not block the success path on its error.
	RemoveTXT(ctx context.Context, zone, rrname, value string) error
	// ListNS returns the authoritative nameservers for zone, used to poll
	// for propagation before declaring a dns-01 challenge provisioned.
	ListNS(ctx context.Context, zone string) ([]string, error)
}

// Fulfiller is the shared interface both challenge kinds implement
// (spec.md §4.3): provision returns once the proof material is visible to
// the CA's validation servers (or, for http-01, to the optional self-check
// vantage); cleanup is best-effort and must never block an order's success
// path.
type Fulfiller interface {
	Provision(ctx context.Context, c Challenge) error
	Cleanup(ctx context.Context, c Challenge)
}

// Challenge is the minimal view a fulfiller needs of an ACME challenge:
// enough to derive the proof material without importing package acme
// (avoiding an import cycle, since acme.Client is what computes
// KeyAuthorization/DNS01RecordValue for a fulfiller to place).
type Challenge struct {
	// Name is the certificate record's identity. The fulfillers in this
	// package do not read it; DNS zone matching uses Domain.
	Name string
	// Domain is the specific SAN this challenge proves control of.
	Domain string
	// Token is the ACME challenge token.
	Token string
	// KeyAuthorization is token || '.' || base64url(JWK thumbprint).
	KeyAuthorization string
}
