package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	dnsr "github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// dns01Value computes the _acme-challenge TXT value for a key
// authorization: base64url(sha256(key-authorization)), per spec.md §4.3.
func dns01Value(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Default timings, carried over from the teacher's gcdnsp defaults.
const (
	DefaultPropagationWait = 60 * time.Second
	DefaultCheckDelay      = 100 * time.Millisecond
)

// zoneBinding pairs a DNS zone suffix with the provider driver responsible
// for it (spec.md §3's "DNS provider binding").
type zoneBinding struct {
	zone       string
	provisioner Provisioner
}

// DNS01 computes and places _acme-challenge TXT records, selecting among
// multiple configured DNS providers by longest-suffix match of the
// challenge domain (spec.md §4.3), then polls each zone's authoritative
// nameservers in parallel until they all agree or a deadline elapses —
// generalized from the teacher's gcdnsp.Client.Provision, which performed
// exactly this poll for a single hardcoded provider.
type DNS01 struct {
	bindings []zoneBinding

	// PropagationWait bounds how long Provision waits for all
	// authoritative nameservers to agree (default 60s).
	PropagationWait time.Duration
	// CheckDelay is the pause between unsuccessful NS queries
	// (default 100ms).
	CheckDelay time.Duration
	// TTL is the TXT record TTL requested from the provider.
	TTL int
}

// Register binds zone (e.g. "example.org") to a provisioner. Longest-suffix
// match wins when a domain matches more than one registered zone.
func (d *DNS01) Register(zone string, p Provisioner) {
	d.bindings = append(d.bindings, zoneBinding{zone: strings.TrimSuffix(zone, "."), provisioner: p})
}

func (d *DNS01) selectProvider(domain string) (zoneBinding, error) {
	var best zoneBinding
	for _, b := range d.bindings {
		if strings.HasSuffix(domain, b.zone) && len(b.zone) >= len(best.zone) {
			best = b
		}
	}
	if best.provisioner == nil {
		return zoneBinding{}, fmt.Errorf("challenge: no DNS provider configured for zone matching %q", domain)
	}
	return best, nil
}

func recordName(domain string) string {
	return "_acme-challenge." + strings.TrimSuffix(domain, ".")
}

func (d *DNS01) propagationWait() time.Duration {
	if d.PropagationWait > 0 {
		return d.PropagationWait
	}
	return DefaultPropagationWait
}

func (d *DNS01) checkDelay() time.Duration {
	if d.CheckDelay > 0 {
		return d.CheckDelay
	}
	return DefaultCheckDelay
}

func (d *DNS01) ttl() int {
	if d.TTL > 0 {
		return d.TTL
	}
	return 60
}

// Provision places the TXT record for c via the zone-matched provider,
// then polls that zone's authoritative nameservers until all of them
// return the value or PropagationWait elapses (spec.md §4.3).
func (d *DNS01) Provision(ctx context.Context, c Challenge) error {
	binding, err := d.selectProvider(c.Domain)
	if err != nil {
		return &ProvisionError{Op: "select provider", Err: err}
	}

	rrname := recordName(c.Domain)
	value := dns01Value(c.KeyAuthorization)

	if err := binding.provisioner.AddTXT(ctx, binding.zone, rrname, value, d.ttl()); err != nil {
		return &ProvisionError{Op: "add TXT", Err: err}
	}

	nameservers, err := binding.provisioner.ListNS(ctx, binding.zone)
	if err != nil {
		return &ProvisionError{Op: "list nameservers", Err: err}
	}

	if err := d.waitForPropagation(ctx, binding.zone, nameservers, rrname, value); err != nil {
		return err
	}
	return nil
}

// waitForPropagation fans out one query goroutine per authoritative
// nameserver via errgroup (as the teacher's gcdnsp did for its four
// hardcoded Google Cloud DNS nameservers), each retrying until it observes
// value or the context's deadline elapses.
func (d *DNS01) waitForPropagation(ctx context.Context, zone string, nameservers []string, rrname, value string) error {
	ctx, cancel := context.WithTimeout(ctx, d.propagationWait())
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	fqdn := rrname + "."
	for _, ns := range nameservers {
		ns := ns
		eg.Go(func() error {
			client := new(dnsr.Client)
			msg := new(dnsr.Msg)
			msg.SetQuestion(fqdn, dnsr.TypeTXT)
			for {
				select {
				case <-ctx.Done():
					return &PropagationTimeoutError{Zone: zone, Value: value}
				default:
				}
				res, _, err := client.Exchange(msg, ns)
				if err == nil && containsTXT(res, value) {
					return nil
				}
				select {
				case <-ctx.Done():
					return &PropagationTimeoutError{Zone: zone, Value: value}
				case <-time.After(d.checkDelay()):
				}
			}
		})
	}
	return eg.Wait()
}

func containsTXT(m *dnsr.Msg, value string) bool {
	if m == nil {
		return false
	}
	for _, a := range m.Answer {
		if txt, ok := a.(*dnsr.TXT); ok {
			for _, s := range txt.Txt {
				if s == value {
					return true
				}
			}
		}
	}
	return false
}

// Cleanup removes the TXT record placed by Provision. Best-effort: any
// provider error is discarded and nothing is returned, so a failed cleanup
// never fails an order; it is not retried.
func (d *DNS01) Cleanup(ctx context.Context, c Challenge) {
	binding, err := d.selectProvider(c.Domain)
	if err != nil {
		return
	}
	rrname := recordName(c.Domain)
	value := dns01Value(c.KeyAuthorization)
	_ = binding.provisioner.RemoveTXT(ctx, binding.zone, rrname, value)
}
