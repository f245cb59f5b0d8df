// Package gcdns adapts Google Cloud DNS into a challenge.Provisioner,
// generalizing the teacher's gcdnsp package (which hardcoded a single
// managed zone and domain) to the multi-zone, multi-record shape
// challenge.DNS01 drives, and its cmd/autogcdns use of
// github.com/kenshaw/jwt/gserviceaccount for service-account auth.
package gcdns

import (
	"context"
	"errors"
	"strings"

	"github.com/kenshaw/jwt/gserviceaccount"
	dns "google.golang.org/api/dns/v2beta1"
)

// Client wraps a Google Cloud DNS service, scoped to a single project.
type Client struct {
	projectID  string
	dnsService *dns.Service
	// zoneNames maps a DNS zone suffix to its Google Cloud DNS managed
	// zone name, since the ACME-facing API deals in zones (e.g.
	// "example.org") but the Cloud DNS API deals in managed zone names
	// (e.g. "example-org-zone").
	zoneNames map[string]string
}

// New constructs a Client from service-account credential JSON, following
// the teacher's cmd/autogcdns/main.go wiring of gserviceaccount.FromJSON
// into a dns.Service client.
func New(ctx context.Context, projectID string, credentialsJSON []byte, zoneNames map[string]string) (*Client, error) {
	gsa, err := gserviceaccount.FromJSON(credentialsJSON)
	if err != nil {
		return nil, err
	}
	httpClient, err := gsa.Client(ctx, dns.CloudPlatformScope, dns.NdevClouddnsReadwriteScope)
	if err != nil {
		return nil, err
	}
	svc, err := dns.New(httpClient)
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		projectID = gsa.ProjectID
	}
	return &Client{projectID: projectID, dnsService: svc, zoneNames: zoneNames}, nil
}

func (c *Client) managedZone(zone string) (string, error) {
	zone = strings.TrimSuffix(zone, ".")
	name, ok := c.zoneNames[zone]
	if !ok {
		return "", errors.New("gcdns: no managed zone configured for " + zone)
	}
	return name, nil
}

// AddTXT creates a TXT record at rrname within zone.
func (c *Client) AddTXT(ctx context.Context, zone, rrname, value string, ttl int) error {
	managedZone, err := c.managedZone(zone)
	if err != nil {
		return err
	}
	fqdn := strings.TrimSuffix(rrname, ".") + "."
	_, err = dns.NewChangesService(c.dnsService).Create(c.projectID, managedZone, &dns.Change{
		Additions: []*dns.ResourceRecordSet{{
			Type:    "TXT",
			Name:    fqdn,
			Rrdatas: []string{quoteTXT(value)},
			Ttl:     int64(ttl),
		}},
	}).Context(ctx).Do()
	return err
}

// RemoveTXT deletes the TXT record at rrname within zone whose value
// matches. Best-effort per challenge.Fulfiller's cleanup contract.
func (c *Client) RemoveTXT(ctx context.Context, zone, rrname, value string) error {
	managedZone, err := c.managedZone(zone)
	if err != nil {
		return err
	}
	fqdn := strings.TrimSuffix(rrname, ".") + "."

	var deletions []*dns.ResourceRecordSet
	req := dns.NewResourceRecordSetsService(c.dnsService).List(c.projectID, managedZone)
	err = req.Pages(ctx, func(page *dns.ResourceRecordSetsListResponse) error {
		for _, rrset := range page.Rrsets {
			if rrset.Name != fqdn || rrset.Type != "TXT" {
				continue
			}
			if containsUnquoted(rrset.Rrdatas, value) {
				deletions = append(deletions, rrset)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(deletions) == 0 {
		return errors.New("gcdns: record not found for deletion")
	}
	_, err = dns.NewChangesService(c.dnsService).Create(c.projectID, managedZone, &dns.Change{
		Deletions: deletions,
	}).Context(ctx).Do()
	return err
}

// ListNS returns Google Cloud DNS's advertised authoritative nameservers
// for zone, mirroring the teacher's hardcoded ns-cloud-b1..b4 default but
// fetched from the managed zone resource itself where available.
func (c *Client) ListNS(ctx context.Context, zone string) ([]string, error) {
	managedZone, err := c.managedZone(zone)
	if err != nil {
		return nil, err
	}
	mz, err := dns.NewManagedZonesService(c.dnsService).Get(c.projectID, managedZone).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(mz.NameServers) == 0 {
		return []string{
			"ns-cloud-b1.googledomains.com:53",
			"ns-cloud-b2.googledomains.com:53",
			"ns-cloud-b3.googledomains.com:53",
			"ns-cloud-b4.googledomains.com:53",
		}, nil
	}
	out := make([]string, len(mz.NameServers))
	for i, ns := range mz.NameServers {
		out[i] = strings.TrimSuffix(ns, ".") + ":53"
	}
	return out, nil
}

func quoteTXT(value string) string { return `"` + value + `"` }

func containsUnquoted(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.Trim(s, `"`) == needle {
			return true
		}
	}
	return false
}
