// Package cloudflare adapts Cloudflare DNS into a challenge.Provisioner.
// New relative to the teacher, grounded on caasmo/restinpieces's
// queue/handlers/AcmeCertRenewal.go, which wires a Cloudflare DNS-01
// provider (via go-acme/lego's cloudflare provider package, whose
// underlying transport is github.com/cloudflare/cloudflare-go) into its own
// ACME renewal job. certcentral talks to cloudflare-go directly rather than
// through lego, since SPEC_FULL.md §4.2 re-implements the ACME flow itself.
package cloudflare

import (
	"context"
	"errors"
	"strings"

	cf "github.com/cloudflare/cloudflare-go"
)

// Client wraps a Cloudflare API token client, caching zone-name → zone-ID
// lookups since they're immutable for the lifetime of the process.
type Client struct {
	api     *cf.API
	zoneIDs map[string]string
}

// NewWithAPIToken constructs a Client authenticated with a scoped
// Cloudflare API token (the credential form spec.md §3's "opaque
// credentials" calls for, as opposed to the legacy global-key form).
func NewWithAPIToken(token string) (*Client, error) {
	api, err := cf.NewWithAPIToken(token)
	if err != nil {
		return nil, err
	}
	return &Client{api: api, zoneIDs: make(map[string]string)}, nil
}

func (c *Client) zoneID(ctx context.Context, zone string) (string, error) {
	zone = strings.TrimSuffix(zone, ".")
	if id, ok := c.zoneIDs[zone]; ok {
		return id, nil
	}
	id, err := c.api.ZoneIDByName(zone)
	if err != nil {
		return "", err
	}
	c.zoneIDs[zone] = id
	return id, nil
}

// AddTXT creates a TXT record at rrname within zone.
func (c *Client) AddTXT(ctx context.Context, zone, rrname, value string, ttl int) error {
	zoneID, err := c.zoneID(ctx, zone)
	if err != nil {
		return err
	}
	_, err = c.api.CreateDNSRecord(ctx, cf.ZoneIdentifier(zoneID), cf.CreateDNSRecordParams{
		Type:    "TXT",
		Name:    strings.TrimSuffix(rrname, "."),
		Content: value,
		TTL:     ttl,
	})
	return err
}

// RemoveTXT deletes the TXT record at rrname within zone whose content
// matches value. Best-effort per challenge.Fulfiller's cleanup contract.
func (c *Client) RemoveTXT(ctx context.Context, zone, rrname, value string) error {
	zoneID, err := c.zoneID(ctx, zone)
	if err != nil {
		return err
	}
	rc := cf.ZoneIdentifier(zoneID)
	records, _, err := c.api.ListDNSRecords(ctx, rc, cf.ListDNSRecordsParams{
		Type: "TXT",
		Name: strings.TrimSuffix(rrname, "."),
	})
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Content != value {
			continue
		}
		return c.api.DeleteDNSRecord(ctx, rc, r.ID)
	}
	return errors.New("cloudflare: record not found for deletion")
}

// ListNS returns the zone's assigned Cloudflare nameservers.
func (c *Client) ListNS(ctx context.Context, zone string) ([]string, error) {
	zoneID, err := c.zoneID(ctx, zone)
	if err != nil {
		return nil, err
	}
	details, err := c.api.ZoneDetails(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(details.NameServers))
	for i, ns := range details.NameServers {
		out[i] = ns + ":53"
	}
	return out, nil
}
