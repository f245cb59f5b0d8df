// Package godop adapts the DigitalOcean API into a challenge.Provisioner,
// directly generalizing the teacher's own godop package (which implemented
// autocertdns.Provisioner against a single hardcoded domain) to the
// zone/rrname shape challenge.DNS01 drives.
package godop

import (
	"context"
	"errors"
	"strings"

	"github.com/digitalocean/godo"
	"golang.org/x/oauth2"
)

// Client wraps a DigitalOcean godo.Client as a challenge.Provisioner.
type Client struct {
	*godo.Client
}

// New wraps an already-constructed godo.Client.
func New(c *godo.Client) *Client {
	return &Client{Client: c}
}

// FromToken builds a godo.Client from a DigitalOcean API token, as the
// teacher's godop.FromClientToken option did.
func FromToken(ctx context.Context, token string) *Client {
	return New(godo.NewClient(oauth2.NewClient(
		ctx,
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
	)))
}

func relativeName(zone, rrname string) (string, error) {
	rrname = strings.TrimSuffix(rrname, ".")
	zone = strings.TrimSuffix(zone, ".")
	if !strings.HasSuffix(rrname, "."+zone) && rrname != zone {
		return "", errors.New("godop: rrname is not within zone")
	}
	name := strings.TrimSuffix(rrname, zone)
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		name = "@"
	}
	return name, nil
}

// AddTXT creates a TXT record within zone for rrname.
func (c *Client) AddTXT(ctx context.Context, zone, rrname, value string, ttl int) error {
	name, err := relativeName(zone, rrname)
	if err != nil {
		return err
	}
	_, _, err = c.Domains.CreateRecord(ctx, zone, &godo.DomainRecordEditRequest{
		Type: "TXT",
		Name: name,
		Data: value,
		TTL:  ttl,
	})
	return err
}

// RemoveTXT deletes the TXT record within zone at rrname whose value
// matches. Best-effort per challenge.Fulfiller's cleanup contract.
func (c *Client) RemoveTXT(ctx context.Context, zone, rrname, value string) error {
	name, err := relativeName(zone, rrname)
	if err != nil {
		return err
	}
	records, _, err := c.Domains.Records(ctx, zone, nil)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Name != name || r.Type != "TXT" || r.Data != value {
			continue
		}
		_, err = c.Domains.DeleteRecord(ctx, zone, r.ID)
		return err
	}
	return errors.New("godop: record not found for deletion")
}

// ListNS checks via the Domains.Get API that zone exists in the account,
// then returns DigitalOcean's fixed nameservers ns1-ns3.digitalocean.com;
// the nameserver names are not read from the API response.
func (c *Client) ListNS(ctx context.Context, zone string) ([]string, error) {
	_, _, err := c.Domains.Get(ctx, zone)
	if err != nil {
		return nil, err
	}
	return []string{
		"ns1.digitalocean.com:53",
		"ns2.digitalocean.com:53",
		"ns3.digitalocean.com:53",
	}, nil
}
