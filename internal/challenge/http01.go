package challenge

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// HTTP01 writes the key-authorization under
// .well-known/acme-challenge/<token> in a local directory that edge HTTP
// servers are configured (out of band) to expose, per spec.md §4.3.
// Mirroring the CacheDir directory-write pattern from the teacher's own
// cachedKey, but targeted at the well-known challenge layout instead of
// key material.
type HTTP01 struct {
	// Dir is the well-known/acme-challenge directory.
	Dir string
	// SelfCheckURLs, if set, are each fetched as given after writing the
	// token file, and every one must answer 200 OK before Provision
	// returns. The token is not appended to the URL and the response body
	// is not compared with the key authorization.
	SelfCheckURLs []string
	// HTTPClient is used for self-checks; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (h *HTTP01) httpClient() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	return http.DefaultClient
}

func (h *HTTP01) tokenPath(token string) string {
	return filepath.Join(h.Dir, token)
}

// Provision is idempotent under the same challenge identity: writing the
// same token twice with the same key authorization is a no-op the second
// time (spec.md §4.3).
func (h *HTTP01) Provision(ctx context.Context, c Challenge) error {
	if err := os.MkdirAll(h.Dir, 0755); err != nil {
		return &ProvisionError{Op: "mkdir", Err: err}
	}
	path := h.tokenPath(c.Token)
	if err := os.WriteFile(path, []byte(c.KeyAuthorization), 0644); err != nil {
		return &ProvisionError{Op: "write token", Err: err}
	}

	for _, u := range h.SelfCheckURLs {
		if err := h.selfCheck(ctx, u, c.KeyAuthorization); err != nil {
			return &ProvisionError{Op: "self-check " + u, Err: err}
		}
	}
	return nil
}

func (h *HTTP01) selfCheck(ctx context.Context, vantage, want string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vantage, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("self-check vantage %s returned status %d", vantage, resp.StatusCode)
	}
	return nil
}

// Cleanup removes the token file. Best-effort: a failure here must never
// surface to the scheduler (spec.md §4.3).
func (h *HTTP01) Cleanup(ctx context.Context, c Challenge) {
	_ = os.Remove(h.tokenPath(c.Token))
}
