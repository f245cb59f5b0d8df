// Package acme implements the subset of the ACME v2 protocol (RFC 8555)
// certcentral's scheduler drives a certificate through: directory and nonce
// bootstrap, account registration, order creation, authorization and
// challenge inspection, finalization, certificate download, and revocation.
//
// Each RPC in SPEC_FULL.md §4.2 is its own method rather than being folded
// into a single Obtain-style call, so that the scheduler's state machine
// (package scheduler) owns the control flow and can resume at any step
// after a restart.
package acme

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Logf is the teacher's printf-style logging callback shape, generalized
// to carry structured key/value pairs; callers typically bind this to a
// *zap.SugaredLogger's Infow/Errorw (see SPEC_FULL.md §6).
type Logf func(msg string, kv ...interface{})

// Client is a single ACME account's connection to one ACME directory. It
// is safe for concurrent use by multiple scheduler workers driving
// different certificate records, since the only shared mutable state (the
// nonce cache) is independently synchronized.
type Client struct {
	// DirectoryURL is the ACME server's directory endpoint.
	DirectoryURL string
	// Key is the account key; it signs every JWS this client produces.
	// Per-certificate keys are never passed here (spec.md §4.1).
	Key crypto.Signer
	// HTTPClient is the transport; defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Logf and Errf are optional structured logging hooks.
	Logf Logf
	Errf Logf
	// MaxServerErrorRetries bounds the 5xx retry loop (default 5).
	MaxServerErrorRetries int

	dir    *Directory
	nonces nonceCache
	signer *signer
	kid    string
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) log(msg string, kv ...interface{}) {
	if c.Logf != nil {
		c.Logf(msg, kv...)
	}
}

func (c *Client) logErr(msg string, kv ...interface{}) {
	if c.Errf != nil {
		c.Errf(msg, kv...)
	} else {
		c.log(msg, kv...)
	}
}

func (c *Client) maxRetries() int {
	if c.MaxServerErrorRetries > 0 {
		return c.MaxServerErrorRetries
	}
	return 5
}

// KnownAccountURL returns the account resource URL learned from a prior
// NewAccount call, or "" if none has been established yet.
func (c *Client) KnownAccountURL() string { return c.kid }

// LoadDirectory fetches and caches the ACME server's directory document
// (the newNonce/newAccount/newOrder/revokeCert URLs).
func (c *Client) LoadDirectory(ctx context.Context) (*Directory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DirectoryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("acme: fetching directory: %w", err)
	}
	defer resp.Body.Close()

	c.nonces.push(resp.Header.Get("Replay-Nonce"))

	var dir Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("acme: decoding directory: %w", err)
	}
	c.dir = &dir
	return &dir, nil
}

func (c *Client) directory(ctx context.Context) (*Directory, error) {
	if c.dir != nil {
		return c.dir, nil
	}
	return c.LoadDirectory(ctx)
}

func (c *Client) fetchNonce(ctx context.Context, dir *Directory) (string, error) {
	if n, ok := c.nonces.pop(); ok {
		return n, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("acme: fetching nonce: %w", err)
	}
	defer resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", fmt.Errorf("acme: newNonce response carried no Replay-Nonce")
	}
	return nonce, nil
}

// postResult bundles a decoded response alongside the transport-level
// metadata callers need (Location header for newAccount/newOrder,
// Retry-After for poll loops).
type postResult struct {
	status   int
	location string
	retryAfter time.Duration
	body     []byte
}

// post signs payload as a flattened JWS addressed to url and POSTs it,
// transparently retrying exactly once on badNonce (spec.md §7) and
// retrying ServerInternal/transient-network errors with bounded backoff
// (spec.md §7). payload == nil sends an empty POST-as-GET body.
func (c *Client) post(ctx context.Context, url string, payload interface{}) (*postResult, error) {
	dir, err := c.directory(ctx)
	if err != nil {
		return nil, err
	}
	if c.signer == nil {
		s, err := newSigner(c.Key)
		if err != nil {
			return nil, err
		}
		c.signer = s
	}

	badNonceRetried := false
	var result *postResult
	op := func() error {
		nonce, err := c.fetchNonce(ctx, dir)
		if err != nil {
			return backoff.Permanent(err)
		}
		body, err := c.signer.sign(url, nonce, c.kid, payload)
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/jose+json")

		resp, err := c.httpClient().Do(req)
		if err != nil {
			return err // transient network error: retried by backoff
		}
		defer resp.Body.Close()

		c.nonces.push(resp.Header.Get("Replay-Nonce"))
		respBody, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			result = &postResult{
				status:     resp.StatusCode,
				location:   resp.Header.Get("Location"),
				retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
				body:       respBody,
			}
			return nil
		}

		prob := parseProblem(resp.StatusCode, respBody)
		kind := classify(prob)

		switch kind {
		case BadNonce:
			if !badNonceRetried {
				badNonceRetried = true
				return fmt.Errorf("acme: badNonce, retrying once")
			}
			return backoff.Permanent(&ProtocolError{Kind: kind, Problem: prob})
		case RateLimited:
			ra := parseRetryAfter(resp.Header.Get("Retry-After"))
			return backoff.Permanent(&ProtocolError{Kind: kind, Problem: prob, RetryAfter: ra})
		case ServerInternal:
			return &ProtocolError{Kind: kind, Problem: prob} // retried by backoff
		default:
			return backoff.Permanent(&ProtocolError{Kind: kind, Problem: prob})
		}
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries()))
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func parseProblem(status int, body []byte) *Problem {
	p := &Problem{Status: status}
	if err := json.Unmarshal(body, p); err != nil || p.Type == "" {
		p.Type = "about:blank"
		p.Detail = string(body)
	}
	return p
}

// NewAccount registers (or, if the key is already known to the server,
// retrieves) an ACME account and returns its URL. Idempotent per
// spec.md §4.2: a second call with the same key returns the existing URL
// rather than erroring.
func (c *Client) NewAccount(ctx context.Context, contact []string, termsAgreed bool) (string, error) {
	dir, err := c.directory(ctx)
	if err != nil {
		return "", err
	}
	res, err := c.post(ctx, dir.NewAccount, &Account{
		Contact:              contact,
		TermsOfServiceAgreed: termsAgreed,
	})
	if err != nil {
		return "", fmt.Errorf("acme: new account: %w", err)
	}
	if res.location == "" {
		return "", fmt.Errorf("acme: newAccount response carried no Location header")
	}
	c.kid = res.location
	return res.location, nil
}

// NewOrder creates an order for sans, the certificate's SAN set.
func (c *Client) NewOrder(ctx context.Context, sans []string) (*Order, error) {
	dir, err := c.directory(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]Identifier, len(sans))
	for i, s := range sans {
		ids[i] = Identifier{Type: "dns", Value: s}
	}
	res, err := c.post(ctx, dir.NewOrder, struct {
		Identifiers []Identifier `json:"identifiers"`
	}{Identifiers: ids})
	if err != nil {
		return nil, fmt.Errorf("acme: new order: %w", err)
	}
	var order Order
	if err := json.Unmarshal(res.body, &order); err != nil {
		return nil, fmt.Errorf("acme: decoding order: %w", err)
	}
	order.URL = res.location
	return &order, nil
}

// GetAuthorization fetches the current state of an authorization via
// POST-as-GET.
func (c *Client) GetAuthorization(ctx context.Context, url string) (*Authorization, error) {
	res, err := c.post(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("acme: get authorization: %w", err)
	}
	var authz Authorization
	if err := json.Unmarshal(res.body, &authz); err != nil {
		return nil, fmt.Errorf("acme: decoding authorization: %w", err)
	}
	return &authz, nil
}

// RespondToChallenge tells the server the client believes it has satisfied
// challengeURL's requirements (an empty JSON object payload, per
// RFC 8555 §7.5.1), triggering server-side validation.
func (c *Client) RespondToChallenge(ctx context.Context, challengeURL string) (*Challenge, error) {
	res, err := c.post(ctx, challengeURL, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("acme: respond to challenge: %w", err)
	}
	var ch Challenge
	if err := json.Unmarshal(res.body, &ch); err != nil {
		return nil, fmt.Errorf("acme: decoding challenge: %w", err)
	}
	return &ch, nil
}

// KeyAuthorization returns the key authorization string for token, used by
// challenge fulfillers to compute both the http-01 file contents and the
// dns-01 TXT value.
func (c *Client) KeyAuthorization(token string) (string, error) {
	return keyAuthorization(token, c.Key)
}

// DNS01RecordValue computes the _acme-challenge TXT value for token.
func (c *Client) DNS01RecordValue(token string) (string, error) {
	keyAuth, err := c.KeyAuthorization(token)
	if err != nil {
		return "", err
	}
	return dns01RecordValue(keyAuth), nil
}

// pollUntilTerminal polls url (via POST-as-GET, passing each body to
// isTerminal) starting at a 1s interval, doubling to a 30s cap, honoring Retry-After,
// until a terminal status is observed or deadline elapses (spec.md §4.2).
func (c *Client) pollUntilTerminal(ctx context.Context, resource, url string, deadline time.Time, isTerminal func([]byte) (terminal bool, err error)) ([]byte, error) {
	interval := time.Second
	const maxInterval = 30 * time.Second

	for {
		res, err := c.post(ctx, url, nil)
		if err != nil {
			var pe *ProtocolError
			if asProtocolError(err, &pe) && pe.Kind == ServerInternal {
				// fall through to the wait below and retry
			} else {
				return nil, err
			}
		} else {
			terminal, err := isTerminal(res.body)
			if err != nil {
				return nil, err
			}
			if terminal {
				return res.body, nil
			}
			if res.retryAfter > 0 {
				interval = res.retryAfter
			}
		}

		if time.Now().Add(interval).After(deadline) {
			return nil, &TimeoutError{Resource: resource, Deadline: deadline}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

func asProtocolError(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if ok {
		*target = pe
	}
	return ok
}

// PollAuthorization polls url until its status is a terminal value (valid
// or invalid) or deadline elapses.
func (c *Client) PollAuthorization(ctx context.Context, url string, deadline time.Time) (string, error) {
	body, err := c.pollUntilTerminal(ctx, "authorization", url, deadline, func(b []byte) (bool, error) {
		var a Authorization
		if err := json.Unmarshal(b, &a); err != nil {
			return false, err
		}
		return a.Status == StatusValid || a.Status == StatusInvalid, nil
	})
	if err != nil {
		return "", err
	}
	var a Authorization
	if err := json.Unmarshal(body, &a); err != nil {
		return "", err
	}
	return a.Status, nil
}

// FinalizeOrder submits csrDER against finalizeURL once all of an order's
// authorizations are valid.
func (c *Client) FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) (*Order, error) {
	res, err := c.post(ctx, finalizeURL, struct {
		CSR string `json:"csr"`
	}{CSR: base64URLEncode(csrDER)})
	if err != nil {
		return nil, fmt.Errorf("acme: finalize order: %w", err)
	}
	var order Order
	if err := json.Unmarshal(res.body, &order); err != nil {
		return nil, fmt.Errorf("acme: decoding order: %w", err)
	}
	return &order, nil
}

// PollOrder polls orderURL until its status is valid or invalid, or
// deadline elapses.
func (c *Client) PollOrder(ctx context.Context, orderURL string, deadline time.Time) (*Order, error) {
	body, err := c.pollUntilTerminal(ctx, "order", orderURL, deadline, func(b []byte) (bool, error) {
		var o Order
		if err := json.Unmarshal(b, &o); err != nil {
			return false, err
		}
		return o.Status == StatusValid || o.Status == StatusInvalid, nil
	})
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, err
	}
	order.URL = orderURL
	return &order, nil
}

// DownloadCertificate fetches the issued certificate chain (leaf first, as
// PEM) from an order's certificate URL.
func (c *Client) DownloadCertificate(ctx context.Context, url string) ([]byte, error) {
	res, err := c.post(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("acme: download certificate: %w", err)
	}
	return res.body, nil
}

// Revoke requests revocation of certDER for the given reason. Not on the
// renewal happy path; for administrative use (spec.md §4.2).
func (c *Client) Revoke(ctx context.Context, certDER []byte, reason RevokeReason) error {
	dir, err := c.directory(ctx)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, dir.RevokeCert, struct {
		Certificate string `json:"certificate"`
		Reason      int    `json:"reason"`
	}{
		Certificate: base64URLEncode(certDER),
		Reason:      int(reason),
	})
	if err != nil {
		return fmt.Errorf("acme: revoke: %w", err)
	}
	return nil
}

// ParseIssuedChain splits a PEM certificate chain into leaf and
// intermediates, for the certificate store to persist separately
// (spec.md §4.4: cert.pem vs chain.pem vs fullchain.pem).
func ParseIssuedChain(pemChain []byte) (leafDER []byte, intermediatesPEM []byte, err error) {
	rest := pemChain
	var blocks [][]byte
	for {
		var block *pemBlock
		block, rest = decodePEMBlock(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, block.bytes)
	}
	if len(blocks) == 0 {
		return nil, nil, fmt.Errorf("acme: empty certificate chain")
	}
	if _, err := x509.ParseCertificate(blocks[0]); err != nil {
		return nil, nil, fmt.Errorf("acme: parsing leaf certificate: %w", err)
	}
	var buf bytes.Buffer
	for _, der := range blocks[1:] {
		buf.Write(encodePEMCertificate(der))
	}
	return blocks[0], buf.Bytes(), nil
}
