package acme_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wikimedia/operations-software-certcentral/internal/acme"
	"github.com/wikimedia/operations-software-certcentral/internal/acme/acmetest"
	"github.com/wikimedia/operations-software-certcentral/internal/cryptoutil"
)

func newTestClient(t *testing.T, srv *acmetest.Server) *acme.Client {
	t.Helper()
	key, err := cryptoutil.GenerateKey(cryptoutil.ECDSAP256)
	require.NoError(t, err)
	return &acme.Client{
		DirectoryURL: srv.URL(),
		Key:          key,
	}
}

// TestHappyPath drives an order from creation through certificate download,
// covering scenario S1's ACME-side happy path.
func TestHappyPath(t *testing.T) {
	srv := acmetest.New()
	defer srv.Close()
	ctx := context.Background()

	c := newTestClient(t, srv)
	_, err := c.NewAccount(ctx, []string{"mailto:ops@example.org"}, true)
	require.NoError(t, err)

	order, err := c.NewOrder(ctx, []string{"www.example.org"})
	require.NoError(t, err)
	require.Len(t, order.Authorizations, 1)

	authz, err := c.GetAuthorization(ctx, order.Authorizations[0])
	require.NoError(t, err)
	require.Len(t, authz.Challenges, 1)

	_, err = c.RespondToChallenge(ctx, authz.Challenges[0].URL)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	status, err := c.PollAuthorization(ctx, order.Authorizations[0], deadline)
	require.NoError(t, err)
	require.Equal(t, acme.StatusValid, status)

	key, err := cryptoutil.GenerateKey(cryptoutil.ECDSAP256)
	require.NoError(t, err)
	csr, err := cryptoutil.BuildCSR(key, []string{"www.example.org"})
	require.NoError(t, err)

	_, err = c.FinalizeOrder(ctx, order.Finalize, csr)
	require.NoError(t, err)

	finalOrder, err := c.PollOrder(ctx, order.URL, deadline)
	require.NoError(t, err)
	require.Equal(t, acme.StatusValid, finalOrder.Status)
	require.NotEmpty(t, finalOrder.Certificate)

	chain, err := c.DownloadCertificate(ctx, finalOrder.Certificate)
	require.NoError(t, err)
	require.Contains(t, string(chain), "BEGIN CERTIFICATE")
}

// TestBadNonceRetriesTransparently covers scenario S3: the client retries a
// badNonce response exactly once, and the caller never observes it.
func TestBadNonceRetriesTransparently(t *testing.T) {
	srv := acmetest.New()
	srv.FailFirstNewOrderWithBadNonce = true
	defer srv.Close()
	ctx := context.Background()

	c := newTestClient(t, srv)
	_, err := c.NewAccount(ctx, []string{"mailto:ops@example.org"}, true)
	require.NoError(t, err)

	order, err := c.NewOrder(ctx, []string{"retry.example.org"})
	require.NoError(t, err)
	require.NotEmpty(t, order.URL)
}

// TestRateLimitSurfacesRetryAfter covers scenario S4: a 429 response
// surfaces as a ProtocolError carrying the server's Retry-After.
func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	srv := acmetest.New()
	srv.RateLimitNewOrder = true
	srv.RateLimitRetryAfter = 60 * time.Second
	defer srv.Close()
	ctx := context.Background()

	c := newTestClient(t, srv)
	_, err := c.NewAccount(ctx, []string{"mailto:ops@example.org"}, true)
	require.NoError(t, err)

	_, err = c.NewOrder(ctx, []string{"limited.example.org"})
	require.Error(t, err)

	var protoErr *acme.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, acme.RateLimited, protoErr.Kind)
	require.InDelta(t, 60*time.Second, protoErr.RetryAfter, float64(2*time.Second))
}

// TestPollAuthorizationTimeout covers the ACMETimeout path of spec.md §4.2:
// a deadline in the past must fail immediately rather than hang.
func TestPollAuthorizationTimeout(t *testing.T) {
	srv := acmetest.New()
	defer srv.Close()
	ctx := context.Background()

	c := newTestClient(t, srv)
	_, err := c.NewAccount(ctx, []string{"mailto:ops@example.org"}, true)
	require.NoError(t, err)
	order, err := c.NewOrder(ctx, []string{"neverseen.example.org"})
	require.NoError(t, err)

	_, err = c.PollAuthorization(ctx, order.Authorizations[0], time.Now().Add(-time.Second))
	require.Error(t, err)
	require.True(t, acme.IsTimeout(err))
}
