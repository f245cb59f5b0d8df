package scheduler

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wikimedia/operations-software-certcentral/internal/acme"
	"github.com/wikimedia/operations-software-certcentral/internal/acme/acmetest"
	"github.com/wikimedia/operations-software-certcentral/internal/challenge"
	"github.com/wikimedia/operations-software-certcentral/internal/config"
	"github.com/wikimedia/operations-software-certcentral/internal/cryptoutil"
	"github.com/wikimedia/operations-software-certcentral/internal/store"
)

// stubFulfiller always succeeds immediately, letting these tests exercise
// the scheduler's state transitions without real DNS/HTTP infrastructure.
type stubFulfiller struct{}

func (stubFulfiller) Provision(ctx context.Context, c challenge.Challenge) error { return nil }
func (stubFulfiller) Cleanup(ctx context.Context, c challenge.Challenge)         {}

func newTestScheduler(t *testing.T, srv *acmetest.Server) (*Scheduler, *Record) {
	t.Helper()
	accountKey, err := cryptoutil.GenerateKey(cryptoutil.ECDSAP256)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	client := &acme.Client{DirectoryURL: srv.URL(), Key: accountKey}

	st := &store.Store{BasePath: t.TempDir()}
	spec := config.CertSpec{CN: "scheduler.example.org", KeyType: cryptoutil.ECDSAP256, Challenge: "dns-01", Account: "test"}.WithName("scheduler.example.org")
	sched := &Scheduler{
		Store:            st,
		Accounts:         map[string]*acme.Client{"test": client},
		HTTP01:           stubFulfiller{},
		DNS01:            stubFulfiller{},
		Workers:          1,
		RenewalRatio:     config.DefaultRenewalRatio,
		BackoffBase:      config.DefaultBackoffBase,
		BackoffCap:       config.DefaultBackoffCap,
		ConcurrentOrders: 2,
		PollDeadline:     5 * time.Second,
	}
	sched.sem = semaphore.NewWeighted(int64(sched.ConcurrentOrders))
	sched.records = map[string]*Record{}
	sched.queue = newDispatchQueue()

	r := NewRecord(spec)
	r.NextAttempt = time.Now()
	sched.records["scheduler.example.org"] = r
	sched.queue.push(r)

	return sched, r
}

// TestFullLifecycleReachesLive drives a freshly-created record through
// every state up to LIVE against the mock ACME server, covering the
// INITIAL -> ... -> LIVE path of scenario S1.
func TestFullLifecycleReachesLive(t *testing.T) {
	srv := acmetest.New()
	defer srv.Close()

	sched, r := newTestScheduler(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		state, _ := r.snapshot()
		if state == Live {
			break
		}
		sched.advance(ctx, r)
	}

	state, _ := r.snapshot()
	if state != Live {
		t.Fatalf("record did not reach LIVE, stuck at %s", state)
	}
	if r.CurrentMeta == nil || r.CurrentMeta.SelfSigned {
		t.Fatal("expected CurrentMeta to reflect the issued (non-self-signed) certificate")
	}

	m, err := sched.Store.Read("scheduler.example.org")
	if err != nil {
		t.Fatalf("Store.Read: %v", err)
	}
	if m.Meta.SelfSigned {
		t.Fatal("published material should no longer be self-signed once LIVE")
	}
}

// TestSelfSignedBeforeFirstOrder covers invariant 1 of spec.md §8: a
// freshly-added record publishes self-signed material before any ACME
// network interaction.
func TestSelfSignedBeforeFirstOrder(t *testing.T) {
	srv := acmetest.New()
	defer srv.Close()
	sched, r := newTestScheduler(t, srv)

	if err := sched.doSelfSign(context.Background(), r); err != nil {
		t.Fatalf("doSelfSign: %v", err)
	}
	state, _ := r.snapshot()
	if state != SelfSigned {
		t.Fatalf("state = %s, want SELF_SIGNED", state)
	}
	m, err := sched.Store.Read("scheduler.example.org")
	if err != nil {
		t.Fatalf("Store.Read: %v", err)
	}
	if !m.Meta.SelfSigned {
		t.Fatal("expected published material to be marked self-signed")
	}
}

// TestConcurrencyLimitRespected covers invariant 5 of spec.md §8: the
// semaphore admits no more than ConcurrentOrders records into in-flight
// states at once.
func TestConcurrencyLimitRespected(t *testing.T) {
	srv := acmetest.New()
	defer srv.Close()
	sched, _ := newTestScheduler(t, srv)
	sched.ConcurrentOrders = 1
	sched.sem = semaphore.NewWeighted(1)

	ctx := context.Background()
	if err := sched.sem.Acquire(ctx, 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer sched.sem.Release(1)

	acquireCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := sched.sem.Acquire(acquireCtx, 1); err == nil {
		t.Fatal("expected second Acquire to block while the first permit is held")
	}
}

// TestBackoffGrowsAndJitters covers invariant 6 of spec.md §8.
func TestBackoffGrowsAndJitters(t *testing.T) {
	srv := acmetest.New()
	defer srv.Close()
	sched, r := newTestScheduler(t, srv)

	first := r.recordFailure(sched.backoffBase(), sched.backoffCapDuration(), sched.jitter)
	if d := time.Until(first); d < 23*time.Second || d > 36*time.Second {
		t.Fatalf("first backoff delay %v is outside 30s ±20%%", d)
	}
	second := r.recordFailure(sched.backoffBase(), sched.backoffCapDuration(), sched.jitter)

	if !second.After(first) {
		t.Fatalf("expected backoff delay to grow with consecutive failures: first=%v second=%v", first, second)
	}
}
