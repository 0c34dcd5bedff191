package typededupe

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/lakesink/internal/writeplan"
	"github.com/malbeclabs/lakesink/pkg/protocol"
)

var (
	users  = protocol.StreamKey{Namespace: "public", Name: "users"}
	orders = protocol.StreamKey{Namespace: "public", Name: "orders"}
)

type mockEngine struct {
	mu          sync.Mutex
	calls       map[protocol.StreamKey]int
	running     map[protocol.StreamKey]int
	maxRunning  map[protocol.StreamKey]int
	gate        chan struct{}
	started     chan protocol.StreamKey
	failures    map[protocol.StreamKey]int
	unprocessed map[protocol.StreamKey]bool
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		calls:       make(map[protocol.StreamKey]int),
		running:     make(map[protocol.StreamKey]int),
		maxRunning:  make(map[protocol.StreamKey]int),
		failures:    make(map[protocol.StreamKey]int),
		unprocessed: make(map[protocol.StreamKey]bool),
		started:     make(chan protocol.StreamKey, 100),
	}
}

func (m *mockEngine) Prepare(ctx context.Context, cfgs []*writeplan.WriteConfig) error { return nil }
func (m *mockEngine) Commit(ctx context.Context, cfg *writeplan.WriteConfig) error    { return nil }
func (m *mockEngine) Abort(ctx context.Context, cfg *writeplan.WriteConfig) error     { return nil }

func (m *mockEngine) Promote(ctx context.Context, cfg *writeplan.WriteConfig) error {
	m.mu.Lock()
	m.calls[cfg.Key]++
	m.running[cfg.Key]++
	if m.running[cfg.Key] > m.maxRunning[cfg.Key] {
		m.maxRunning[cfg.Key] = m.running[cfg.Key]
	}
	gate := m.gate
	fail := m.failures[cfg.Key] > 0
	if fail {
		m.failures[cfg.Key]--
	}
	m.mu.Unlock()

	m.started <- cfg.Key
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	m.running[cfg.Key]--
	m.mu.Unlock()
	if fail {
		return errors.New("merge failed")
	}
	return nil
}

func (m *mockEngine) HasUnprocessed(ctx context.Context, cfg *writeplan.WriteConfig) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unprocessed[cfg.Key], nil
}

func (m *mockEngine) callCount(key protocol.StreamKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

func testPlan(t *testing.T) *writeplan.Plan {
	t.Helper()
	naming, err := writeplan.NewDefaultNaming(writeplan.NamingConfig{})
	require.NoError(t, err)
	t.Cleanup(naming.Close)
	plan, err := writeplan.Compile(
		writeplan.NewJobContext(clockwork.NewFakeClock()),
		writeplan.Catalog{Streams: []writeplan.CatalogStream{
			{Namespace: "public", Name: "users"},
			{Namespace: "public", Name: "orders"},
		}},
		naming,
	)
	require.NoError(t, err)
	return plan
}

func newTestCoordinator(t *testing.T, engine Engine, concurrency int) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Config{
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Metrics:     NewMetrics(prometheus.NewRegistry()),
		Engine:      engine,
		Plan:        testPlan(t),
		Concurrency: concurrency,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func waitStarted(t *testing.T, engine *mockEngine, key protocol.StreamKey) {
	t.Helper()
	select {
	case got := <-engine.started:
		require.Equal(t, key, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("promotion for %s did not start", key)
	}
}

func TestTypeDedupe_Coordinator_PromotesAfterFlush(t *testing.T) {
	t.Parallel()

	engine := newMockEngine()
	c := newTestCoordinator(t, engine, 2)

	require.NoError(t, c.FlushCompleted(users))
	require.NoError(t, c.Wait(t.Context()))
	require.Equal(t, 1, engine.callCount(users))
	require.Equal(t, TicketIdle, c.Ticket(users))
	require.NoError(t, c.Errors())
}

func TestTypeDedupe_Coordinator_AtMostOneAdditionalPromotion(t *testing.T) {
	t.Parallel()

	engine := newMockEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, 4)

	require.NoError(t, c.FlushCompleted(users))
	waitStarted(t, engine, users)
	require.Equal(t, TicketRunning, c.Ticket(users))

	for range 5 {
		require.NoError(t, c.FlushCompleted(users))
	}
	require.Equal(t, TicketPendingAgain, c.Ticket(users))

	close(engine.gate)
	require.NoError(t, c.Wait(t.Context()))

	require.Equal(t, 2, engine.callCount(users))
	require.Equal(t, 1, engine.maxRunning[users])
	require.Equal(t, TicketIdle, c.Ticket(users))
}

func TestTypeDedupe_Coordinator_StreamsRunConcurrently(t *testing.T) {
	t.Parallel()

	engine := newMockEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, 2)

	require.NoError(t, c.FlushCompleted(users))
	require.NoError(t, c.FlushCompleted(orders))

	seen := map[protocol.StreamKey]bool{}
	for range 2 {
		select {
		case k := <-engine.started:
			seen[k] = true
		case <-time.After(5 * time.Second):
			t.Fatal("promotions did not start concurrently")
		}
	}
	require.True(t, seen[users])
	require.True(t, seen[orders])

	close(engine.gate)
	require.NoError(t, c.Wait(t.Context()))
}

func TestTypeDedupe_Coordinator_FailureLeavesPending(t *testing.T) {
	t.Parallel()

	engine := newMockEngine()
	engine.failures[users] = 1
	c := newTestCoordinator(t, engine, 1)

	require.NoError(t, c.FlushCompleted(users))
	require.NoError(t, c.Wait(t.Context()))
	require.Equal(t, TicketPending, c.Ticket(users))

	var promErr *PromotionError
	require.True(t, errors.As(c.Errors(), &promErr))
	require.Equal(t, users, promErr.Key)

	needs, err := c.NeedsPromotion(t.Context(), users)
	require.NoError(t, err)
	require.True(t, needs)

	// the next flush re-triggers the failed stream
	require.NoError(t, c.FlushCompleted(users))
	require.NoError(t, c.Wait(t.Context()))
	require.Equal(t, TicketIdle, c.Ticket(users))
	require.NoError(t, c.Errors())
	require.Equal(t, 2, engine.callCount(users))
}

func TestTypeDedupe_Coordinator_PromoteNow(t *testing.T) {
	t.Parallel()

	engine := newMockEngine()
	engine.failures[orders] = 1
	c := newTestCoordinator(t, engine, 1)

	err := c.PromoteNow(t.Context(), orders)
	var promErr *PromotionError
	require.True(t, errors.As(err, &promErr))
	require.Equal(t, TicketPending, c.Ticket(orders))

	require.NoError(t, c.PromoteNow(t.Context(), orders))
	require.Equal(t, TicketIdle, c.Ticket(orders))

	require.ErrorIs(t, c.PromoteNow(t.Context(), protocol.StreamKey{Name: "nope"}), ErrUnknownStream)
}

func TestTypeDedupe_Coordinator_NeedsPromotion(t *testing.T) {
	t.Parallel()

	engine := newMockEngine()
	engine.unprocessed[orders] = true
	c := newTestCoordinator(t, engine, 1)

	needs, err := c.NeedsPromotion(t.Context(), users)
	require.NoError(t, err)
	require.False(t, needs)

	needs, err = c.NeedsPromotion(t.Context(), orders)
	require.NoError(t, err)
	require.True(t, needs)

	require.NoError(t, c.FlushCompleted(users))
	require.NoError(t, c.Wait(t.Context()))
	needs, err = c.NeedsPromotion(t.Context(), users)
	require.NoError(t, err)
	require.True(t, needs)

	_, err = c.NeedsPromotion(t.Context(), protocol.StreamKey{Name: "nope"})
	require.ErrorIs(t, err, ErrUnknownStream)
}

func TestTypeDedupe_Coordinator_UnknownStream(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, newMockEngine(), 1)
	err := c.FlushCompleted(protocol.StreamKey{Namespace: "x", Name: "y"})
	require.ErrorIs(t, err, ErrUnknownStream)
}

func TestTypeDedupe_Coordinator_CancelSkipsQueued(t *testing.T) {
	t.Parallel()

	engine := newMockEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, 1)

	require.NoError(t, c.FlushCompleted(users))
	waitStarted(t, engine, users)
	require.NoError(t, c.FlushCompleted(orders))

	c.Cancel()
	require.NoError(t, c.FlushCompleted(users))
	require.NoError(t, c.Wait(t.Context()))

	require.Equal(t, 1, engine.callCount(users))
	require.Equal(t, 0, engine.callCount(orders))
	require.ErrorIs(t, c.PromoteNow(t.Context(), orders), ErrCancelled)
}

func TestTypeDedupe_Coordinator_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	engine := newMockEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, 1)

	require.NoError(t, c.FlushCompleted(users))
	waitStarted(t, engine, users)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	close(engine.gate)
	require.NoError(t, c.Wait(t.Context()))
}

func TestTypeDedupe_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{Engine: newMockEngine()}
	require.Error(t, cfg.Validate())

	cfg = Config{Engine: newMockEngine(), Plan: testPlan(t)}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultConcurrency, cfg.Concurrency)
}
