package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perfengine/internal/cache"
)

func newTestProcessor(t *testing.T) (*Processor, *cache.Cache) {
	t.Helper()
	c := cache.New(cache.Config{MaxEntries: 100}, nil, zerolog.Nop())
	p := NewProcessor(Config{Partitions: 4, QueueDepth: 16, StalenessThreshold: time.Hour, DedupRingSize: 32}, c, zerolog.Nop())
	return p, c
}

func TestProcessor_InvalidatesCacheOnTransactionEvent(t *testing.T) {
	p, c := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "calc:t1:p1:twr", []byte("stale"), time.Minute))

	p.Start(ctx)
	ok := p.Publish(TransactionEvent{
		Env:         Envelope{ID: "ev1", Timestamp: time.Now(), EntityID: "p1", TenantID: "t1"},
		PortfolioID: "p1",
	})
	require.True(t, ok)
	require.NoError(t, p.Stop(context.Background()))

	_, found := c.Get(ctx, "calc:t1:p1:twr")
	assert.False(t, found)
}

func TestProcessor_DropsDuplicateEventID(t *testing.T) {
	p, c := newTestProcessor(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "calc:t1:p1:twr", []byte("v1"), time.Minute))

	p.Start(ctx)
	p.Publish(TransactionEvent{Env: Envelope{ID: "dup", Timestamp: time.Now(), EntityID: "p1", TenantID: "t1"}, PortfolioID: "p1"})
	require.NoError(t, p.Stop(context.Background()))

	// A stopped processor cannot be restarted, so replaying the same id
	// through Publish is not exercised here; instead the dedup ring that
	// handle consults is checked directly: a second sighting of an id is
	// reported as already seen, which is what makes handle drop it.
	ring := newSeenRing(8)
	assert.False(t, ring.seenOrRecord("dup"))
	assert.True(t, ring.seenOrRecord("dup"))
}

func TestProcessor_DropsStaleEvent(t *testing.T) {
	p, c := newTestProcessor(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "calc:t1:p1:twr", []byte("v1"), time.Minute))

	p.Start(ctx)
	p.Publish(TransactionEvent{
		Env:         Envelope{ID: "old", Timestamp: time.Now().Add(-2 * time.Hour), EntityID: "p1", TenantID: "t1"},
		PortfolioID: "p1",
	})
	require.NoError(t, p.Stop(context.Background()))

	_, found := c.Get(ctx, "calc:t1:p1:twr")
	assert.True(t, found, "stale event must not invalidate")
}

func TestProcessor_DoesNotCrossInvalidatePortfolioIDPrefix(t *testing.T) {
	p, c := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "calc:t1:p1:twr", []byte("v1"), time.Minute))
	require.NoError(t, c.Set(ctx, "calc:t1:p12:twr", []byte("v12"), time.Minute))

	p.Start(ctx)
	ok := p.Publish(TransactionEvent{
		Env:         Envelope{ID: "ev-p1", Timestamp: time.Now(), EntityID: "p1", TenantID: "t1"},
		PortfolioID: "p1",
	})
	require.True(t, ok)
	require.NoError(t, p.Stop(context.Background()))

	_, found := c.Get(ctx, "calc:t1:p1:twr")
	assert.False(t, found, "p1's own entry must be invalidated")
	_, found = c.Get(ctx, "calc:t1:p12:twr")
	assert.True(t, found, "p12 must not be invalidated by a p1 event")
}

func TestProcessor_MarketEventInvalidatesNamedSecurities(t *testing.T) {
	p, c := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "security:s1:cov", []byte("v1"), time.Minute))
	require.NoError(t, c.Set(ctx, "security:s2:cov", []byte("v2"), time.Minute))

	p.Start(ctx)
	ok := p.Publish(MarketEvent{
		Env:         Envelope{ID: "mk1", Timestamp: time.Now(), EntityID: "s1", TenantID: "t1"},
		SecurityIDs: []string{"s1"},
		Date:        time.Now(),
	})
	require.True(t, ok)
	require.NoError(t, p.Stop(context.Background()))

	_, found := c.Get(ctx, "security:s1:cov")
	assert.False(t, found)
	_, found = c.Get(ctx, "security:s2:cov")
	assert.True(t, found, "unnamed securities must keep their entries")
}

func TestProcessor_DropsMalformedEnvelope(t *testing.T) {
	p, c := newTestProcessor(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "calc:t1:p1:twr", []byte("v1"), time.Minute))

	p.Start(ctx)
	p.Publish(TransactionEvent{
		Env:         Envelope{ID: "ev-no-tenant", Timestamp: time.Now(), EntityID: "p1"},
		PortfolioID: "p1",
	})
	require.NoError(t, p.Stop(context.Background()))

	_, found := c.Get(ctx, "calc:t1:p1:twr")
	assert.True(t, found, "an event without tenant ownership must not invalidate anything")
}

func TestProcessor_PromotesRemoteCalculationResult(t *testing.T) {
	p, c := newTestProcessor(t)
	ctx := context.Background()

	p.Start(ctx)
	p.Publish(PerformanceCalculationEvent{
		Env:      Envelope{ID: "rc1", Timestamp: time.Now(), EntityID: "p1", TenantID: "t1"},
		CacheKey: "calc:t1:p1:twr",
		Value:    []byte("computed-elsewhere"),
		TTL:      time.Minute,
	})
	require.NoError(t, p.Stop(context.Background()))

	v, found := c.Get(ctx, "calc:t1:p1:twr")
	require.True(t, found)
	assert.Equal(t, "computed-elsewhere", string(v))
}
