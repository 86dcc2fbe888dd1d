package streaming

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/perfengine/internal/cache"
)

// Config controls partitioning and staleness handling.
type Config struct {
	Partitions         int
	StalenessThreshold time.Duration
	QueueDepth         int
	DedupRingSize      int
}

// Processor is the event-driven cache invalidation pipeline: events are
// routed to one of a fixed number of partitions by a hash of their
// entity id (so all events for one portfolio or security serialize against
// each other), each partition drains into the cache invalidation it
// implies.
type Processor struct {
	cfg    Config
	cache  *cache.Cache
	log    zerolog.Logger
	queues []chan Event
	rings  []*seenRing

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewProcessor builds a Processor. Call Start to launch partition workers
// and Stop for a graceful, drain-then-return shutdown.
func NewProcessor(cfg Config, c *cache.Cache, log zerolog.Logger) *Processor {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 16
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = time.Hour
	}

	p := &Processor{
		cfg:    cfg,
		cache:  c,
		log:    log.With().Str("component", "streaming").Logger(),
		queues: make([]chan Event, cfg.Partitions),
		rings:  make([]*seenRing, cfg.Partitions),
		stopCh: make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Event, cfg.QueueDepth)
		p.rings[i] = newSeenRing(cfg.DedupRingSize)
	}
	return p
}

// Start launches one worker goroutine per partition.
func (p *Processor) Start(ctx context.Context) {
	for i := range p.queues {
		p.wg.Add(1)
		go p.runPartition(ctx, i)
	}
}

// Stop signals every partition worker to drain its queue and exit, and
// blocks until all have returned or ctx expires. Safe to call more than
// once.
func (p *Processor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		for _, q := range p.queues {
			close(q)
		}
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish routes ev to its partition's queue. It returns false if the
// processor is shutting down or the queue is full, signalling backpressure
// to the caller rather than blocking the publisher indefinitely. The
// embedding process must quiesce publishers before calling Stop.
func (p *Processor) Publish(ev Event) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}

	part := partitionFor(ev.Envelope().EntityID, p.cfg.Partitions)
	select {
	case p.queues[part] <- ev:
		return true
	default:
		p.log.Warn().Str("partition", "full").Str("entity_id", ev.Envelope().EntityID).Msg("streaming queue full, dropping event")
		return false
	}
}

func (p *Processor) runPartition(ctx context.Context, idx int) {
	defer p.wg.Done()
	ring := p.rings[idx]
	for ev := range p.queues[idx] {
		p.handle(ctx, ev, ring)
	}
}

func (p *Processor) handle(ctx context.Context, ev Event, ring *seenRing) {
	env := ev.Envelope()
	if env.ID == "" || env.TenantID == "" {
		p.log.Warn().Str("kind", string(ev.Kind())).Msg("malformed event envelope dropped")
		return
	}
	if ring.seenOrRecord(env.ID) {
		p.log.Debug().Str("event_id", env.ID).Msg("duplicate event dropped")
		return
	}
	if time.Since(env.Timestamp) > p.cfg.StalenessThreshold {
		p.log.Debug().Str("event_id", env.ID).Dur("age", time.Since(env.Timestamp)).Msg("stale event dropped")
		return
	}

	var prefix string
	switch e := ev.(type) {
	case TransactionEvent:
		prefix = "calc:" + env.TenantID + ":" + e.PortfolioID + ":"
	case PortfolioValuationEvent:
		prefix = "calc:" + env.TenantID + ":" + e.PortfolioID + ":"
	case PriceUpdateEvent:
		// A security's price touches every portfolio holding it; callers
		// of Publish are expected to fan a single price tick out into one
		// PortfolioValuationEvent per affected portfolio rather than
		// relying on a prefix scoped to the security itself, so here we
		// only invalidate cross-portfolio security-level lookups.
		prefix = "security:" + e.SecurityID
	case MarketEvent:
		// Market-wide events touch every security they name; portfolio-level
		// entries are invalidated by the per-portfolio valuation events the
		// upstream fans out alongside this one.
		for _, id := range e.SecurityIDs {
			if err := p.cache.InvalidatePrefix(ctx, "security:"+id); err != nil {
				p.log.Warn().Err(err).Str("security_id", id).Msg("cache invalidation failed")
			}
		}
		return
	case PerformanceCalculationEvent:
		if err := p.cache.Set(ctx, e.CacheKey, e.Value, e.TTL); err != nil {
			p.log.Warn().Err(err).Str("cache_key", e.CacheKey).Msg("failed to promote remote calculation result")
		}
		return
	default:
		return
	}

	if err := p.cache.InvalidatePrefix(ctx, prefix); err != nil {
		p.log.Warn().Err(err).Str("prefix", prefix).Msg("cache invalidation failed")
	}
}

func partitionFor(entityID string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32()) % partitions
}
