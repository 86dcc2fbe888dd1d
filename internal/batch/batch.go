// Package batch implements the fan-out executor: chunking,
// bounded-concurrency per-portfolio calculations, and partial-failure
// aggregation that preserves input order.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/perfengine/internal/engineerr"
	"github.com/aristath/perfengine/internal/resilience"
)

// Calculator is the per-portfolio calculation entry point the executor
// fans out to; typically internal/queryapi.API.Calculate.
type Calculator[Req any, Res any] func(ctx context.Context, req Req) (Res, error)

// Outcome is one portfolio's result: either Ok or Err, never both.
type Outcome[Res any] struct {
	PortfolioID string
	Result      Res
	Err         error
}

// Result is the executor's aggregate output.
type Result[Res any] struct {
	Items    []Outcome[Res]
	Duration time.Duration
}

// Config controls chunking and concurrency.
type Config struct {
	MaxBatchSize   int
	MaxConcurrency int
}

// Executor fans per-portfolio calculations out across a process-wide
// semaphore; each per-portfolio task additionally acquires from the
// tenant's own bulkhead so one tenant's fan-out cannot starve another's.
type Executor struct {
	cfg       Config
	sem       chan struct{}
	bulkheads *resilience.Registry
}

// New builds an Executor. The semaphore size comes from
// cfg.MaxConcurrency; a non-positive MaxConcurrency falls back to 4 and a
// non-positive MaxBatchSize falls back to 10.
func New(cfg Config, bulkheads *resilience.Registry) *Executor {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Executor{
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.MaxConcurrency),
		bulkheads: bulkheads,
	}
}

// Run partitions portfolioIDs into chunks of at most MaxBatchSize, and
// within each chunk spawns up to MaxConcurrency concurrent calculations.
// A failure on one id never cancels siblings. Outcomes are returned in
// input order.
func Run[Req any, Res any](ctx context.Context, e *Executor, tenantID string, portfolioIDs []string, buildReq func(portfolioID string) Req, calc Calculator[Req, Res]) (Result[Res], error) {
	start := time.Now()
	if len(portfolioIDs) == 0 {
		return Result[Res]{}, engineerr.ValidationErr("batch request: portfolio_ids cannot be empty")
	}

	outcomes := make([]Outcome[Res], len(portfolioIDs))
	bulkhead := e.bulkheads.BulkheadFor("batch:" + tenantID)

	chunks := chunk(portfolioIDs, e.cfg.MaxBatchSize)
	idx := 0
	for _, c := range chunks {
		var wg sync.WaitGroup
		for _, portfolioID := range c {
			i := idx
			idx++
			pid := portfolioID

			wg.Add(1)
			go func() {
				defer wg.Done()

				select {
				case e.sem <- struct{}{}:
					defer func() { <-e.sem }()
				case <-ctx.Done():
					outcomes[i] = Outcome[Res]{PortfolioID: pid, Err: engineerr.TimeoutErr("batch: context cancelled before acquiring semaphore")}
					return
				}

				var result Res
				err := bulkhead.Execute(ctx, func() error {
					var calcErr error
					result, calcErr = calc(ctx, buildReq(pid))
					return calcErr
				})
				outcomes[i] = Outcome[Res]{PortfolioID: pid, Result: result, Err: err}
			}()
		}
		wg.Wait()
	}

	return Result[Res]{Items: outcomes, Duration: time.Since(start)}, nil
}

func chunk(ids []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}
