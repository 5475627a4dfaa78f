package rollup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/config"
	"github.com/Simplici0/bomcost/internal/store"
)

// Sweeper refreshes every stale aggregate so that ancestors nobody reads do
// not stay stale forever.
type Sweeper struct {
	svc         *Service
	concurrency int
}

func NewSweeper(svc *Service, concurrency int) *Sweeper {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Sweeper{svc: svc, concurrency: concurrency}
}

// Sweep refreshes the stale aggregates, deepest first, and returns how many
// it brought back to fresh. A failure on one node does not stop the others;
// all failures are returned joined.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	s := w.svc
	ids, err := s.store.StaleIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	depth := make(map[string]int, len(ids))
	for _, id := range ids {
		chain, err := bom.Ancestors(ctx, s.store, id, s.maxDepth)
		if err != nil {
			depth[id] = -1
			continue
		}
		depth[id] = len(chain)
	}
	sort.SliceStable(ids, func(i, j int) bool { return depth[ids[i]] > depth[ids[j]] })

	var (
		refreshed atomic.Int64
		mu        sync.Mutex
		errs      []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			agg, err := s.engine.Refresh(gctx, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				return nil // deleted since listing
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			case err != nil:
				config.LogError(s.logger, "rollup", "Sweep", "refresh stale aggregate", map[string]string{"bom_item_id": id}, err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			if !agg.IsStale {
				refreshed.Add(1)
				s.metrics.SweepRefreshed.Inc()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return int(refreshed.Load()), errors.Join(errs...)
}

// Run sweeps every interval until ctx is done. A zero interval disables it.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				config.LogError(w.svc.logger, "rollup", "Run", "stale sweep finished with errors", nil, err)
			}
			if n > 0 {
				w.svc.logger.WithFields(logrus.Fields{"refreshed": n}).Info("stale sweep")
			}
		}
	}
}
