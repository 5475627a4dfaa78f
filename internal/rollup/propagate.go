package rollup

import (
	"context"
	"errors"
	"fmt"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/lock"
	"github.com/Simplici0/bomcost/internal/metrics"
	"github.com/Simplici0/bomcost/internal/store"
)

// Propagator is the on-write hook: it recomputes the written node and flags
// its ancestors stale.
type Propagator struct {
	store    store.Store
	engine   *Engine
	locks    lock.Locker
	metrics  *metrics.Metrics
	maxDepth int
}

// Check resolves the ancestor chain of id, nearest first. Callers run it
// before mutating anything so that a cycle or an over-deep tree is reported
// while state is still untouched.
func (p *Propagator) Check(ctx context.Context, id string) ([]string, error) {
	ancestors, err := bom.Ancestors(ctx, p.store, id, p.maxDepth)
	if err != nil {
		return nil, fmt.Errorf("resolve ancestors of %s: %w", id, err)
	}
	return ancestors, nil
}

// AfterWrite recomputes id and then marks ancestors stale. Ancestors are
// marked even when the recompute fails, because the records below them did
// change.
func (p *Propagator) AfterWrite(ctx context.Context, id string, ancestors []string) (store.Aggregate, error) {
	agg, err := p.engine.Recompute(ctx, id)
	if merr := p.MarkStale(ctx, ancestors...); merr != nil {
		err = errors.Join(err, merr)
	}
	return agg, err
}

// MarkStale flags ids stale one at a time, nearest first, each under the
// node's recompute lock. A recompute that is already running for an ancestor
// therefore finishes before the flag lands and cannot clear it.
func (p *Propagator) MarkStale(ctx context.Context, ids ...string) error {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		release, err := p.locks.Lock(ctx, id)
		if err != nil {
			return fmt.Errorf("mark %s stale: %w", id, err)
		}
		err = p.store.MarkStale(ctx, id)
		release()
		if err != nil {
			return fmt.Errorf("mark %s stale: %w", id, err)
		}
		p.metrics.StaleMarked.Inc()
	}
	return nil
}
