// Package rollup keeps per-node aggregate costs consistent with their cost
// records and with the tree below them.
//
// A write to a node's records recomputes that node at once and flags every
// ancestor stale. Stale aggregates are recomputed bottom-up when read, or by
// the periodic Sweeper.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/config"
	"github.com/Simplici0/bomcost/internal/costing"
	"github.com/Simplici0/bomcost/internal/lock"
	"github.com/Simplici0/bomcost/internal/metrics"
	"github.com/Simplici0/bomcost/internal/store"
)

// Engine recomputes aggregates.
type Engine struct {
	store    store.Store
	calc     costing.Calculator
	locks    lock.Locker
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	maxDepth int
	now      func() time.Time
}

// Recompute rebuilds the aggregate of id from its active records and the
// current totals of its direct children, in one transaction under the node's
// lock. Record breakdowns are recalculated from their stored inputs. On failure
// the aggregate is left stale.
//
// The result stays stale when any direct child is stale, since its total is
// then not known to be current.
func (e *Engine) Recompute(ctx context.Context, id string) (store.Aggregate, error) {
	release, err := e.locks.Lock(ctx, id)
	if err != nil {
		return store.Aggregate{}, fmt.Errorf("recompute %s: %w", id, err)
	}
	defer release()

	start := time.Now()
	var agg store.Aggregate
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		agg, err = e.compute(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.PutAggregate(ctx, agg)
	})
	e.metrics.RecomputeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		e.metrics.Recomputes.WithLabelValues("error").Inc()
		if errors.Is(err, store.ErrNotFound) {
			return store.Aggregate{}, err
		}
		config.LogError(e.logger, "rollup", "Recompute", "recompute failed, leaving aggregate stale", map[string]string{"bom_item_id": id}, err)
		if merr := e.store.MarkStale(context.WithoutCancel(ctx), id); merr != nil {
			err = errors.Join(err, fmt.Errorf("mark %s stale: %w", id, merr))
		}
		return store.Aggregate{}, fmt.Errorf("recompute %s: %w", id, err)
	}
	e.metrics.Recomputes.WithLabelValues("ok").Inc()
	return agg, nil
}

func (e *Engine) compute(ctx context.Context, tx store.Tx, id string) (store.Aggregate, error) {
	if _, err := tx.Node(ctx, id); err != nil {
		return store.Aggregate{}, err
	}

	records, err := tx.ActiveRecords(ctx, id)
	if err != nil {
		return store.Aggregate{}, fmt.Errorf("load records of %s: %w", id, err)
	}

	sums := map[costing.Category]float64{}
	var own float64
	for _, r := range records {
		b, err := e.calc.Calculate(r.Input)
		if err != nil {
			return store.Aggregate{}, fmt.Errorf("recalculate record %s: %w", r.ID, err)
		}
		sums[r.Category] += b.Total()
		own += b.Total()
	}

	children, err := tx.Children(ctx, id)
	if err != nil {
		return store.Aggregate{}, fmt.Errorf("load children of %s: %w", id, err)
	}
	var below float64
	stale := false
	for _, c := range children {
		ca, err := tx.Aggregate(ctx, c.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue // never costed
		}
		if err != nil {
			return store.Aggregate{}, fmt.Errorf("load aggregate of child %s: %w", c.ID, err)
		}
		below += ca.TotalCost
		stale = stale || ca.IsStale
	}

	own = costing.RoundMoney(own)
	return store.Aggregate{
		BOMItemID:         id,
		RawMaterialCost:   costing.RoundMoney(sums[costing.CategoryRawMaterial]),
		ProcessCost:       costing.RoundMoney(sums[costing.CategoryProcess]),
		ChildPartCost:     costing.RoundMoney(sums[costing.CategoryChildPart]),
		ProcuredPartsCost: costing.RoundMoney(sums[costing.CategoryProcuredPart]),
		LogisticsCost:     costing.RoundMoney(sums[costing.CategoryLogistics]),
		OwnCost:           own,
		TotalCost:         costing.RoundMoney(own + below),
		IsStale:           stale,
		LastCalculatedAt:  e.now(),
	}, nil
}

// Refresh returns the aggregate of id, recomputing it first when it is stale
// or missing. Stale or missing children are refreshed before their parent.
func (e *Engine) Refresh(ctx context.Context, id string) (store.Aggregate, error) {
	return e.refresh(ctx, id, 0)
}

func (e *Engine) refresh(ctx context.Context, id string, depth int) (store.Aggregate, error) {
	if depth > e.maxDepth {
		return store.Aggregate{}, fmt.Errorf("refresh %s: %w (%d)", id, bom.ErrDepthExceeded, e.maxDepth)
	}

	agg, err := e.store.Aggregate(ctx, id)
	switch {
	case err == nil && !agg.IsStale:
		return agg, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return store.Aggregate{}, err
	}

	children, err := e.store.Children(ctx, id)
	if err != nil {
		return store.Aggregate{}, fmt.Errorf("list children of %s: %w", id, err)
	}
	for _, c := range children {
		ca, err := e.store.Aggregate(ctx, c.ID)
		if err == nil && !ca.IsStale {
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return store.Aggregate{}, err
		}
		if _, err := e.refresh(ctx, c.ID, depth+1); err != nil {
			return store.Aggregate{}, err
		}
	}

	return e.Recompute(ctx, id)
}
