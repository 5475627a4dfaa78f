package rollup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/costing"
	"github.com/Simplici0/bomcost/internal/metrics"
	"github.com/Simplici0/bomcost/internal/store"
	"github.com/Simplici0/bomcost/internal/store/memory"
)

var testClock = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func nearlyEqual(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	reg := prometheus.NewRegistry()
	svc := NewService(Options{
		Store:   st,
		Metrics: metrics.NewWith(reg, reg),
		Now:     func() time.Time { return testClock },
	})
	return svc, st
}

func saveTree(t *testing.T, svc *Service, nodes ...bom.Node) {
	t.Helper()
	for _, n := range nodes {
		if err := svc.SaveNode(context.Background(), n); err != nil {
			t.Fatalf("SaveNode(%s): %v", n.ID, err)
		}
	}
}

// raw returns a raw material input whose total equals unitCost.
func raw(unitCost float64) costing.RawMaterialInput {
	return costing.RawMaterialInput{UnitCost: unitCost, GrossUsage: 1, NetUsage: 1}
}

func upsert(t *testing.T, svc *Service, recordID, node string, in costing.Input) UpsertResult {
	t.Helper()
	res, err := svc.UpsertRecord(context.Background(), UpsertRequest{
		RecordID:  recordID,
		BOMItemID: node,
		Category:  in.Category(),
		Input:     in,
	})
	if err != nil {
		t.Fatalf("UpsertRecord(%s on %s): %v", in.Category(), node, err)
	}
	return res
}

func aggregateOf(t *testing.T, st store.Store, id string) store.Aggregate {
	t.Helper()
	agg, err := st.Aggregate(context.Background(), id)
	if err != nil {
		t.Fatalf("Aggregate(%s): %v", id, err)
	}
	return agg
}

func threeLevels(t *testing.T, svc *Service) {
	saveTree(t, svc,
		bom.Node{ID: "root", Name: "Assembly"},
		bom.Node{ID: "mid", ParentID: "root", Name: "Sub-assembly"},
		bom.Node{ID: "leaf", ParentID: "mid", Name: "Bracket"},
	)
}

func TestUpsertRecord_RecomputesNodeAndMarksAncestorsStale(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	threeLevels(t, svc)

	first := upsert(t, svc, "", "leaf", raw(10))
	if _, err := svc.GetAggregate(ctx, "root"); err != nil {
		t.Fatalf("GetAggregate(root): %v", err)
	}
	nearlyEqual(t, "root total before update", aggregateOf(t, st, "root").TotalCost, 10)

	res := upsert(t, svc, first.Record.ID, "leaf", raw(25))
	if res.Record.ID != first.Record.ID {
		t.Fatalf("update created record %s, want %s", res.Record.ID, first.Record.ID)
	}
	if res.Aggregate.IsStale {
		t.Fatalf("leaf aggregate should be fresh after write")
	}
	nearlyEqual(t, "leaf raw material", res.Aggregate.RawMaterialCost, 25)
	nearlyEqual(t, "leaf total", res.Aggregate.TotalCost, 25)
	if !res.Aggregate.LastCalculatedAt.Equal(testClock) {
		t.Fatalf("LastCalculatedAt = %v, want %v", res.Aggregate.LastCalculatedAt, testClock)
	}

	for _, id := range []string{"mid", "root"} {
		agg := aggregateOf(t, st, id)
		if !agg.IsStale {
			t.Fatalf("%s should be stale after a descendant write", id)
		}
		nearlyEqual(t, id+" total before read", agg.TotalCost, 10)
	}

	agg, err := svc.GetAggregate(ctx, "root")
	if err != nil {
		t.Fatalf("GetAggregate(root): %v", err)
	}
	if agg.IsStale {
		t.Fatalf("root should be fresh after read")
	}
	nearlyEqual(t, "root total after read", agg.TotalCost, 25)
	nearlyEqual(t, "root own cost", agg.OwnCost, 0)
	if aggregateOf(t, st, "mid").IsStale {
		t.Fatalf("mid should have been refreshed on the way up")
	}
}

func TestDeleteRecord_RemovesContributionExactly(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	saveTree(t, svc, bom.Node{ID: "p", Name: "Part"})

	upsert(t, svc, "", "p", raw(12.345678))
	upsert(t, svc, "", "p", raw(0.654322))
	proc := upsert(t, svc, "", "p", costing.ProcessInput{
		SetupManning: 1, SetupTimeMinutes: 60, BatchSize: 10, Heads: 1,
		CycleTimeSeconds: 36, PartsPerCycle: 1, DirectRate: 30, MachineRate: 70,
	})
	if proc.Aggregate.ProcessCost <= 0 {
		t.Fatalf("expected process cost, got %+v", proc.Aggregate)
	}

	agg, err := svc.DeleteRecord(ctx, proc.Record.ID)
	if err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	nearlyEqual(t, "process cost", agg.ProcessCost, 0)
	nearlyEqual(t, "raw material cost", agg.RawMaterialCost, 13)
	nearlyEqual(t, "own cost", agg.OwnCost, 13)
	nearlyEqual(t, "total cost", agg.TotalCost, 13)

	again, err := svc.DeleteRecord(ctx, proc.Record.ID)
	if err != nil {
		t.Fatalf("second DeleteRecord: %v", err)
	}
	if again != agg {
		t.Fatalf("second delete changed aggregate: %+v vs %+v", again, agg)
	}

	records, err := st.Records(ctx, "p", costing.CategoryProcess)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no active process records, got %d", len(records))
	}

	if _, err := svc.DeleteRecord(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertRecord_SecondActiveChildPartConflicts(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	saveTree(t, svc, bom.Node{ID: "p", Name: "Part"})

	child := costing.ChildPartInput{MakeBuy: costing.Buy, UnitCost: 40}
	first := upsert(t, svc, "", "p", child)

	_, err := svc.UpsertRecord(ctx, UpsertRequest{BOMItemID: "p", Category: costing.CategoryChildPart, Input: child})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	nearlyEqual(t, "child part cost", aggregateOf(t, st, "p").ChildPartCost, 40)

	// Updating the existing child part is fine.
	child.UnitCost = 50
	res := upsert(t, svc, first.Record.ID, "p", child)
	nearlyEqual(t, "updated child part cost", res.Aggregate.ChildPartCost, 50)
}

func TestUpsertRecord_RejectedInputWritesNothing(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	saveTree(t, svc, bom.Node{ID: "p", Name: "Part"})

	_, err := svc.UpsertRecord(ctx, UpsertRequest{
		BOMItemID: "p",
		Category:  costing.CategoryProcess,
		Input:     costing.ProcessInput{BatchSize: 0, PartsPerCycle: 1},
	})
	var derr *costing.DomainError
	if !errors.As(err, &derr) || derr.Kind != costing.KindZeroBatchSize {
		t.Fatalf("expected zero batch DomainError, got %v", err)
	}

	_, err = svc.UpsertRecord(ctx, UpsertRequest{
		BOMItemID: "p",
		Category:  costing.CategoryRawMaterial,
		Input:     costing.RawMaterialInput{UnitCost: -1, OverheadPercent: 900},
	})
	var verr *costing.ValidationError
	if !errors.As(err, &verr) || len(verr.Violations) != 2 {
		t.Fatalf("expected ValidationError with 2 violations, got %v", err)
	}

	_, err = svc.UpsertRecord(ctx, UpsertRequest{BOMItemID: "p", Category: costing.CategoryProcess, Input: raw(1)})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for category mismatch, got %v", err)
	}

	if _, err := st.Aggregate(ctx, "p"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no aggregate after rejected writes, got %v", err)
	}
	for _, c := range costing.Categories {
		recs, err := st.Records(ctx, "p", c)
		if err != nil || len(recs) != 0 {
			t.Fatalf("Records(%s) = %v, %v; want none", c, recs, err)
		}
	}
}

func TestUpsertRecord_UnknownNode(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.UpsertRecord(context.Background(), UpsertRequest{BOMItemID: "ghost", Input: raw(1)})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertRecord_CycleDetectedBeforeWrite(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	// The memory store does not police cycles, so corrupt the tree directly.
	for _, n := range []bom.Node{{ID: "a"}, {ID: "b", ParentID: "a"}} {
		if err := st.SaveNode(ctx, n); err != nil {
			t.Fatalf("SaveNode: %v", err)
		}
	}
	if err := st.SaveNode(ctx, bom.Node{ID: "a", ParentID: "b"}); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}

	_, err := svc.UpsertRecord(ctx, UpsertRequest{BOMItemID: "a", Input: raw(5)})
	if !errors.Is(err, bom.ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	recs, err := st.Records(ctx, "a", costing.CategoryRawMaterial)
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected no records written, got %v, %v", recs, err)
	}
}

func TestUpsertRecord_DepthLimitDetectedBeforeWrite(t *testing.T) {
	st := memory.New()
	svc := NewService(Options{Store: st, MaxDepth: 2})
	saveTree(t, svc,
		bom.Node{ID: "n0"},
		bom.Node{ID: "n1", ParentID: "n0"},
		bom.Node{ID: "n2", ParentID: "n1"},
	)
	if err := svc.SaveNode(context.Background(), bom.Node{ID: "n3", ParentID: "n2"}); !errors.Is(err, bom.ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
}

func TestRecords_RecalculatesFromStoredInput(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	saveTree(t, svc, bom.Node{ID: "p", Name: "Part"})

	in := raw(7)
	bogus := costing.RawMaterialBreakdown{TotalCost: 999}
	if err := st.SaveRecord(ctx, store.Record{
		ID: "r1", BOMItemID: "p", Category: costing.CategoryRawMaterial,
		Input: in, Breakdown: bogus, Active: true, CreatedAt: testClock, UpdatedAt: testClock,
	}); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}

	recs, err := svc.Records(ctx, "p", costing.CategoryRawMaterial)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	nearlyEqual(t, "recalculated total", recs[0].Breakdown.Total(), 7)

	agg, err := svc.GetAggregate(ctx, "p")
	if err != nil {
		t.Fatalf("GetAggregate: %v", err)
	}
	nearlyEqual(t, "aggregate uses recalculated total", agg.TotalCost, 7)

	if _, err := svc.Records(ctx, "p", "labour"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown category, got %v", err)
	}
}

func TestRecompute_FailureLeavesAggregateStale(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	saveTree(t, svc, bom.Node{ID: "p", Name: "Part"})
	upsert(t, svc, "", "p", raw(4))

	// A stored input that no longer costs, e.g. written before a rule change.
	if err := st.SaveRecord(ctx, store.Record{
		ID: "broken", BOMItemID: "p", Category: costing.CategoryProcuredPart,
		Input:  costing.ProcuredPartInput{UnitCost: 1, ScrapPercent: 100},
		Active: true, CreatedAt: testClock, UpdatedAt: testClock,
	}); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	if err := st.MarkStale(ctx, "p"); err != nil {
		t.Fatalf("MarkStale: %v", err)
	}

	_, err := svc.GetAggregate(ctx, "p")
	var derr *costing.DomainError
	if !errors.As(err, &derr) || derr.Kind != costing.KindScrapSaturated {
		t.Fatalf("expected scrap DomainError, got %v", err)
	}
	agg := aggregateOf(t, st, "p")
	if !agg.IsStale {
		t.Fatalf("aggregate should stay stale after failed recompute")
	}
	nearlyEqual(t, "previous total kept", agg.TotalCost, 4)
}

func TestSaveNode_ReparentMarksBothChainsStale(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	saveTree(t, svc,
		bom.Node{ID: "root"},
		bom.Node{ID: "left", ParentID: "root"},
		bom.Node{ID: "right", ParentID: "root"},
		bom.Node{ID: "part", ParentID: "left"},
	)
	upsert(t, svc, "", "part", raw(30))
	for _, id := range []string{"root", "left", "right"} {
		if _, err := svc.GetAggregate(ctx, id); err != nil {
			t.Fatalf("GetAggregate(%s): %v", id, err)
		}
	}
	nearlyEqual(t, "left before move", aggregateOf(t, st, "left").TotalCost, 30)

	if err := svc.SaveNode(ctx, bom.Node{ID: "part", ParentID: "right"}); err != nil {
		t.Fatalf("SaveNode move: %v", err)
	}
	for _, id := range []string{"root", "left", "right"} {
		if !aggregateOf(t, st, id).IsStale {
			t.Fatalf("%s should be stale after the move", id)
		}
	}

	left, err := svc.GetAggregate(ctx, "left")
	if err != nil {
		t.Fatalf("GetAggregate(left): %v", err)
	}
	nearlyEqual(t, "left after move", left.TotalCost, 0)
	right, err := svc.GetAggregate(ctx, "right")
	if err != nil {
		t.Fatalf("GetAggregate(right): %v", err)
	}
	nearlyEqual(t, "right after move", right.TotalCost, 30)
	root, err := svc.GetAggregate(ctx, "root")
	if err != nil {
		t.Fatalf("GetAggregate(root): %v", err)
	}
	nearlyEqual(t, "root after move", root.TotalCost, 30)

	if err := svc.SaveNode(ctx, bom.Node{ID: "root", ParentID: "part"}); !errors.Is(err, bom.ErrCycle) {
		t.Fatalf("expected ErrCycle moving root under its descendant, got %v", err)
	}
	if n, _ := st.Node(ctx, "root"); n.ParentID != "" {
		t.Fatalf("rejected move was applied: %+v", n)
	}
}

func TestDeleteNode(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	threeLevels(t, svc)
	upsert(t, svc, "", "leaf", raw(8))
	upsert(t, svc, "", "mid", raw(2))

	if err := svc.DeleteNode(ctx, "mid"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict deleting a node with children, got %v", err)
	}
	if err := svc.DeleteNode(ctx, "leaf"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if !aggregateOf(t, st, "mid").IsStale || !aggregateOf(t, st, "root").IsStale {
		t.Fatalf("former ancestors should be stale")
	}
	root, err := svc.GetAggregate(ctx, "root")
	if err != nil {
		t.Fatalf("GetAggregate: %v", err)
	}
	nearlyEqual(t, "root total after delete", root.TotalCost, 2)

	if err := svc.DeleteNode(ctx, "leaf"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRollup_PreOrderWithFreshAggregates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	saveTree(t, svc,
		bom.Node{ID: "root", Name: "Assembly"},
		bom.Node{ID: "a", ParentID: "root", Name: "A"},
		bom.Node{ID: "a1", ParentID: "a", Name: "A1"},
		bom.Node{ID: "b", ParentID: "root", Name: "B"},
	)
	upsert(t, svc, "", "a1", raw(3))
	upsert(t, svc, "", "b", raw(4))
	upsert(t, svc, "", "root", costing.LogisticsInput{PerUnitCost: ptr(0.5), Quantity: ptr(2)})

	lines, err := svc.Rollup(ctx, "root")
	if err != nil {
		t.Fatalf("Rollup: %v", err)
	}
	wantIDs := []string{"root", "a", "a1", "b"}
	wantDepth := []int{0, 1, 2, 1}
	wantTotal := []float64{8, 3, 3, 4}
	if len(lines) != len(wantIDs) {
		t.Fatalf("got %d lines, want %d", len(lines), len(wantIDs))
	}
	for i, l := range lines {
		if l.Node.ID != wantIDs[i] || l.Depth != wantDepth[i] {
			t.Fatalf("line %d = %s@%d, want %s@%d", i, l.Node.ID, l.Depth, wantIDs[i], wantDepth[i])
		}
		if l.Aggregate.IsStale {
			t.Fatalf("line %s is stale", l.Node.ID)
		}
		nearlyEqual(t, l.Node.ID+" total", l.Aggregate.TotalCost, wantTotal[i])
	}
	nearlyEqual(t, "root logistics", lines[0].Aggregate.LogisticsCost, 1)

	if _, err := svc.Rollup(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func ptr(v float64) *float64 { return &v }

func TestSweep_RefreshesEveryStaleAggregate(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	threeLevels(t, svc)
	saveTree(t, svc, bom.Node{ID: "leaf2", ParentID: "mid"})
	upsert(t, svc, "", "leaf", raw(1))
	upsert(t, svc, "", "leaf2", raw(2))

	stale, err := st.StaleIDs(ctx)
	if err != nil {
		t.Fatalf("StaleIDs: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("StaleIDs = %v, want mid and root", stale)
	}

	n, err := NewSweeper(svc, 4).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("refreshed %d, want 2", n)
	}
	stale, err = st.StaleIDs(ctx)
	if err != nil || len(stale) != 0 {
		t.Fatalf("StaleIDs after sweep = %v, %v", stale, err)
	}
	nearlyEqual(t, "root total", aggregateOf(t, st, "root").TotalCost, 3)
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	svc, st := newTestService(t)
	saveTree(t, svc, bom.Node{ID: "root"}, bom.Node{ID: "leaf", ParentID: "root"})
	upsert(t, svc, "", "leaf", raw(6))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(svc, 1).Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		agg, err := st.Aggregate(context.Background(), "root")
		if err == nil && !agg.IsStale {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper did not refresh root")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestConcurrentSiblingWritesKeepInvariants(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	saveTree(t, svc, bom.Node{ID: "root"})
	const leaves = 8
	const perLeaf = 5
	for i := 0; i < leaves; i++ {
		saveTree(t, svc, bom.Node{ID: fmt.Sprintf("leaf-%d", i), ParentID: "root"})
	}

	var wg sync.WaitGroup
	for i := 0; i < leaves; i++ {
		for j := 0; j < perLeaf; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.UpsertRecord(ctx, UpsertRequest{
					BOMItemID: fmt.Sprintf("leaf-%d", i),
					Input:     raw(float64(j + 1)),
				})
				if err != nil {
					t.Errorf("UpsertRecord: %v", err)
				}
			}()
			// Readers interleave with writers.
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := svc.GetAggregate(ctx, "root"); err != nil {
					t.Errorf("GetAggregate: %v", err)
				}
			}()
		}
	}
	wg.Wait()

	root, err := svc.GetAggregate(ctx, "root")
	if err != nil {
		t.Fatalf("GetAggregate: %v", err)
	}
	nearlyEqual(t, "root total", root.TotalCost, leaves*15)
	assertInvariants(t, st, "root")
}

// assertInvariants checks every fresh aggregate under rootID against its
// records and children.
func assertInvariants(t *testing.T, st store.Store, rootID string) {
	t.Helper()
	ctx := context.Background()
	err := bom.Walk(ctx, st, rootID, 0, func(n bom.Node, _ int) error {
		agg, err := st.Aggregate(ctx, n.ID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && agg.IsStale) {
			return nil
		}
		if err != nil {
			return err
		}

		var own float64
		for _, c := range costing.Categories {
			recs, err := st.Records(ctx, n.ID, c)
			if err != nil {
				return err
			}
			for _, r := range recs {
				own += r.Breakdown.Total()
			}
		}
		if math.Abs(agg.OwnCost-costing.RoundMoney(own)) > 1e-9 {
			return fmt.Errorf("%s own cost %v, records sum %v", n.ID, agg.OwnCost, own)
		}

		children, err := st.Children(ctx, n.ID)
		if err != nil {
			return err
		}
		below := 0.0
		for _, c := range children {
			ca, err := st.Aggregate(ctx, c.ID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			below += ca.TotalCost
		}
		if math.Abs(agg.TotalCost-costing.RoundMoney(agg.OwnCost+below)) > 1e-9 {
			return fmt.Errorf("%s total %v, own %v + children %v", n.ID, agg.TotalCost, agg.OwnCost, below)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}
