// Package storetest holds behaviour checks shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/costing"
	"github.com/Simplici0/bomcost/internal/store"
)

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("nodes", func(t *testing.T) { testNodes(t, newStore(t)) })
	t.Run("records", func(t *testing.T) { testRecords(t, newStore(t)) })
	t.Run("child part uniqueness", func(t *testing.T) { testChildPartUnique(t, newStore(t)) })
	t.Run("stale marking", func(t *testing.T) { testMarkStale(t, newStore(t)) })
	t.Run("transaction", func(t *testing.T) { testWithTx(t, newStore(t)) })
	t.Run("delete node", func(t *testing.T) { testDeleteNode(t, newStore(t)) })
}

var base = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func mustSaveNodes(t *testing.T, s store.Store, nodes ...bom.Node) {
	t.Helper()
	for _, n := range nodes {
		if err := s.SaveNode(context.Background(), n); err != nil {
			t.Fatalf("SaveNode(%s): %v", n.ID, err)
		}
	}
}

func rawRecord(id, node string, unitCost float64, at time.Time) store.Record {
	in := costing.RawMaterialInput{UnitCost: unitCost, GrossUsage: 1, NetUsage: 1}
	out, _ := costing.CalculateRawMaterial(in)
	return store.Record{
		ID:        id,
		BOMItemID: node,
		Category:  costing.CategoryRawMaterial,
		Input:     in,
		Breakdown: out,
		Active:    true,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func childRecord(id, node string, at time.Time) store.Record {
	q := 2.0
	in := costing.ChildPartInput{MakeBuy: costing.Buy, UnitCost: 10, Quantity: &q}
	out, _ := costing.CalculateChildPart(in)
	return store.Record{
		ID:        id,
		BOMItemID: node,
		Category:  costing.CategoryChildPart,
		Input:     in,
		Breakdown: out,
		Active:    true,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func testNodes(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustSaveNodes(t, s,
		bom.Node{ID: "root", Name: "Assembly"},
		bom.Node{ID: "b", ParentID: "root", Name: "Bracket"},
		bom.Node{ID: "a", ParentID: "root", Name: "Arm"},
	)

	n, err := s.Node(ctx, "a")
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if n != (bom.Node{ID: "a", ParentID: "root", Name: "Arm"}) {
		t.Fatalf("Node = %+v", n)
	}

	children, err := s.Children(ctx, "root")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 || children[0].ID != "a" || children[1].ID != "b" {
		t.Fatalf("Children = %+v, want a then b", children)
	}

	if _, err := s.Node(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SaveNode(ctx, bom.Node{ID: "orphan", ParentID: "ghost"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown parent, got %v", err)
	}

	mustSaveNodes(t, s, bom.Node{ID: "a", ParentID: "b", Name: "Arm v2"})
	n, err = s.Node(ctx, "a")
	if err != nil {
		t.Fatalf("Node after update: %v", err)
	}
	if n.ParentID != "b" || n.Name != "Arm v2" {
		t.Fatalf("updated node = %+v", n)
	}
}

func testRecords(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustSaveNodes(t, s, bom.Node{ID: "p", Name: "Part"})

	first := rawRecord("r1", "p", 5, base)
	second := rawRecord("r2", "p", 7, base.Add(time.Minute))
	for _, r := range []store.Record{second, first} {
		if err := s.SaveRecord(ctx, r); err != nil {
			t.Fatalf("SaveRecord(%s): %v", r.ID, err)
		}
	}

	got, err := s.Record(ctx, "r1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	in, ok := got.Input.(costing.RawMaterialInput)
	if !ok || in.UnitCost != 5 {
		t.Fatalf("Record input = %#v", got.Input)
	}
	if got.Breakdown == nil || got.Breakdown.Total() != 5 {
		t.Fatalf("Record breakdown = %#v", got.Breakdown)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}

	list, err := s.Records(ctx, "p", costing.CategoryRawMaterial)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r1" || list[1].ID != "r2" {
		t.Fatalf("Records = %+v, want r1 then r2", list)
	}

	if err := s.DeactivateRecord(ctx, "r1", base.Add(time.Hour)); err != nil {
		t.Fatalf("DeactivateRecord: %v", err)
	}
	list, err = s.Records(ctx, "p", costing.CategoryRawMaterial)
	if err != nil {
		t.Fatalf("Records after deactivate: %v", err)
	}
	if len(list) != 1 || list[0].ID != "r2" {
		t.Fatalf("Records after deactivate = %+v", list)
	}
	got, err = s.Record(ctx, "r1")
	if err != nil {
		t.Fatalf("deactivated Record: %v", err)
	}
	if got.Active {
		t.Fatalf("expected r1 to be inactive")
	}

	if err := s.DeactivateRecord(ctx, "nope", base); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SaveRecord(ctx, rawRecord("r3", "ghost", 1, base)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown node, got %v", err)
	}
}

func testChildPartUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustSaveNodes(t, s, bom.Node{ID: "p", Name: "Part"})

	if err := s.SaveRecord(ctx, childRecord("c1", "p", base)); err != nil {
		t.Fatalf("first child part: %v", err)
	}
	if err := s.SaveRecord(ctx, childRecord("c2", "p", base)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for second active child part, got %v", err)
	}

	// Updating the active record in place is allowed.
	updated := childRecord("c1", "p", base)
	updated.UpdatedAt = base.Add(time.Minute)
	if err := s.SaveRecord(ctx, updated); err != nil {
		t.Fatalf("update child part: %v", err)
	}

	if err := s.DeactivateRecord(ctx, "c1", base.Add(time.Hour)); err != nil {
		t.Fatalf("DeactivateRecord: %v", err)
	}
	if err := s.SaveRecord(ctx, childRecord("c2", "p", base.Add(2*time.Hour))); err != nil {
		t.Fatalf("child part after deactivation: %v", err)
	}
}

func testMarkStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustSaveNodes(t, s, bom.Node{ID: "a", Name: "A"}, bom.Node{ID: "b", Name: "B"})

	if _, err := s.Aggregate(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no aggregate yet, got %v", err)
	}
	if err := s.MarkStale(ctx, "b", "a", "ghost"); err != nil {
		t.Fatalf("MarkStale: %v", err)
	}
	if err := s.MarkStale(ctx, "a"); err != nil {
		t.Fatalf("MarkStale twice: %v", err)
	}

	agg, err := s.Aggregate(ctx, "a")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !agg.IsStale || agg.TotalCost != 0 {
		t.Fatalf("aggregate = %+v, want empty stale row", agg)
	}

	ids, err := s.StaleIDs(ctx)
	if err != nil {
		t.Fatalf("StaleIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("StaleIDs = %v, want [a b]", ids)
	}
}

func testWithTx(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustSaveNodes(t, s, bom.Node{ID: "root", Name: "Root"}, bom.Node{ID: "kid", ParentID: "root", Name: "Kid"})
	if err := s.SaveRecord(ctx, rawRecord("r1", "kid", 3, base)); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}

	calculated := base.Add(time.Minute)
	err := s.WithTx(ctx, func(tx store.Tx) error {
		recs, err := tx.ActiveRecords(ctx, "kid")
		if err != nil {
			return err
		}
		if len(recs) != 1 {
			t.Fatalf("ActiveRecords = %+v", recs)
		}
		children, err := tx.Children(ctx, "root")
		if err != nil {
			return err
		}
		if len(children) != 1 || children[0].ID != "kid" {
			t.Fatalf("tx Children = %+v", children)
		}
		if err := tx.PutAggregate(ctx, store.Aggregate{BOMItemID: "kid", RawMaterialCost: 3, OwnCost: 3, TotalCost: 3, LastCalculatedAt: calculated}); err != nil {
			return err
		}
		agg, err := tx.Aggregate(ctx, "kid")
		if err != nil {
			return err
		}
		if agg.TotalCost != 3 {
			t.Fatalf("aggregate inside tx = %+v", agg)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	agg, err := s.Aggregate(ctx, "kid")
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.TotalCost != 3 || agg.IsStale || !agg.LastCalculatedAt.Equal(calculated) {
		t.Fatalf("committed aggregate = %+v", agg)
	}

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.PutAggregate(ctx, store.Aggregate{BOMItemID: "kid", TotalCost: 99}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	agg, err = s.Aggregate(ctx, "kid")
	if err != nil {
		t.Fatalf("Aggregate after rollback: %v", err)
	}
	if agg.TotalCost != 3 {
		t.Fatalf("rolled back aggregate = %+v, want total 3", agg)
	}
}

func testDeleteNode(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustSaveNodes(t, s, bom.Node{ID: "root", Name: "Root"}, bom.Node{ID: "kid", ParentID: "root", Name: "Kid"})
	if err := s.SaveRecord(ctx, rawRecord("r1", "kid", 3, base)); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	if err := s.MarkStale(ctx, "kid"); err != nil {
		t.Fatalf("MarkStale: %v", err)
	}

	if err := s.DeleteNode(ctx, "root"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict deleting a parent, got %v", err)
	}
	if err := s.DeleteNode(ctx, "kid"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := s.Node(ctx, "kid"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected node gone, got %v", err)
	}
	if _, err := s.Record(ctx, "r1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}
	if _, err := s.Aggregate(ctx, "kid"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected aggregate gone, got %v", err)
	}
	if err := s.DeleteNode(ctx, "kid"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
