// Package memory is an in-process Store used by tests and by the server when
// DB_DRIVER=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/costing"
	"github.com/Simplici0/bomcost/internal/store"
)

// Store keeps everything in maps behind one RWMutex. WithTx holds the write
// lock for the whole callback, so the callback must only use its Tx.
type Store struct {
	mu         sync.RWMutex
	nodes      map[string]bom.Node
	records    map[string]store.Record
	aggregates map[string]store.Aggregate
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		nodes:      map[string]bom.Node{},
		records:    map[string]store.Record{},
		aggregates: map[string]store.Aggregate{},
	}
}

func (s *Store) Node(_ context.Context, id string) (bom.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.node(id)
}

func (s *Store) node(id string) (bom.Node, error) {
	n, ok := s.nodes[id]
	if !ok {
		return bom.Node{}, fmt.Errorf("bom node %s: %w", id, store.ErrNotFound)
	}
	return n, nil
}

func (s *Store) Children(_ context.Context, id string) ([]bom.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.children(id), nil
}

func (s *Store) children(id string) []bom.Node {
	var out []bom.Node
	for _, n := range s.nodes {
		if n.ParentID == id {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) SaveNode(_ context.Context, n bom.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ParentID != "" {
		if _, ok := s.nodes[n.ParentID]; !ok {
			return fmt.Errorf("parent %s of %s: %w", n.ParentID, n.ID, store.ErrNotFound)
		}
	}
	s.nodes[n.ID] = n
	return nil
}

func (s *Store) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("bom node %s: %w", id, store.ErrNotFound)
	}
	if len(s.children(id)) > 0 {
		return fmt.Errorf("bom node %s has children: %w", id, store.ErrConflict)
	}
	for rid, r := range s.records {
		if r.BOMItemID == id {
			delete(s.records, rid)
		}
	}
	delete(s.aggregates, id)
	delete(s.nodes, id)
	return nil
}

func (s *Store) SaveRecord(_ context.Context, r store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[r.BOMItemID]; !ok {
		return fmt.Errorf("bom node %s: %w", r.BOMItemID, store.ErrNotFound)
	}
	if r.Category == costing.CategoryChildPart && r.Active {
		for _, other := range s.records {
			if other.ID != r.ID && other.Active && other.BOMItemID == r.BOMItemID && other.Category == costing.CategoryChildPart {
				return fmt.Errorf("bom node %s already has active child part record %s: %w", r.BOMItemID, other.ID, store.ErrConflict)
			}
		}
	}
	s.records[r.ID] = r
	return nil
}

func (s *Store) Record(_ context.Context, id string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return store.Record{}, fmt.Errorf("cost record %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

func (s *Store) Records(_ context.Context, bomItemID string, category costing.Category) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Record
	for _, r := range s.activeRecords(bomItemID) {
		if r.Category == category {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) activeRecords(bomItemID string) []store.Record {
	var out []store.Record
	for _, r := range s.records {
		if r.Active && r.BOMItemID == bomItemID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) DeactivateRecord(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("cost record %s: %w", id, store.ErrNotFound)
	}
	r.Active = false
	r.UpdatedAt = at
	s.records[id] = r
	return nil
}

func (s *Store) Aggregate(_ context.Context, bomItemID string) (store.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregate(bomItemID)
}

func (s *Store) aggregate(bomItemID string) (store.Aggregate, error) {
	agg, ok := s.aggregates[bomItemID]
	if !ok {
		return store.Aggregate{}, fmt.Errorf("aggregate for %s: %w", bomItemID, store.ErrNotFound)
	}
	return agg, nil
}

// MarkStale flags the aggregates of ids as stale, creating empty ones where
// needed. Unknown node ids are ignored.
func (s *Store) MarkStale(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.nodes[id]; !ok {
			continue
		}
		agg, ok := s.aggregates[id]
		if !ok {
			agg = store.Aggregate{BOMItemID: id}
		}
		agg.IsStale = true
		s.aggregates[id] = agg
	}
	return nil
}

func (s *Store) StaleIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, agg := range s.aggregates {
		if agg.IsStale {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// WithTx runs fn with exclusive access. Aggregates written through the Tx are
// applied only when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &tx{s: s, pending: map[string]store.Aggregate{}}
	if err := fn(tx); err != nil {
		return err
	}
	for id, agg := range tx.pending {
		s.aggregates[id] = agg
	}
	return nil
}

type tx struct {
	s       *Store
	pending map[string]store.Aggregate
}

func (t *tx) Node(_ context.Context, id string) (bom.Node, error) { return t.s.node(id) }

func (t *tx) Children(_ context.Context, id string) ([]bom.Node, error) {
	return t.s.children(id), nil
}

func (t *tx) ActiveRecords(_ context.Context, bomItemID string) ([]store.Record, error) {
	return t.s.activeRecords(bomItemID), nil
}

func (t *tx) Aggregate(_ context.Context, bomItemID string) (store.Aggregate, error) {
	if agg, ok := t.pending[bomItemID]; ok {
		return agg, nil
	}
	return t.s.aggregate(bomItemID)
}

func (t *tx) PutAggregate(_ context.Context, agg store.Aggregate) error {
	if _, ok := t.s.nodes[agg.BOMItemID]; !ok {
		return fmt.Errorf("bom node %s: %w", agg.BOMItemID, store.ErrNotFound)
	}
	t.pending[agg.BOMItemID] = agg
	return nil
}
