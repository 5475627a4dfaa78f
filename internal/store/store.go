// Package store defines the persistence contract for BOM nodes, cost records
// and aggregate costs. Implementations live in the memory and sqlstore
// subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/costing"
)

var (
	// ErrNotFound is wrapped by lookups of unknown nodes, records or aggregates.
	ErrNotFound = errors.New("not found")
	// ErrConflict is wrapped when a write would break a uniqueness rule, such
	// as a second active child part record on one node.
	ErrConflict = errors.New("conflict")
)

// Record is one persisted cost record. Breakdown is the snapshot computed at
// write time.
type Record struct {
	ID        string            `json:"id"`
	BOMItemID string            `json:"bom_item_id"`
	Category  costing.Category  `json:"category"`
	Input     costing.Input     `json:"input"`
	Breakdown costing.Breakdown `json:"breakdown"`
	Active    bool              `json:"is_active"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Aggregate is the rolled-up cost of one node.
type Aggregate struct {
	BOMItemID         string    `json:"bom_item_id"`
	RawMaterialCost   float64   `json:"raw_material_cost"`
	ProcessCost       float64   `json:"process_cost"`
	ChildPartCost     float64   `json:"child_part_cost"`
	ProcuredPartsCost float64   `json:"procured_parts_cost"`
	LogisticsCost     float64   `json:"logistics_cost"`
	OwnCost           float64   `json:"own_cost"`
	TotalCost         float64   `json:"total_cost"`
	IsStale           bool      `json:"is_stale"`
	LastCalculatedAt  time.Time `json:"last_calculated_at"`
}

// Tx is the view of the store available inside WithTx.
type Tx interface {
	Node(ctx context.Context, id string) (bom.Node, error)
	Children(ctx context.Context, id string) ([]bom.Node, error)
	ActiveRecords(ctx context.Context, bomItemID string) ([]Record, error)
	Aggregate(ctx context.Context, bomItemID string) (Aggregate, error)
	PutAggregate(ctx context.Context, agg Aggregate) error
}

// Store persists the tree, its cost records and their aggregates.
//
// Records returns active records only, ordered by creation time. MarkStale
// creates missing aggregate rows so that a node that was never costed still
// shows up as stale. Children are ordered by id.
type Store interface {
	Node(ctx context.Context, id string) (bom.Node, error)
	Children(ctx context.Context, id string) ([]bom.Node, error)
	SaveNode(ctx context.Context, n bom.Node) error
	DeleteNode(ctx context.Context, id string) error

	SaveRecord(ctx context.Context, r Record) error
	Record(ctx context.Context, id string) (Record, error)
	Records(ctx context.Context, bomItemID string, category costing.Category) ([]Record, error)
	DeactivateRecord(ctx context.Context, id string, at time.Time) error

	Aggregate(ctx context.Context, bomItemID string) (Aggregate, error)
	MarkStale(ctx context.Context, ids ...string) error
	StaleIDs(ctx context.Context) ([]string, error)

	WithTx(ctx context.Context, fn func(Tx) error) error
}
