package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/costing"
	"github.com/Simplici0/bomcost/internal/rollup"
	"github.com/Simplici0/bomcost/internal/store"
)

// RootID is the top-level node of the demo BOM.
const RootID = "demo-gearbox"

// Stats contains seed operation counters.
type Stats struct {
	Inserts int
}

type demoRecord struct {
	node  string
	input costing.Input
}

func f(v float64) *float64 { return &v }

var demoNodes = []bom.Node{
	{ID: RootID, Name: "Gearbox assembly"},
	{ID: "demo-housing", ParentID: RootID, Name: "Cast housing"},
	{ID: "demo-shaft", ParentID: RootID, Name: "Output shaft"},
	{ID: "demo-fasteners", ParentID: RootID, Name: "Fastener kit"},
}

var demoRecords = []demoRecord{
	{RootID, costing.ProcessInput{
		SetupManning: 1, SetupTimeMinutes: 20, BatchSize: 50, Heads: 1,
		CycleTimeSeconds: 240, PartsPerCycle: 1,
		DirectRate: 28, IndirectRate: 6, FringeRate: 4, MachineRate: 15,
		ScrapPercent: 0.5,
	}},
	{RootID, costing.LogisticsInput{PerUnitCost: f(2.5), Quantity: f(1)}},
	{"demo-housing", costing.RawMaterialInput{
		UnitCost: 3.2, GrossUsage: 4.5, NetUsage: 4.1, ReclaimRate: 0.8,
		ScrapPercent: 3, OverheadPercent: 12,
	}},
	{"demo-housing", costing.ProcessInput{
		SetupManning: 2, SetupTimeMinutes: 90, BatchSize: 200, Heads: 1,
		CycleTimeSeconds: 420, PartsPerCycle: 2,
		DirectRate: 32, IndirectRate: 8, FringeRate: 6, MachineRate: 85,
		ScrapPercent: 2,
	}},
	{"demo-shaft", costing.ChildPartInput{
		MakeBuy: costing.Buy, UnitCost: 18.4,
		FreightPercent: 4, DutyPercent: 6, OverheadPercent: 10,
		ScrapPercent: 1, DefectRatePercent: 0.5,
		Quantity: f(2), MOQ: f(100), LeadTimeDays: 21,
	}},
	{"demo-fasteners", costing.ProcuredPartInput{
		UnitCost: 0.12, Quantity: f(24), ScrapPercent: 2, OverheadPercent: 5,
		MOQ: f(500), LeadTimeDays: 7,
	}},
}

// Run seeds the demo BOM through the service in an idempotent way: nodes
// that exist and categories that already hold records are left alone.
func Run(ctx context.Context, svc *rollup.Service, st store.Store) (Stats, error) {
	stats := Stats{}

	for _, n := range demoNodes {
		if err := ensureNode(ctx, svc, st, n, &stats); err != nil {
			return Stats{}, err
		}
	}
	for _, r := range demoRecords {
		if err := ensureRecord(ctx, svc, r, &stats); err != nil {
			return Stats{}, err
		}
	}

	if _, err := svc.GetAggregate(ctx, RootID); err != nil {
		return Stats{}, fmt.Errorf("roll up demo bom: %w", err)
	}
	return stats, nil
}

func ensureNode(ctx context.Context, svc *rollup.Service, st store.Store, n bom.Node, stats *Stats) error {
	_, err := st.Node(ctx, n.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check demo node %s: %w", n.ID, err)
	}

	if err := svc.SaveNode(ctx, n); err != nil {
		return fmt.Errorf("insert demo node %s: %w", n.ID, err)
	}
	stats.Inserts++
	return nil
}

func ensureRecord(ctx context.Context, svc *rollup.Service, r demoRecord, stats *Stats) error {
	existing, err := svc.Records(ctx, r.node, r.input.Category())
	if err != nil {
		return fmt.Errorf("check demo %s record on %s: %w", r.input.Category(), r.node, err)
	}
	if len(existing) > 0 {
		return nil
	}

	if _, err := svc.UpsertRecord(ctx, rollup.UpsertRequest{
		BOMItemID: r.node,
		Category:  r.input.Category(),
		Input:     r.input,
	}); err != nil {
		return fmt.Errorf("insert demo %s record on %s: %w", r.input.Category(), r.node, err)
	}
	stats.Inserts++
	return nil
}
