package rollup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/costing"
	"github.com/Simplici0/bomcost/internal/lock"
	"github.com/Simplici0/bomcost/internal/metrics"
	"github.com/Simplici0/bomcost/internal/store"
)

var tracer = otel.Tracer("github.com/Simplici0/bomcost/internal/rollup")

// ErrInvalidRequest is wrapped by requests that are malformed independently
// of the cost figures, such as a missing input or a category mismatch.
var ErrInvalidRequest = errors.New("invalid request")

// Options wires a Service. Store is required; everything else has a default.
type Options struct {
	Store      store.Store
	Calculator costing.Calculator
	Locks      lock.Locker
	Metrics    *metrics.Metrics
	Logger     logrus.FieldLogger
	MaxDepth   int
	Now        func() time.Time
	NewID      func() string
}

// Service is the record and aggregate API used by transports.
type Service struct {
	store    store.Store
	calc     costing.Calculator
	engine   *Engine
	prop     *Propagator
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	maxDepth int
	now      func() time.Time
	newID    func() string
}

func NewService(opts Options) *Service {
	if opts.Locks == nil {
		opts.Locks = lock.NewLocal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = bom.DefaultMaxDepth
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	engine := &Engine{
		store:    opts.Store,
		calc:     opts.Calculator,
		locks:    opts.Locks,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		maxDepth: opts.MaxDepth,
		now:      opts.Now,
	}
	return &Service{
		store:  opts.Store,
		calc:   opts.Calculator,
		engine: engine,
		prop: &Propagator{
			store:    opts.Store,
			engine:   engine,
			locks:    opts.Locks,
			metrics:  opts.Metrics,
			maxDepth: opts.MaxDepth,
		},
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		maxDepth: opts.MaxDepth,
		now:      opts.Now,
		newID:    opts.NewID,
	}
}

// Engine exposes the aggregation engine, for the sweeper.
func (s *Service) Engine() *Engine { return s.engine }

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Calculate runs the engine for in without persisting anything.
func (s *Service) Calculate(ctx context.Context, in costing.Input) (costing.Breakdown, error) {
	if in == nil {
		return nil, fmt.Errorf("cost input is required: %w", ErrInvalidRequest)
	}
	_, span := tracer.Start(ctx, "rollup.Calculate", trace.WithAttributes(
		attribute.String("category", string(in.Category())),
	))
	defer span.End()

	out, err := s.calc.Calculate(in)
	s.metrics.Calculations.WithLabelValues(string(in.Category()), resultLabel(err)).Inc()
	return out, fail(span, err)
}

func resultLabel(err error) string {
	var (
		verr *costing.ValidationError
		derr *costing.DomainError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "invalid"
	case errors.As(err, &derr):
		return "domain"
	}
	return "error"
}

// UpsertRequest creates a record when RecordID is empty and updates the
// active record RecordID otherwise.
type UpsertRequest struct {
	RecordID  string
	BOMItemID string
	Category  costing.Category
	Input     costing.Input
}

// UpsertResult is the saved record and its node's fresh aggregate.
type UpsertResult struct {
	Record    store.Record    `json:"record"`
	Aggregate store.Aggregate `json:"aggregate"`
}

// UpsertRecord validates and costs the input, saves the record, recomputes
// the owning node and flags its ancestors stale. Nothing is written when the
// input is rejected or the ancestor chain is broken.
func (s *Service) UpsertRecord(ctx context.Context, req UpsertRequest) (UpsertResult, error) {
	ctx, span := tracer.Start(ctx, "rollup.UpsertRecord", trace.WithAttributes(
		attribute.String("bom_item_id", req.BOMItemID),
		attribute.String("category", string(req.Category)),
		attribute.String("record_id", req.RecordID),
	))
	defer span.End()

	res, err := s.upsertRecord(ctx, req)
	return res, fail(span, err)
}

func (s *Service) upsertRecord(ctx context.Context, req UpsertRequest) (UpsertResult, error) {
	if req.Input == nil {
		return UpsertResult{}, fmt.Errorf("cost input is required: %w", ErrInvalidRequest)
	}
	if req.Category == "" {
		req.Category = req.Input.Category()
	}
	if req.Input.Category() != req.Category {
		return UpsertResult{}, fmt.Errorf("%s input sent for %s record: %w", req.Input.Category(), req.Category, ErrInvalidRequest)
	}

	breakdown, err := s.Calculate(ctx, req.Input)
	if err != nil {
		return UpsertResult{}, err
	}

	if _, err := s.store.Node(ctx, req.BOMItemID); err != nil {
		return UpsertResult{}, err
	}
	ancestors, err := s.prop.Check(ctx, req.BOMItemID)
	if err != nil {
		return UpsertResult{}, err
	}

	now := s.now()
	rec := store.Record{
		ID:        req.RecordID,
		BOMItemID: req.BOMItemID,
		Category:  req.Category,
		Input:     req.Input,
		Breakdown: breakdown,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.RecordID == "" {
		rec.ID = s.newID()
	} else {
		existing, err := s.store.Record(ctx, req.RecordID)
		if err != nil {
			return UpsertResult{}, err
		}
		if !existing.Active {
			return UpsertResult{}, fmt.Errorf("cost record %s was deleted: %w", req.RecordID, store.ErrNotFound)
		}
		if existing.BOMItemID != req.BOMItemID || existing.Category != req.Category {
			return UpsertResult{}, fmt.Errorf("cost record %s belongs to %s/%s: %w", req.RecordID, existing.BOMItemID, existing.Category, ErrInvalidRequest)
		}
		rec.CreatedAt = existing.CreatedAt
	}

	if err := s.store.SaveRecord(ctx, rec); err != nil {
		return UpsertResult{}, err
	}

	agg, err := s.prop.AfterWrite(ctx, req.BOMItemID, ancestors)
	if err != nil {
		return UpsertResult{Record: rec}, err
	}
	s.logger.WithFields(logrus.Fields{
		"bom_item_id": req.BOMItemID,
		"record_id":   rec.ID,
		"category":    rec.Category,
		"total_cost":  agg.TotalCost,
		"ancestors":   len(ancestors),
	}).Debug("cost record saved")
	return UpsertResult{Record: rec, Aggregate: agg}, nil
}

// DeleteRecord soft-deletes a record and returns its node's fresh aggregate.
// Deleting an already deleted record changes nothing.
func (s *Service) DeleteRecord(ctx context.Context, recordID string) (store.Aggregate, error) {
	ctx, span := tracer.Start(ctx, "rollup.DeleteRecord", trace.WithAttributes(
		attribute.String("record_id", recordID),
	))
	defer span.End()

	agg, err := s.deleteRecord(ctx, recordID)
	return agg, fail(span, err)
}

func (s *Service) deleteRecord(ctx context.Context, recordID string) (store.Aggregate, error) {
	rec, err := s.store.Record(ctx, recordID)
	if err != nil {
		return store.Aggregate{}, err
	}
	if !rec.Active {
		return s.engine.Refresh(ctx, rec.BOMItemID)
	}

	ancestors, err := s.prop.Check(ctx, rec.BOMItemID)
	if err != nil {
		return store.Aggregate{}, err
	}
	if err := s.store.DeactivateRecord(ctx, recordID, s.now()); err != nil {
		return store.Aggregate{}, err
	}
	return s.prop.AfterWrite(ctx, rec.BOMItemID, ancestors)
}

// GetAggregate returns the aggregate of bomItemID, refreshing it first when
// it is stale.
func (s *Service) GetAggregate(ctx context.Context, bomItemID string) (store.Aggregate, error) {
	ctx, span := tracer.Start(ctx, "rollup.GetAggregate", trace.WithAttributes(
		attribute.String("bom_item_id", bomItemID),
	))
	defer span.End()

	if _, err := s.store.Node(ctx, bomItemID); err != nil {
		return store.Aggregate{}, fail(span, err)
	}
	agg, err := s.engine.Refresh(ctx, bomItemID)
	span.SetAttributes(attribute.Bool("stale", agg.IsStale))
	return agg, fail(span, err)
}

// Records lists the active records of one category on bomItemID. Each
// breakdown is recalculated from the stored input.
func (s *Service) Records(ctx context.Context, bomItemID string, category costing.Category) ([]store.Record, error) {
	ctx, span := tracer.Start(ctx, "rollup.Records", trace.WithAttributes(
		attribute.String("bom_item_id", bomItemID),
		attribute.String("category", string(category)),
	))
	defer span.End()

	if !category.Valid() {
		return nil, fail(span, fmt.Errorf("unknown cost category %q: %w", category, ErrInvalidRequest))
	}
	if _, err := s.store.Node(ctx, bomItemID); err != nil {
		return nil, fail(span, err)
	}
	records, err := s.store.Records(ctx, bomItemID, category)
	if err != nil {
		return nil, fail(span, err)
	}
	for i := range records {
		b, err := s.calc.Calculate(records[i].Input)
		if err != nil {
			return nil, fail(span, fmt.Errorf("recalculate record %s: %w", records[i].ID, err))
		}
		records[i].Breakdown = b
	}
	return records, nil
}

// SaveNode creates n or updates its name and parent. Moving a node under its
// own subtree is rejected with a *bom.CycleError. Both the old and the new
// ancestor chains are flagged stale after a move.
func (s *Service) SaveNode(ctx context.Context, n bom.Node) error {
	ctx, span := tracer.Start(ctx, "rollup.SaveNode", trace.WithAttributes(
		attribute.String("bom_item_id", n.ID),
		attribute.String("parent_id", n.ParentID),
	))
	defer span.End()

	return fail(span, s.saveNode(ctx, n))
}

func (s *Service) saveNode(ctx context.Context, n bom.Node) error {
	n.ID = strings.TrimSpace(n.ID)
	n.ParentID = strings.TrimSpace(n.ParentID)
	if n.ID == "" {
		return fmt.Errorf("node id is required: %w", ErrInvalidRequest)
	}

	existing, err := s.store.Node(ctx, n.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = bom.Node{}
	case err != nil:
		return err
	}
	moved := existing.ID != "" && existing.ParentID != n.ParentID

	if err := bom.CheckReparent(ctx, s.store, n.ID, n.ParentID, s.maxDepth); err != nil {
		return err
	}

	var stale []string
	if moved {
		old, err := s.prop.Check(ctx, n.ID)
		if err != nil {
			return err
		}
		stale = append(stale, old...)
	}
	if moved && n.ParentID != "" {
		above, err := s.prop.Check(ctx, n.ParentID)
		if err != nil {
			return err
		}
		stale = append(append(stale, n.ParentID), above...)
	}

	if err := s.store.SaveNode(ctx, n); err != nil {
		return err
	}
	return s.prop.MarkStale(ctx, stale...)
}

// DeleteNode removes a leaf node with its records and aggregate and flags its
// former ancestors stale.
func (s *Service) DeleteNode(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "rollup.DeleteNode", trace.WithAttributes(
		attribute.String("bom_item_id", id),
	))
	defer span.End()

	ancestors, err := s.prop.Check(ctx, id)
	if err != nil {
		return fail(span, err)
	}
	if err := s.store.DeleteNode(ctx, id); err != nil {
		return fail(span, err)
	}
	return fail(span, s.prop.MarkStale(ctx, ancestors...))
}

// Line is one node of a rollup report.
type Line struct {
	Node      bom.Node        `json:"node"`
	Depth     int             `json:"depth"`
	Aggregate store.Aggregate `json:"aggregate"`
}

// Rollup refreshes the subtree under rootID and returns it in pre-order.
func (s *Service) Rollup(ctx context.Context, rootID string) ([]Line, error) {
	ctx, span := tracer.Start(ctx, "rollup.Rollup", trace.WithAttributes(
		attribute.String("bom_item_id", rootID),
	))
	defer span.End()

	if _, err := s.engine.Refresh(ctx, rootID); err != nil {
		return nil, fail(span, err)
	}

	var lines []Line
	err := bom.Walk(ctx, s.store, rootID, s.maxDepth, func(n bom.Node, depth int) error {
		agg, err := s.engine.Refresh(ctx, n.ID)
		if err != nil {
			return err
		}
		lines = append(lines, Line{Node: n, Depth: depth, Aggregate: agg})
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("lines", len(lines)))
	return lines, nil
}
