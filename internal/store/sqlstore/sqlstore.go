// Package sqlstore implements store.Store on database/sql for SQLite
// (modernc.org/sqlite) and Postgres (pgx stdlib). Queries are written with `?`
// placeholders and rebound for Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/costing"
	"github.com/Simplici0/bomcost/internal/db"
	"github.com/Simplici0/bomcost/internal/store"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQL-backed store.Store.
type Store struct {
	db     *sql.DB
	driver string
}

var _ store.Store = (*Store)(nil)

// New wraps an open, migrated database. driver is db.DriverSQLite or
// db.DriverPostgres.
func New(database *sql.DB, driver string) *Store {
	return &Store{db: database, driver: driver}
}

func (s *Store) rebind(query string) string {
	if s.driver != db.DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) Node(ctx context.Context, id string) (bom.Node, error) {
	return s.node(ctx, s.db, id)
}

func (s *Store) node(ctx context.Context, q querier, id string) (bom.Node, error) {
	var (
		n      bom.Node
		parent sql.NullString
	)
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT id, parent_id, name
		FROM bom_nodes
		WHERE id = ?
	`), id).Scan(&n.ID, &parent, &n.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return bom.Node{}, fmt.Errorf("bom node %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return bom.Node{}, fmt.Errorf("query bom node %s: %w", id, err)
	}
	n.ParentID = parent.String
	return n, nil
}

func (s *Store) Children(ctx context.Context, id string) ([]bom.Node, error) {
	return s.children(ctx, s.db, id)
}

func (s *Store) children(ctx context.Context, q querier, id string) ([]bom.Node, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT id, parent_id, name
		FROM bom_nodes
		WHERE parent_id = ?
		ORDER BY id
	`), id)
	if err != nil {
		return nil, fmt.Errorf("query children of %s: %w", id, err)
	}
	defer rows.Close()

	var out []bom.Node
	for rows.Next() {
		var (
			n      bom.Node
			parent sql.NullString
		)
		if err := rows.Scan(&n.ID, &parent, &n.Name); err != nil {
			return nil, fmt.Errorf("scan child of %s: %w", id, err)
		}
		n.ParentID = parent.String
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children of %s: %w", id, err)
	}
	return out, nil
}

func (s *Store) SaveNode(ctx context.Context, n bom.Node) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO bom_nodes (id, parent_id, name)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET
			parent_id = excluded.parent_id,
			name = excluded.name
	`), n.ID, nullable(n.ParentID), n.Name)
	return classify("save bom node "+n.ID, err)
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.node(ctx, tx, id); err != nil {
			return err
		}
		var children int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM bom_nodes WHERE parent_id = ?`), id).Scan(&children); err != nil {
			return fmt.Errorf("count children of %s: %w", id, err)
		}
		if children > 0 {
			return fmt.Errorf("bom node %s has children: %w", id, store.ErrConflict)
		}
		for _, stmt := range []string{
			`DELETE FROM cost_records WHERE bom_item_id = ?`,
			`DELETE FROM aggregate_costs WHERE bom_item_id = ?`,
			`DELETE FROM bom_nodes WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.rebind(stmt), id); err != nil {
				return fmt.Errorf("delete bom node %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) SaveRecord(ctx context.Context, r store.Record) error {
	input, err := json.Marshal(r.Input)
	if err != nil {
		return fmt.Errorf("encode input of record %s: %w", r.ID, err)
	}
	breakdown, err := json.Marshal(r.Breakdown)
	if err != nil {
		return fmt.Errorf("encode breakdown of record %s: %w", r.ID, err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO cost_records (id, bom_item_id, category, input, breakdown, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET
			input = excluded.input,
			breakdown = excluded.breakdown,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`), r.ID, r.BOMItemID, string(r.Category), string(input), string(breakdown), r.Active, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return classify("save cost record "+r.ID, err)
}

const recordColumns = `id, bom_item_id, category, input, breakdown, is_active, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (store.Record, error) {
	var (
		r                    store.Record
		category             string
		input, breakdown     string
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &r.BOMItemID, &category, &input, &breakdown, &r.Active, &createdAt, &updatedAt); err != nil {
		return store.Record{}, err
	}
	r.Category = costing.Category(category)

	var err error
	if r.Input, err = costing.DecodeInput(r.Category, []byte(input)); err != nil {
		return store.Record{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	if r.Breakdown, err = costing.DecodeBreakdown(r.Category, []byte(breakdown)); err != nil {
		return store.Record{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return store.Record{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return store.Record{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *Store) Record(ctx context.Context, id string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+recordColumns+`
		FROM cost_records
		WHERE id = ?
	`), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, fmt.Errorf("cost record %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("query cost record %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) Records(ctx context.Context, bomItemID string, category costing.Category) ([]store.Record, error) {
	return s.queryRecords(ctx, s.db, `
		SELECT `+recordColumns+`
		FROM cost_records
		WHERE bom_item_id = ? AND category = ? AND is_active = ?
		ORDER BY created_at, id
	`, bomItemID, string(category), true)
}

func (s *Store) queryRecords(ctx context.Context, q querier, query string, args ...any) ([]store.Record, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query cost records: %w", err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cost record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cost records: %w", err)
	}
	return out, nil
}

func (s *Store) DeactivateRecord(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE cost_records
		SET
			is_active = ?,
			updated_at = ?
		WHERE id = ?
	`), false, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("deactivate cost record %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate cost record %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("cost record %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) Aggregate(ctx context.Context, bomItemID string) (store.Aggregate, error) {
	return s.aggregate(ctx, s.db, bomItemID)
}

func (s *Store) aggregate(ctx context.Context, q querier, bomItemID string) (store.Aggregate, error) {
	var (
		agg        store.Aggregate
		calculated string
	)
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT
			bom_item_id,
			raw_material_cost,
			process_cost,
			child_part_cost,
			procured_parts_cost,
			logistics_cost,
			own_cost,
			total_cost,
			is_stale,
			last_calculated_at
		FROM aggregate_costs
		WHERE bom_item_id = ?
	`), bomItemID).Scan(
		&agg.BOMItemID,
		&agg.RawMaterialCost,
		&agg.ProcessCost,
		&agg.ChildPartCost,
		&agg.ProcuredPartsCost,
		&agg.LogisticsCost,
		&agg.OwnCost,
		&agg.TotalCost,
		&agg.IsStale,
		&calculated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Aggregate{}, fmt.Errorf("aggregate for %s: %w", bomItemID, store.ErrNotFound)
	}
	if err != nil {
		return store.Aggregate{}, fmt.Errorf("query aggregate for %s: %w", bomItemID, err)
	}
	if agg.LastCalculatedAt, err = parseTime(calculated); err != nil {
		return store.Aggregate{}, fmt.Errorf("aggregate for %s: %w", bomItemID, err)
	}
	return agg, nil
}

func (s *Store) putAggregate(ctx context.Context, q querier, agg store.Aggregate) error {
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO aggregate_costs (
			bom_item_id,
			raw_material_cost,
			process_cost,
			child_part_cost,
			procured_parts_cost,
			logistics_cost,
			own_cost,
			total_cost,
			is_stale,
			last_calculated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bom_item_id) DO UPDATE
		SET
			raw_material_cost = excluded.raw_material_cost,
			process_cost = excluded.process_cost,
			child_part_cost = excluded.child_part_cost,
			procured_parts_cost = excluded.procured_parts_cost,
			logistics_cost = excluded.logistics_cost,
			own_cost = excluded.own_cost,
			total_cost = excluded.total_cost,
			is_stale = excluded.is_stale,
			last_calculated_at = excluded.last_calculated_at
	`),
		agg.BOMItemID,
		agg.RawMaterialCost,
		agg.ProcessCost,
		agg.ChildPartCost,
		agg.ProcuredPartsCost,
		agg.LogisticsCost,
		agg.OwnCost,
		agg.TotalCost,
		agg.IsStale,
		formatTime(agg.LastCalculatedAt),
	)
	return classify("save aggregate for "+agg.BOMItemID, err)
}

// MarkStale flags the aggregates of ids as stale, creating empty rows where
// needed. Unknown node ids are ignored.
func (s *Store) MarkStale(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO aggregate_costs (bom_item_id, is_stale)
				SELECT id, TRUE FROM bom_nodes WHERE id = ?
				ON CONFLICT (bom_item_id) DO UPDATE
				SET is_stale = TRUE
			`), id); err != nil {
				return fmt.Errorf("mark %s stale: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) StaleIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT bom_item_id
		FROM aggregate_costs
		WHERE is_stale = ?
		ORDER BY bom_item_id
	`), true)
	if err != nil {
		return nil, fmt.Errorf("query stale aggregates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale aggregate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale aggregates: %w", err)
	}
	return ids, nil
}

// WithTx runs fn inside one database transaction, committing when fn returns
// nil. fn must only use its Tx.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&txView{s: s, tx: tx})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type txView struct {
	s  *Store
	tx *sql.Tx
}

func (t *txView) Node(ctx context.Context, id string) (bom.Node, error) {
	return t.s.node(ctx, t.tx, id)
}

func (t *txView) Children(ctx context.Context, id string) ([]bom.Node, error) {
	return t.s.children(ctx, t.tx, id)
}

func (t *txView) ActiveRecords(ctx context.Context, bomItemID string) ([]store.Record, error) {
	return t.s.queryRecords(ctx, t.tx, `
		SELECT `+recordColumns+`
		FROM cost_records
		WHERE bom_item_id = ? AND is_active = ?
		ORDER BY created_at, id
	`, bomItemID, true)
}

func (t *txView) Aggregate(ctx context.Context, bomItemID string) (store.Aggregate, error) {
	return t.s.aggregate(ctx, t.tx, bomItemID)
}

func (t *txView) PutAggregate(ctx context.Context, agg store.Aggregate) error {
	return t.s.putAggregate(ctx, t.tx, agg)
}
