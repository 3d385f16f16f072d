// Package pgrepo keeps the offline queue in postgres (tables offline_data and fitness_data).
package pgrepo

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var Schema string

var _ offline.Repo = (*Repo)(nil)

type Repo struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewRepo(db *pgxpool.Pool) *Repo {
	return &Repo{
		db:  db,
		now: time.Now,
	}
}

// Migrate creates the tables and indexes if missing.
func (r *Repo) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close is a no-op, the pool is owned by the caller.
func (r *Repo) Close() error {
	return nil
}

func (r *Repo) AddMutation(ctx context.Context, mutation offline.PendingMutation) (_ int64, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "pgrepo.mutation.add")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	payload, err := json.Marshal(mutation.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	var id int64
	if err := r.db.QueryRow(
		ctx,
		`INSERT INTO offline_data (url, method, payload, timestamp, synced) VALUES ($1, $2, $3, $4, $5) RETURNING id;`,
		mutation.URL, mutation.Method, payload, mutation.Timestamp, mutation.Synced,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert mutation: %w", err)
	}
	return id, nil
}

func scanMutations(rows pgx.Rows) ([]offline.PendingMutation, error) {
	defer rows.Close()

	var mutations []offline.PendingMutation
	for rows.Next() {
		var m offline.PendingMutation
		var payload []byte
		if err := rows.Scan(&m.ID, &m.URL, &m.Method, &payload, &m.Timestamp, &m.Synced); err != nil {
			return nil, fmt.Errorf("rows scan: %w", err)
		}
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %d: %w", m.ID, err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return mutations, nil
}

func (r *Repo) ListMutations(ctx context.Context) (_ []offline.PendingMutation, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "pgrepo.mutation.list")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	rows, err := r.db.Query(
		ctx,
		`SELECT id, url, method, payload, timestamp, synced FROM offline_data ORDER BY id;`,
	)
	if err != nil {
		return nil, err
	}
	return scanMutations(rows)
}

func (r *Repo) MutationsBetween(ctx context.Context, from, to time.Time) (_ []offline.PendingMutation, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "pgrepo.mutation.between")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	query, args := timeRangeQuery(
		`SELECT id, url, method, payload, timestamp, synced FROM offline_data`,
		"timestamp", from, to, nil,
	)
	rows, err := r.db.Query(ctx, query+` ORDER BY id;`, args...)
	if err != nil {
		return nil, err
	}
	return scanMutations(rows)
}

// timeRangeQuery appends WHERE conditions for the non-zero bounds.
func timeRangeQuery(base, column string, from, to time.Time, conds []string, args ...any) (string, []any) {
	if !from.IsZero() {
		args = append(args, from)
		conds = append(conds, fmt.Sprintf("%s >= $%d", column, len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conds = append(conds, fmt.Sprintf("%s <= $%d", column, len(args)))
	}
	if len(conds) == 0 {
		return base, args
	}
	return base + " WHERE " + strings.Join(conds, " AND "), args
}

func (r *Repo) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM offline_data WHERE synced = FALSE;`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repo) DeleteMutation(ctx context.Context, id int64) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "pgrepo.mutation.delete")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	// zero rows affected is fine, removal is idempotent
	if _, err := r.db.Exec(ctx, `DELETE FROM offline_data WHERE id = $1;`, id); err != nil {
		return err
	}
	return nil
}

func (r *Repo) ClaimMutation(ctx context.Context, id int64, claimant string, lease time.Duration) (bool, error) {
	now := r.now()
	tag, err := r.db.Exec(
		ctx,
		`
			UPDATE offline_data SET claimed_by = $2, claim_expires_at = $3
			WHERE id = $1 AND (claimed_by IS NULL OR claimed_by = $2 OR claim_expires_at < $4);`,
		id, claimant, now.Add(lease), now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repo) ReleaseMutation(ctx context.Context, id int64, claimant string) error {
	_, err := r.db.Exec(
		ctx,
		`UPDATE offline_data SET claimed_by = NULL, claim_expires_at = NULL WHERE id = $1 AND claimed_by = $2;`,
		id, claimant,
	)
	return err
}

func (r *Repo) AddRecord(ctx context.Context, record offline.LocalRecord) (_ int64, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "pgrepo.record.add")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	data, err := json.Marshal(record.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal data: %w", err)
	}

	var id int64
	if err := r.db.QueryRow(
		ctx,
		`INSERT INTO fitness_data (type, data, date, timestamp) VALUES ($1, $2, $3, $4) RETURNING id;`,
		string(record.Type), data, record.Date, record.Timestamp,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return id, nil
}

func (r *Repo) ListRecords(ctx context.Context, filter offline.RecordFilter) (_ []offline.LocalRecord, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "pgrepo.record.list")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	var conds []string
	var args []any
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conds = append(conds, "type = $1")
	}
	query, args := timeRangeQuery(
		`SELECT id, type, data, date, timestamp FROM fitness_data`,
		"timestamp", filter.From, filter.To, conds, args...,
	)

	rows, err := r.db.Query(ctx, query+` ORDER BY timestamp, id;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []offline.LocalRecord
	for rows.Next() {
		var rec offline.LocalRecord
		var entryType string
		var data []byte
		if err := rows.Scan(&rec.ID, &entryType, &data, &rec.Date, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("rows scan: %w", err)
		}
		rec.Type = offline.EntryType(entryType)
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data of %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

var errNoPool = errors.New("pgrepo: nil pool")

// Ping checks the pool is usable.
func (r *Repo) Ping(ctx context.Context) error {
	if r.db == nil {
		return errNoPool
	}
	return r.db.Ping(ctx)
}
