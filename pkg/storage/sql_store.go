package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements Store on SQLite or PostgreSQL.
//
// Upsert runs update, then insert, then one retry-update when a concurrent
// writer won the insert race. The unique bucket index turns that race into a
// constraint error; without the index the protocol still never creates a
// duplicate from a single writer.
type SQLStore struct {
	db *DB

	// beforeInsert runs between a missed update and the insert.
	beforeInsert func(ctx context.Context)
}

// NewSQLStore creates a snapshot store on db.
func NewSQLStore(db *DB) *SQLStore {
	return &SQLStore{db: db}
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const (
	updateSnapshotSQL = `UPDATE traffic_snapshots
		SET observed_at_ms = ?, schema_version = ?, payload = ?
		WHERE day_key = ? AND interval_index = ?
		RETURNING id`

	insertSnapshotSQL = `INSERT INTO traffic_snapshots
		(observed_at_ms, day_key, interval_index, schema_version, payload)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`

	selectSnapshotColumns = `SELECT id, observed_at_ms, day_key, interval_index, schema_version, payload
		FROM traffic_snapshots`
)

// Upsert writes snap into its bucket.
func (s *SQLStore) Upsert(ctx context.Context, snap Snapshot) (UpsertResult, error) {
	if err := Validate(snap); err != nil {
		return UpsertResult{}, err
	}

	payload, err := json.Marshal(snap.Payload)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	observed := snap.ObservedAt.UnixMilli()
	version := nullVersion(snap.SchemaVersion)

	id, found, err := s.update(ctx, snap, observed, version, payload)
	if err != nil {
		return UpsertResult{}, err
	}
	if found {
		return UpsertResult{ID: id, Path: PathUpdate}, nil
	}

	if s.beforeInsert != nil {
		s.beforeInsert(ctx)
	}

	err = s.db.conn.QueryRowContext(ctx, s.db.rebind(insertSnapshotSQL),
		observed, snap.DayKey, snap.IntervalIndex, version, string(payload)).Scan(&id)
	if err == nil {
		return UpsertResult{ID: id, Path: PathInsert}, nil
	}
	if !isUniqueViolation(err) {
		return UpsertResult{}, fmt.Errorf("%w: insert snapshot: %w", ErrPersistence, err)
	}

	id, found, err = s.update(ctx, snap, observed, version, payload)
	if err != nil {
		return UpsertResult{}, err
	}
	if !found {
		return UpsertResult{}, fmt.Errorf("%w: bucket %s/%d conflicted but no row was found on retry",
			ErrPersistence, snap.DayKey, snap.IntervalIndex)
	}
	return UpsertResult{ID: id, Path: PathRetryUpdate}, nil
}

func (s *SQLStore) update(ctx context.Context, snap Snapshot, observed int64, version sql.NullInt64, payload []byte) (int64, bool, error) {
	var id int64
	err := s.db.conn.QueryRowContext(ctx, s.db.rebind(updateSnapshotSQL),
		observed, version, string(payload), snap.DayKey, snap.IntervalIndex).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: update snapshot: %w", ErrPersistence, err)
	}
	return id, true, nil
}

// ReadRange returns snapshots observed in [start, end), oldest first.
func (s *SQLStore) ReadRange(ctx context.Context, start, end time.Time) ([]Snapshot, error) {
	query := selectSnapshotColumns + `
		WHERE observed_at_ms >= ? AND observed_at_ms < ?
		ORDER BY observed_at_ms, id`

	rows, err := s.db.conn.QueryContext(ctx, s.db.rebind(query), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: read range: %w", ErrPersistence, err)
	}
	defer rows.Close()

	out, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadDays returns snapshots grouped by service day.
func (s *SQLStore) ReadDays(ctx context.Context, dayKeys []string) (map[string][]Snapshot, error) {
	keys := uniqueKeys(dayKeys)
	result := make(map[string][]Snapshot, len(keys))
	for _, k := range keys {
		result[k] = []Snapshot{}
	}
	if len(keys) == 0 {
		return result, nil
	}

	query := selectSnapshotColumns + `
		WHERE day_key IN (` + placeholders(len(keys)) + `)
		ORDER BY observed_at_ms, id`

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := s.db.conn.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: read days: %w", ErrPersistence, err)
	}
	defer rows.Close()

	list, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	for _, snap := range list {
		result[snap.DayKey] = append(result[snap.DayKey], snap)
	}
	return result, nil
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var out []Snapshot
	for rows.Next() {
		var (
			snap     Snapshot
			observed int64
			version  sql.NullInt64
			payload  string
		)
		if err := rows.Scan(&snap.ID, &observed, &snap.DayKey, &snap.IntervalIndex, &version, &payload); err != nil {
			return nil, fmt.Errorf("%w: scan snapshot: %w", ErrPersistence, err)
		}
		if err := json.Unmarshal([]byte(payload), &snap.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of snapshot %d: %w", snap.ID, err)
		}
		snap.ObservedAt = time.UnixMilli(observed).UTC()
		if version.Valid {
			snap.SchemaVersion = int(version.Int64)
		}
		markEpoch(&snap)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate snapshots: %w", ErrPersistence, err)
	}
	return out, nil
}

// nullVersion stores an unknown schema version as NULL.
func nullVersion(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v > 0}
}
