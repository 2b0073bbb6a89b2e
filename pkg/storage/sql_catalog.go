package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLCatalog implements Catalog on the same database as SQLStore.
type SQLCatalog struct {
	db  *DB
	now func() time.Time
}

// NewSQLCatalog creates a segment catalog on db.
func NewSQLCatalog(db *DB) *SQLCatalog {
	return &SQLCatalog{db: db, now: time.Now}
}

const (
	updateDescriptorSQL = `UPDATE segment_catalog
		SET content_hash = ?, descriptor = ?, updated_at_ms = ?
		WHERE segment_id = ? AND content_hash <> ?`

	insertDescriptorSQL = `INSERT INTO segment_catalog
		(segment_id, content_hash, descriptor, updated_at_ms)
		VALUES (?, ?, ?, ?)`

	existsDescriptorSQL = `SELECT 1 FROM segment_catalog WHERE segment_id = ?`
)

// UpsertMany stores descriptors whose content hash changed. Each row is
// written on its own so a conflict on one id does not abort the rest.
func (c *SQLCatalog) UpsertMany(ctx context.Context, descriptors []SegmentDescriptor) (int, error) {
	changed := 0
	for _, d := range descriptors {
		if d.ID == "" {
			return changed, ErrInvalidDescriptor
		}
		wrote, err := c.upsertOne(ctx, d)
		if err != nil {
			return changed, err
		}
		if wrote {
			changed++
		}
	}
	return changed, nil
}

func (c *SQLCatalog) upsertOne(ctx context.Context, d SegmentDescriptor) (bool, error) {
	hash, data, err := DescriptorHash(d)
	if err != nil {
		return false, err
	}
	now := c.now().UnixMilli()

	wrote, err := c.updateIfChanged(ctx, d.ID, hash, data, now)
	if err != nil || wrote {
		return wrote, err
	}

	// Zero rows updated: either the row is absent or its hash already matches.
	var one int
	err = c.db.conn.QueryRowContext(ctx, c.db.rebind(existsDescriptorSQL), d.ID).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: lookup descriptor %q: %w", ErrPersistence, d.ID, err)
	}

	_, err = c.db.conn.ExecContext(ctx, c.db.rebind(insertDescriptorSQL), d.ID, hash, string(data), now)
	if err == nil {
		return true, nil
	}
	if !isUniqueViolation(err) {
		return false, fmt.Errorf("%w: insert descriptor %q: %w", ErrPersistence, d.ID, err)
	}
	return c.updateIfChanged(ctx, d.ID, hash, data, now)
}

func (c *SQLCatalog) updateIfChanged(ctx context.Context, id, hash string, data []byte, now int64) (bool, error) {
	res, err := c.db.conn.ExecContext(ctx, c.db.rebind(updateDescriptorSQL), hash, string(data), now, id, hash)
	if err != nil {
		return false, fmt.Errorf("%w: update descriptor %q: %w", ErrPersistence, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: update descriptor %q: %w", ErrPersistence, id, err)
	}
	return n > 0, nil
}

// GetByIDs returns the stored descriptors for ids.
func (c *SQLCatalog) GetByIDs(ctx context.Context, ids []string) (map[string]SegmentDescriptor, error) {
	keys := uniqueKeys(ids)
	out := make(map[string]SegmentDescriptor, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	query := `SELECT segment_id, descriptor FROM segment_catalog WHERE segment_id IN (` + placeholders(len(keys)) + `)`
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := c.db.conn.QueryContext(ctx, c.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: read catalog: %w", ErrPersistence, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("%w: scan descriptor: %w", ErrPersistence, err)
		}
		var d SegmentDescriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("failed to decode descriptor %q: %w", id, err)
		}
		out[id] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate catalog: %w", ErrPersistence, err)
	}
	return out, nil
}
