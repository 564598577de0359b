package postgres

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/repository"
)

// PersistentIDRepo implements PersistentIDRepository using PostgreSQL.
type PersistentIDRepo struct{ db *DB }

var _ repository.PersistentIDRepository = (*PersistentIDRepo)(nil)

// NewPersistentIDRepo constructs a persistent id repository.
func NewPersistentIDRepo(db *DB) *PersistentIDRepo { return &PersistentIDRepo{db: db} }

// Add inserts an id, ignoring duplicates.
func (r *PersistentIDRepo) Add(ctx context.Context, regID uuid.UUID, persistentID string) (bool, error) {
	const q = `
INSERT INTO persistent_ids (registration_id, persistent_id)
VALUES ($1, $2)
ON CONFLICT (registration_id, persistent_id) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, regID, persistentID)
	if isForeignKeyViolation(err) {
		return false, fmt.Errorf("registration %s: %w", regID, errs.ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// List returns the ids of a registration in the order they were received.
func (r *PersistentIDRepo) List(ctx context.Context, regID uuid.UUID) ([]string, error) {
	const q = `
SELECT persistent_id FROM persistent_ids
WHERE registration_id=$1
ORDER BY received_at, seq`
	rows, err := r.db.Pool.Query(ctx, q, regID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Clear deletes all ids of a registration and returns how many were removed.
func (r *PersistentIDRepo) Clear(ctx context.Context, regID uuid.UUID) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM persistent_ids WHERE registration_id=$1`, regID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordPersistentID adapts Add for the listen path, which keys registrations by their string id.
func (r *PersistentIDRepo) RecordPersistentID(ctx context.Context, registration, persistentID string) error {
	id, err := uuid.FromString(registration)
	if err != nil {
		return fmt.Errorf("registration id %q: %w", registration, err)
	}
	_, err = r.Add(ctx, id, persistentID)
	return err
}
