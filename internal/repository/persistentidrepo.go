package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

// PersistentIDRepository records persistent ids delivered for a registration.
type PersistentIDRepository interface {
	// Add stores an id. Adding an id twice is not an error; added reports
	// whether the row is new.
	Add(ctx context.Context, regID uuid.UUID, persistentID string) (added bool, err error)
	// List returns the stored ids in delivery order.
	List(ctx context.Context, regID uuid.UUID) ([]string, error)
	// Clear removes every stored id of the registration.
	Clear(ctx context.Context, regID uuid.UUID) (int64, error)
}
