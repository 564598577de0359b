// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/fcm-listener/internal/model"
	"github.com/gofrs/uuid/v5"
)

// RegistrationRepository stores registrations together with their key material.
type RegistrationRepository interface {
	// Create inserts a new registration.
	Create(ctx context.Context, reg *model.Registration) error
	// Get loads a registration by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Registration, error)
	// List returns all registrations, oldest first.
	List(ctx context.Context) ([]model.Registration, error)
	// UpdateIdentity replaces the device identity after a refresh check-in.
	UpdateIdentity(ctx context.Context, id uuid.UUID, identity model.DeviceIdentity) error
	// Delete removes a registration and its delivered ids.
	Delete(ctx context.Context, id uuid.UUID) error
}
