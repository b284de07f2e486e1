/**
 * @description
 * This file defines the interfaces for the data access layer. The security core
 * depends on these contracts, not on the concrete PostgreSQL or Redis types, so
 * tests can swap in the in-memory implementations.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrLocationNotFound  = errors.New("location not found")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrDuplicateUsername = errors.New("username already exists")
)

// UserDirectory resolves login credentials. Users are provisioned by an external process.
type UserDirectory interface {
	FindCredentialByUsername(ctx context.Context, username string) (*domain.Credential, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

// CredentialWriter provisions credentials. It is used to seed the bootstrap admin.
type CredentialWriter interface {
	CreateCredential(ctx context.Context, cred domain.Credential) error
}

// LocationDirectory resolves location names for PIN challenge prompts.
type LocationDirectory interface {
	FindLocationByID(ctx context.Context, locationID string) (*domain.Location, error)
}

// SnapshotStore persists opaque state blobs under namespaced keys.
type SnapshotStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}
