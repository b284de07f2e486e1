/**
 * @description
 * PostgreSQL implementations of the user directory, location directory and
 * snapshot store. Users and locations are written by the provisioning process;
 * this service only reads them, apart from stamping last_login_at and seeding the
 * bootstrap admin.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
)

// Schema creates the tables this service reads and the snapshot table it owns.
const Schema = `
CREATE TABLE IF NOT EXISTS locations (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    email TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    pin_required BOOLEAN NOT NULL DEFAULT FALSE,
    password_hash TEXT NOT NULL,
    password_salt TEXT NOT NULL,
    last_login_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS user_locations (
    user_id TEXT NOT NULL REFERENCES users(id),
    location_id TEXT NOT NULL REFERENCES locations(id),
    PRIMARY KEY (user_id, location_id)
);
CREATE TABLE IF NOT EXISTS auth_snapshots (
    key TEXT PRIMARY KEY,
    payload JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema applies Schema. It is idempotent.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// PostgresUserDirectory reads credentials from the users table.
type PostgresUserDirectory struct {
	db *pgxpool.Pool
}

// NewPostgresUserDirectory creates a new instance of PostgresUserDirectory.
func NewPostgresUserDirectory(db *pgxpool.Pool) *PostgresUserDirectory {
	return &PostgresUserDirectory{db: db}
}

// FindCredentialByUsername looks a user up case-insensitively, with the locations they can access.
func (r *PostgresUserDirectory) FindCredentialByUsername(ctx context.Context, username string) (*domain.Credential, error) {
	query := `
		SELECT u.id, u.username, u.email, u.role, u.display_name, u.pin_required,
		       u.password_hash, u.password_salt, u.last_login_at,
		       COALESCE(array_agg(ul.location_id) FILTER (WHERE ul.location_id IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_locations ul ON ul.user_id = u.id
		WHERE LOWER(u.username) = LOWER($1)
		GROUP BY u.id
	`
	var cred domain.Credential
	var role string
	err := r.db.QueryRow(ctx, query, strings.TrimSpace(username)).Scan(
		&cred.User.ID,
		&cred.User.Username,
		&cred.User.Email,
		&role,
		&cred.User.DisplayName,
		&cred.User.PinRequired,
		&cred.PasswordHash,
		&cred.Salt,
		&cred.User.LastLoginAt,
		&cred.User.LocationIDs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	cred.User.Role = domain.Role(role)
	return &cred, nil
}

// TouchLastLogin stamps the last successful login time.
func (r *PostgresUserDirectory) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	result, err := r.db.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, userID, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateCredential inserts a user and its location grants in one transaction.
func (r *PostgresUserDirectory) CreateCredential(ctx context.Context, cred domain.Credential) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, username, email, role, display_name, pin_required, password_hash, password_salt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		cred.User.ID,
		strings.TrimSpace(cred.User.Username),
		cred.User.Email,
		string(cred.User.Role),
		cred.User.DisplayName,
		cred.User.PinRequired,
		cred.PasswordHash,
		cred.Salt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateUsername
		}
		return err
	}

	for _, locationID := range cred.User.LocationIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO user_locations (user_id, location_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, cred.User.ID, locationID); err != nil {
			return fmt.Errorf("grant location %s: %w", locationID, err)
		}
	}
	return tx.Commit(ctx)
}

// PostgresLocationDirectory reads location names.
type PostgresLocationDirectory struct {
	db *pgxpool.Pool
}

// NewPostgresLocationDirectory creates a new instance of PostgresLocationDirectory.
func NewPostgresLocationDirectory(db *pgxpool.Pool) *PostgresLocationDirectory {
	return &PostgresLocationDirectory{db: db}
}

func (r *PostgresLocationDirectory) FindLocationByID(ctx context.Context, locationID string) (*domain.Location, error) {
	var loc domain.Location
	err := r.db.QueryRow(ctx, `SELECT id, name FROM locations WHERE id = $1`, locationID).Scan(&loc.ID, &loc.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLocationNotFound
		}
		return nil, err
	}
	return &loc, nil
}

// PostgresSnapshotStore keeps snapshots in the auth_snapshots table.
type PostgresSnapshotStore struct {
	db *pgxpool.Pool
}

// NewPostgresSnapshotStore creates a new instance of PostgresSnapshotStore.
func NewPostgresSnapshotStore(db *pgxpool.Pool) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (r *PostgresSnapshotStore) Load(ctx context.Context, key string) ([]byte, error) {
	var payload string
	err := r.db.QueryRow(ctx, `SELECT payload::text FROM auth_snapshots WHERE key = $1`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return []byte(payload), nil
}

func (r *PostgresSnapshotStore) Save(ctx context.Context, key string, data []byte) error {
	query := `
		INSERT INTO auth_snapshots (key, payload, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query, key, string(data))
	return err
}

func (r *PostgresSnapshotStore) Delete(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM auth_snapshots WHERE key = $1`, key)
	return err
}
