package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/khainguyen105/waitlistdup-sub001/internal/authcrypto"
	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/internal/store"
)

// PasswordValidator checks a password against the security policy.
type PasswordValidator interface {
	ValidatePassword(password string) error
}

// SeedAdmin provisions an agency admin when the username is free. It reports
// whether a user was created; an existing username is left untouched.
func SeedAdmin(ctx context.Context, policy PasswordValidator, users store.CredentialWriter, username, password string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return false, errors.New("bootstrap admin username is empty")
	}
	if err := policy.ValidatePassword(password); err != nil {
		return false, fmt.Errorf("bootstrap admin password: %w", err)
	}

	salt, err := authcrypto.GenerateSalt()
	if err != nil {
		return false, err
	}
	hash, err := authcrypto.HashPassword(ctx, password, salt)
	if err != nil {
		return false, err
	}

	err = users.CreateCredential(ctx, domain.Credential{
		User: domain.User{
			ID:          uuid.NewString(),
			Username:    username,
			Role:        domain.RoleAgencyAdmin,
			DisplayName: username,
		},
		PasswordHash: hash,
		Salt:         salt,
	})
	if errors.Is(err, store.ErrDuplicateUsername) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create bootstrap admin: %w", err)
	}
	return true, nil
}
