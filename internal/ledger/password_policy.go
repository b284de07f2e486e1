package ledger

import (
	"errors"
	"fmt"
	"regexp"
)

var specialCharPattern = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>/?~` + "`" + `]`)

// ErrWeakPassword wraps every password policy violation.
var ErrWeakPassword = errors.New("password does not meet policy")

// ValidatePassword checks password against the current minimum length and
// special character requirement.
func (l *Ledger) ValidatePassword(password string) error {
	settings := l.Settings()
	if len(password) < settings.PasswordMinLength {
		return fmt.Errorf("%w: must be at least %d characters long", ErrWeakPassword, settings.PasswordMinLength)
	}
	if settings.RequireSpecialChars && !specialCharPattern.MatchString(password) {
		return fmt.Errorf("%w: must contain at least one special character", ErrWeakPassword)
	}
	return nil
}
