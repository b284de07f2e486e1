/**
 * @description
 * Cryptographic primitives for credentials and session tokens: salted PBKDF2-SHA512
 * derivation for passwords and PINs, constant-time comparison, random salts, tokens
 * and PINs, and the signed (not encrypted) session token format.
 *
 * @dependencies
 * - golang.org/x/crypto/pbkdf2: key derivation.
 */
package authcrypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltBytes is the number of random bytes in a salt before hex encoding.
	SaltBytes = 32
	// Iterations is the PBKDF2 work factor.
	Iterations = 100000
	// KeyBytes is the derived key length.
	KeyBytes = 64
)

// GenerateSalt returns SaltBytes of secure randomness, hex encoded.
func GenerateSalt() (string, error) {
	return GenerateToken(SaltBytes)
}

// GenerateToken returns length random bytes as a hex string.
func GenerateToken(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", length)
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GeneratePin returns a uniformly random numeric string of the given length.
// Guessing resistance comes from the lockout policy, not from the PIN itself.
func GeneratePin(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("pin length must be positive, got %d", length)
	}
	ten := big.NewInt(10)
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("read random digit: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

// HashPassword derives a hex encoded key from secret and a hex salt.
func HashPassword(ctx context.Context, secret, salt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	key := pbkdf2.Key([]byte(secret), saltBytes, Iterations, KeyBytes, sha512.New)
	return hex.EncodeToString(key), nil
}

// HashPin is HashPassword; a PIN is a short password.
func HashPin(ctx context.Context, pin, salt string) (string, error) {
	return HashPassword(ctx, pin, salt)
}

// VerifyPassword recomputes the derivation and compares in constant time.
func VerifyPassword(ctx context.Context, secret, hash, salt string) (bool, error) {
	computed, err := HashPassword(ctx, secret, salt)
	if err != nil {
		return false, err
	}
	return ConstantTimeEqual(computed, hash), nil
}

// VerifyPin is VerifyPassword for PINs.
func VerifyPin(ctx context.Context, pin, hash, salt string) (bool, error) {
	return VerifyPassword(ctx, pin, hash, salt)
}

// ConstantTimeEqual compares a and b without short-circuiting on the first
// differing byte. Inputs of different length are never equal.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
