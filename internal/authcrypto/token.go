package authcrypto

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// tokenRandomBytes is the size of the random component of a session token.
const tokenRandomBytes = 16

// TokenClaims is what a session token binds together.
type TokenClaims struct {
	UserID     string
	LocationID string
	IssuedAt   time.Time
}

// GenerateSessionToken builds
//
//	base64(userId:locationId:timestampMillis:randomHex:sha256Hex(userId:locationId:timestampMillis + randomHex))
//
// An empty locationID is encoded as an empty field. The token is signed, not
// encrypted: anyone holding it can read the user and location ids.
func GenerateSessionToken(userID, locationID string, now time.Time) (string, error) {
	if strings.Contains(userID, ":") || strings.Contains(locationID, ":") {
		return "", fmt.Errorf("session token fields must not contain ':'")
	}
	random, err := GenerateToken(tokenRandomBytes)
	if err != nil {
		return "", err
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	payload := userID + ":" + locationID + ":" + ts
	signature := SHA256Hex(payload + random)
	raw := payload + ":" + random + ":" + signature
	return base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

// ParseSessionToken decodes and checks the signature of a session token. Any
// structural or signature mismatch yields (nil, false); it never panics.
func ParseSessionToken(token string) (*TokenClaims, bool) {
	decoded, err := base64.StdEncoding.Strict().DecodeString(token)
	if err != nil {
		return nil, false
	}
	parts := strings.Split(string(decoded), ":")
	if len(parts) != 5 {
		return nil, false
	}
	userID, locationID, ts, random, signature := parts[0], parts[1], parts[2], parts[3], parts[4]
	if userID == "" || random == "" {
		return nil, false
	}
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || strconv.FormatInt(millis, 10) != ts {
		return nil, false
	}
	expected := SHA256Hex(userID + ":" + locationID + ":" + ts + random)
	if !ConstantTimeEqual(expected, signature) {
		return nil, false
	}
	return &TokenClaims{
		UserID:     userID,
		LocationID: locationID,
		IssuedAt:   time.UnixMilli(millis),
	}, true
}
