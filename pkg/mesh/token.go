package mesh

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scottdkey/halvor/pkg/types"
)

// defaultTokenTTL bounds how long an issued Join Token remains valid.
const defaultTokenTTL = 15 * time.Minute

// IssueToken mints a new Join Token for the named issuer, valid for
// ttl (defaultTokenTTL if zero). ExpiresAt is whole seconds in UTC, so
// the token survives EncodeToken/DecodeToken unchanged.
func IssueToken(issuerHostname, issuerIP string, issuerPort int, ttl time.Duration) (types.JoinToken, error) {
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	secret, err := GenerateSharedSecret()
	if err != nil {
		return types.JoinToken{}, err
	}
	return types.JoinToken{
		IssuerHostname: issuerHostname,
		IssuerIP:       issuerIP,
		IssuerPort:     issuerPort,
		Secret:         secret,
		ExpiresAt:      time.Now().Add(ttl).UTC().Truncate(time.Second),
	}, nil
}

// EncodeToken renders a Join Token as the base64 string the operator
// copies between hosts.
func EncodeToken(token types.JoinToken) (string, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("marshal join token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeToken reverses EncodeToken.
func DecodeToken(encoded string) (types.JoinToken, error) {
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return types.JoinToken{}, fmt.Errorf("decode join token: %w", err)
	}
	var token types.JoinToken
	if err := json.Unmarshal(data, &token); err != nil {
		return types.JoinToken{}, fmt.Errorf("unmarshal join token: %w", err)
	}
	return token, nil
}

// ValidateToken decodes encoded and rejects it if malformed or
// expired as of now, even if otherwise well-formed.
func ValidateToken(encoded string, now time.Time) (types.JoinToken, error) {
	token, err := DecodeToken(encoded)
	if err != nil {
		return types.JoinToken{}, err
	}
	if token.Expired(now) {
		return types.JoinToken{}, fmt.Errorf("join token expired at %s", token.ExpiresAt.Format(time.RFC3339))
	}
	return token, nil
}

// newPublicKeyFingerprint gives the joiner a short, stable identifier
// derived from a fresh random UUID - used when the caller has no
// overlay-issued public key yet available at join time.
func newPublicKeyFingerprint() string {
	return uuid.NewString()
}
