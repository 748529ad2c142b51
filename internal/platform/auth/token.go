package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenRequest describes a token to mint with IssueToken.
type TokenRequest struct {
	Subject  string
	Name     string
	Role     Role
	MRN      int64
	Issuer   string
	Audience string
	TTL      time.Duration
}

// IssueToken signs an HS256 token for local development and tests. Production
// deployments verify tokens from an external identity provider instead.
func IssueToken(key []byte, req TokenRequest, now time.Time) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("signing key is required")
	}
	if req.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if req.Role == RolePatient && req.MRN <= 0 {
		return "", fmt.Errorf("patient tokens need a medical record number")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   req.Subject,
			Issuer:    req.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: req.Name,
		Role: string(req.Role),
		MRN:  req.MRN,
	}
	if req.Audience != "" {
		claims.Audience = jwt.ClaimStrings{req.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
