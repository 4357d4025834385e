package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UnauthorizedError indicates a missing, malformed or rejected bearer token.
type UnauthorizedError struct {
	Reason string
}

func (e UnauthorizedError) Error() string {
	if e.Reason == "" {
		return "authentication required"
	}
	return e.Reason
}

// Principal is the verified caller. Token is kept so identity calls can be made on the caller's behalf.
type Principal struct {
	UserID    string
	Email     string
	Role      string
	Token     string
	ExpiresAt time.Time
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Verifier checks HS256 access tokens issued by the identity provider.
type Verifier struct {
	Secret   string
	Issuer   string
	Audience string
}

func (v Verifier) Verify(token string) (Principal, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, UnauthorizedError{Reason: "authentication required"}
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	claims := &Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, UnauthorizedError{Reason: "token expired"}
		}
		return Principal{}, UnauthorizedError{Reason: "invalid token"}
	}
	if !parsed.Valid {
		return Principal{}, UnauthorizedError{Reason: "invalid token"}
	}
	if claims.Subject == "" {
		return Principal{}, UnauthorizedError{Reason: "subject claim required"}
	}
	return Principal{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// MintDevToken signs a short-lived token shaped like the provider's, for local use and tests.
func MintDevToken(v Verifier, userID, email string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    v.Issuer,
		},
		Email: email,
		Role:  "authenticated",
	}
	if v.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}
