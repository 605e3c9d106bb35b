// Package auth verifies and issues the HS256 bearer tokens that identify
// callers of the HTTP and realtime APIs.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"quiz-session-service/internal/domain"
)

// Claims is the token payload. Older tokens carry the user id in "id" rather
// than "sub"; both are accepted.
type Claims struct {
	UserID string `json:"id,omitempty"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// CredentialLedger reports when a user last changed credentials. Tokens
// issued before that moment are rejected.
type CredentialLedger interface {
	CredentialsChangedAt(ctx context.Context, userID string) (time.Time, bool)
}

type Verifier struct {
	secret []byte
	ledger CredentialLedger
	now    func() time.Time
}

func NewVerifier(secret string, ledger CredentialLedger) *Verifier {
	return &Verifier{secret: []byte(secret), ledger: ledger, now: time.Now}
}

// Verify parses a token and returns the caller identity.
func (v *Verifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, domain.ErrUnauthenticated.WithMessage("missing bearer token")
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil || !parsed.Valid {
		return domain.Identity{}, &domain.Error{Kind: domain.KindUnauthorized, Code: "INVALID_TOKEN", Message: "invalid or expired token", Err: err}
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return domain.Identity{}, &domain.Error{Kind: domain.KindUnauthorized, Code: "INVALID_TOKEN", Message: "token has no subject"}
	}

	if v.ledger != nil {
		if changed, ok := v.ledger.CredentialsChangedAt(ctx, userID); ok {
			// iat has second precision
			if claims.IssuedAt == nil || claims.IssuedAt.Time.Before(changed.Truncate(time.Second)) {
				return domain.Identity{}, &domain.Error{Kind: domain.KindUnauthorized, Code: "TOKEN_REVOKED", Message: "token issued before last credential change"}
			}
		}
	}

	role := claims.Role
	if role == "" {
		role = domain.RoleStudent
	}
	return domain.Identity{UserID: userID, Role: role, Name: claims.Name}, nil
}

// Issue signs a token for who, valid for ttl.
func Issue(secret string, who domain.Identity, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: who.UserID,
		Role:   who.Role,
		Name:   who.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   who.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from the Authorization header, falling back
// to the token query parameter browsers use for websocket handshakes.
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type identityKey struct{}

// WithIdentity stores the verified caller in ctx.
func WithIdentity(ctx context.Context, who domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, who)
}

// IdentityFrom returns the caller stored by WithIdentity.
func IdentityFrom(ctx context.Context) (domain.Identity, error) {
	who, ok := ctx.Value(identityKey{}).(domain.Identity)
	if !ok {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	return who, nil
}
