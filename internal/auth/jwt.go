package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "loom-orchestrator"

// ErrInvalidToken covers every bearer token validation failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the bearer token payload.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Manager issues and validates HMAC-signed bearer tokens.
type Manager struct {
	signingKey []byte
	expiry     time.Duration
}

// NewManager builds a token manager. A non-positive expiry defaults to
// one hour.
func NewManager(secret string, expiry time.Duration) *Manager {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Manager{
		signingKey: []byte(secret),
		expiry:     expiry,
	}
}

// IssueToken mints a signed token for the subject. Empty scopes grant the
// full scope set.
func (m *Manager) IssueToken(subject string, scopes []string) (string, error) {
	if len(m.signingKey) == 0 {
		return "", errors.New("no signing key configured")
	}
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// ValidateToken parses and verifies a bearer token and returns the
// principal it encodes.
func (m *Manager) ValidateToken(tokenString string) (*Principal, error) {
	if len(m.signingKey) == 0 {
		return nil, fmt.Errorf("%w: no signing key configured", ErrInvalidToken)
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != tokenIssuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Principal{
		Subject: claims.Subject,
		Method:  "jwt",
		Scopes:  claims.Scopes,
	}, nil
}

// ExtractBearerToken pulls the token out of an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}
