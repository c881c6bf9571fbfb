package statusapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TokenIssuer is the iss claim of every status API token
	TokenIssuer = "qmsg"
	// DefaultTokenTTL is the lifetime of tokens minted without an explicit TTL
	DefaultTokenTTL = 24 * time.Hour
)

var (
	// ErrNoClient is returned when minting a token without a client id
	ErrNoClient = errors.New("client id cannot be empty")
	// ErrNoToken is returned for an empty Authorization value
	ErrNoToken = errors.New("token cannot be empty")
)

// Claims identify a status API client. The client id travels as the
// registered subject.
type Claims struct {
	Admin bool `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// ClientID returns the subject the token was minted for.
func (c *Claims) ClientID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// TokenAuthority mints and verifies HS256 tokens for one node's status API.
type TokenAuthority struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenAuthority creates an authority signing with secret.
func NewTokenAuthority(secret string) *TokenAuthority {
	return &TokenAuthority{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(TokenIssuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}
}

// Mint issues a token for clientID. ttl <= 0 selects DefaultTokenTTL.
func (a *TokenAuthority) Mint(clientID string, admin bool, ttl time.Duration) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, ErrNoClient
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	expires := now.Add(ttl)
	claims := &Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    TokenIssuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token for %s: %w", clientID, err)
	}
	return signed, expires, nil
}

// Verify checks an Authorization value, with or without the Bearer scheme,
// and returns its claims.
func (a *TokenAuthority) Verify(authorization string) (*Claims, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("invalid token: %w", ErrNoClient)
	}
	return claims, nil
}
