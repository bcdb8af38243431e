package session

import (
	"fmt"
	"log/slog"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "mcp-gateway"
	// defaultSessionDuration bounds how long a generated session id JWT
	// remains cryptographically valid; in practice the Manager reaps well
	// before this on IDLE_TTL.
	defaultSessionDuration = 24 * time.Hour
)

// idClaims are the claims carried in a session-id JWT. The gateway does
// not authenticate end users (spec §1 Non-goals); the token only needs
// to be opaque, unguessable, and verifiably gateway-issued.
type idClaims struct {
	jwt.RegisteredClaims
}

// IDManager mints and validates session ids as signed JWTs, adapted from
// the teacher's JWTManager (internal/session/jwt.go) narrowed to id
// generation/validation: the teacher's Generate/Validate/Terminate trio
// bound itself directly to mcp-go's server.SessionIdManager interface
// and a Deleter-backed cache eviction callback, which doesn't apply here
// since the gateway owns its own Manager/registry rather than delegating
// session lifecycle to mcp-go's server package.
type IDManager struct {
	signingKey []byte
	duration   time.Duration
	logger     *slog.Logger
}

// NewIDManager constructs an IDManager. signingKey must be non-empty.
func NewIDManager(signingKey string, logger *slog.Logger) (*IDManager, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("session: no signing key provided")
	}
	return &IDManager{
		signingKey: []byte(signingKey),
		duration:   defaultSessionDuration,
		logger:     logger,
	}, nil
}

// Generate returns a freshly signed session id.
func (m *IDManager) Generate() (string, error) {
	now := time.Now()
	claims := idClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		m.logger.Error("failed to generate session id", "error", err)
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return signed, nil
}

// Validate reports whether id is a well-formed, unexpired, gateway-signed
// session id.
func (m *IDManager) Validate(id string) (bool, error) {
	token, err := jwt.ParseWithClaims(id, &idClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return false, fmt.Errorf("session: parse id: %w", err)
	}
	return token.Valid, nil
}
