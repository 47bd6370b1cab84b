package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongSession = errors.New("token issued for another session")
)

// Claims holds the presenter token claims.
type Claims struct {
	SessionCode string `json:"session_code"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// PresenterTokens issues and verifies HS256 tokens that allow a device to present a session.
type PresenterTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewPresenterTokens creates a token service. An empty secret yields a disabled service.
func NewPresenterTokens(secret string, ttl time.Duration) *PresenterTokens {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &PresenterTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether presenter tokens are required.
func (s *PresenterTokens) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Issue creates a presenter token for the session code.
func (s *PresenterTokens) Issue(code string) (string, error) {
	now := s.now()
	claims := Claims{
		SessionCode: code,
		Role:        "presenter",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a token, returning claims or error.
func (s *PresenterTokens) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Role != "presenter" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize checks that token allows presenting code. It always succeeds when the service is disabled.
func (s *PresenterTokens) Authorize(token, code string) error {
	if !s.Enabled() {
		return nil
	}
	claims, err := s.Validate(token)
	if err != nil {
		return err
	}
	if claims.SessionCode != code {
		return ErrWrongSession
	}
	return nil
}
