package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey = errors.New("session signing key is empty")
	ErrInvalidToken      = errors.New("invalid or expired token")
)

// Claims identify a Telegram user for the lifetime of one session.
type Claims struct {
	jwt.RegisteredClaims
	TelegramID string `json:"telegramId"`
	Username   string `json:"username,omitempty"`
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewIssuer(key string, ttl time.Duration) (*Issuer, error) {
	if key == "" {
		return nil, ErrMissingSigningKey
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{key: []byte(key), ttl: ttl, now: time.Now}, nil
}

func (i *Issuer) Issue(telegramID, username string) (token string, expiresAt time.Time, err error) {
	now := i.now()
	expiresAt = now.Add(i.ttl)
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   telegramID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TelegramID: telegramID,
		Username:   username,
	})
	token, err = t.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify returns the claims of a valid, unexpired token. Every failure is
// reported as ErrInvalidToken.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TelegramID == "" {
		claims.TelegramID = claims.Subject
	}
	if claims.TelegramID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
