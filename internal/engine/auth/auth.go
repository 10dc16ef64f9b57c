package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTTL = time.Hour

var ErrSecretNotConfigured = errors.New("jwt secret not configured")

// Claims carries the user and session the token was issued for.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid,omitempty"`
}

// Identity is what a verified token asserts.
type Identity struct {
	UserID    string
	SessionID string
}

// Service signs and verifies HS256 session tokens.
type Service struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sign mints a token for userID and sessionID.
func (s Service) Sign(userID, sessionID string) (string, time.Time, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", time.Time{}, ErrSecretNotConfigured
	}
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("user id required")
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := s.now()
	expires := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		SessionID: sessionID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Parse verifies token and returns the identity it carries.
func (s Service) Parse(token string) (Identity, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return Identity{}, ErrSecretNotConfigured
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.Issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, errors.New("subject claim required")
	}
	return Identity{UserID: claims.Subject, SessionID: claims.SessionID}, nil
}
