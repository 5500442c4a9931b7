package storage

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid signals a download token that failed verification or expired.
var ErrTokenInvalid = errors.New("storage: invalid download token")

// Signer issues and verifies HMAC-signed download URLs for stored objects.
// The token carries only the object key and expiry; possession of the URL is
// the capability.
type Signer struct {
	secret  []byte
	baseURL string
}

// NewSigner builds a signer. baseURL is the public prefix download links are
// rooted at, e.g. "https://api.example.com".
func NewSigner(secret, baseURL string) *Signer {
	return &Signer{secret: []byte(secret), baseURL: baseURL}
}

// SignedURL returns a download URL for key that expires after ttl.
func (s *Signer) SignedURL(key string, ttl time.Duration) (string, time.Time, error) {
	if key == "" {
		return "", time.Time{}, fmt.Errorf("storage: empty object key")
	}

	expires := time.Now().Add(ttl)
	claims := jwt.MapClaims{
		"key": key,
		"exp": expires.Unix(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign download token: %w", err)
	}

	return fmt.Sprintf("%s/download?token=%s", s.baseURL, url.QueryEscape(signed)), expires, nil
}

// Verify checks a download token and returns the object key it grants.
func (s *Signer) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrTokenInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrTokenInvalid
	}
	key, ok := claims["key"].(string)
	if !ok || key == "" {
		return "", ErrTokenInvalid
	}
	return key, nil
}
