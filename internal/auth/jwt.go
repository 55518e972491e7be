package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultFileTokenExpiry bounds how long a file token stays usable.
const DefaultFileTokenExpiry = 2 * time.Minute

// FileTokenService signs and verifies tokens that grant a single file read.
// The signing key is the serving process's auth token, so only parties that
// know it can mint a token.
type FileTokenService struct {
	secret []byte
	expiry time.Duration
}

// NewFileTokenService builds a token helper with the given secret and expiry.
func NewFileTokenService(secret string, expiry time.Duration) *FileTokenService {
	if expiry <= 0 {
		expiry = DefaultFileTokenExpiry
	}
	return &FileTokenService{secret: []byte(secret), expiry: expiry}
}

// FileClaims scopes a token to one path.
type FileClaims struct {
	Path string `json:"path"`
	jwt.RegisteredClaims
}

// Issue returns a signed token allowing path to be read by subject.
func (s *FileTokenService) Issue(subject, path string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path required")
	}
	now := time.Now()
	claims := FileClaims{
		Path: path,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses token and checks that it grants path.
func (s *FileTokenService) Verify(token, path string) (*FileClaims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &FileClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*FileClaims)
	if !ok || !parsed.Valid || claims.Path != path {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
