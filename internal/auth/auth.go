// Package auth issues and checks the credentials processes use to talk to
// each other: shared bearer tokens and short-lived per-file JWTs.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
)

// TokenMatches compares a presented bearer token with the expected one in
// constant time. An empty expected token never matches.
func TokenMatches(expected, presented string) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false
	}
	a := sha256.Sum256([]byte(expected))
	b := sha256.Sum256([]byte(strings.TrimSpace(presented)))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
