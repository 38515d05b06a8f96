// Package session derives deterministic session identifiers so the server can
// verify a client by recomputation instead of storing per-session secrets.
package session

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	sha256 "github.com/minio/sha256-simd"
)

// ID identifies an authenticated session: "{clientID}-{hash}".
type ID string

const none ID = ""

// None is the sentinel for unauthenticated or broadcast contexts.
func None() ID {
	return none
}

// IsNone reports whether id is the sentinel.
func (id ID) IsNone() bool {
	return id == none
}

func (id ID) String() string {
	if id.IsNone() {
		return "<none>"
	}
	return string(id)
}

// ClientID returns the client part of the id.
func (id ID) ClientID() string {
	s := string(id)
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		return s[:i]
	}
	return ""
}

// Create derives the session id for clientID issued at ts with secret.
// Identical inputs always give the identical id.
func Create(clientID string, ts time.Time, secret string) ID {
	sum := sha256.Sum256([]byte(clientID + "-" + ts.UTC().Format(time.RFC3339Nano) + "-" + secret))
	return ID(clientID + "-" + hex.EncodeToString(sum[:]))
}

// Verify recomputes the id and compares it in constant time.
func Verify(id ID, clientID string, ts time.Time, secret string) bool {
	if id.IsNone() {
		return false
	}
	want := Create(clientID, ts, secret)
	return subtle.ConstantTimeCompare([]byte(id), []byte(want)) == 1
}
