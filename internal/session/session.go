// Package session stores dial session state keyed by an opaque capability
// token. Every write bumps Session.Version and notifies the Broker.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"dialbridge/internal/models"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
	// ErrConflict is returned once optimistic retries are exhausted.
	ErrConflict = errors.New("session write conflict")
)

// Mutator edits a private copy of the session. Returning an error aborts the
// write.
type Mutator func(*models.Session) error

type Store interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, token string) (*models.Session, error)
	// Update applies fn atomically with respect to other writers of the same
	// token and returns the stored result.
	Update(ctx context.Context, token string, fn Mutator) (*models.Session, error)
}

// NewToken returns 32 random bytes, URL-safe base64 without padding.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
