// Package session issues and validates the gateway session token. The
// plaintext token is returned exactly once at issue time; only its
// SHA-256 hash is stored, so a captured database never yields a working
// token.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
)

const tokenBytes = 32

// TokenStore persists the hash of the single active token.
type TokenStore interface {
	SaveSessionToken(hash string) error
	LoadSessionToken() (string, error)
}

// Manager issues, rotates, and validates session tokens.
type Manager struct {
	store TokenStore
	log   *logging.Logger
}

// NewManager wires a manager to its token store.
func NewManager(store TokenStore, log *logging.Logger) *Manager {
	return &Manager{store: store, log: log.WithComponent("session")}
}

// Issue generates a fresh token, stores its hash, and returns the
// plaintext. Any previously issued token stops validating immediately.
func (m *Manager) Issue() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	token := "tw_" + hex.EncodeToString(buf)
	if err := m.store.SaveSessionToken(hashToken(token)); err != nil {
		return "", err
	}
	m.log.InfoEvent().Msg("session token rotated")
	return token, nil
}

// Ensure issues a token only when none exists yet. When one was already
// issued the returned token is empty; the plaintext is unrecoverable.
func (m *Manager) Ensure() (string, bool, error) {
	_, err := m.store.LoadSessionToken()
	if err == nil {
		return "", false, nil
	}
	if !fault.IsKind(err, fault.NotFound) {
		return "", false, err
	}
	token, err := m.Issue()
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// Validate checks a presented token against the stored hash.
func (m *Manager) Validate(token string) error {
	stored, err := m.store.LoadSessionToken()
	if fault.IsKind(err, fault.NotFound) {
		return fault.Validationf("no session token issued")
	}
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashToken(token))) != 1 {
		return fault.Validationf("invalid session token")
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
