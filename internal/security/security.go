// Package security covers webhook signature verification and API key
// lifecycle. Signatures are HMAC-SHA256 over the raw body, optionally
// salted with the request timestamp; keys are stored as salted SHA-256
// hashes and compared in constant time.
package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

var (
	// ErrBadSignature reports a missing or non-matching webhook signature.
	ErrBadSignature = errors.New("security: signature mismatch")
	// ErrStaleTimestamp reports a signed timestamp outside the tolerance.
	ErrStaleTimestamp = errors.New("security: timestamp outside tolerance")
	// ErrUnknownKey reports a bearer token with no active key row.
	ErrUnknownKey = errors.New("security: unknown api key")
)

const signaturePrefix = "sha256="

// Verifier checks webhook signatures for one source.
type Verifier struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier builds a verifier with the given shared secret and timestamp
// tolerance.
func NewVerifier(secret string, skew time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), skew: skew, now: time.Now}
}

// Sign computes the "sha256=<hex>" signature for a body. A non-empty
// timestamp salts the MAC input as "<timestamp>.<body>".
func (v *Verifier) Sign(body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, v.secret)
	if timestamp != "" {
		mac.Write([]byte(timestamp))
		mac.Write([]byte("."))
	}
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the presented signature against the body. When a timestamp
// is supplied it must parse as unix seconds within the skew window, and it
// salts the MAC input. Comparison is constant time.
func (v *Verifier) Verify(body []byte, signature, timestamp string) error {
	if timestamp != "" {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: unparseable timestamp", ErrStaleTimestamp)
		}
		if delta := v.now().Sub(time.Unix(ts, 0)); delta > v.skew || delta < -v.skew {
			return ErrStaleTimestamp
		}
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return ErrBadSignature
	}
	expected := v.Sign(body, timestamp)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// HashKey produces the at-rest form of a raw key: hex SHA-256 of raw+salt.
func HashKey(raw, salt string) string {
	sum := sha256.Sum256([]byte(raw + salt))
	return hex.EncodeToString(sum[:])
}

// KeyStore is the ledger surface KeyManager needs.
type KeyStore interface {
	InsertAPIKey(ctx context.Context, key *schema.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*schema.APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID)
	ExpireAPIKey(ctx context.Context, name string, at time.Time) error
	RevokeAPIKey(ctx context.Context, name string) error
	ListAPIKeys(ctx context.Context) ([]schema.APIKey, error)
}

// KeyManager mints and resolves API keys.
type KeyManager struct {
	store KeyStore
	salt  string
	now   func() time.Time
}

// NewKeyManager builds a manager over the ledger key table.
func NewKeyManager(store KeyStore, salt string) *KeyManager {
	return &KeyManager{store: store, salt: salt, now: time.Now}
}

// Create mints a key, stores its hash, and returns the raw value. The raw
// key is shown exactly once; it cannot be recovered later.
func (m *KeyManager) Create(ctx context.Context, name string, role schema.Role, description, createdBy string) (raw string, key *schema.APIKey, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("key entropy: %w", err)
	}
	raw = "aurea_" + hex.EncodeToString(buf)
	key = &schema.APIKey{
		ID:        uuid.New(),
		KeyHash:   HashKey(raw, m.salt),
		Name:      name,
		Role:      role,
		Descr:     description,
		Active:    true,
		CreatedAt: m.now().UTC(),
		CreatedBy: createdBy,
	}
	if err := m.store.InsertAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// Rotate mints a replacement key under the same name and schedules the old
// one to expire after the overlap window.
func (m *KeyManager) Rotate(ctx context.Context, name string, role schema.Role, overlap time.Duration, createdBy string) (string, *schema.APIKey, error) {
	if err := m.store.ExpireAPIKey(ctx, name, m.now().Add(overlap)); err != nil {
		return "", nil, fmt.Errorf("expire old key: %w", err)
	}
	return m.Create(ctx, name, role, "rotated", createdBy)
}

// Revoke deactivates all keys under a name immediately.
func (m *KeyManager) Revoke(ctx context.Context, name string) error {
	return m.store.RevokeAPIKey(ctx, name)
}

// Resolve maps a presented raw key to its stored row, recording usage.
func (m *KeyManager) Resolve(ctx context.Context, raw string) (*schema.APIKey, error) {
	if raw == "" {
		return nil, ErrUnknownKey
	}
	key, err := m.store.GetAPIKeyByHash(ctx, HashKey(raw, m.salt))
	if err != nil {
		return nil, ErrUnknownKey
	}
	m.store.TouchAPIKey(ctx, key.ID)
	return key, nil
}
