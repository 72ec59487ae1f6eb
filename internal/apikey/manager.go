// Package apikey issues and validates gateway credentials.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/modelrelay/modelrelay/internal/store"
)

const (
	keyPrefix    = "mr_"
	keyRandBytes = 32
	// prefixLen is keyPrefix plus 8 hex chars; stored alongside the hash
	// so validation only bcrypt-compares keys sharing the prefix.
	prefixLen  = len(keyPrefix) + 8
	bcryptCost = 10
	cacheTTL   = 5 * time.Minute
)

var (
	ErrInvalidKey  = errors.New("invalid api key")
	ErrKeyDisabled = errors.New("api key disabled")
)

// hashForBcrypt pre-hashes a key with SHA-256 to stay within bcrypt's 72-byte limit.
func hashForBcrypt(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(h[:]))
}

type cachedKey struct {
	record    *store.APIKeyRecord
	expiresAt time.Time
}

// Manager handles API key generation and validation.
type Manager struct {
	repo store.APIKeyRepo

	mu    sync.RWMutex
	cache map[string]cachedKey // plaintext key -> cached record
}

func NewManager(repo store.APIKeyRepo) *Manager {
	return &Manager{
		repo:  repo,
		cache: make(map[string]cachedKey),
	}
}

// Generate creates a new API key, stores its bcrypt hash, and returns the
// plaintext key exactly once.
func (m *Manager) Generate(ctx context.Context, name string) (string, *store.APIKeyRecord, error) {
	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("bcrypt hash: %w", err)
	}

	rec := &store.APIKeyRecord{
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: plaintext[:prefixLen],
		Active:    true,
	}
	if err := m.repo.CreateAPIKey(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return plaintext, rec, nil
}

// Validate checks a plaintext API key and returns the associated record.
// A short TTL cache avoids bcrypt on every request; lookups only compare
// against keys sharing the 8-char prefix.
func (m *Manager) Validate(ctx context.Context, keyString string) (*store.APIKeyRecord, error) {
	if len(keyString) < prefixLen || keyString[:len(keyPrefix)] != keyPrefix {
		return nil, ErrInvalidKey
	}

	m.mu.RLock()
	if cached, ok := m.cache[keyString]; ok && time.Now().Before(cached.expiresAt) {
		m.mu.RUnlock()
		if !cached.record.Active {
			return nil, ErrKeyDisabled
		}
		return cached.record, nil
	}
	m.mu.RUnlock()

	candidates, err := m.repo.GetAPIKeysByPrefix(ctx, keyString[:prefixLen])
	if err != nil {
		return nil, fmt.Errorf("lookup keys: %w", err)
	}

	for i := range candidates {
		k := &candidates[i]
		if err := bcrypt.CompareHashAndPassword([]byte(k.KeyHash), hashForBcrypt(keyString)); err != nil {
			continue
		}
		if !k.Active {
			return nil, ErrKeyDisabled
		}

		now := time.Now().UTC()
		k.LastUsedAt = &now
		_ = m.repo.TouchAPIKey(ctx, k.ID, now)

		m.mu.Lock()
		m.cache[keyString] = cachedKey{record: k, expiresAt: time.Now().Add(cacheTTL)}
		m.mu.Unlock()

		return k, nil
	}
	return nil, ErrInvalidKey
}

// Invalidate drops any cached entries for the given key ID. Call after
// disabling or deleting a key so stale cache hits cannot authenticate.
func (m *Manager) Invalidate(id int64) {
	m.mu.Lock()
	for k, v := range m.cache {
		if v.record.ID == id {
			delete(m.cache, k)
		}
	}
	m.mu.Unlock()
}
