package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultKeyCost is the bcrypt cost used by HashKey.
const DefaultKeyCost = 12

// APIKey is one accepted key: a label for logs and the audit trail, and the
// bcrypt hash of the secret. The plaintext is never stored.
type APIKey struct {
	Name string `mapstructure:"name" yaml:"name"`
	Hash string `mapstructure:"hash" yaml:"hash"`
}

// HashKey produces the bcrypt hash to put in configuration for key.
func HashKey(key string, cost int) (string, error) {
	if len(key) < 16 {
		return "", errors.New("auth: API key must be at least 16 characters")
	}
	// bcrypt silently ignores input beyond 72 bytes.
	if len(key) > 72 {
		return "", errors.New("auth: API key must be 72 bytes or fewer")
	}
	if cost == 0 {
		cost = DefaultKeyCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing API key: %w", err)
	}
	return string(hashed), nil
}

// KeyStore verifies presented API keys.
//
// bcrypt is deliberately slow (~250ms at cost 12), which is fine once but not
// on every request. A key that verified once is remembered by its SHA-256
// digest, so later requests with the same key skip bcrypt.
type KeyStore struct {
	keys []APIKey

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

// NewKeyStore validates the configured hashes.
func NewKeyStore(keys []APIKey) (*KeyStore, error) {
	for i, k := range keys {
		if strings.TrimSpace(k.Name) == "" {
			return nil, fmt.Errorf("auth: API key #%d has no name", i+1)
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("auth: API key %q: hash is not a bcrypt hash: %w", k.Name, err)
		}
	}
	return &KeyStore{
		keys:     keys,
		verified: make(map[[sha256.Size]byte]string),
	}, nil
}

// Len reports how many keys are configured.
func (s *KeyStore) Len() int {
	return len(s.keys)
}

// Verify returns the name of the key matching presented.
func (s *KeyStore) Verify(presented string) (string, error) {
	if presented == "" {
		return "", errors.New("auth: empty API key")
	}
	digest := sha256.Sum256([]byte(presented))

	s.mu.RLock()
	name, ok := s.verified[digest]
	s.mu.RUnlock()
	if ok {
		return name, nil
	}

	for _, k := range s.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(presented)) == nil {
			s.mu.Lock()
			s.verified[digest] = k.Name
			s.mu.Unlock()
			return k.Name, nil
		}
	}
	return "", errors.New("auth: invalid API key")
}
