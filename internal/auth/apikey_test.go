package auth

import (
	"testing"
)

const testKey = "rbx_0123456789abcdef"

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	hash, err := HashKey(testKey, 4)
	if err != nil {
		t.Fatalf("HashKey() error = %v", err)
	}
	store, err := NewKeyStore([]APIKey{{Name: "webapp", Hash: hash}})
	if err != nil {
		t.Fatalf("NewKeyStore() error = %v", err)
	}
	return store
}

func TestHashKey_Length(t *testing.T) {
	if _, err := HashKey("short", 4); err == nil {
		t.Error("HashKey() accepted a short key")
	}
	long := make([]byte, 73)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := HashKey(string(long), 4); err == nil {
		t.Error("HashKey() accepted a key longer than 72 bytes")
	}
}

func TestVerify(t *testing.T) {
	store := newTestKeyStore(t)

	name, err := store.Verify(testKey)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if name != "webapp" {
		t.Errorf("Verify() = %q, want webapp", name)
	}

	// Second call is served from the cache.
	name, err = store.Verify(testKey)
	if err != nil || name != "webapp" {
		t.Errorf("cached Verify() = %q, %v", name, err)
	}
	if len(store.verified) != 1 {
		t.Errorf("cache has %d entries, want 1", len(store.verified))
	}
}

func TestVerify_Wrong(t *testing.T) {
	store := newTestKeyStore(t)

	if _, err := store.Verify("rbx_wrong_wrong_wrong"); err == nil {
		t.Error("Verify() accepted a wrong key")
	}
	if _, err := store.Verify(""); err == nil {
		t.Error("Verify() accepted an empty key")
	}
	if len(store.verified) != 0 {
		t.Error("failed verification was cached")
	}
}

func TestNewKeyStore_Invalid(t *testing.T) {
	if _, err := NewKeyStore([]APIKey{{Name: "x", Hash: "plaintext"}}); err == nil {
		t.Error("NewKeyStore() accepted a non-bcrypt hash")
	}
	if _, err := NewKeyStore([]APIKey{{Name: " ", Hash: "$2a$04$abc"}}); err == nil {
		t.Error("NewKeyStore() accepted an unnamed key")
	}
}
