package integrity

import (
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Keyring holds the root HMAC keys by id. New chains are signed with the
// active key; retired keys stay for verification.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewKeyring constructs a keyring. activeKeyID must name one of keys.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hmac keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active hmac key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active hmac key id is not configured")
	}
	copied := make(map[string][]byte, len(keys))
	for keyID, key := range keys {
		copied[keyID] = append([]byte(nil), key...)
	}
	return &Keyring{keys: copied, activeKeyID: activeKeyID}, nil
}

// ActiveKeyID returns the configured signing key id.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// ForEntity returns a signer for one entity's chain. Root keys are
// expanded with HKDF into per-entity keys, so a signature made for one
// entity never verifies for another.
func (k *Keyring) ForEntity(entityID string) (*ChainSigner, error) {
	if k == nil {
		return nil, fmt.Errorf("hmac keyring is not configured")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	return &ChainSigner{ring: k, entityID: entityID, derived: make(map[string][]byte, 1)}, nil
}

// ChainSigner signs and verifies chain hashes of a single entity. Derived
// keys are cached for the signer's lifetime. It is not safe for concurrent
// use.
type ChainSigner struct {
	ring     *Keyring
	entityID string
	derived  map[string][]byte
}

// EntityID returns the entity the signer is bound to.
func (s *ChainSigner) EntityID() string {
	return s.entityID
}

// Sign signs chainHash with the active key and returns the signature with
// the id of the key that produced it.
func (s *ChainSigner) Sign(chainHash string) (string, string, error) {
	keyID := s.ring.activeKeyID
	key, err := s.key(keyID)
	if err != nil {
		return "", "", err
	}
	return hmacSHA256Hex(key, chainHash), keyID, nil
}

// Verify checks a signature made by any key of the ring.
func (s *ChainSigner) Verify(chainHash, signature, keyID string) error {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("signature key id is required")
	}
	key, err := s.key(keyID)
	if err != nil {
		return err
	}
	expected := hmacSHA256Hex(key, chainHash)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (s *ChainSigner) key(keyID string) ([]byte, error) {
	if key, ok := s.derived[keyID]; ok {
		return key, nil
	}
	rootKey, ok := s.ring.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("hmac key id %q is unknown", keyID)
	}
	key, err := hkdf.Key(sha256.New, rootKey, nil, "entity:"+s.entityID, 32)
	if err != nil {
		return nil, fmt.Errorf("derive entity key: %w", err)
	}
	s.derived[keyID] = key
	return key, nil
}

func hmacSHA256Hex(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
