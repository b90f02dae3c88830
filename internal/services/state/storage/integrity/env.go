package integrity

import (
	"fmt"
	"os"
	"strings"
)

const (
	envHMACKeys  = "SESSIONSTATE_EVENT_HMAC_KEYS"
	envHMACKey   = "SESSIONSTATE_EVENT_HMAC_KEY"
	envHMACKeyID = "SESSIONSTATE_EVENT_HMAC_KEY_ID"
	defaultKeyID = "v1"
)

// KeyringFromEnv loads the HMAC keyring from environment variables.
func KeyringFromEnv() (*Keyring, error) {
	return ParseKeyring(os.Getenv(envHMACKeys), os.Getenv(envHMACKey), os.Getenv(envHMACKeyID))
}

// ParseKeyring builds a keyring from a comma separated id=key list, or from
// a single raw key when the list is empty. keyID defaults to "v1".
func ParseKeyring(keySpec, rawKey, keyID string) (*Keyring, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		keyID = defaultKeyID
	}

	keySpec = strings.TrimSpace(keySpec)
	if keySpec == "" {
		raw := strings.TrimSpace(rawKey)
		if raw == "" {
			return nil, fmt.Errorf("%s is required", envHMACKey)
		}
		return NewKeyring(map[string][]byte{keyID: []byte(raw)}, keyID)
	}

	keys := make(map[string][]byte)
	for _, entry := range strings.Split(keySpec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid %s entry", envHMACKeys)
		}
		id := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if id == "" || value == "" {
			return nil, fmt.Errorf("invalid %s entry", envHMACKeys)
		}
		keys[id] = []byte(value)
	}
	return NewKeyring(keys, keyID)
}
