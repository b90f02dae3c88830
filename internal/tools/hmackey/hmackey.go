// Package hmackey generates event chain signing keys in the environment
// format the engine reads, and rotates existing keyrings.
package hmackey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/louisbranch/sessionstate/internal/services/state/storage/integrity"
)

const defaultBytes = 32

// Config holds configuration for HMAC key generation.
type Config struct {
	Bytes int
	// KeyID, when set, emits a keyring entry instead of a single key.
	KeyID string
	// Existing is a current id=key keyring. The new key is appended to it and
	// becomes active while older ids stay available for verification.
	Existing string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: defaultBytes}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes")
	fs.StringVar(&cfg.KeyID, "key-id", "", "emit a keyring entry with this key id")
	fs.StringVar(&cfg.Existing, "rotate", "", "existing SESSIONSTATE_EVENT_HMAC_KEYS value to append the new key to")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the key and writes the environment lines to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	keyID := strings.TrimSpace(cfg.KeyID)
	if strings.ContainsAny(keyID, "=,") {
		return fmt.Errorf("key id %q must not contain '=' or ','", keyID)
	}
	existing := strings.TrimSpace(cfg.Existing)
	if existing != "" {
		if keyID == "" {
			return errors.New("rotation requires -key-id")
		}
		if keyringHasID(existing, keyID) {
			return fmt.Errorf("key id %q already exists in the keyring", keyID)
		}
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	key := hex.EncodeToString(buf)

	if keyID == "" {
		if _, err := integrity.ParseKeyring("", key, ""); err != nil {
			return fmt.Errorf("check key: %w", err)
		}
		_, err := fmt.Fprintf(out, "SESSIONSTATE_EVENT_HMAC_KEY=%s\n", key)
		return err
	}

	spec := keyID + "=" + key
	if existing != "" {
		spec = strings.TrimRight(existing, ",") + "," + spec
	}
	if _, err := integrity.ParseKeyring(spec, "", keyID); err != nil {
		return fmt.Errorf("check keyring: %w", err)
	}
	_, err := fmt.Fprintf(out, "SESSIONSTATE_EVENT_HMAC_KEYS=%s\nSESSIONSTATE_EVENT_HMAC_KEY_ID=%s\n", spec, keyID)
	return err
}

func keyringHasID(spec, keyID string) bool {
	for _, entry := range strings.Split(spec, ",") {
		id, _, _ := strings.Cut(strings.TrimSpace(entry), "=")
		if strings.TrimSpace(id) == keyID {
			return true
		}
	}
	return false
}
