// Package id generates compact identifiers for snapshots, events, and archive
// location tokens.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lowercase base32 encoding of a random UUIDv4.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// NewPrefixedID returns NewID prefixed with prefix and an underscore.
func NewPrefixedID(prefix string) (string, error) {
	value, err := NewID()
	if err != nil {
		return "", err
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return value, nil
	}
	return prefix + "_" + value, nil
}
