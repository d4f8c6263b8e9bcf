package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// keyStore persists the random key that /key sends.
type keyStore struct {
	path string
}

// load returns the stored key, creating one on first use.
func (k keyStore) load() (string, error) {
	raw, err := os.ReadFile(k.path)
	if err == nil {
		if key := strings.TrimSpace(string(raw)); key != "" {
			return key, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("key: read %s: %w", k.path, err)
	}
	return k.reset()
}

// reset replaces the stored key with a new random one.
func (k keyStore) reset() (string, error) {
	key := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return "", fmt.Errorf("key: %w", err)
	}
	if err := os.WriteFile(k.path, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("key: write %s: %w", k.path, err)
	}
	return key, nil
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".bluetooth-chat", "key")
	}
	return filepath.Join(home, ".bluetooth-chat", "key")
}
