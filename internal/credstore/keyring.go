package credstore

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name for keyring entries.
	keyringService = "pulsebridge"
	probeKey       = "_pulsebridge_probe"
)

// KeyringBackend stores credentials in the OS credential manager
// (Keychain, Secret Service, WinCred).
type KeyringBackend struct {
	service string
}

// NewKeyringBackend creates a keyring-backed credential backend.
func NewKeyringBackend() *KeyringBackend {
	return &KeyringBackend{service: keyringService}
}

// Name implements Backend.
func (b *KeyringBackend) Name() string { return "keyring" }

// Load implements Backend.
func (b *KeyringBackend) Load(key string) ([]byte, bool, error) {
	value, err := keyring.Get(b.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("keyring get %s: %w", key, err)
	}
	return []byte(value), true, nil
}

// Save implements Backend.
func (b *KeyringBackend) Save(key string, data []byte) error {
	if err := keyring.Set(b.service, key, string(data)); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *KeyringBackend) Delete(key string) error {
	err := keyring.Delete(b.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}

// Probe verifies the keyring actually works by round-tripping a probe
// entry. Some platforms expose the API but fail at runtime (no session
// bus, locked keychain).
func (b *KeyringBackend) Probe() error {
	if err := keyring.Set(b.service, probeKey, "ok"); err != nil {
		return fmt.Errorf("keyring probe set: %w", err)
	}
	if _, err := keyring.Get(b.service, probeKey); err != nil {
		return fmt.Errorf("keyring probe get: %w", err)
	}
	if err := keyring.Delete(b.service, probeKey); err != nil {
		return fmt.Errorf("keyring probe delete: %w", err)
	}
	return nil
}
