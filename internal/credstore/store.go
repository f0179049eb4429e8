package credstore

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// credentialsKey is the single storage key (keyring account / file stem)
// under which the credential set lives. One bridge process, one identity.
const credentialsKey = "credentials"

// Store is the credential store facade: a backend chosen once at startup
// plus typed access to the persisted credential set.
type Store struct {
	backend Backend
	logger  *zap.Logger
}

// Open probes the available backends and returns a ready store. In
// automated environments the keyring is skipped unconditionally; otherwise
// it is preferred, with the encrypted file as fallback on any probe
// failure. A legacy plaintext token file, if present, is migrated once.
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	backend, err := selectBackend(dataDir, logger)
	if err != nil {
		return nil, err
	}

	store := &Store{backend: backend, logger: logger.Named("credstore")}
	store.migrateLegacy(dataDir)
	return store, nil
}

// NewWithBackend wires a store over an explicit backend. Used by tests and
// by callers that already ran backend selection.
func NewWithBackend(backend Backend, logger *zap.Logger) *Store {
	return &Store{backend: backend, logger: logger.Named("credstore")}
}

func selectBackend(dataDir string, logger *zap.Logger) (Backend, error) {
	if AutomatedEnvironment() {
		logger.Info("Automated environment detected - skipping OS keyring",
			zap.String("backend", "encrypted-file"))
		return NewEncryptedFileBackend(dataDir)
	}

	kr := NewKeyringBackend()
	if err := kr.Probe(); err != nil {
		logger.Warn("OS keyring unavailable - falling back to encrypted file",
			zap.Error(err))
		return NewEncryptedFileBackend(dataDir)
	}

	logger.Debug("Using OS keyring credential backend")
	return kr, nil
}

// BackendName reports which storage tier was selected.
func (s *Store) BackendName() string { return s.backend.Name() }

// Credentials loads the persisted credential set. A missing entry yields an
// empty set, never an error; corrupt data is logged and treated as missing.
func (s *Store) Credentials() (*Credentials, error) {
	data, found, err := s.backend.Load(credentialsKey)
	if err != nil {
		// Corrupt ciphertext or an unreadable entry must not brick the
		// bridge; the user re-authenticates instead.
		s.logger.Warn("Failed to load stored credentials - treating as empty",
			zap.String("backend", s.backend.Name()),
			zap.Error(err))
		return emptyCredentials(), nil
	}
	if !found {
		return emptyCredentials(), nil
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		s.logger.Warn("Stored credentials are not valid JSON - treating as empty",
			zap.Error(err))
		return emptyCredentials(), nil
	}
	if creds.Providers == nil {
		creds.Providers = make(map[string]*TokenSet)
	}
	return &creds, nil
}

// SaveCredentials persists the credential set through the active backend.
func (s *Store) SaveCredentials(creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := s.backend.Save(credentialsKey, data); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Clear removes the persisted credential set (logout).
func (s *Store) Clear() error {
	return s.backend.Delete(credentialsKey)
}

// SaveBridgeToken replaces the bridge TokenSet, stamping SavedAt.
func (s *Store) SaveBridgeToken(token *TokenSet) error {
	creds, _ := s.Credentials()
	if token != nil && token.SavedAt.IsZero() {
		token.SavedAt = time.Now()
	}
	creds.Bridge = token
	return s.SaveCredentials(creds)
}

// BridgeToken returns the stored bridge TokenSet, or nil.
func (s *Store) BridgeToken() *TokenSet {
	creds, _ := s.Credentials()
	return creds.Bridge
}

// InvalidateBridgeToken drops the bridge TokenSet but keeps the client
// registration; the next authorization reuses the registered client.
func (s *Store) InvalidateBridgeToken() error {
	creds, _ := s.Credentials()
	if creds.Bridge == nil {
		return nil
	}
	creds.Bridge = nil
	return s.SaveCredentials(creds)
}

// Registration returns the stored client registration, or nil.
func (s *Store) Registration() *ClientRegistration {
	creds, _ := s.Credentials()
	return creds.Registration
}

// SaveRegistration persists the client registration. It must be stored
// before any PKCE flow starts and is never regenerated while valid.
func (s *Store) SaveRegistration(reg *ClientRegistration) error {
	creds, _ := s.Credentials()
	if reg != nil && reg.IssuedAt.IsZero() {
		reg.IssuedAt = time.Now()
	}
	creds.Registration = reg
	return s.SaveCredentials(creds)
}

// ProviderToken returns the stored TokenSet for a provider, or nil.
func (s *Store) ProviderToken(provider string) *TokenSet {
	creds, _ := s.Credentials()
	return creds.Providers[provider]
}

// SaveProviderToken stores a provider TokenSet.
func (s *Store) SaveProviderToken(provider string, token *TokenSet) error {
	creds, _ := s.Credentials()
	if token != nil && token.SavedAt.IsZero() {
		token.SavedAt = time.Now()
	}
	creds.Providers[provider] = token
	return s.SaveCredentials(creds)
}

func emptyCredentials() *Credentials {
	return &Credentials{Providers: make(map[string]*TokenSet)}
}
