package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// legacyTokenFile is the plaintext token file written by pre-1.0 bridges.
const legacyTokenFile = "tokens.json"

// migrateLegacy moves a plaintext token file into the secure backend. The
// original is backed up alongside its old path and then deleted. Any
// failure here is logged and swallowed: migration must never block startup.
func (s *Store) migrateLegacy(dataDir string) {
	legacyPath := filepath.Join(dataDir, legacyTokenFile)

	raw, err := os.ReadFile(legacyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Legacy token file unreadable - skipping migration",
				zap.String("path", legacyPath), zap.Error(err))
		}
		return
	}

	creds, ok := parseLegacy(raw)
	if !ok {
		s.logger.Warn("Legacy token file is not parseable - leaving it in place",
			zap.String("path", legacyPath))
		return
	}

	if err := s.SaveCredentials(creds); err != nil {
		s.logger.Warn("Failed to migrate legacy tokens into secure storage",
			zap.String("backend", s.backend.Name()), zap.Error(err))
		return
	}

	backupPath := legacyPath + ".backup"
	if err := os.WriteFile(backupPath, raw, 0o600); err != nil {
		s.logger.Warn("Failed to write legacy token backup",
			zap.String("path", backupPath), zap.Error(err))
		return
	}
	if err := os.Remove(legacyPath); err != nil {
		s.logger.Warn("Failed to remove legacy plaintext token file",
			zap.String("path", legacyPath), zap.Error(err))
		return
	}

	s.logger.Info("Migrated legacy plaintext tokens to secure storage",
		zap.String("backend", s.backend.Name()),
		zap.String("backup", backupPath))
}

// parseLegacy accepts both legacy shapes: the full credential set, or a
// bare bridge TokenSet at the top level.
func parseLegacy(raw []byte) (*Credentials, bool) {
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err == nil &&
		(creds.Bridge != nil || creds.Registration != nil || len(creds.Providers) > 0) {
		if creds.Providers == nil {
			creds.Providers = make(map[string]*TokenSet)
		}
		return &creds, true
	}

	var token TokenSet
	if err := json.Unmarshal(raw, &token); err == nil && token.AccessToken != "" {
		return &Credentials{
			Bridge:    &token,
			Providers: make(map[string]*TokenSet),
		}, true
	}

	return nil, false
}
