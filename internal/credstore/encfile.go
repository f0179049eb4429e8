package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const gcmTagSize = 16

// EncryptedFileBackend stores credentials as AES-256-GCM ciphertext in the
// data directory. The key is derived from a machine fingerprint, so the
// file is only readable on the machine (and for the user) that wrote it.
// Ciphertext format: hex(iv):hex(authTag):hex(ciphertext).
type EncryptedFileBackend struct {
	dir string
	key []byte
}

// NewEncryptedFileBackend creates the fallback file backend rooted at dir.
func NewEncryptedFileBackend(dir string) (*EncryptedFileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory %s: %w", dir, err)
	}
	return &EncryptedFileBackend{dir: dir, key: deriveMachineKey()}, nil
}

// Name implements Backend.
func (b *EncryptedFileBackend) Name() string { return "encrypted-file" }

func (b *EncryptedFileBackend) path(key string) string {
	return filepath.Join(b.dir, key+".enc")
}

// Load implements Backend. A corrupt or undecryptable file is a genuine
// backend failure; the caller decides whether to treat it as "not found".
func (b *EncryptedFileBackend) Load(key string) ([]byte, bool, error) {
	raw, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read credential file: %w", err)
	}

	plaintext, err := b.decrypt(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, false, fmt.Errorf("decrypt credential file: %w", err)
	}
	return plaintext, true, nil
}

// Save implements Backend.
func (b *EncryptedFileBackend) Save(key string, data []byte) error {
	ciphertext, err := b.encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	if err := os.WriteFile(b.path(key), []byte(ciphertext), 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *EncryptedFileBackend) Delete(key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

func (b *EncryptedFileBackend) encrypt(plaintext []byte) (string, error) {
	gcm, err := b.aead()
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// Seal appends the auth tag; split it back out for the iv:tag:ct format.
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	), nil
}

func (b *EncryptedFileBackend) decrypt(encoded string) ([]byte, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed ciphertext: expected iv:authTag:ciphertext")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed iv: %w", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed auth tag: %w", err)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext body: %w", err)
	}

	gcm, err := b.aead()
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return nil, fmt.Errorf("malformed ciphertext: bad iv or tag length")
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

func (b *EncryptedFileBackend) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveMachineKey hashes a machine fingerprint (sorted network-interface
// hardware addresses plus the user's home directory) into a 32-byte AES key.
func deriveMachineKey() []byte {
	var macs []string
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if addr := iface.HardwareAddr.String(); addr != "" {
				macs = append(macs, addr)
			}
		}
	}
	sort.Strings(macs)

	home, err := os.UserHomeDir()
	if err != nil {
		home = "pulsebridge"
	}

	sum := sha256.Sum256([]byte(strings.Join(macs, ",") + home))
	return sum[:]
}
