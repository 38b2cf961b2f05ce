/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// key is a registered encryption key. At most one key is active at a time.
type key struct {
	id        string
	material  []byte
	algorithm string
	createdAt time.Time
	expiresAt time.Time
	active    bool
}

func (k *key) expired() bool {
	return !k.expiresAt.IsZero() && time.Now().After(k.expiresAt)
}

// Service performs authenticated encryption with keyed rotation. Safe for
// concurrent use; the registry is mutated only by Initialize, RotateKey, and
// CleanupExpiredKeys.
type Service struct {
	mu             sync.RWMutex
	keys           map[string]*key
	activeID       string
	enabled        bool
	rotationPeriod time.Duration
	log            *zap.SugaredLogger
}

// New creates a Service from cfg. With encryption enabled and no master key,
// production fails fast; development and testing generate a random 32-byte
// key with a prominent warning.
func New(cfg Config, log *zap.SugaredLogger) (*Service, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	switch cfg.Algorithm {
	case "", AlgorithmAESGCM, AlgorithmSecretbox:
		// secretbox is a legacy alias; only AES-256-GCM is implemented.
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrEncryptionFailed, cfg.Algorithm)
	}

	s := &Service{
		keys:           make(map[string]*key),
		enabled:        cfg.Enabled,
		rotationPeriod: cfg.RotationPeriod,
		log:            log,
	}

	if !cfg.Enabled {
		return s, nil
	}

	master := cfg.MasterKey
	if len(master) == 0 {
		if cfg.Environment == EnvProduction {
			return nil, ErrMasterKeyRequired
		}
		master = make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, master); err != nil {
			return nil, fmt.Errorf("%w: failed to generate key: %v", ErrEncryptionFailed, err)
		}
		log.Warnw("no master key configured, generated a random key; stored state will be unreadable after restart",
			"environment", cfg.Environment)
	}

	if err := s.Initialize(master); err != nil {
		return nil, err
	}
	return s, nil
}

// Initialize registers the first active key. Input of any length is
// accepted; non-32-byte material is derived to 32 bytes via SHA-256.
func (s *Service) Initialize(master []byte) error {
	return s.register(master)
}

// RotateKey registers a new active key and deactivates the previous one.
func (s *Service) RotateKey(master []byte) error {
	return s.register(master)
}

func (s *Service) register(master []byte) error {
	if len(master) == 0 {
		return fmt.Errorf("%w: empty key material", ErrEncryptionFailed)
	}
	material := deriveKey(master)
	id := KeyIDFor(material)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.keys[s.activeID]; ok {
		prev.active = false
	}
	now := time.Now()
	k := &key{
		id:        id,
		material:  material,
		algorithm: AlgorithmAESGCM,
		createdAt: now,
		active:    true,
	}
	if s.rotationPeriod > 0 {
		k.expiresAt = now.Add(s.rotationPeriod)
	}
	s.keys[id] = k
	s.activeID = id
	return nil
}

// Encrypt seals plaintext with the active key into an envelope carrying a
// fresh random 96-bit nonce. With encryption disabled it returns a zero-nonce
// envelope with KeyID "none" carrying the plaintext verbatim.
func (s *Service) Encrypt(plaintext []byte) (*Envelope, error) {
	if !s.enabled {
		return &Envelope{
			Ciphertext:    plaintext,
			Nonce:         make([]byte, nonceSize),
			KeyID:         KeyIDNone,
			SchemaVersion: SchemaVersion,
			Timestamp:     time.Now().UTC(),
		}, nil
	}

	s.mu.RLock()
	k, ok := s.keys[s.activeID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoActiveKey
	}

	gcm, err := newGCM(k.material)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryptionFailed, err)
	}

	// Seal appends the 16-byte auth tag to the ciphertext.
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		Ciphertext:    ciphertext,
		Nonce:         nonce,
		KeyID:         k.id,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Decrypt opens an envelope. Envelopes with KeyID "none" (or any envelope
// when encryption is disabled) return the ciphertext verbatim; the legacy
// "auto" marker resolves to the currently active key.
func (s *Service) Decrypt(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrDecryptionFailed)
	}
	if env.KeyID == KeyIDNone || !s.enabled {
		return env.Ciphertext, nil
	}

	keyID := env.KeyID
	if keyID == KeyIDAuto {
		s.mu.RLock()
		keyID = s.activeID
		s.mu.RUnlock()
	}

	s.mu.RLock()
	k, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: key %q", ErrKeyNotFound, keyID)
	}
	if k.expired() {
		s.log.Warnw("decrypting with expired key", "keyId", k.id)
	}

	nonce, err := Normalize(env.Nonce, "nonce")
	if err != nil {
		return nil, err
	}
	ciphertext, err := Normalize(env.Ciphertext, "ciphertext")
	if err != nil {
		return nil, err
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: nonce length %d, want %d", ErrDecryptionFailed, len(nonce), nonceSize)
	}
	if len(ciphertext) < tagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than auth tag", ErrDecryptionFailed)
	}

	gcm, err := newGCM(k.material)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return plaintext, nil
}

// CleanupExpiredKeys removes expired, non-active keys and returns how many
// were removed.
func (s *Service) CleanupExpiredKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, k := range s.keys {
		if id == s.activeID || !k.expired() {
			continue
		}
		delete(s.keys, id)
		removed++
	}
	if removed > 0 {
		s.log.Infow("removed expired encryption keys", "count", removed)
	}
	return removed
}

// KeyStats reports registry totals.
func (s *Service) KeyStats() KeyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := KeyStats{Total: len(s.keys), ActiveID: s.activeID}
	for _, k := range s.keys {
		if k.expired() {
			stats.Expired++
		}
	}
	return stats
}

// Enabled reports whether encryption is on.
func (s *Service) Enabled() bool { return s.enabled }

// Healthy reports whether an active, non-expired key exists. A disabled
// service is always healthy.
func (s *Service) Healthy() bool {
	if !s.enabled {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[s.activeID]
	return ok && !k.expired()
}

// KeyIDFor derives the deterministic key id for key material: the first 16
// hex characters of its SHA-256 hash. Identical materials share an id.
func KeyIDFor(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])[:keyIDLen]
}

// deriveKey returns material as-is when it is exactly 32 bytes, otherwise
// its SHA-256 digest.
func deriveKey(master []byte) []byte {
	if len(master) == keySize {
		out := make([]byte, keySize)
		copy(out, master)
		return out
	}
	sum := sha256.Sum256(master)
	return sum[:]
}

func newGCM(material []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("%w: AES cipher creation failed: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: GCM creation failed: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}
