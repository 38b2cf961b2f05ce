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
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := New(Config{
		Enabled:     true,
		Algorithm:   AlgorithmAESGCM,
		Environment: EnvTesting,
		MasterKey:   []byte("test-master-key"),
	}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return s
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := newTestService(t)
	plaintext := []byte("the quick brown fox")

	env, err := s.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(env.Nonce) != 12 {
		t.Errorf("nonce length = %d, want 12", len(env.Nonce))
	}
	if len(env.Ciphertext) < len(plaintext)+16 {
		t.Errorf("ciphertext too short for payload plus tag: %d", len(env.Ciphertext))
	}
	if env.SchemaVersion != SchemaVersion {
		t.Errorf("schemaVersion = %d", env.SchemaVersion)
	}
	if len(env.KeyID) != 16 {
		t.Errorf("keyId length = %d, want 16", len(env.KeyID))
	}

	got, err := s.Decrypt(env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestNonceFreshness(t *testing.T) {
	s := newTestService(t)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		env, err := s.Encrypt([]byte("p"))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		key := string(env.Nonce)
		if _, dup := seen[key]; dup {
			t.Fatal("nonce repeated")
		}
		seen[key] = struct{}{}
	}
}

func TestDisabledPassthrough(t *testing.T) {
	s, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	plaintext := []byte("in the clear")

	env, err := s.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if env.KeyID != KeyIDNone {
		t.Errorf("keyId = %q, want none", env.KeyID)
	}
	if !bytes.Equal(env.Ciphertext, plaintext) {
		t.Error("disabled encryption must carry plaintext verbatim")
	}
	if !bytes.Equal(env.Nonce, make([]byte, 12)) {
		t.Error("disabled encryption must use a zero nonce")
	}

	got, err := s.Decrypt(env)
	if err != nil || !bytes.Equal(got, plaintext) {
		t.Errorf("passthrough decrypt: %q (%v)", got, err)
	}
}

func TestDecryptNoneKeyIDOnEnabledService(t *testing.T) {
	s := newTestService(t)
	env := &Envelope{Ciphertext: []byte("legacy plaintext"), KeyID: KeyIDNone}
	got, err := s.Decrypt(env)
	if err != nil || string(got) != "legacy plaintext" {
		t.Fatalf("keyId none must pass through: %q (%v)", got, err)
	}
}

func TestDecryptAutoResolvesActiveKey(t *testing.T) {
	s := newTestService(t)
	env, err := s.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	env.KeyID = KeyIDAuto
	got, err := s.Decrypt(env)
	if err != nil || string(got) != "payload" {
		t.Fatalf("auto keyId should resolve to active key: %q (%v)", got, err)
	}
}

func TestDecryptUnknownKey(t *testing.T) {
	s := newTestService(t)
	env, _ := s.Encrypt([]byte("p"))
	env.KeyID = "deadbeefdeadbeef"
	if _, err := s.Decrypt(env); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDecryptTampered(t *testing.T) {
	s := newTestService(t)
	env, _ := s.Encrypt([]byte("p"))
	env.Ciphertext[0] ^= 0x01
	if _, err := s.Decrypt(env); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptBadLengths(t *testing.T) {
	s := newTestService(t)

	env, _ := s.Encrypt([]byte("p"))
	env.Nonce = []byte{1, 2, 3}
	if _, err := s.Decrypt(env); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("short nonce: expected ErrDecryptionFailed, got %v", err)
	}

	env, _ = s.Encrypt([]byte("p"))
	env.Ciphertext = env.Ciphertext[:8]
	if _, err := s.Decrypt(env); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("short ciphertext: expected ErrDecryptionFailed, got %v", err)
	}
}

func TestRotateKey(t *testing.T) {
	s := newTestService(t)
	oldEnv, _ := s.Encrypt([]byte("before rotation"))

	if err := s.RotateKey([]byte("new-master")); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	newEnv, _ := s.Encrypt([]byte("after rotation"))
	if newEnv.KeyID == oldEnv.KeyID {
		t.Error("rotation must switch the active key id")
	}

	// Both generations stay decryptable.
	if got, err := s.Decrypt(oldEnv); err != nil || string(got) != "before rotation" {
		t.Errorf("old envelope: %q (%v)", got, err)
	}
	if got, err := s.Decrypt(newEnv); err != nil || string(got) != "after rotation" {
		t.Errorf("new envelope: %q (%v)", got, err)
	}

	stats := s.KeyStats()
	if stats.Total != 2 || stats.ActiveID != newEnv.KeyID {
		t.Errorf("unexpected stats after rotation: %+v", stats)
	}
}

func TestKeyIDDeterministic(t *testing.T) {
	a := KeyIDFor([]byte("same material"))
	b := KeyIDFor([]byte("same material"))
	if a != b {
		t.Error("identical materials must share a key id")
	}
	if len(a) != 16 {
		t.Errorf("key id length = %d, want 16", len(a))
	}
	for _, r := range a {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("key id %q is not lowercase hex", a)
		}
	}
}

func TestCleanupExpiredKeys(t *testing.T) {
	s, err := New(Config{
		Enabled:        true,
		Environment:    EnvTesting,
		MasterKey:      []byte("first"),
		RotationPeriod: time.Nanosecond,
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.RotateKey([]byte("second")); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	time.Sleep(time.Millisecond)

	// The first key is expired and inactive; the second is expired but
	// active and must survive.
	removed := s.CleanupExpiredKeys()
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if s.KeyStats().Total != 1 {
		t.Errorf("total = %d, want 1", s.KeyStats().Total)
	}
}

func TestHealthy(t *testing.T) {
	s := newTestService(t)
	if !s.Healthy() {
		t.Error("service with active key should be healthy")
	}

	off, _ := New(Config{Enabled: false}, nil)
	if !off.Healthy() {
		t.Error("disabled service is always healthy")
	}

	expiring, _ := New(Config{
		Enabled:        true,
		Environment:    EnvTesting,
		MasterKey:      []byte("k"),
		RotationPeriod: time.Nanosecond,
	}, nil)
	time.Sleep(time.Millisecond)
	if expiring.Healthy() {
		t.Error("service whose active key expired is unhealthy")
	}
}

func TestProductionRequiresMasterKey(t *testing.T) {
	_, err := New(Config{Enabled: true, Environment: EnvProduction}, nil)
	if !errors.Is(err, ErrMasterKeyRequired) {
		t.Fatalf("expected ErrMasterKeyRequired, got %v", err)
	}

	// Development generates a key instead of failing.
	if _, err := New(Config{Enabled: true, Environment: EnvDevelopment}, nil); err != nil {
		t.Fatalf("development without master key: %v", err)
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := New(Config{Enabled: true, Algorithm: "chacha20", MasterKey: []byte("k")}, nil)
	if err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}

	// secretbox is a backward-compatible alias.
	if _, err := New(Config{Enabled: true, Algorithm: AlgorithmSecretbox, MasterKey: []byte("k")}, nil); err != nil {
		t.Fatalf("secretbox alias: %v", err)
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	s := newTestService(t)
	env, _ := s.Encrypt([]byte("p"))
	env.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"ciphertext", "nonce", "keyId", "schemaVersion", "timestamp"} {
		if _, ok := m[field]; !ok {
			t.Errorf("envelope JSON missing %q", field)
		}
	}
	if _, ok := m["ciphertext"].(string); !ok {
		t.Error("ciphertext must marshal to a base64 string")
	}
	if ts := m["timestamp"].(string); !strings.HasPrefix(ts, "2026-01-02T03:04:05") {
		t.Errorf("timestamp not ISO-8601: %s", ts)
	}
}
