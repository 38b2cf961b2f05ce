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

// Package encryption provides symmetric authenticated encryption for stored
// session state: AES-256-GCM envelopes, a keyed registry with rotation, and
// normalization of binary envelope fields arriving from storage in any of
// their wire shapes.
package encryption

import (
	"errors"
	"time"
)

// Sentinel errors for encryption operations.
var (
	// ErrEncryptionFailed indicates encryption failed.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrDecryptionFailed indicates decryption failed.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrKeyNotFound indicates the envelope references an unknown key.
	ErrKeyNotFound = errors.New("encryption key not found")
	// ErrNoActiveKey indicates no active key is registered.
	ErrNoActiveKey = errors.New("no active encryption key")
	// ErrMasterKeyRequired indicates production was configured without a master key.
	ErrMasterKeyRequired = errors.New("master key required in production")
)

const (
	// SchemaVersion is carried on every envelope. Constant per build.
	SchemaVersion uint32 = 1

	// AlgorithmAESGCM is the only implemented algorithm.
	AlgorithmAESGCM = "aes-256-gcm"
	// AlgorithmSecretbox is accepted as a legacy alias of AES-256-GCM.
	AlgorithmSecretbox = "secretbox"

	// KeyIDNone marks an envelope carrying plaintext (encryption disabled).
	KeyIDNone = "none"
	// KeyIDAuto is a legacy marker resolved to the currently active key.
	KeyIDAuto = "auto"

	keySize   = 32
	nonceSize = 12
	tagSize   = 16
	keyIDLen  = 16
)

// Envelope is the serialized, metadata-bearing unit written to both storage
// tiers. It is a structured record rather than opaque bytes so document
// stores can index on its metadata. Byte fields marshal to base64 strings.
type Envelope struct {
	Ciphertext    []byte    `json:"ciphertext"`
	Nonce         []byte    `json:"nonce"`
	KeyID         string    `json:"keyId"`
	SchemaVersion uint32    `json:"schemaVersion"`
	Timestamp     time.Time `json:"timestamp"`
}

// KeyStats summarizes the key registry.
type KeyStats struct {
	// Total is the number of registered keys.
	Total int `json:"total"`
	// ActiveID is the id of the active key ("" when none).
	ActiveID string `json:"activeId"`
	// Expired is the number of expired keys still registered.
	Expired int `json:"expired"`
}

// Environment names accepted by the service configuration.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

// Config configures the encryption service.
type Config struct {
	// Enabled toggles encryption. When false, envelopes carry plaintext
	// verbatim with KeyID "none" (round-trippable but unencrypted).
	Enabled bool
	// Algorithm is "aes-256-gcm"; "secretbox" is accepted as an alias.
	Algorithm string
	// Environment is "development", "production", or "testing". Production
	// with encryption enabled requires a master key.
	Environment string
	// MasterKey is the initial key material. Any length is accepted;
	// non-32-byte input is derived to 32 bytes via SHA-256.
	MasterKey []byte
	// RotationPeriod sets the expiry applied to each registered key
	// (zero means keys never expire).
	RotationPeriod time.Duration
}

// DefaultConfig returns an encryption configuration suitable for development.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Algorithm:   AlgorithmAESGCM,
		Environment: EnvDevelopment,
	}
}
