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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Normalize coerces a binary envelope field to raw bytes. Stored envelopes
// round-trip through generic JSON handling and may come back as raw bytes, a
// base64 string, the tagged form {"type":"Buffer","data":[...]}, or a plain
// numeric array. Anything else fails.
func Normalize(v any, field string) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		raw, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s is not valid base64", ErrDecryptionFailed, field)
		}
		return raw, nil
	case []any:
		return bytesFromNumbers(val, field)
	case map[string]any:
		data, ok := val["data"].([]any)
		if !ok || val["type"] != "Buffer" {
			return nil, fmt.Errorf("%w: field %s has unsupported object shape", ErrDecryptionFailed, field)
		}
		return bytesFromNumbers(data, field)
	default:
		return nil, fmt.Errorf("%w: field %s has unsupported type %T", ErrDecryptionFailed, field, v)
	}
}

func bytesFromNumbers(items []any, field string) ([]byte, error) {
	out := make([]byte, len(items))
	for i, item := range items {
		n, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: field %s contains non-numeric element", ErrDecryptionFailed, field)
		}
		out[i] = byte(n)
	}
	return out, nil
}

// EnvelopeFromValue reconstructs an Envelope from a generically decoded
// value (e.g. a JSONB document), normalizing binary fields from any of
// their accepted wire shapes.
func EnvelopeFromValue(v any) (*Envelope, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: envelope is %T, want object", ErrDecryptionFailed, v)
	}

	env := &Envelope{}
	if keyID, ok := m["keyId"].(string); ok {
		env.KeyID = keyID
	}
	if sv, ok := m["schemaVersion"].(float64); ok {
		env.SchemaVersion = uint32(sv)
	}
	if ts, ok := m["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			env.Timestamp = parsed
		}
	}

	var err error
	if env.Ciphertext, err = Normalize(m["ciphertext"], "ciphertext"); err != nil {
		return nil, err
	}
	if env.Nonce, err = Normalize(m["nonce"], "nonce"); err != nil {
		return nil, err
	}
	return env, nil
}

// EnvelopeFromJSON parses an envelope from its serialized JSON form.
func EnvelopeFromJSON(data []byte) (*Envelope, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope JSON: %v", ErrDecryptionFailed, err)
	}
	return EnvelopeFromValue(v)
}
