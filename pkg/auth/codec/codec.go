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

// Package codec converts tree-shaped values to bytes and back,
// deterministically, with optional compression. Byte blobs survive arbitrary
// nesting: on encode they become the tagged form {"type":"Buffer","data":[...]},
// on decode every tagged node is revived back to a native []byte in a single
// recursive pass.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// ErrCompression is the single error kind surfaced by encode/decode
// failures; the cause is wrapped in the message.
var ErrCompression = errors.New("codec failure")

// Compression selects the compression algorithm applied after canonical
// encoding. Both sides of a round trip share the same configuration; nothing
// is sniffed from the byte stream.
type Compression string

const (
	// CompressionNone disables compression.
	CompressionNone Compression = "none"
	// CompressionGzip uses gzip (the fallback for unknown algorithms).
	CompressionGzip Compression = "gzip"
	// CompressionSnappy uses snappy block encoding.
	CompressionSnappy Compression = "snappy"
	// CompressionLZ4 uses the lz4 frame format.
	CompressionLZ4 Compression = "lz4"
)

// Config configures a Codec.
type Config struct {
	// Algorithm is the compression algorithm. Unknown values fall back to gzip.
	Algorithm Compression
	// Enabled toggles compression; when false values are stored as plain
	// canonical JSON.
	Enabled bool
}

// DefaultConfig returns a Codec configuration with gzip compression enabled.
func DefaultConfig() Config {
	return Config{Algorithm: CompressionGzip, Enabled: true}
}

// Stats describes the codec's effective configuration.
type Stats struct {
	Compressor string `json:"compressor"`
	Enabled    bool   `json:"enabled"`
}

// Codec encodes and decodes values. Safe for concurrent use.
type Codec struct {
	algorithm Compression
	enabled   bool
	log       *zap.SugaredLogger
}

// New creates a Codec. A nil logger defaults to a no-op logger.
func New(cfg Config, log *zap.SugaredLogger) *Codec {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	alg := cfg.Algorithm
	switch alg {
	case CompressionNone, CompressionGzip, CompressionSnappy, CompressionLZ4:
	default:
		log.Warnw("unknown compression algorithm, falling back to gzip", "algorithm", alg)
		alg = CompressionGzip
	}
	return &Codec{algorithm: alg, enabled: cfg.Enabled, log: log}
}

// Encode produces a self-delimiting byte sequence from v. The canonical form
// is JSON with lexicographically ordered map keys (encoding/json sorts map
// keys), so structurally equal inputs produce byte-identical output. Byte
// blobs are written in the tagged Buffer form. Cyclic values fail fast.
func (c *Codec) Encode(v any) ([]byte, error) {
	tagged, err := TagBuffers(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrCompression, err)
	}
	data, err := json.Marshal(tagged)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrCompression, err)
	}
	if !c.enabled || c.algorithm == CompressionNone {
		return data, nil
	}
	out, err := compress(c.algorithm, data)
	if err != nil {
		return nil, fmt.Errorf("%w: compress (%s): %v", ErrCompression, c.algorithm, err)
	}
	return out, nil
}

// Decode is the inverse of Encode. Tagged Buffer nodes are revived to native
// byte blobs at every nesting level.
func (c *Codec) Decode(data []byte) (any, error) {
	if c.enabled && c.algorithm != CompressionNone {
		raw, err := decompress(c.algorithm, data)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress (%s): %v", ErrCompression, c.algorithm, err)
		}
		data = raw
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCompression, err)
	}
	return Revive(v), nil
}

// Stats returns the codec's effective configuration for diagnostics.
func (c *Codec) Stats() Stats {
	return Stats{Compressor: string(c.algorithm), Enabled: c.enabled}
}

// TestCompressionRatio encodes sample with and without compression and
// returns compressed/raw as a ratio. Returns 1 when compression is disabled.
func (c *Codec) TestCompressionRatio(sample any) (float64, error) {
	tagged, err := TagBuffers(sample)
	if err != nil {
		return 0, fmt.Errorf("%w: encode sample: %v", ErrCompression, err)
	}
	raw, err := json.Marshal(tagged)
	if err != nil {
		return 0, fmt.Errorf("%w: encode sample: %v", ErrCompression, err)
	}
	if !c.enabled || c.algorithm == CompressionNone || len(raw) == 0 {
		return 1, nil
	}
	compressed, err := compress(c.algorithm, raw)
	if err != nil {
		return 0, fmt.Errorf("%w: compress sample (%s): %v", ErrCompression, c.algorithm, err)
	}
	return float64(len(compressed)) / float64(len(raw)), nil
}

// TagBuffers rewrites every []byte in a tree to the canonical tagged form
// {"type":"Buffer","data":[...]}. Maps and slices are rewritten recursively;
// other values pass through for encoding/json to handle. A node repeating on
// its own path is a cycle and fails the walk; shared subtrees are fine.
func TagBuffers(v any) (any, error) {
	return tagBuffers(v, make(map[uintptr]bool))
}

func tagBuffers(v any, path map[uintptr]bool) (any, error) {
	switch val := v.(type) {
	case []byte:
		data := make([]int, len(val))
		for i, b := range val {
			data[i] = int(b)
		}
		return map[string]any{"type": "Buffer", "data": data}, nil
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if path[ptr] {
			return nil, errors.New("cyclic value")
		}
		path[ptr] = true
		out := make(map[string]any, len(val))
		for k, item := range val {
			tagged, err := tagBuffers(item, path)
			if err != nil {
				return nil, err
			}
			out[k] = tagged
		}
		delete(path, ptr)
		return out, nil
	case []any:
		ptr := reflect.ValueOf(val).Pointer()
		if path[ptr] {
			return nil, errors.New("cyclic value")
		}
		path[ptr] = true
		out := make([]any, len(val))
		for i, item := range val {
			tagged, err := tagBuffers(item, path)
			if err != nil {
				return nil, err
			}
			out[i] = tagged
		}
		delete(path, ptr)
		return out, nil
	default:
		return v, nil
	}
}

// Revive walks a decoded tree and replaces every node matching the tagged
// Buffer shape with a native []byte. The pass is recursive: key records nest
// blobs several levels deep and a top-level-only pass would miss them.
func Revive(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if blob, ok := reviveBuffer(val); ok {
			return blob
		}
		for k, item := range val {
			val[k] = Revive(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = Revive(item)
		}
		return val
	default:
		return v
	}
}

// reviveBuffer recognizes {"type":"Buffer","data":[numbers...]}.
func reviveBuffer(m map[string]any) ([]byte, bool) {
	if len(m) != 2 || m["type"] != "Buffer" {
		return nil, false
	}
	data, ok := m["data"].([]any)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	for i, item := range data {
		n, ok := item.(float64)
		if !ok {
			return nil, false
		}
		out[i] = byte(n)
	}
	return out, true
}
