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

package postgres

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/keyfold/keyfold/pkg/auth"
	"github.com/keyfold/keyfold/pkg/auth/codec"
	"github.com/keyfold/keyfold/pkg/auth/encryption"
)

// newTestProvider builds a Provider without a pool for exercising the
// codec/crypto plumbing. SQL paths need a live database and are covered by
// integration runs.
func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	crypto, err := encryption.New(encryption.Config{
		Enabled:     true,
		Environment: encryption.EnvTesting,
		MasterKey:   []byte("unit-test-master-key"),
	}, nil)
	if err != nil {
		t.Fatalf("encryption service: %v", err)
	}
	cd := codec.New(codec.Config{Algorithm: codec.CompressionGzip, Enabled: true}, nil)
	return newProvider(nil, cd, crypto, nil)
}

func TestSealOpenSectionRoundTrip(t *testing.T) {
	p := newTestProvider(t)

	original := map[string]any{
		"registrationId": 12345.0,
		"noiseKey":       []byte{1, 2, 3},
	}
	sealed, err := p.sealSection(original)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := p.openSection(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("decoded shape: %T", got)
	}
	if m["registrationId"] != 12345.0 {
		t.Errorf("registrationId = %v", m["registrationId"])
	}
	noise, ok := m["noiseKey"].([]byte)
	if !ok || !bytes.Equal(noise, []byte{1, 2, 3}) {
		t.Errorf("noiseKey not revived: %T %v", m["noiseKey"], noise)
	}
}

func TestSealSectionNil(t *testing.T) {
	p := newTestProvider(t)

	sealed, err := p.sealSection(nil)
	if err != nil || sealed != nil {
		t.Fatalf("nil value should seal to NULL, got %v (%v)", sealed, err)
	}
	got, err := p.openSection(nil)
	if err != nil || got != nil {
		t.Fatalf("NULL column should open to nil, got %v (%v)", got, err)
	}
}

func TestOpenSectionRejectsGarbage(t *testing.T) {
	p := newTestProvider(t)
	if _, err := p.openSection([]byte("not an envelope")); err == nil {
		t.Fatal("expected error for garbage section")
	}
}

func TestEncodeDecodeSnapshot(t *testing.T) {
	p := newTestProvider(t)

	snap := &auth.Snapshot{
		Creds: map[string]any{"id": 7.0},
		Keys: auth.KeyMap{
			"app-state-sync-key": {"k1": map[string]any{"keyData": []byte{9, 8}}},
		},
		AppState: map[string]any{"flag": true},
	}
	creds, keys, appState, err := p.encodeSnapshot(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if creds == nil || keys == nil || appState == nil {
		t.Fatal("all sections should be populated")
	}

	got, err := p.decodeRow(&sessionRow{creds: creds, keys: keys, appState: appState})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Creds["id"] != 7.0 {
		t.Errorf("creds lost: %v", got.Creds)
	}
	if got.AppState["flag"] != true {
		t.Errorf("appState lost: %v", got.AppState)
	}
	record, ok := got.Keys["app-state-sync-key"]["k1"].(map[string]any)
	if !ok {
		t.Fatalf("key record shape: %T", got.Keys["app-state-sync-key"]["k1"])
	}
	if keyData, ok := record["keyData"].([]byte); !ok || !bytes.Equal(keyData, []byte{9, 8}) {
		t.Errorf("nested keyData not revived: %v", record["keyData"])
	}
}

func TestEncodeSnapshotSkipsAbsentSections(t *testing.T) {
	p := newTestProvider(t)

	creds, keys, appState, err := p.encodeSnapshot(&auth.Snapshot{
		Creds: map[string]any{"id": 1.0},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if creds == nil {
		t.Error("creds should be sealed")
	}
	if keys != nil || appState != nil {
		t.Error("absent sections should stay NULL")
	}
}

func TestKeyMapConversion(t *testing.T) {
	km := auth.KeyMap{
		"app-state-sync-key": {"k1": "v1"},
		"pre-key":            {"1": "v2", "2": "v3"},
	}

	round := asKeyMap(any(keyMapToAny(km)))
	if len(round) != 2 || len(round["pre-key"]) != 2 {
		t.Fatalf("round trip lost entries: %v", round)
	}
	if round["app-state-sync-key"]["k1"] != "v1" {
		t.Errorf("value lost: %v", round)
	}

	if got := asKeyMap("not a map"); len(got) != 0 {
		t.Errorf("non-map should yield empty KeyMap, got %v", got)
	}
	if got := asKeyMap(map[string]any{"bad": 42}); len(got) != 0 {
		t.Errorf("non-map key type should be skipped, got %v", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("23503 is not a unique violation")
	}
	if isUniqueViolation(errors.New("plain error")) {
		t.Error("plain errors are not unique violations")
	}
}

func TestRetryScheduleBounded(t *testing.T) {
	var total int64
	for _, d := range setRetryDelays {
		total += d.Milliseconds()
	}
	// Keep the worst-case blocked write well under typical operation timeouts.
	if total > 1000 {
		t.Fatalf("retry schedule too slow: %dms", total)
	}
}
