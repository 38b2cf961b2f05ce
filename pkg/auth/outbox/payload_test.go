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

package outbox

import (
	"bytes"
	"testing"

	"github.com/keyfold/keyfold/pkg/auth"
)

func TestPatchRoundTripPreservesBytes(t *testing.T) {
	original := &auth.Patch{
		Creds: map[string]any{
			"noiseKey": []byte{1, 2, 3},
			"id":       42.0,
		},
		Keys: auth.KeyMap{
			"app-state-sync-key": {
				"k1": map[string]any{"keyData": []byte{4, 5}},
				"k2": nil,
			},
		},
		AppState: map[string]any{"flag": true},
	}

	data, err := encodePatch(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodePatch(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	noise, ok := got.Creds["noiseKey"].([]byte)
	if !ok || !bytes.Equal(noise, []byte{1, 2, 3}) {
		t.Errorf("noiseKey not revived: %T %v", got.Creds["noiseKey"], noise)
	}
	if got.Creds["id"] != 42.0 {
		t.Errorf("id lost: %v", got.Creds["id"])
	}

	record, ok := got.Keys["app-state-sync-key"]["k1"].(map[string]any)
	if !ok {
		t.Fatalf("key record shape: %T", got.Keys["app-state-sync-key"]["k1"])
	}
	if keyData, ok := record["keyData"].([]byte); !ok || !bytes.Equal(keyData, []byte{4, 5}) {
		t.Errorf("nested keyData not revived: %v", record["keyData"])
	}

	// Deletion markers must survive the trip: k2 present and nil.
	if v, present := got.Keys["app-state-sync-key"]["k2"]; !present || v != nil {
		t.Errorf("deletion marker lost: present=%v value=%v", present, v)
	}

	if got.AppState["flag"] != true {
		t.Errorf("appState lost: %v", got.AppState)
	}
}

func TestNilAndPartialPatches(t *testing.T) {
	data, err := encodePatch(nil)
	if err != nil || data != nil {
		t.Fatalf("nil patch should encode to nil, got %v (%v)", data, err)
	}
	got, err := decodePatch(nil)
	if err != nil || got != nil {
		t.Fatalf("nil payload should decode to nil, got %v (%v)", got, err)
	}

	// An absent section stays absent, distinguishing "untouched" from
	// "replace with empty".
	data, err = encodePatch(&auth.Patch{Creds: map[string]any{"id": 1.0}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err = decodePatch(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Keys != nil || got.AppState != nil {
		t.Errorf("absent sections should decode to nil: %+v", got)
	}
}

func TestDecodePatchRejectsGarbage(t *testing.T) {
	if _, err := decodePatch([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
