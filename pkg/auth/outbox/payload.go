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
	"encoding/json"
	"fmt"

	"github.com/keyfold/keyfold/pkg/auth"
	"github.com/keyfold/keyfold/pkg/auth/codec"
)

// Patches cross the ledger as JSON. Raw []byte values are written in the
// tagged Buffer form and revived on the way out, so a replayed patch hits
// the cold tier with the same shape the hot tier saw.

func encodePatch(p *auth.Patch) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	record := map[string]any{}
	if p.Creds != nil {
		record["creds"] = p.Creds
	}
	if p.Keys != nil {
		keys := make(map[string]any, len(p.Keys))
		for keyType, ids := range p.Keys {
			idsAny := make(map[string]any, len(ids))
			for id, v := range ids {
				idsAny[id] = v
			}
			keys[keyType] = idsAny
		}
		record["keys"] = keys
	}
	if p.AppState != nil {
		record["appState"] = p.AppState
	}

	tagged, err := codec.TagBuffers(record)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode patch: %w", err)
	}
	data, err := json.Marshal(tagged)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal patch: %w", err)
	}
	return data, nil
}

func decodePatch(data []byte) (*auth.Patch, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("outbox: unmarshal patch: %w", err)
	}
	revived, _ := codec.Revive(record).(map[string]any)

	p := &auth.Patch{}
	if m, ok := revived["creds"].(map[string]any); ok {
		p.Creds = m
	}
	if m, ok := revived["keys"].(map[string]any); ok {
		keys := make(auth.KeyMap, len(m))
		for keyType, idsVal := range m {
			if ids, ok := idsVal.(map[string]any); ok {
				keys[keyType] = ids
			}
		}
		p.Keys = keys
	}
	if m, ok := revived["appState"].(map[string]any); ok {
		p.AppState = m
	}
	return p, nil
}
