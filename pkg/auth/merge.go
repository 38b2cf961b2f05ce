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

package auth

// MergeKeys applies an incremental key patch to current, in place, and
// returns current. For every (type, id) in patch: a nil value removes the
// entry, any other value overwrites it. Types and ids absent from the patch
// are preserved untouched.
func MergeKeys(current, patch KeyMap) KeyMap {
	if current == nil {
		current = make(KeyMap, len(patch))
	}
	for keyType, ids := range patch {
		cur, ok := current[keyType]
		if !ok {
			cur = make(map[string]any, len(ids))
		}
		for id, v := range ids {
			if v == nil {
				delete(cur, id)
			} else {
				cur[id] = v
			}
		}
		current[keyType] = cur
	}
	return current
}

// Apply merges a patch into a snapshot, in place, following the update
// rules: creds and appState replace wholesale when present, keys merge
// incrementally. A nil snapshot is allocated.
func Apply(snap *Snapshot, patch *Patch) *Snapshot {
	if snap == nil {
		snap = &Snapshot{}
	}
	if patch == nil {
		return snap
	}
	if patch.Creds != nil {
		snap.Creds = patch.Creds
	}
	if patch.Keys != nil {
		snap.Keys = MergeKeys(snap.Keys, patch.Keys)
	}
	if patch.AppState != nil {
		snap.AppState = patch.AppState
	}
	return snap
}

// Clone returns a deep copy of the patch. The hybrid store copies every
// patch before fanning it out to the tiers: the caller may keep mutating the
// original while a tier encode is still in flight, and without the copy the
// tiers can observe different byte images of the same write.
func (p *Patch) Clone() *Patch {
	if p == nil {
		return nil
	}
	out := &Patch{}
	if p.Creds != nil {
		out.Creds = cloneStringMap(p.Creds)
	}
	if p.Keys != nil {
		out.Keys = p.Keys.Clone()
	}
	if p.AppState != nil {
		out.AppState = cloneStringMap(p.AppState)
	}
	return out
}

// Clone returns a deep copy of the key map.
func (m KeyMap) Clone() KeyMap {
	if m == nil {
		return nil
	}
	out := make(KeyMap, len(m))
	for keyType, ids := range m {
		cp := make(map[string]any, len(ids))
		for id, v := range ids {
			cp[id] = CloneValue(v)
		}
		out[keyType] = cp
	}
	return out
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{
		Creds:    cloneStringMap(s.Creds),
		Keys:     s.Keys.Clone(),
		AppState: cloneStringMap(s.AppState),
	}
}

// AsPatch converts a snapshot into a patch replacing every present field.
// Used for cache warming, where the cold-tier snapshot is replayed into the
// hot tier in full.
func (s *Snapshot) AsPatch() *Patch {
	if s == nil {
		return nil
	}
	return &Patch{Creds: s.Creds, Keys: s.Keys, AppState: s.AppState}
}

// CloneValue deep-copies a tree-shaped value: maps, slices, and byte blobs
// are copied, scalars are returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneStringMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

func cloneStringMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}
