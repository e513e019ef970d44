// SPDX-License-Identifier: MPL-2.0

// Package kvtree merges generic key-value trees such as decoded JSON, YAML,
// TOML or CUE documents. It knows nothing about any particular schema.
package kvtree

import (
	"encoding/json"
	"fmt"
)

// Tree is a decoded document: maps of string keys to scalars, lists or
// nested maps.
type Tree = map[string]any

// Merge returns the deep merge of overlay onto base. Neither input is
// modified.
//
//   - keys only in base or only in overlay are kept
//   - two maps under the same key are merged recursively
//   - two lists are unioned: base order first, then overlay elements not
//     already present, with duplicates removed by canonical equality
//   - anything else (scalars, or a type mismatch) takes the overlay value
//
// Merge is idempotent, Merge(Merge(b, o), o) == Merge(b, o). It is
// associative whenever a list or map key never changes back to a list or map
// after being overridden by a scalar in a middle layer.
func Merge(base, overlay Tree) Tree {
	out := make(Tree, len(base)+len(overlay))
	for k, v := range base {
		out[k] = Clone(v)
	}
	for k, ov := range overlay {
		bv, ok := out[k]
		if !ok {
			out[k] = settle(ov)
			continue
		}
		out[k] = mergeValue(bv, ov)
	}
	return out
}

// MergeAll folds Merge over layers from left to right.
func MergeAll(layers ...Tree) Tree {
	out := Tree{}
	for _, l := range layers {
		out = Merge(out, l)
	}
	return out
}

func mergeValue(base, overlay any) any {
	switch ov := overlay.(type) {
	case map[string]any:
		if bm, ok := base.(map[string]any); ok {
			return Merge(bm, ov)
		}
	case []any:
		if bl, ok := base.([]any); ok {
			return union(bl, ov)
		}
	}
	return settle(overlay)
}

// settle deep-copies v and removes duplicate list elements, so that a value
// taken wholesale from an overlay looks the same as one produced by union.
func settle(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = settle(x)
		}
		return out
	case []any:
		return union(nil, t)
	default:
		return v
	}
}

func union(base, overlay []any) []any {
	out := make([]any, 0, len(base)+len(overlay))
	seen := make(map[string]struct{}, len(base)+len(overlay))
	for _, list := range [][]any{base, overlay} {
		for _, v := range list {
			sv := settle(v)
			key := Canonical(sv)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, sv)
		}
	}
	return out
}

// Canonical returns a stable string form of v used for equality: maps are
// rendered with sorted keys, numbers in their shortest form.
func Canonical(v any) string {
	b, err := json.Marshal(Normalize(v))
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// Normalize converts decoder-specific shapes (map[any]any from some YAML
// decoders, []map[string]any, typed ints) into the plain Tree vocabulary.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = Normalize(x)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[fmt.Sprint(k)] = Normalize(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = Normalize(x)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = Normalize(x)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// Clone deep-copies maps and lists; scalars are returned as is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = Clone(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = Clone(x)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two trees are structurally equal.
func Equal(a, b any) bool {
	return Canonical(a) == Canonical(b)
}
