// SPDX-License-Identifier: MPL-2.0

package kvtree

import (
	"testing"
)

func baseTree() Tree {
	return Tree{
		"libraries": map[string]any{
			"numpy": []any{
				map[string]any{"version": "1.16.6", "osRelease": "stretch"},
			},
		},
		"_meta": map[string]any{
			"legacy_versions": map[string]any{
				"3.6": map[string]any{"scikit-image": "==0.17.2", "matplotlib": "==3.3.4"},
			},
		},
		"trusted": []any{"pypi.org"},
	}
}

func overlayTree() Tree {
	return Tree{
		"libraries": map[string]any{
			"numpy": []any{
				map[string]any{"version": "1.16.6", "osRelease": "stretch"},
				map[string]any{"version": "1.19.5", "osRelease": "buster"},
			},
			"internal-tools": []any{map[string]any{"version": "1.0.0"}},
		},
		"_meta": map[string]any{
			"legacy_versions": map[string]any{
				"3.6": map[string]any{"scikit-image": "==0.19.0-custom", "new-lib": "==1.0.0"},
			},
		},
		"trusted": []any{"pypi.my-company.com", "pypi.org"},
	}
}

func TestMerge_DeepOverride(t *testing.T) {
	t.Parallel()

	got := Merge(baseTree(), overlayTree())

	legacy := got["_meta"].(map[string]any)["legacy_versions"].(map[string]any)["3.6"].(map[string]any)
	if legacy["scikit-image"] != "==0.19.0-custom" {
		t.Errorf("scikit-image = %v, want overlay value", legacy["scikit-image"])
	}
	if legacy["new-lib"] != "==1.0.0" {
		t.Errorf("new-lib = %v, want added", legacy["new-lib"])
	}
	if legacy["matplotlib"] != "==3.3.4" {
		t.Errorf("matplotlib sibling lost: %v", legacy["matplotlib"])
	}

	libs := got["libraries"].(map[string]any)
	if _, ok := libs["internal-tools"]; !ok {
		t.Error("overlay-only library missing")
	}
	numpy := libs["numpy"].([]any)
	if len(numpy) != 2 {
		t.Fatalf("numpy releases = %d, want 2 (deduplicated union)", len(numpy))
	}
	if numpy[0].(map[string]any)["version"] != "1.16.6" {
		t.Error("base order not preserved")
	}

	trusted := got["trusted"].([]any)
	want := []any{"pypi.org", "pypi.my-company.com"}
	if !Equal(trusted, want) {
		t.Errorf("trusted = %v, want %v", trusted, want)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	t.Parallel()

	once := Merge(baseTree(), overlayTree())
	twice := Merge(once, overlayTree())
	if !Equal(once, twice) {
		t.Errorf("merge not idempotent:\n once=%s\ntwice=%s", Canonical(once), Canonical(twice))
	}
}

func TestMerge_Associative(t *testing.T) {
	t.Parallel()

	third := Tree{
		"trusted":   []any{"mirror.local"},
		"libraries": map[string]any{"numpy": "replaced-by-scalar"},
	}

	left := Merge(Merge(baseTree(), overlayTree()), third)
	right := Merge(baseTree(), Merge(overlayTree(), third))
	if !Equal(left, right) {
		t.Errorf("merge not associative:\n left=%s\nright=%s", Canonical(left), Canonical(right))
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	b, o := baseTree(), overlayTree()
	before := Canonical(b)
	_ = Merge(b, o)
	if Canonical(b) != before {
		t.Error("base was mutated")
	}
}

func TestMerge_TypeConflictOverlayWins(t *testing.T) {
	t.Parallel()

	got := Merge(Tree{"a": map[string]any{"x": 1}}, Tree{"a": []any{"y"}})
	if !Equal(got["a"], []any{"y"}) {
		t.Errorf("a = %v, want overlay list", got["a"])
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"yaml map", map[any]any{"k": 1}, map[string]any{"k": int64(1)}},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
		{"typed maps", []map[string]any{{"v": "1"}}, []any{map[string]any{"v": "1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tt.in); !Equal(got, tt.want) {
				t.Errorf("Normalize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeAll(t *testing.T) {
	t.Parallel()

	got := MergeAll(Tree{"a": "1"}, Tree{"b": "2"}, Tree{"a": "3"})
	if got["a"] != "3" || got["b"] != "2" {
		t.Errorf("MergeAll() = %v", got)
	}
}
