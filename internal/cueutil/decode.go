// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Result holds a decoded document and the unified CUE value it came from.
type Result[T any] struct {
	Value   *T
	Unified cue.Value
}

// ParseAndDecode compiles data as CUE, unifies it with the definition at
// defPath in schema, validates and decodes it into T.
func ParseAndDecode[T any](schema, data []byte, defPath string, opts ...Option) (*Result[T], error) {
	o := applyOptions(opts)
	if err := CheckFileSize(data, o.maxFileSize, o.filename); err != nil {
		return nil, err
	}

	ctx := cuecontext.New()
	user := ctx.CompileBytes(data, cue.Filename(o.filename))
	if user.Err() != nil {
		return nil, FormatError(user.Err(), o.filename)
	}
	return unifyDecode[T](ctx, schema, user, defPath, o)
}

// DecodeTree validates an already decoded tree against the definition at
// defPath in schema and decodes it into T.
func DecodeTree[T any](schema []byte, tree map[string]any, defPath string, opts ...Option) (*Result[T], error) {
	o := applyOptions(opts)
	ctx := cuecontext.New()
	user := ctx.Encode(tree)
	if user.Err() != nil {
		return nil, FormatError(user.Err(), o.filename)
	}
	return unifyDecode[T](ctx, schema, user, defPath, o)
}

// CompileTree compiles CUE or JSON source into a plain tree without any
// schema, for callers that merge documents before validating them.
func CompileTree(data []byte, opts ...Option) (map[string]any, error) {
	o := applyOptions(opts)
	if err := CheckFileSize(data, o.maxFileSize, o.filename); err != nil {
		return nil, err
	}
	v := cuecontext.New().CompileBytes(data, cue.Filename(o.filename))
	if v.Err() != nil {
		return nil, FormatError(v.Err(), o.filename)
	}
	tree := map[string]any{}
	if err := v.Decode(&tree); err != nil {
		return nil, FormatError(err, o.filename)
	}
	return tree, nil
}

func unifyDecode[T any](ctx *cue.Context, schema []byte, user cue.Value, defPath string, o parseOptions) (*Result[T], error) {
	schemaValue := ctx.CompileBytes(schema)
	if schemaValue.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile schema: %w", schemaValue.Err())
	}
	def := schemaValue.LookupPath(cue.ParsePath(defPath))
	if def.Err() != nil {
		return nil, fmt.Errorf("internal error: schema definition %s not found: %w", defPath, def.Err())
	}

	unified := def.Unify(user)
	if err := unified.Validate(cue.Concrete(o.concrete)); err != nil {
		return nil, FormatError(err, o.filename)
	}

	var out T
	if err := unified.Decode(&out); err != nil {
		return nil, FormatError(err, o.filename)
	}
	return &Result[T]{Value: &out, Unified: unified}, nil
}
