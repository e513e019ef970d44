// SPDX-License-Identifier: MPL-2.0

// Package cueutil validates documents against embedded CUE schemas and
// decodes them into Go structs.
//
// Two inputs are supported. ParseAndDecode compiles CUE (or JSON, which is a
// subset of CUE) source bytes. DecodeTree encodes an already decoded
// map[string]any tree, such as a merged YAML or TOML layer, into the same
// CUE context. Both unify the input with a schema definition, validate it
// and decode the result:
//
//	//go:embed schema.cue
//	var schema []byte
//
//	res, err := cueutil.DecodeTree[Document](schema, tree, "#Knowledge",
//	    cueutil.WithFilename("overlay.yaml"))
//
// Errors carry the file name and a JSON-style path to the offending field.
package cueutil
