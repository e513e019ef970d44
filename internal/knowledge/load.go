// SPDX-License-Identifier: MPL-2.0

package knowledge

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/relicrun/relic/internal/cueutil"
	"github.com/relicrun/relic/internal/kvtree"
)

const (
	schemaDef = "#Knowledge"
	// BuiltinSource names the embedded default layer in Snapshot.Sources.
	BuiltinSource = "builtin"
)

var (
	//go:embed schema.cue
	schemaCUE []byte

	//go:embed builtin.cue
	builtinCUE []byte

	// ErrUnsupportedFormat is returned for layer files with an unknown extension.
	ErrUnsupportedFormat = errors.New("unsupported knowledge file format")
)

type (
	// Sources lists the layers that make up a knowledge base, applied in
	// order: Base, each of Overlays, then User. PipConf optionally supplies
	// the registry when no layer defines one.
	Sources struct {
		Base     string
		Overlays []string
		User     string
		PipConf  string
	}

	// Option configures loading.
	Option func(*loader)

	loader struct {
		logger   *log.Logger
		readFile func(string) ([]byte, error)
	}
)

// Files returns every configured layer path in application order, PipConf
// last. Empty entries are omitted.
func (s Sources) Files() []string {
	files := make([]string, 0, len(s.Overlays)+3)
	for _, f := range append(append([]string{s.Base}, s.Overlays...), s.User, s.PipConf) {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

// WithLogger sets the logger used for skipped-layer warnings.
func WithLogger(l *log.Logger) Option {
	return func(ld *loader) {
		ld.logger = l
	}
}

// Schema returns the embedded CUE schema for knowledge layers.
func Schema() []byte {
	return append([]byte(nil), schemaCUE...)
}

// Builtin returns the embedded default knowledge layer.
func Builtin() []byte {
	return append([]byte(nil), builtinCUE...)
}

// Load reads, validates and merges every layer in src. The base layer must
// be valid; an overlay or user layer that fails to read, parse or validate
// is skipped and reported in Snapshot.Warnings. A missing user layer is
// ignored silently.
func Load(src Sources, opts ...Option) (*Snapshot, error) {
	ld := &loader{logger: log.Default(), readFile: os.ReadFile}
	for _, opt := range opts {
		opt(ld)
	}

	base, baseName, err := ld.base(src.Base)
	if err != nil {
		return nil, err
	}
	if _, err := validate(base, baseName); err != nil {
		return nil, err
	}

	accepted := []kvtree.Tree{base}
	sources := []string{baseName}
	var warnings []string

	layers := append([]string(nil), src.Overlays...)
	if src.User != "" {
		if _, err := os.Stat(src.User); !errors.Is(err, fs.ErrNotExist) {
			layers = append(layers, src.User)
		}
	}
	for _, path := range layers {
		tree, err := ld.layer(path)
		if err == nil {
			_, err = validate(tree, path)
		}
		if err != nil {
			ld.logger.Warn("knowledge layer skipped", "path", path, "error", err)
			warnings = append(warnings, fmt.Sprintf("skipped %s: %v", path, err))
			continue
		}
		accepted = append(accepted, tree)
		sources = append(sources, path)
	}
	merged := kvtree.MergeAll(accepted...)

	doc, err := validate(merged, "merged knowledge base")
	if err != nil {
		return nil, err
	}

	if doc.Registry == nil && src.PipConf != "" {
		reg, err := RegistryFromPipConf(src.PipConf)
		if err != nil {
			ld.logger.Warn("pip.conf ignored", "path", src.PipConf, "error", err)
			warnings = append(warnings, fmt.Sprintf("ignored %s: %v", src.PipConf, err))
		} else {
			doc.Registry = reg
			sources = append(sources, src.PipConf)
		}
	}

	dgst := digest.FromString(kvtree.Canonical(merged))
	return newSnapshot(doc, sources, warnings, dgst), nil
}

// Validate checks a single layer file against the schema.
func Validate(path string) (*Document, error) {
	ld := &loader{readFile: os.ReadFile}
	tree, err := ld.layer(path)
	if err != nil {
		return nil, err
	}
	return validate(tree, path)
}

func (ld *loader) base(path string) (kvtree.Tree, string, error) {
	if path == "" {
		tree, err := cueutil.CompileTree(builtinCUE, cueutil.WithFilename("builtin.cue"))
		if err != nil {
			return nil, "", fmt.Errorf("internal error: builtin knowledge base: %w", err)
		}
		return tree, BuiltinSource, nil
	}
	tree, err := ld.layer(path)
	if err != nil {
		return nil, "", fmt.Errorf("load base knowledge base: %w", err)
	}
	return tree, path, nil
}

// layer parses a file into a tree, choosing the decoder by extension.
func (ld *loader) layer(path string) (kvtree.Tree, error) {
	data, err := ld.readFile(path)
	if err != nil {
		return nil, err
	}
	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".json":
		return cueutil.CompileTree(data, cueutil.WithFilename(path))
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return asTree(raw), nil
	case ".toml":
		var raw map[string]any
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return asTree(raw), nil
	default:
		return nil, fmt.Errorf("%s: %w (want .cue, .json, .yaml or .toml)", path, ErrUnsupportedFormat)
	}
}

func asTree(raw map[string]any) kvtree.Tree {
	if raw == nil {
		return kvtree.Tree{}
	}
	tree, _ := kvtree.Normalize(raw).(map[string]any)
	return tree
}

func validate(tree kvtree.Tree, name string) (*Document, error) {
	res, err := cueutil.DecodeTree[Document](schemaCUE, tree, schemaDef, cueutil.WithFilename(name))
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}
