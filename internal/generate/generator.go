// SPDX-License-Identifier: MPL-2.0

package generate

import (
	_ "crypto/sha256"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/charmbracelet/log"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"
	"mvdan.cc/sh/v3/syntax"

	"github.com/relicrun/relic/internal/issue"
	"github.com/relicrun/relic/internal/resolve"
	"github.com/relicrun/relic/internal/script"
)

// TagRepository is the local repository every generated image is tagged in.
const TagRepository = "relic-env"

//go:embed dockerfile.tmpl
var dockerfileTemplate string

var (
	defaultTemplate = template.Must(newTemplate(dockerfileTemplate))

	// secretID limits build secret ids to what BuildKit accepts unquoted in a
	// RUN --mount flag.
	secretID = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

type (
	// Definition is a rendered, content-addressed container definition.
	Definition struct {
		Dockerfile      string           `json:"dockerfile"`
		Hash            digest.Digest    `json:"hash"`
		ImageTag        string           `json:"imageTag"`
		Profile         *resolve.Profile `json:"profile"`
		ScriptName      string           `json:"scriptName"`
		SanitizedScript string           `json:"sanitizedScript"`
		Rewrites        []PathRewrite    `json:"rewrites,omitempty"`
	}

	// Options adjusts one Generate call.
	Options struct {
		// AllowUnresolved renders the definition without the unresolved
		// libraries instead of failing.
		AllowUnresolved bool
		Sanitize        SanitizeOptions
	}

	// Generator renders container definitions. It is safe for concurrent use.
	Generator struct {
		tmpl   *template.Template
		logger *log.Logger
	}

	// GeneratorOption configures a Generator.
	GeneratorOption func(*Generator)

	templateData struct {
		BaseImage   string
		OSRelease   string
		ArchiveRepo bool
		Apt         []string
		Pip         []pipLine
		IndexArgs   []string
		Secret      string
		Entrypoint  bool
	}

	pipLine struct {
		Args []string
	}
)

// WithTemplate replaces the embedded Dockerfile template. The template sees
// the same data and the "quote" function.
func WithTemplate(text string) GeneratorOption {
	return func(g *Generator) {
		tmpl, err := newTemplate(text)
		if err != nil {
			g.logger.Warn("custom template rejected, using the embedded one", "error", err)
			return
		}
		g.tmpl = tmpl
	}
}

// WithLogger sets the generator's logger.
func WithLogger(l *log.Logger) GeneratorOption {
	return func(g *Generator) {
		g.logger = l
	}
}

// NewGenerator returns a Generator using the embedded template.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{tmpl: defaultTemplate, logger: log.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func newTemplate(text string) (*template.Template, error) {
	return template.New("Dockerfile").
		Option("missingkey=error").
		Funcs(template.FuncMap{"quote": quote}).
		Parse(text)
}

func quote(s string) (string, error) {
	return syntax.Quote(s, syntax.LangBash)
}

// Generate renders the definition for script under profile.
func (g *Generator) Generate(profile *resolve.Profile, src script.Source, opts Options) (*Definition, error) {
	if profile == nil {
		return nil, generationError("generate definition", src.Name, errors.New("no environment profile"))
	}
	if un := profile.Unresolved(); len(un) > 0 && !opts.AllowUnresolved {
		names := make([]string, 0, len(un))
		for _, l := range un {
			names = append(names, l.Import)
		}
		return nil, issue.NewErrorContext().
			WithKind(issue.UnresolvedDependency).
			WithOperation("generate definition").
			WithResource(src.Name).
			Wrap(fmt.Errorf("unresolved libraries: %s", strings.Join(names, ", "))).
			WithSuggestion("Map the libraries in a knowledge overlay and resolve again").
			WithSuggestion("Pass --allow-unresolved to build without them").
			BuildError()
	}

	if _, err := name.ParseReference(profile.BaseImage); err != nil {
		return nil, generationError("parse base image", profile.BaseImage, err,
			fmt.Sprintf("Fix the image of rule %q in the knowledge base", profile.ImageRule))
	}
	if profile.ArchiveRepo && profile.OSRelease == "" {
		return nil, generationError("configure archive repository", profile.ImageRule,
			errors.New("archive repository requested without an OS release"),
			"Set osRelease on the image rule")
	}
	if r := profile.Registry; r != nil && r.CredentialsRef != "" && !secretID.MatchString(r.CredentialsRef) {
		return nil, generationError("configure registry credentials", r.CredentialsRef,
			errors.New("invalid build secret id"),
			"Use only letters, digits, '.', '_' and '-' in the registry's credentialsRef")
	}

	var buf strings.Builder
	if err := g.tmpl.Execute(&buf, dataFor(profile)); err != nil {
		return nil, generationError("render Dockerfile", profile.ImageRule, err)
	}
	dockerfile := buf.String()

	sanitized, rewrites := Sanitize(string(src.Content), opts.Sanitize)
	for _, rw := range rewrites {
		g.logger.Debug("path rewritten", "line", rw.Line, "from", rw.Original, "to", rw.Rewritten)
	}

	hash := Hash(dockerfile, sanitized)
	return &Definition{
		Dockerfile:      dockerfile,
		Hash:            hash,
		ImageTag:        ImageTag(hash),
		Profile:         profile,
		ScriptName:      src.Name,
		SanitizedScript: sanitized,
		Rewrites:        rewrites,
	}, nil
}

// Hash is the content address of a definition: sha256 over the Dockerfile,
// a NUL separator and the sanitized script.
func Hash(dockerfile, sanitizedScript string) digest.Digest {
	d := digest.SHA256.Digester()
	h := d.Hash()
	h.Write([]byte(dockerfile))
	h.Write([]byte{0})
	h.Write([]byte(sanitizedScript))
	return d.Digest()
}

// ImageTag is the local tag for a definition hash.
func ImageTag(hash digest.Digest) string {
	enc := hash.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return TagRepository + ":" + enc
}

func dataFor(p *resolve.Profile) templateData {
	data := templateData{
		BaseImage:   p.BaseImage,
		OSRelease:   p.OSRelease,
		ArchiveRepo: p.ArchiveRepo,
		Apt:         p.Apt,
		Entrypoint:  p.EntrypointPython,
	}
	for _, lib := range p.Installable() {
		var args []string
		if lib.ArchiveSource != "" {
			args = append(args, "--find-links", lib.ArchiveSource)
		}
		spec := lib.Package
		if lib.Version != "" {
			spec += "==" + lib.Version
		}
		data.Pip = append(data.Pip, pipLine{Args: append(args, spec)})
	}
	if r := p.Registry; r != nil && r.IndexURL != "" {
		data.IndexArgs = append(data.IndexArgs, "--index-url", r.IndexURL)
		for _, h := range r.TrustedHosts {
			data.IndexArgs = append(data.IndexArgs, "--trusted-host", h)
		}
		data.Secret = r.CredentialsRef
	}
	return data
}

func generationError(op, resource string, cause error, suggestions ...string) error {
	return issue.NewErrorContext().
		WithKind(issue.GenerationError).
		WithOperation(op).
		WithResource(resource).
		Wrap(cause).
		WithSuggestions(suggestions...).
		BuildError()
}
