// SPDX-License-Identifier: MPL-2.0

package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	pep440 "github.com/aquasecurity/go-pep440-version"
	"github.com/charmbracelet/log"

	"github.com/relicrun/relic/internal/detect"
	"github.com/relicrun/relic/internal/knowledge"
	"github.com/relicrun/relic/internal/metrics"
	"github.com/relicrun/relic/internal/pkgindex"
)

// ErrNoImages is returned when the knowledge base defines no image rules.
var ErrNoImages = errors.New("knowledge base defines no image rules")

type (
	// Resolver maps detection results onto the knowledge base. It is safe
	// for concurrent use; guesses are memoized for its lifetime.
	Resolver struct {
		store   *knowledge.Store
		guesser *pkgindex.Guesser
		metrics *metrics.Metrics
		logger  *log.Logger
	}

	// ResolverOption configures a Resolver.
	ResolverOption func(*Resolver)

	// Option adjusts a single Resolve call.
	Option func(*callOptions)

	callOptions struct {
		dialect  detect.Dialect
		imageID  string
		snapshot *knowledge.Snapshot
	}
)

// WithIndex enables guessing against idx for libraries the knowledge base
// does not map.
func WithIndex(idx pkgindex.Index, opts ...pkgindex.GuesserOption) ResolverOption {
	return func(r *Resolver) {
		r.guesser = pkgindex.NewGuesser(idx, opts...)
	}
}

// WithMetrics records one resolution per library.
func WithMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithLogger sets the resolver's logger.
func WithLogger(l *log.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithDialect overrides the detected dialect, typically after an
// AnalysisUncertain result.
func WithDialect(d detect.Dialect) Option {
	return func(o *callOptions) {
		o.dialect = d
	}
}

// WithImage forces the image rule with the given id instead of scoring.
func WithImage(id string) Option {
	return func(o *callOptions) {
		o.imageID = id
	}
}

// WithSnapshot resolves against snap instead of the store's current
// snapshot, for callers that layer extra overlays for one request.
func WithSnapshot(snap *knowledge.Snapshot) Option {
	return func(o *callOptions) {
		o.snapshot = snap
	}
}

// New returns a Resolver reading from store. Without WithIndex, libraries
// the knowledge base does not map are reported as unresolved.
func New(store *knowledge.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, logger: log.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve builds a profile for det. Per-library failures never fail the
// call; they surface as unresolved entries. An error is returned only when
// no image can be selected or ctx ends.
func (r *Resolver) Resolve(ctx context.Context, det detect.Result, opts ...Option) (*Profile, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	snap := o.snapshot
	if snap == nil {
		snap = r.store.Snapshot()
	}

	dialect := det.Dialect
	hint := det.Hints.PythonVersion
	if o.dialect != "" {
		if err := o.dialect.Validate(); err != nil {
			return nil, err
		}
		dialect = o.dialect
		hint = o.dialect.PythonVersion()
	}
	if hint == "" {
		hint = dialect.PythonVersion()
	}

	rule, err := r.selectImage(snap, o.imageID, hint, append(append([]string(nil), det.Libraries...), det.Hints.Keywords...))
	if err != nil {
		return nil, err
	}

	p := &Profile{
		Dialect:          dialect,
		PythonVersion:    rule.Python,
		ImageRule:        rule.ID,
		BaseImage:        rule.Image,
		OSRelease:        rule.OSRelease,
		ArchiveRepo:      rule.ArchiveRepo,
		EntrypointPython: rule.EntrypointPython,
		Registry:         snap.Registry,
		Knowledge:        snap.Digest,
		Libraries:        make([]Library, 0, len(det.Libraries)),
	}

	env := environment{
		snap:         snap,
		osRelease:    rule.OSRelease,
		python:       pythonVersion(rule.Python),
		year:         det.Hints.ValidationYear,
		preinstalled: preinstalled(rule.Preinstalled),
	}

	var aptNames []string
	for _, imp := range det.Libraries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lib := r.library(ctx, env, imp)
		r.metrics.Resolution(string(lib.Source), string(lib.Status))
		if lib.Status == Unresolved {
			r.logger.Warn("library unresolved", "import", imp, "reason", lib.Reason)
		}
		if lib.Installable() {
			aptNames = append(aptNames, imp, lib.Package)
		}
		p.Libraries = append(p.Libraries, lib)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.Apt = snap.AptPackages(aptNames...)
	return p, nil
}

func (r *Resolver) selectImage(snap *knowledge.Snapshot, id, hint string, terms []string) (knowledge.ImageRule, error) {
	if id != "" {
		rule, ok := snap.Image(id)
		if !ok {
			return knowledge.ImageRule{}, fmt.Errorf("image rule %q not found", id)
		}
		return rule, nil
	}
	rule, ok := SelectImage(snap.Images, hint, terms)
	if !ok {
		return knowledge.ImageRule{}, ErrNoImages
	}
	return rule, nil
}

type environment struct {
	snap         *knowledge.Snapshot
	osRelease    string
	python       *semver.Version
	year         int
	preinstalled map[string]bool
}

func (r *Resolver) library(ctx context.Context, env environment, imp string) Library {
	if IsStdlib(imp) {
		return Library{Import: imp, Source: FromStdlib, Status: Resolved}
	}

	dist, aliased := env.snap.Distribution(imp)
	if !aliased {
		dist = imp
	}

	for _, name := range []string{imp, dist} {
		canonical, ok := env.snap.CanonicalName(name)
		if !ok {
			continue
		}
		lib := Library{Import: imp, Package: canonical, Source: FromKnowledge, Status: Resolved}
		if rel, ok := env.pick(env.snap.Releases(canonical)); ok {
			lib.Version = rel.Version
			lib.OSRelease = rel.OSRelease
			lib.ArchiveSource = rel.ArchiveSource
		} else {
			lib.Reason = fmt.Sprintf("no release fits %s with python %s; installing unpinned", orAny(env.osRelease), pythonString(env.python))
		}
		return lib
	}

	if env.preinstalled[pkgindex.Normalize(dist)] {
		return Library{Import: imp, Package: dist, Source: FromImage, Status: Resolved}
	}

	if r.guesser == nil {
		reason := "not in the knowledge base and no package index is configured"
		if aliased {
			return Library{Import: imp, Package: dist, Status: Unresolved, Reason: reason}
		}
		return Library{Import: imp, Status: Unresolved, Reason: reason}
	}

	var aliases []string
	if aliased {
		aliases = []string{dist}
	}
	g, err := r.guesser.Guess(ctx, imp, aliases...)
	lib := Library{Import: imp, Candidates: g.Candidates}
	switch {
	case g.Name != "":
		lib.Package = g.Name
		lib.Source = FromIndex
		lib.Status = Resolved
	case err != nil:
		lib.Status = Unresolved
		lib.Reason = err.Error()
	default:
		lib.Status = Unresolved
		lib.Reason = "no candidate exists on the package index"
	}
	return lib
}

// pick filters releases by OS release, interpreter constraint and validation
// year, then returns the greatest PEP 440 version among the survivors.
func (env environment) pick(releases []knowledge.Release) (knowledge.Release, bool) {
	var fit []knowledge.Release
	for _, rel := range releases {
		if rel.OSRelease != "" && env.osRelease != "" && rel.OSRelease != env.osRelease {
			continue
		}
		if !satisfies(rel.Python, env.python) {
			continue
		}
		fit = append(fit, rel)
	}

	if env.year > 0 {
		var dated []knowledge.Release
		for _, rel := range fit {
			if rel.Year <= env.year {
				dated = append(dated, rel)
			}
		}
		if len(dated) > 0 {
			fit = dated
		}
	}

	var (
		best    knowledge.Release
		bestVer *pep440.Version
		found   bool
	)
	for _, rel := range fit {
		v, err := pep440.Parse(rel.Version)
		if err != nil {
			if !found {
				best, found = rel, true
			}
			continue
		}
		if bestVer == nil || v.Compare(*bestVer) > 0 {
			best, bestVer, found = rel, &v, true
		}
	}
	return best, found
}

func satisfies(constraint string, python *semver.Version) bool {
	if constraint == "" || python == nil {
		return true
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(python)
}

func pythonVersion(s string) *semver.Version {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil
	}
	return v
}

func pythonString(v *semver.Version) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

func orAny(osRelease string) string {
	if osRelease == "" {
		return "any OS release"
	}
	return strings.ToLower(osRelease)
}

func preinstalled(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[pkgindex.Normalize(n)] = true
	}
	return m
}
