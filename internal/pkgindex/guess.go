// SPDX-License-Identifier: MPL-2.0

package pkgindex

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/agext/levenshtein"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// RankAlias is a distribution name supplied by the knowledge base.
	RankAlias Rank = iota
	// RankExact matches the import name after normalization.
	RankExact
	// RankPrefix starts with the import name.
	RankPrefix
	// RankFuzzy is within MaxDistance edits of the import name.
	RankFuzzy
)

const (
	defaultPerRank     = 5
	defaultConcurrency = 4
)

type (
	// Rank orders guess candidates; lower ranks are preferred.
	Rank int

	// Candidate is one possible distribution name for an import.
	Candidate struct {
		Name     string `json:"name"`
		Rank     Rank   `json:"rank"`
		Verified bool   `json:"verified"`
	}

	// Guess is the outcome of guessing one import name.
	Guess struct {
		Import string `json:"import"`
		// Name is the highest-ranked verified candidate, empty when none
		// verified.
		Name       string      `json:"name,omitempty"`
		Candidates []Candidate `json:"candidates"`
	}

	// Guesser proposes and verifies distribution names for import names.
	// Results are memoized, so a Guesser answers the same question the same
	// way for its whole lifetime.
	Guesser struct {
		index       Index
		perRank     int
		concurrency int
		logger      *log.Logger

		group singleflight.Group
		mu    sync.Mutex
		memo  map[string]Guess
	}

	// GuesserOption configures a Guesser.
	GuesserOption func(*Guesser)
)

func (r Rank) String() string {
	switch r {
	case RankAlias:
		return "alias"
	case RankExact:
		return "exact"
	case RankPrefix:
		return "prefix"
	case RankFuzzy:
		return "fuzzy"
	default:
		return fmt.Sprintf("Rank(%d)", int(r))
	}
}

// MarshalText renders the rank by name.
func (r Rank) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// WithConcurrency bounds the number of concurrent verification requests.
func WithConcurrency(n int) GuesserOption {
	return func(g *Guesser) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// WithPerRank caps how many prefix and fuzzy candidates are kept.
func WithPerRank(n int) GuesserOption {
	return func(g *Guesser) {
		if n > 0 {
			g.perRank = n
		}
	}
}

// WithGuessLogger sets the logger for search failures.
func WithGuessLogger(l *log.Logger) GuesserOption {
	return func(g *Guesser) {
		g.logger = l
	}
}

// NewGuesser returns a Guesser that verifies candidates against index.
func NewGuesser(index Index, opts ...GuesserOption) *Guesser {
	g := &Guesser{
		index:       index,
		perRank:     defaultPerRank,
		concurrency: defaultConcurrency,
		logger:      log.Default(),
		memo:        map[string]Guess{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Guess ranks candidates for importName, verifies them concurrently and
// returns the best verified one. aliases are distribution names the caller
// already associates with the import; they rank first.
//
// A search failure is not fatal: the import name itself is still probed.
// The error is non-nil only when no candidate verified and at least one
// verification failed for a reason other than absence.
func (g *Guesser) Guess(ctx context.Context, importName string, aliases ...string) (Guess, error) {
	key := importName + "\x00" + strings.Join(aliases, "\x00")

	g.mu.Lock()
	if cached, ok := g.memo[key]; ok {
		g.mu.Unlock()
		return cached, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do(key, func() (any, error) {
		res, err := g.guess(ctx, importName, aliases)
		if err != nil {
			return res, err
		}
		g.mu.Lock()
		g.memo[key] = res
		g.mu.Unlock()
		return res, nil
	})
	return v.(Guess), err
}

func (g *Guesser) guess(ctx context.Context, importName string, aliases []string) (Guess, error) {
	found, err := g.index.Search(ctx, importName)
	if err != nil {
		if ctx.Err() != nil {
			return Guess{Import: importName}, ctx.Err()
		}
		g.logger.Debug("index search failed", "import", importName, "error", err)
	}

	res := Guess{Import: importName, Candidates: g.rank(importName, aliases, found)}
	if len(res.Candidates) == 0 {
		return res, nil
	}

	verified := make([]bool, len(res.Candidates))
	errs := make([]error, len(res.Candidates))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, c := range res.Candidates {
		eg.Go(func() error {
			ok, err := g.index.Exists(egCtx, c.Name)
			verified[i], errs[i] = ok, err
			return nil
		})
	}
	_ = eg.Wait() // workers record their own errors

	for i := range res.Candidates {
		res.Candidates[i].Verified = verified[i]
		if verified[i] && res.Name == "" {
			res.Name = res.Candidates[i].Name
		}
	}
	if res.Name == "" {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := errors.Join(errs...); err != nil {
			return res, fmt.Errorf("verify candidates for %s: %w", importName, err)
		}
	}
	return res, nil
}

// rank orders candidates: aliases, then exact matches, then up to perRank
// prefix matches (shortest first), then up to perRank fuzzy matches
// (closest first). Each normalized name appears once.
func (g *Guesser) rank(importName string, aliases, found []string) []Candidate {
	q := Normalize(importName)
	seen := map[string]bool{}
	var out []Candidate
	add := func(name string, r Rank) {
		n := Normalize(name)
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, Candidate{Name: name, Rank: r})
	}

	for _, a := range aliases {
		add(a, RankAlias)
	}

	exact := importName
	var prefix, fuzzy []string
	for _, f := range found {
		n := Normalize(f)
		switch {
		case n == q:
			exact = f
		case strings.HasPrefix(n, q):
			prefix = append(prefix, f)
		default:
			fuzzy = append(fuzzy, f)
		}
	}
	add(exact, RankExact)

	slices.SortFunc(prefix, func(a, b string) int {
		if d := len(a) - len(b); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	for _, p := range prefix[:min(len(prefix), g.perRank)] {
		add(p, RankPrefix)
	}

	dist := make(map[string]int, len(fuzzy))
	for _, f := range fuzzy {
		dist[f] = levenshtein.Distance(q, Normalize(f), nil)
	}
	fuzzy = slices.DeleteFunc(fuzzy, func(f string) bool { return dist[f] > MaxDistance })
	slices.SortFunc(fuzzy, func(a, b string) int {
		if d := dist[a] - dist[b]; d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	for _, f := range fuzzy[:min(len(fuzzy), g.perRank)] {
		add(f, RankFuzzy)
	}
	return out
}
