// SPDX-License-Identifier: MPL-2.0

package resolve

import (
	"slices"
	"strings"

	"github.com/relicrun/relic/internal/detect"
	"github.com/relicrun/relic/internal/knowledge"
)

const (
	exactVersionScore = 50
	matchScore        = 20
	missingLibPenalty = 10
	triggerMatchBonus = 30
	noCandidateScore  = -1 << 31
)

// family reduces a concrete interpreter version to the dialect-level hint it
// satisfies: "2.7" for any 2.x, "3.x" for any 3.x.
func family(version string) string {
	switch {
	case version == "" || version == detect.VersionUnknown:
		return detect.VersionUnknown
	case strings.HasPrefix(version, "2"):
		return detect.VersionLegacy
	case strings.HasPrefix(version, "3"):
		return detect.VersionModern
	default:
		return version
	}
}

// compatible reports whether a rule's interpreter can serve the hint.
func compatible(hint, rule string) bool {
	if hint == detect.VersionUnknown || rule == detect.VersionUnknown {
		return true
	}
	return family(hint) == family(rule)
}

// score rates rule against the search terms (libraries plus keywords).
func score(rule knowledge.ImageRule, hint string, terms map[string]bool) int {
	s := 0
	if hint != detect.VersionUnknown && family(rule.Python) == family(hint) {
		s += exactVersionScore
	}

	matched := 0
	for _, lib := range rule.Libs {
		if terms[lib] {
			matched++
		} else {
			s -= missingLibPenalty
		}
	}
	triggered := false
	for _, tr := range rule.Triggers {
		if terms[tr] && !slices.Contains(rule.Libs, tr) {
			matched++
		}
		if terms[tr] {
			triggered = true
		}
	}
	s += matched * matchScore
	if triggered {
		s += triggerMatchBonus
	}
	return s
}

// SelectImage picks the highest-scoring rule compatible with hint. Ties go
// to the earlier rule; with no compatible rule the last one is the default.
func SelectImage(rules []knowledge.ImageRule, hint string, terms []string) (knowledge.ImageRule, bool) {
	if len(rules) == 0 {
		return knowledge.ImageRule{}, false
	}
	set := make(map[string]bool, len(terms))
	for _, t := range terms {
		set[t] = true
	}

	best := rules[len(rules)-1]
	bestScore := noCandidateScore
	for _, r := range rules {
		if !compatible(hint, r.Python) {
			continue
		}
		if s := score(r, hint, set); s > bestScore {
			best, bestScore = r, s
		}
	}
	return best, true
}
