package inference

import (
	"math/rand"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// maxAliasDistance bounds how far a header may be from an alias and still match.
const maxAliasDistance = 2

// normalizeHeader folds case and drops separators so "Customer ID",
// "customer_id" and "ת.ז" compare on their letters only.
func normalizeHeader(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// matchesAlias reports whether header is a close fuzzy match for any alias.
// Either side may be the shorter one; the edit distance between the two must
// stay within maxAliasDistance.
func matchesAlias(header string, aliases []string) bool {
	h := normalizeHeader(header)
	if h == "" {
		return false
	}

	targets := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if n := normalizeHeader(a); n != "" {
			targets = append(targets, n)
		}
	}

	for _, rank := range fuzzy.RankFindNormalizedFold(h, targets) {
		if rank.Distance <= maxAliasDistance {
			return true
		}
	}
	for _, t := range targets {
		for _, rank := range fuzzy.RankFindNormalizedFold(t, []string{h}) {
			if rank.Distance <= maxAliasDistance {
				return true
			}
		}
	}
	return false
}

// candidateOrder lists unassigned columns, those whose header matches an
// alias first, then the rest in original order.
func candidateOrder(header []string, aliases []string, assigned map[int]bool, useAliases bool) []int {
	var preferred, rest []int
	for i, h := range header {
		if assigned[i] {
			continue
		}
		if useAliases && matchesAlias(h, aliases) {
			preferred = append(preferred, i)
		} else {
			rest = append(rest, i)
		}
	}
	return append(preferred, rest...)
}

// sample draws up to n values without replacement. A fresh source seeded
// with seed is used on every call so the same column always yields the same
// sample.
func sample(values []string, n int, seed int64) []string {
	if len(values) <= n {
		return append([]string(nil), values...)
	}
	rng := rand.New(rand.NewSource(seed))
	idx := rng.Perm(len(values))[:n]
	out := make([]string, n)
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}
