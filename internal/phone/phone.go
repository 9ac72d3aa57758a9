// Package phone canonicalizes phone numbers and matches them against the
// agent roster. Country codes may or may not be present on either side, so
// comparison is suffix-tolerant.
package phone

import (
	"strings"

	"github.com/unclebandit/chatrelay-backend/internal/model"
)

// Normalize strips everything but ASCII digits. Input without digits yields "".
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Matches reports whether a and b denote the same number: equal after
// normalization, or one is a suffix of the other. Empty never matches.
func Matches(a, b string) bool {
	return matchLength(Normalize(a), Normalize(b)) > 0
}

// matchLength returns how many digits the two canonical numbers share when
// they tolerantly match, 0 otherwise.
func matchLength(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return len(a)
	}
	if strings.HasSuffix(a, b) {
		return len(b)
	}
	if strings.HasSuffix(b, a) {
		return len(a)
	}
	return 0
}

// ResolveAgent returns the available agent whose phone matches p, or nil.
//
// When several agents match, an exact match wins, then the longest shared
// suffix. Remaining ties go to the first agent in roster order.
func ResolveAgent(p string, agents []*model.Agent) *model.Agent {
	n := Normalize(p)
	if n == "" {
		return nil
	}

	var best *model.Agent
	bestLen := 0
	for _, a := range agents {
		if a == nil || !a.Available() {
			continue
		}
		ap := Normalize(a.Phone)
		if ap == n {
			return a
		}
		if l := matchLength(n, ap); l > bestLen {
			best, bestLen = a, l
		}
	}
	return best
}
