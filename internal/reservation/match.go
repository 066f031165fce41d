// Package reservation implements advisory path-pattern reservations:
// grants with conflict reporting, release, renewal, force-release of stale
// holds, and the wildmatch overlap logic behind all of them.
package reservation

import (
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// matcherCache caches normalized patterns so each is validated once.
// doublestar matches against the string form, so the cache stores the
// normalized pattern and its validity.
type matcherCache struct {
	mu       sync.RWMutex
	patterns map[string]cachedPattern
}

type cachedPattern struct {
	normalized string
	valid      bool
}

var cache = &matcherCache{patterns: make(map[string]cachedPattern)}

func (c *matcherCache) lookup(pattern string) cachedPattern {
	c.mu.RLock()
	p, ok := c.patterns[pattern]
	c.mu.RUnlock()
	if ok {
		return p
	}
	norm := normalizePattern(pattern)
	p = cachedPattern{normalized: norm, valid: doublestar.ValidatePattern(norm)}
	c.mu.Lock()
	c.patterns[pattern] = p
	c.mu.Unlock()
	return p
}

// normalizePattern maps gitignore conventions onto doublestar syntax.
// A leading slash anchors at the project root (and is stripped, since all
// paths are root-relative); a bare name with no slash matches at any depth,
// gitignore-style; a trailing slash means "the whole subtree".
func normalizePattern(pattern string) string {
	p := strings.TrimSpace(pattern)
	p = strings.TrimPrefix(p, "/")
	if strings.HasSuffix(p, "/") {
		p += "**"
	}
	if !strings.Contains(strings.TrimSuffix(p, "/**"), "/") && !strings.HasPrefix(p, "**/") {
		p = "**/" + p
	}
	return p
}

// MatchPath reports whether a reservation pattern matches one concrete
// root-relative path. Malformed patterns match nothing.
func MatchPath(pattern, path string) bool {
	p := cache.lookup(pattern)
	if !p.valid {
		return false
	}
	ok, err := doublestar.Match(p.normalized, strings.TrimPrefix(path, "/"))
	return err == nil && ok
}

// Overlaps reports whether two patterns could both match at least one
// concrete path. The check is two-sided: each pattern is matched against a
// literalized sample of the other, so `src/**` overlaps `src/db/schema.sql`
// and `**/*.go` overlaps `internal/**`.
func Overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return matchesSample(a, b) || matchesSample(b, a)
}

// matchesSample matches pattern against the other pattern treated as a path,
// both literally and with wildcard segments replaced by representative
// literals.
func matchesSample(pattern, other string) bool {
	if MatchPath(pattern, cache.lookup(other).normalized) {
		return true
	}
	return MatchPath(pattern, samplePath(other))
}

// samplePath turns a pattern into one concrete path it would match.
func samplePath(pattern string) string {
	p := cache.lookup(pattern).normalized
	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		switch {
		case seg == "**":
			continue
		case strings.ContainsAny(seg, "*?["):
			out = append(out, literalize(seg))
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "x"
	}
	return strings.Join(out, "/")
}

// literalize replaces wildcard runes in one segment with a literal stand-in.
func literalize(seg string) string {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		switch seg[i] {
		case '*', '?':
			b.WriteByte('x')
		case '[':
			// Take the first member of the class.
			j := i + 1
			if j < len(seg) && (seg[j] == '!' || seg[j] == '^') {
				b.WriteByte('x')
			} else if j < len(seg) {
				b.WriteByte(seg[j])
			}
			for i < len(seg) && seg[i] != ']' {
				i++
			}
		default:
			b.WriteByte(seg[i])
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}
