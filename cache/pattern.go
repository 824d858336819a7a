package cache

import (
	"regexp"
	"strings"
	"sync"
)

// patternCache memoizes the compiled regexp for each glob pattern seen by
// keys()/get_matching(), since the same pattern is typically probed
// repeatedly (e.g. a poller calling keys("guild:*:member:*") every tick).
// Grounded on cache_manager.cpp's pattern_to_regex, which recompiles a
// std::regex on every call; Go's regexp.Compile is costly enough by
// comparison that this module adds caching the original didn't bother
// with.
type patternCache struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func newPatternCache() *patternCache {
	return &patternCache{cache: make(map[string]*regexp.Regexp)}
}

func (p *patternCache) compile(pattern string) *regexp.Regexp {
	p.mu.Lock()
	defer p.mu.Unlock()

	if re, ok := p.cache[pattern]; ok {
		return re
	}
	re := regexp.MustCompile(globToRegex(pattern))
	p.cache[pattern] = re
	return re
}

// globToRegex mirrors cache_manager.cpp's pattern_to_regex: "*" becomes
// ".*", "?" becomes ".", the rest is escaped literally, anchored at both
// ends.
func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return b.String()
}
