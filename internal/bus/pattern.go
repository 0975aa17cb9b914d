package bus

import (
	"regexp"
	"strings"
	"sync"
)

// Channel patterns are globs where '*' matches exactly one path segment and
// '?' matches one in-segment character. Both ':' and '.' act as segment
// separators, so "events:*:user.created" matches
// "events:analytics:user.created" but not "events:analytics:sub:user.created".
//
// Compiled patterns are cached; subscription patterns are few and long-lived.
var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]*regexp.Regexp)
)

// matchChannel reports whether channel matches the glob pattern.
func matchChannel(pattern, channel string) bool {
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(channel)
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re, nil
	}

	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `[^:.]*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `[^:.]`)
	re, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		return nil, err
	}

	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re, nil
}
