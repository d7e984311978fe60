package routedp

import (
	"fmt"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
)

// URLMatcher evaluates whether a URL string is matched by a glob pattern, a
// regular expression, or a caller-supplied predicate.
//
// Glob patterns are anchored against the full URL: `path/*` and `path/**`
// differ in that `*` matches within a single path segment while `**` matches
// across segments. A regular expression matches if it finds any substring of
// the URL. A predicate receives the URL string and returns a boolean.
type URLMatcher struct {
	glob string
	re   *regexp.Regexp
	pred func(string) bool
}

// MatchGlob creates a URLMatcher for the supplied glob pattern.
func MatchGlob(pattern string) URLMatcher {
	return URLMatcher{glob: pattern}
}

// MatchRegexp creates a URLMatcher for the supplied regular expression.
func MatchRegexp(re *regexp.Regexp) URLMatcher {
	return URLMatcher{re: re}
}

// MatchFunc creates a URLMatcher for the supplied predicate.
func MatchFunc(f func(urlstr string) bool) URLMatcher {
	return URLMatcher{pred: f}
}

// Match reports whether urlstr is matched.
func (m URLMatcher) Match(urlstr string) bool {
	switch {
	case m.re != nil:
		return m.re.MatchString(urlstr)
	case m.pred != nil:
		return m.pred(urlstr)
	case m.glob != "":
		ok, err := doublestar.Match(m.glob, urlstr)
		return err == nil && ok
	}
	return false
}

func (m URLMatcher) valid() bool {
	return m.re != nil || m.pred != nil || m.glob != ""
}

// compileMatcher coerces the pattern forms accepted by Route, Unroute and
// RouteWebSocket into a URLMatcher. The pattern may be a glob string, a
// *regexp.Regexp, a func(string) bool predicate, or a URLMatcher.
func compileMatcher(pattern interface{}) (URLMatcher, error) {
	switch p := pattern.(type) {
	case string:
		if !doublestar.ValidatePattern(p) {
			return URLMatcher{}, fmt.Errorf("%w: bad glob %q", ErrInvalidPattern, p)
		}
		return MatchGlob(p), nil
	case *regexp.Regexp:
		return MatchRegexp(p), nil
	case func(string) bool:
		return MatchFunc(p), nil
	case URLMatcher:
		if !p.valid() {
			return URLMatcher{}, ErrInvalidPattern
		}
		return p, nil
	}
	return URLMatcher{}, fmt.Errorf("%w: %T", ErrInvalidPattern, pattern)
}

// samePattern reports whether two matchers were built from the same source
// pattern, used by Unroute to select entries for removal.
func samePattern(a, b URLMatcher) bool {
	switch {
	case a.glob != "":
		return a.glob == b.glob
	case a.re != nil:
		return b.re != nil && a.re.String() == b.re.String()
	case a.pred != nil:
		return b.pred != nil && fmt.Sprintf("%p", a.pred) == fmt.Sprintf("%p", b.pred)
	}
	return false
}
