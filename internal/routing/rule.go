// Package routing maps purge URLs to the cache endpoints that should
// receive them.
package routing

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
)

var (
	// ErrNoRoutes is returned when a resolver is built without rules.
	ErrNoRoutes = errors.New("at least one route must be specified")

	// ErrInvalidRule is returned for a rule with a missing host or bad port.
	ErrInvalidRule = errors.New("invalid route")

	// ErrInvalidPattern is returned when a /regexp/ pattern does not compile.
	ErrInvalidPattern = errors.New("invalid route pattern")
)

// Rule maps URLs matching Pattern to a cache endpoint.
//
// Pattern is either "/<regexp>/" or anything else. The slash-delimited
// form is compiled as a regular expression tested against the whole URL
// string (unanchored). Every other value, including "", matches all URLs.
type Rule struct {
	Pattern string
	Host    string
	Port    int
}

// Destination is a resolved cache endpoint.
type Destination struct {
	Host string
	Port int
}

// String returns the endpoint as host:port.
func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// MatchKind identifies how a rule matches URLs.
type MatchKind int

const (
	// MatchAll matches every URL.
	MatchAll MatchKind = iota
	// MatchPattern matches URLs accepted by a compiled regular expression.
	MatchPattern
)

// String returns a human-readable name for the kind.
func (k MatchKind) String() string {
	switch k {
	case MatchAll:
		return "default"
	case MatchPattern:
		return "pattern"
	default:
		return "unknown"
	}
}

// matcher is the compiled form of a rule pattern.
type matcher struct {
	kind MatchKind
	re   *regexp.Regexp
}

func (m matcher) match(url string) bool {
	if m.kind == MatchPattern {
		return m.re.MatchString(url)
	}
	return true
}

// IsPattern reports whether pattern uses the /<regexp>/ form.
func IsPattern(pattern string) bool {
	return len(pattern) > 2 && pattern[0] == '/' && pattern[len(pattern)-1] == '/'
}

func compileMatcher(pattern string) (matcher, error) {
	if !IsPattern(pattern) {
		return matcher{kind: MatchAll}, nil
	}

	body := pattern[1 : len(pattern)-1]
	re, err := regexp.Compile(body)
	if err != nil {
		return matcher{}, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	return matcher{kind: MatchPattern, re: re}, nil
}

// ValidateRule checks r without building a resolver, including pattern
// compilation.
func ValidateRule(r Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	_, err := compileMatcher(r.Pattern)
	return err
}

func validateRule(r Rule) error {
	if r.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidRule)
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidRule, r.Port)
	}
	return nil
}
