package routing

import (
	"fmt"
)

// Resolver selects the destination for a URL from an ordered rule list.
// It is immutable after construction and safe for concurrent use.
type Resolver struct {
	rules    []Rule
	matchers []matcher
}

// NewResolver validates and compiles rules. Rules are evaluated in the
// order given; the first matching rule wins.
func NewResolver(rules []Rule) (*Resolver, error) {
	if len(rules) == 0 {
		return nil, ErrNoRoutes
	}

	r := &Resolver{
		rules:    make([]Rule, len(rules)),
		matchers: make([]matcher, len(rules)),
	}
	copy(r.rules, rules)

	for i, rule := range r.rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		m, err := compileMatcher(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		r.matchers[i] = m
	}

	return r, nil
}

// Resolve returns the destination of the first rule matching url.
// The second result is false when no rule matches.
func (r *Resolver) Resolve(url string) (Destination, bool) {
	for i, m := range r.matchers {
		if m.match(url) {
			return Destination{Host: r.rules[i].Host, Port: r.rules[i].Port}, true
		}
	}
	return Destination{}, false
}

// Entry describes one configured rule.
type Entry struct {
	Index int
	Rule  Rule
	Kind  MatchKind
}

// Entries returns the configured rules in evaluation order.
func (r *Resolver) Entries() []Entry {
	out := make([]Entry, len(r.rules))
	for i, rule := range r.rules {
		out[i] = Entry{Index: i, Rule: rule, Kind: r.matchers[i].kind}
	}
	return out
}

// Len returns the number of rules.
func (r *Resolver) Len() int {
	return len(r.rules)
}

// HasDefault reports whether any rule matches every URL.
func (r *Resolver) HasDefault() bool {
	for _, m := range r.matchers {
		if m.kind == MatchAll {
			return true
		}
	}
	return false
}
