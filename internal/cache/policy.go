package cache

import (
	"fmt"
	"regexp"
)

// Policy decides whether a request bypasses the cache. Rules are scoped the
// way the gateway routes: a whole virtual route can be excluded (typical for
// "background" or "search" traffic where replays are wrong), or individual
// virtual model names, exactly or by pattern.
//
// A nil *Policy bypasses nothing.
type Policy struct {
	routes map[string]struct{}
	models map[string]struct{}

	patterns []*regexp.Regexp
}

// NewPolicy compiles the exclusion rules. Pattern compilation errors surface
// here so misconfiguration is caught at startup.
func NewPolicy(routes, models, patterns []string) (*Policy, error) {
	p := &Policy{
		routes: make(map[string]struct{}, len(routes)),
		models: make(map[string]struct{}, len(models)),
	}

	for _, r := range routes {
		if r != "" {
			p.routes[r] = struct{}{}
		}
	}
	for _, m := range models {
		if m != "" {
			p.models[m] = struct{}{}
		}
	}
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("cache policy: invalid pattern %q: %w", pat, err)
		}
		p.patterns = append(p.patterns, re)
	}

	return p, nil
}

// Bypass reports whether a request on the given route with the given virtual
// model name must skip both cache read and write.
func (p *Policy) Bypass(route, model string) bool {
	if p == nil {
		return false
	}
	if _, ok := p.routes[route]; ok {
		return true
	}
	if _, ok := p.models[model]; ok {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules configured.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.routes) + len(p.models) + len(p.patterns)
}
