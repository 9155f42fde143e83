package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// Rule limits one method and path. A Path ending in "/" matches every path below it.
// A Limit of zero leaves the endpoint unlimited.
type Rule struct {
	Method string
	Path   string
	Limit  int
	Window time.Duration
	Burst  int
}

// DefaultRules are the per-endpoint limits of the reporting API. Starting a run is
// expensive, so POST /api/runs allows a handful of calls per hour.
func DefaultRules() []Rule {
	return []Rule{
		{Method: http.MethodGet, Path: "/health", Limit: 0},
		{Method: http.MethodPost, Path: "/api/runs", Limit: 6, Window: time.Hour, Burst: 2},
		{Method: http.MethodGet, Path: "/api/runs/", Limit: 300, Window: time.Minute},
	}
}

// Match returns the rule for a request, or nil when none applies. Exact paths win over
// prefixes.
func Match(method, path string, rules []Rule) *Rule {
	for i := range rules {
		r := &rules[i]
		if r.Method == method && r.Path == path {
			return r
		}
	}
	for i := range rules {
		r := &rules[i]
		if r.Method == method && strings.HasSuffix(r.Path, "/") && strings.HasPrefix(path, r.Path) {
			return r
		}
	}
	return nil
}
