package router

import (
	"net/http"
	"path"
	"strings"
)

// Policy selects how a request is served.
type Policy string

const (
	PolicyCacheFirst   Policy = "cache-first"
	PolicyNetworkFirst Policy = "network-first"
	PolicyPassthrough  Policy = "passthrough"
)

// ParsePolicy maps a policy name to a Policy. Unknown names report false.
func ParsePolicy(name string) (Policy, bool) {
	switch Policy(strings.ToLower(strings.TrimSpace(name))) {
	case PolicyCacheFirst:
		return PolicyCacheFirst, true
	case PolicyNetworkFirst:
		return PolicyNetworkFirst, true
	case PolicyPassthrough:
		return PolicyPassthrough, true
	default:
		return "", false
	}
}

// Classifier picks the policy for a request.
type Classifier interface {
	Classify(r *http.Request) Policy
}

// Rules configures a RuleClassifier.
type Rules struct {
	StaticPaths      []string
	StaticExtensions []string
	APIPrefixes      []string
	OfflineDocument  string
}

// RuleClassifier classifies by method, path and extension. Only GET and HEAD
// are ever cached.
type RuleClassifier struct {
	static      map[string]struct{}
	extensions  map[string]struct{}
	apiPrefixes []string
}

// NewRuleClassifier normalises rules into lookup tables.
func NewRuleClassifier(rules Rules) *RuleClassifier {
	c := &RuleClassifier{
		static:     make(map[string]struct{}, len(rules.StaticPaths)+1),
		extensions: make(map[string]struct{}, len(rules.StaticExtensions)),
	}
	for _, p := range append(append([]string(nil), rules.StaticPaths...), rules.OfflineDocument) {
		if p = strings.TrimSpace(p); p != "" {
			c.static[p] = struct{}{}
		}
	}
	for _, ext := range rules.StaticExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.extensions[ext] = struct{}{}
	}
	for _, prefix := range rules.APIPrefixes {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			c.apiPrefixes = append(c.apiPrefixes, prefix)
		}
	}
	return c
}

func (c *RuleClassifier) Classify(r *http.Request) Policy {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return PolicyPassthrough
	}
	p := r.URL.Path
	if _, ok := c.static[p]; ok {
		return PolicyCacheFirst
	}
	if _, ok := c.extensions[strings.ToLower(path.Ext(p))]; ok {
		return PolicyCacheFirst
	}
	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return PolicyNetworkFirst
		}
	}
	return PolicyPassthrough
}
