package server

import (
	"fmt"
	"regexp"
	"strings"

	filecdn "github.com/syncshard/filecdn"
)

// ShardRoute maps hashes matching a pattern to an edge shard's base URL.
type ShardRoute struct {
	Pattern *regexp.Regexp
	BaseURL string
}

// ShardRoutes is an ordered routing table; the first matching rule wins.
type ShardRoutes []ShardRoute

// ParseShardRoutes parses "pattern=url" rule strings into a routing table.
func ParseShardRoutes(rules []string) (ShardRoutes, error) {
	routes := make(ShardRoutes, 0, len(rules))
	for _, rule := range rules {
		pattern, url, ok := strings.Cut(rule, "=")
		if !ok {
			return nil, fmt.Errorf("malformed shard route %q, want pattern=url", rule)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling shard route %q: %w", pattern, err)
		}
		routes = append(routes, ShardRoute{
			Pattern: re,
			BaseURL: strings.TrimSuffix(url, "/"),
		})
	}
	return routes, nil
}

// DownloadURL returns the shard download URL for a hash, or empty when no
// rule matches (the caller should download from this node directly).
func (routes ShardRoutes) DownloadURL(h filecdn.Hash) string {
	hex := h.String()
	for _, route := range routes {
		if route.Pattern.MatchString(hex) {
			return route.BaseURL + "/serverfiles/" + hex
		}
	}
	return ""
}
