package rest

import "strings"

// Route identifies one REST call for rate-limit bucketing. Discord shares
// buckets across routes that differ only in numeric ID segments (e.g. two
// different channel IDs under /channels/{id}/messages share a bucket), so
// the signature used to key the ratelimit.Limiter collapses numeric path
// segments to a placeholder — this is the "route-template" the spec's data
// model refers to (§3, Pending HTTP request: "route-template").
type Route struct {
	Method   string
	Template string // e.g. "POST /channels/{id}/messages"
	Path     string // e.g. "/channels/123456789012345678/messages"
}

// NewRoute builds a Route, deriving Template from path by collapsing
// snowflake-shaped segments.
func NewRoute(method, path string) Route {
	return Route{Method: method, Template: method + " " + templateOf(path), Path: path}
}

// Signature is the map key the rate limiter buckets on.
func (r Route) Signature() string { return r.Template }

func templateOf(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if isSnowflake(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func isSnowflake(seg string) bool {
	if len(seg) < 15 || len(seg) > 20 {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
