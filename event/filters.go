package event

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var filterJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// commonFields is the subset of a gateway dispatch body that the built-in
// filters inspect. Every Discord dispatch payload that carries these
// concepts names the fields identically, so one loose struct covers
// MESSAGE_CREATE, INTERACTION_CREATE, and friends without per-event
// schemas (out of scope per this module's Non-goals on domain typing).
type commonFields struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Author    struct {
		ID  string `json:"id"`
		Bot bool   `json:"bot"`
	} `json:"author"`
}

func parseCommon(p Payload) commonFields {
	var c commonFields
	_ = filterJSON.Unmarshal(p.Data, &c)
	return c
}

// ByUserID matches payloads whose top-level user_id, or nested
// author.id, equals id. Grounded on EventFilters::by_user_id.
func ByUserID(id string) Filter {
	return func(p Payload) bool {
		c := parseCommon(p)
		return c.UserID == id || c.Author.ID == id
	}
}

// ByChannelID matches payloads whose channel_id equals id.
func ByChannelID(id string) Filter {
	return func(p Payload) bool {
		return parseCommon(p).ChannelID == id
	}
}

// ByGuildID matches payloads whose guild_id equals id.
func ByGuildID(id string) Filter {
	return func(p Payload) bool {
		return parseCommon(p).GuildID == id
	}
}

// ByContent matches payloads whose content field matches pattern. A "*" in
// pattern matches any run of characters, anchored at both ends (glob
// semantics), mirroring EventFilters::by_content.
func ByContent(pattern string) Filter {
	return func(p Payload) bool {
		return globMatch(pattern, parseCommon(p).Content)
	}
}

// ByBot matches payloads whose author.bot flag equals want.
func ByBot(want bool) Filter {
	return func(p Payload) bool {
		return parseCommon(p).Author.Bot == want
	}
}

// And combines filters, requiring all to match.
func And(filters ...Filter) Filter {
	return func(p Payload) bool {
		for _, f := range filters {
			if f != nil && !f(p) {
				return false
			}
		}
		return true
	}
}

// Or combines filters, requiring at least one to match. An empty filter
// list matches nothing.
func Or(filters ...Filter) Filter {
	return func(p Payload) bool {
		for _, f := range filters {
			if f != nil && f(p) {
				return true
			}
		}
		return false
	}
}

// Not inverts a filter.
func Not(f Filter) Filter {
	return func(p Payload) bool {
		return f == nil || !f(p)
	}
}

// globMatch implements the "*"-as-wildcard anchored matching used by
// ByContent: pattern segments split on "*" must appear in order, with the
// first and last segments anchored to the string's start and end.
func globMatch(pattern, s string) bool {
	if pattern == "*" || pattern == "" && s == "" {
		return pattern == "*" || s == ""
	}
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, segments[0]) {
		return false
	}
	s = s[len(segments[0]):]

	if !strings.HasSuffix(s, segments[len(segments)-1]) {
		return false
	}
	last := len(segments) - 1
	if last > 0 {
		s = s[:len(s)-len(segments[last])]
	}

	for _, mid := range segments[1 : last] {
		if mid == "" {
			continue
		}
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return true
}
