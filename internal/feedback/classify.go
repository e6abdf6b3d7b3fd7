package feedback

import (
	"regexp"
	"strings"
)

// MessageEvent is the parsed form of one inbound Slack message delivery.
// Consumed once, never stored.
type MessageEvent struct {
	ChannelID string
	UserID    string
	ThreadTS  string
	Text      string
	EventTS   string
}

// Action is the parsed form of one block_actions interaction callback.
type Action struct {
	ID        string
	UserID    string
	ChannelID string
	ThreadTS  string
	MessageTS string
	Value     string
}

// Metadata holds optional structured fields recovered from a triggering
// message, e.g. "ticket SUP-1234 resolved, session abc-123".
type Metadata struct {
	TicketID      string
	CorrelationID string
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	ticketRe     = regexp.MustCompile(`(?i)\bticket[ #:]*([A-Z]{2,10}-\d+|\d{3,})`)
	sessionRe    = regexp.MustCompile(`(?i)\bsession[ #:]*([A-Za-z0-9][A-Za-z0-9_-]{2,})`)
)

// MatchesTrigger reports whether text contains phrase, case-insensitively.
// An empty phrase never matches.
func MatchesTrigger(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(phrase))
}

// ExtractMetadata pattern-matches a ticket identifier and a correlation
// (session) identifier out of text. The text is whitespace-normalized first so
// line breaks and double spaces between the keyword and the value don't hide a
// match. Fields that don't match stay empty; this never fails.
func ExtractMetadata(text string) Metadata {
	normalized := whitespaceRe.ReplaceAllString(text, " ")

	var meta Metadata
	if m := ticketRe.FindStringSubmatch(normalized); m != nil {
		meta.TicketID = m[1]
	}
	if m := sessionRe.FindStringSubmatch(normalized); m != nil {
		meta.CorrelationID = m[1]
	}
	return meta
}
