// Package irc parses the IRCv3 line protocol as spoken by Twitch chat.
//
// All functions are pure: they turn a single raw line into a typed value or
// return the zero value when the line does not match the expected verb shape.
// A non-match is not an error; most IRC traffic (PING, numerics, NOTICE) is
// uninteresting to the ingestion engine and callers simply skip nil results.
package irc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// emoteCDNTemplate renders an emote id into its image URL. The template is a
// protocol contract with the Twitch CDN, not configuration.
const emoteCDNTemplate = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/2.0"

// SyntheticIDPrefix marks message ids fabricated by this client for lines
// that carried no id tag. Synthetic ids are never trusted as a cross-source
// identity during deduplication.
const SyntheticIDPrefix = "irc-"

// Fragment is one run of a chat message body: either plain text or an emote
// occurrence resolved to its CDN image.
type Fragment struct {
	Type     string `json:"type"` // "text" | "emote"
	Text     string `json:"text"`
	EmoteID  string `json:"emoteId,omitempty"`
	EmoteURL string `json:"emoteUrl,omitempty"`
}

// ChatMessage is the unified message shape shared by the live IRC stream and
// the REST history backfill. Timestamps stay RFC3339 strings end to end:
// backfill items arrive as JSON with sender-supplied values and the retention
// sweep must fail open on ones it cannot parse.
type ChatMessage struct {
	ID          string          `json:"id"`
	MessageID   string          `json:"messageId,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Username    string          `json:"username"`
	DisplayName string          `json:"displayName,omitempty"`
	Message     string          `json:"message"`
	BadgeKeys   []string        `json:"badgeKeys,omitempty"`
	Fragments   []Fragment      `json:"fragments,omitempty"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
	Timestamp   string          `json:"timestamp"`
	Channel     string          `json:"channel,omitempty"`
	Translation json.RawMessage `json:"translation,omitempty"` // opaque, carried as-is
}

// NamesReply is a parsed 353 numeric: the server's roster snapshot for a
// channel, already stripped of mode sigils and deduplicated.
type NamesReply struct {
	Channel string
	Logins  []string
}

// Membership is a parsed JOIN or PART.
type Membership struct {
	Channel   string
	UserLogin string
}

// syntheticMessageID fabricates an id for a PRIVMSG without an id tag. The
// prefix lets the deduplicator recognize it as untrustworthy.
func syntheticMessageID(channel string, at time.Time) string {
	return fmt.Sprintf("%s%s-%d-%s", SyntheticIDPrefix, channel, at.UnixMilli(), uuid.NewString()[:8])
}

// EmoteURL renders an emote id into the fixed CDN template.
func EmoteURL(emoteID string) string {
	return fmt.Sprintf(emoteCDNTemplate, emoteID)
}
