package irc

import (
	"strconv"
	"strings"
	"time"
)

// NormalizeChannel lowercases a channel name and strips the leading '#'.
func NormalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}

// NormalizeLogin lowercases a login name.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// splitTags peels an optional "@tags " prefix off a raw line and returns the
// decoded tag map (nil when absent) plus the remainder of the line.
func splitTags(line string) (map[string]string, string) {
	if !strings.HasPrefix(line, "@") {
		return nil, line
	}
	raw, rest, ok := strings.Cut(line[1:], " ")
	if !ok {
		return nil, line
	}
	return parseTags(raw), rest
}

// prefixLogin extracts the login from an IRC prefix ("nick!user@host").
func prefixLogin(prefix string) string {
	login, _, _ := strings.Cut(prefix, "!")
	return NormalizeLogin(login)
}

// ParsePrivateMessage parses a tagged PRIVMSG line into a ChatMessage.
// Returns nil when the line is not a PRIVMSG of the expected shape; callers
// treat nil as "ignore", never as an error.
func ParsePrivateMessage(line string) *ChatMessage {
	tags, rest := splitTags(strings.TrimRight(line, "\r\n"))
	if !strings.HasPrefix(rest, ":") {
		return nil
	}
	prefix, rest, ok := strings.Cut(rest[1:], " ")
	if !ok {
		return nil
	}
	verb, rest, ok := strings.Cut(rest, " ")
	if !ok || verb != "PRIVMSG" {
		return nil
	}
	target, text, ok := strings.Cut(rest, " :")
	if !ok {
		return nil
	}
	target = strings.TrimSpace(target)
	if !strings.HasPrefix(target, "#") {
		return nil
	}
	channel := NormalizeChannel(target)
	login := prefixLogin(prefix)
	if channel == "" || login == "" {
		return nil
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	if raw := tags["tmi-sent-ts"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			timestamp = time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
		}
	}

	displayName := tags["display-name"]
	if displayName == "" {
		displayName = login
	}
	messageID := tags["id"]
	if messageID == "" {
		messageID = syntheticMessageID(channel, now)
	}

	return &ChatMessage{
		ID:          messageID,
		MessageID:   messageID,
		UserID:      tags["user-id"],
		Username:    login,
		DisplayName: displayName,
		Message:     text,
		BadgeKeys:   ParseBadgeKeys(tags["badges"]),
		Fragments:   ParseEmoteFragments(text, tags["emotes"]),
		Timestamp:   timestamp,
		Channel:     channel,
	}
}

// ParseNamesReply parses a 353 numeric (NAMES reply). Mode sigils are
// stripped from each name and duplicates removed, preserving first
// appearance order. Returns nil on any other line.
func ParseNamesReply(line string) *NamesReply {
	_, rest := splitTags(strings.TrimRight(line, "\r\n"))
	if !strings.HasPrefix(rest, ":") {
		return nil
	}
	_, rest, ok := strings.Cut(rest[1:], " ")
	if !ok {
		return nil
	}
	verb, rest, ok := strings.Cut(rest, " ")
	if !ok || verb != "353" {
		return nil
	}
	params, trailing, ok := strings.Cut(rest, " :")
	if !ok {
		return nil
	}
	channel := ""
	for _, field := range strings.Fields(params) {
		if strings.HasPrefix(field, "#") {
			channel = NormalizeChannel(field)
		}
	}
	if channel == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var logins []string
	for _, name := range strings.Fields(trailing) {
		login := NormalizeLogin(strings.TrimLeft(name, "~&@%+"))
		if login == "" {
			continue
		}
		if _, ok := seen[login]; ok {
			continue
		}
		seen[login] = struct{}{}
		logins = append(logins, login)
	}
	return &NamesReply{Channel: channel, Logins: logins}
}

// ParseJoin parses a JOIN line into a Membership, or nil.
func ParseJoin(line string) *Membership { return parseMembership(line, "JOIN") }

// ParsePart parses a PART line into a Membership, or nil.
func ParsePart(line string) *Membership { return parseMembership(line, "PART") }

func parseMembership(line, wantVerb string) *Membership {
	_, rest := splitTags(strings.TrimRight(line, "\r\n"))
	if !strings.HasPrefix(rest, ":") {
		return nil
	}
	prefix, rest, ok := strings.Cut(rest[1:], " ")
	if !ok {
		return nil
	}
	verb, rest, _ := strings.Cut(rest, " ")
	if verb != wantVerb {
		return nil
	}
	// The channel is usually a middle param but some servers send it as
	// trailing (":#channel").
	target := strings.TrimPrefix(rest, ":")
	if idx := strings.IndexByte(target, ' '); idx >= 0 {
		target = target[:idx]
	}
	if !strings.HasPrefix(target, "#") {
		return nil
	}
	login := prefixLogin(prefix)
	channel := NormalizeChannel(target)
	if login == "" || channel == "" {
		return nil
	}
	return &Membership{Channel: channel, UserLogin: login}
}

// ParsePing recognizes a server PING and returns its token so the connection
// can answer with a matching PONG.
func ParsePing(line string) (string, bool) {
	rest := strings.TrimRight(line, "\r\n")
	if rest != "PING" && !strings.HasPrefix(rest, "PING ") {
		return "", false
	}
	rest = strings.TrimPrefix(rest, "PING")
	rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
	return rest, true
}
