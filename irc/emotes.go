package irc

import (
	"sort"
	"strconv"
	"strings"
)

// emoteRange is one occurrence of an emote within a message body, using the
// inclusive offsets exactly as the "emotes" tag encodes them. No
// Unicode-aware re-indexing is performed; the sweep operates on the raw
// message text the same way the tag's producer did.
type emoteRange struct {
	start, end int
	emoteID    string
}

// parseEmoteRanges decodes an "emotes" tag value ("25:0-4,12-16/1902:6-10")
// into a flat list of ranges. Malformed entries are skipped.
func parseEmoteRanges(emotesTag string) []emoteRange {
	var ranges []emoteRange
	for _, group := range strings.Split(emotesTag, "/") {
		emoteID, spans, ok := strings.Cut(group, ":")
		if !ok || emoteID == "" {
			continue
		}
		for _, span := range strings.Split(spans, ",") {
			from, to, ok := strings.Cut(span, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(from)
			end, err2 := strconv.Atoi(to)
			if err1 != nil || err2 != nil || start < 0 || end < start {
				continue
			}
			ranges = append(ranges, emoteRange{start: start, end: end, emoteID: emoteID})
		}
	}
	return ranges
}

// ParseEmoteFragments splits a message body into ordered text/emote fragments
// according to the "emotes" tag. Ranges are sorted by start offset and swept
// left to right: any gap before a range becomes a text fragment, the range
// itself becomes an emote fragment, and trailing text closes the list.
//
// A range starting before the sweep cursor overlaps an already-consumed one
// and is dropped entirely, emitting no fragment. First-wins is the observed
// upstream behavior; whether genuinely overlapping ranges ever occur in the
// wild is unconfirmed, so the policy is preserved rather than smoothed over.
//
// Returns nil when the tag yields no usable range, in which case the caller
// leaves the message without fragments.
func ParseEmoteFragments(text, emotesTag string) []Fragment {
	if emotesTag == "" || text == "" {
		return nil
	}
	ranges := parseEmoteRanges(emotesTag)
	if len(ranges) == 0 {
		return nil
	}
	sort.SliceStable(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })

	var fragments []Fragment
	cursor := 0
	emitted := false
	for _, r := range ranges {
		if r.start < cursor {
			continue
		}
		if r.end >= len(text) {
			continue
		}
		if r.start > cursor {
			fragments = append(fragments, Fragment{Type: "text", Text: text[cursor:r.start]})
		}
		fragments = append(fragments, Fragment{
			Type:     "emote",
			Text:     text[r.start : r.end+1],
			EmoteID:  r.emoteID,
			EmoteURL: EmoteURL(r.emoteID),
		})
		emitted = true
		cursor = r.end + 1
	}
	if !emitted {
		return nil
	}
	if cursor < len(text) {
		fragments = append(fragments, Fragment{Type: "text", Text: text[cursor:]})
	}
	return fragments
}
