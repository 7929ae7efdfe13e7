package chat

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/irc"
	"github.com/onnwee/chat-tender/telemetry"
)

// retentionWindow bounds how far back merged messages are kept. Part of the
// ingestion contract, not configuration.
const retentionWindow = 7 * 24 * time.Hour

// signatureKey builds the cross-source dedup key: actor, whitespace-normalized
// body, and the second bucket of the timestamp. Live and backfill copies of
// the same event may carry entirely different id schemes (one synthetic, one
// real); this key is what still collapses them. Empty when actor or body is
// empty, which disables signature matching for that message.
func signatureKey(m *irc.ChatMessage) string {
	actor := m.Username
	if actor == "" {
		actor = m.UserID
	}
	body := strings.Join(strings.Fields(m.Message), " ")
	if actor == "" || body == "" {
		return ""
	}
	var bucket int64
	if ts, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
		bucket = ts.Unix()
	}
	return strings.ToLower(actor) + "|" + body + "|" + strconv.FormatInt(bucket, 10)
}

// identityKey returns the protocol message id when it is trustworthy as a
// cross-source identity. Client-synthesized ids (irc- prefix) are not.
func identityKey(m *irc.ChatMessage) string {
	if m.MessageID == "" || strings.HasPrefix(m.MessageID, irc.SyntheticIDPrefix) {
		return ""
	}
	return m.MessageID
}

func hasEmoteFragment(frags []irc.Fragment) bool {
	for _, f := range frags {
		if f.Type == "emote" {
			return true
		}
	}
	return false
}

// mergeInto folds a duplicate occurrence into the previously seen entry.
// Existing non-empty fields win, with two exceptions: badge keys are unioned,
// and the fragment list prefers whichever side actually resolved an emote
// (existing wins ties).
func mergeInto(dst, src *irc.ChatMessage) {
	if dst.UserID == "" {
		dst.UserID = src.UserID
	}
	if dst.Username == "" {
		dst.Username = src.Username
	}
	if dst.DisplayName == "" {
		dst.DisplayName = src.DisplayName
	}
	if dst.Message == "" {
		dst.Message = src.Message
	}
	if dst.AvatarURL == "" {
		dst.AvatarURL = src.AvatarURL
	}
	if dst.Timestamp == "" {
		dst.Timestamp = src.Timestamp
	}
	if dst.Channel == "" {
		dst.Channel = src.Channel
	}
	if len(dst.Translation) == 0 {
		dst.Translation = src.Translation
	}
	dst.BadgeKeys = unionBadgeKeys(dst.BadgeKeys, src.BadgeKeys)
	if !hasEmoteFragment(dst.Fragments) && hasEmoteFragment(src.Fragments) {
		dst.Fragments = src.Fragments
	} else if len(dst.Fragments) == 0 {
		dst.Fragments = src.Fragments
	}
}

func unionBadgeKeys(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		seen[k] = struct{}{}
	}
	out := existing
	for _, k := range incoming {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Merge reconciles an incoming batch against an existing ordered sequence and
// returns the merged sequence. It is deterministic and order-preserving: the
// first-seen position of a logical message never moves, later duplicates only
// enrich it in place. Safe to call repeatedly with overlapping batches.
func Merge(existing, incoming []irc.ChatMessage) []irc.ChatMessage {
	log := newChannelLog()
	log.messages = make([]irc.ChatMessage, len(existing))
	copy(log.messages, existing)
	log.reindex()
	log.merge(incoming, time.Now().Unix())
	return log.messages
}

// TrimOld drops messages whose parsed timestamp is older than the retention
// window. Messages with unparsable timestamps are kept (fail open).
func TrimOld(msgs []irc.ChatMessage, now time.Time) []irc.ChatMessage {
	cutoff := now.Add(-retentionWindow)
	out := make([]irc.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if ts, err := time.Parse(time.RFC3339, m.Timestamp); err == nil && ts.Before(cutoff) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// channelLog is the per-channel working set: the merged sequence, persistent
// dedup indices over it, and the recent-key cache (dedup key -> last-seen
// unix seconds). The indices make each merge proportional to the batch, not
// the retained sequence; the cache outlives trimmed entries so a late
// re-delivery of a message the retention sweep already dropped is not
// re-appended.
type channelLog struct {
	messages []irc.ChatMessage
	byID     map[string]int
	bySig    map[string]int
	lastSeen map[string]int64
}

func newChannelLog() *channelLog {
	return &channelLog{
		byID:     make(map[string]int),
		bySig:    make(map[string]int),
		lastSeen: make(map[string]int64),
	}
}

// reindex rebuilds both key indices from the current sequence. Needed after
// any operation that shifts positions (the retention trim).
func (l *channelLog) reindex() {
	clear(l.byID)
	clear(l.bySig)
	for i := range l.messages {
		if k := identityKey(&l.messages[i]); k != "" {
			l.byID[k] = i
		}
		if k := signatureKey(&l.messages[i]); k != "" {
			l.bySig[k] = i
		}
	}
}

// merge folds a batch into the sequence and returns the genuinely new
// messages. Duplicates enrich their first-seen entry in place. A key found in
// the recent cache but in neither index belongs to an already-trimmed entry;
// that occurrence is dropped rather than appended again.
func (l *channelLog) merge(batch []irc.ChatMessage, now int64) []irc.ChatMessage {
	var newIdx []int
	for i := range batch {
		in := batch[i]
		id := identityKey(&in)
		sig := signatureKey(&in)

		idx := -1
		if id != "" {
			if j, ok := l.byID[id]; ok {
				idx = j
			}
		}
		if idx < 0 && sig != "" {
			if j, ok := l.bySig[sig]; ok {
				idx = j
			}
		}

		switch {
		case idx >= 0:
			mergeInto(&l.messages[idx], &in)
		case l.seenRecently(id, sig):
			// re-delivery of an entry the retention sweep already dropped
		default:
			l.messages = append(l.messages, in)
			idx = len(l.messages) - 1
			newIdx = append(newIdx, idx)
		}
		// Index under the incoming keys too, so a later copy carrying either
		// id scheme finds the same entry.
		if idx >= 0 {
			if id != "" {
				l.byID[id] = idx
			}
			if sig != "" {
				l.bySig[sig] = idx
			}
		}
		if id != "" {
			l.lastSeen[id] = now
		}
		if sig != "" {
			l.lastSeen[sig] = now
		}
	}

	// Copy after the whole batch so later in-batch duplicates have already
	// enriched the appended entries.
	appended := make([]irc.ChatMessage, len(newIdx))
	for i, j := range newIdx {
		appended[i] = l.messages[j]
	}
	return appended
}

func (l *channelLog) seenRecently(id, sig string) bool {
	if id != "" {
		if _, ok := l.lastSeen[id]; ok {
			return true
		}
	}
	if sig != "" {
		if _, ok := l.lastSeen[sig]; ok {
			return true
		}
	}
	return false
}

// MessageStore holds the merged, duplicate-free message sequence for every
// subscribed channel and fans newly appended messages out to watchers.
type MessageStore struct {
	mu       sync.Mutex
	channels map[string]*channelLog
	watchers map[string][]chan irc.ChatMessage
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		channels: make(map[string]*channelLog),
		watchers: make(map[string][]chan irc.ChatMessage),
	}
}

// Merge folds a batch into a channel's sequence and returns the messages that
// were genuinely new (appended rather than merged in place).
func (s *MessageStore) Merge(channel string, batch []irc.ChatMessage) []irc.ChatMessage {
	channel = irc.NormalizeChannel(channel)
	if channel == "" || len(batch) == 0 {
		return nil
	}
	now := time.Now().Unix()

	s.mu.Lock()
	log := s.channels[channel]
	if log == nil {
		log = newChannelLog()
		s.channels[channel] = log
	}
	appended := log.merge(batch, now)
	watchers := s.watchers[channel]
	s.mu.Unlock()

	telemetry.AddMessagesIngested(len(batch))
	telemetry.AddMessagesDeduped(len(batch) - len(appended))

	for _, msg := range appended {
		for _, w := range watchers {
			select {
			case w <- msg:
			default: // slow watcher, drop rather than stall ingestion
			}
		}
	}
	return appended
}

// Messages returns a snapshot of a channel's merged sequence.
func (s *MessageStore) Messages(channel string) []irc.ChatMessage {
	channel = irc.NormalizeChannel(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.channels[channel]
	if log == nil {
		return nil
	}
	out := make([]irc.ChatMessage, len(log.messages))
	copy(out, log.messages)
	return out
}

// Len returns the number of retained messages for a channel.
func (s *MessageStore) Len(channel string) int {
	channel = irc.NormalizeChannel(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	if log := s.channels[channel]; log != nil {
		return len(log.messages)
	}
	return 0
}

// Trim applies the retention window to every channel, rebuilds the dedup
// indices over the survivors, and prunes recent-key cache entries that have
// not been seen within the window.
func (s *MessageStore) Trim(now time.Time) {
	horizon := now.Add(-retentionWindow).Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, log := range s.channels {
		log.messages = TrimOld(log.messages, now)
		log.reindex()
		for key, seen := range log.lastSeen {
			if seen < horizon {
				delete(log.lastSeen, key)
			}
		}
	}
}

// Drop removes a channel's working set entirely (unsubscribe path).
func (s *MessageStore) Drop(channel string) {
	channel = irc.NormalizeChannel(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
}

// Watch registers a watcher for newly appended messages on a channel. The
// returned cancel func must be called when the consumer goes away.
func (s *MessageStore) Watch(channel string) (<-chan irc.ChatMessage, func()) {
	channel = irc.NormalizeChannel(channel)
	ch := make(chan irc.ChatMessage, 64)
	s.mu.Lock()
	s.watchers[channel] = append(s.watchers[channel], ch)
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		ws := s.watchers[channel]
		for i, w := range ws {
			if w == ch {
				s.watchers[channel] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}
