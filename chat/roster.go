package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/irc"
	"github.com/onnwee/chat-tender/telemetry"
)

// Participant is one chatter currently known to be present in a channel.
type Participant struct {
	UserID     string    `json:"userId,omitempty"`
	UserLogin  string    `json:"userLogin"`
	UserName   string    `json:"userName"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// key returns the roster map key: normalized login, falling back to the user
// id for participants whose login is unknown.
func (p Participant) key() string {
	if login := irc.NormalizeLogin(p.UserLogin); login != "" {
		return login
	}
	return p.UserID
}

// Roster tracks per-channel participant maps. Every mutation bumps a single
// monotonic version counter so consumers can detect "something changed"
// without deep comparison.
type Roster struct {
	mu       sync.RWMutex
	channels map[string]map[string]Participant
	version  uint64
}

func NewRoster() *Roster {
	return &Roster{channels: make(map[string]map[string]Participant)}
}

// Version returns the current change counter.
func (r *Roster) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Upsert records a sighting of a participant, overwriting any prior entry
// and refreshing LastSeenAt.
func (r *Roster) Upsert(channel string, p Participant) {
	channel = irc.NormalizeChannel(channel)
	key := p.key()
	if channel == "" || key == "" {
		return
	}
	if p.LastSeenAt.IsZero() {
		p.LastSeenAt = time.Now().UTC()
	}
	r.mu.Lock()
	m := r.channels[channel]
	if m == nil {
		m = make(map[string]Participant)
		r.channels[channel] = m
	}
	m[key] = p
	r.version++
	size := len(m)
	r.mu.Unlock()
	telemetry.SetRosterSize(channel, size)
}

// Remove drops a participant by login (PART).
func (r *Roster) Remove(channel, login string) {
	channel = irc.NormalizeChannel(channel)
	login = irc.NormalizeLogin(login)
	r.mu.Lock()
	m := r.channels[channel]
	if m == nil {
		r.mu.Unlock()
		return
	}
	if _, ok := m[login]; !ok {
		r.mu.Unlock()
		return
	}
	delete(m, login)
	r.version++
	size := len(m)
	r.mu.Unlock()
	telemetry.SetRosterSize(channel, size)
}

// ReplaceAll swaps a channel's roster for the logins of a NAMES reply,
// regardless of previous content. Entries start unenriched: no user id or
// display name until a later PRIVMSG fills them in. Bumps the version
// exactly once.
func (r *Roster) ReplaceAll(channel string, logins []string) {
	channel = irc.NormalizeChannel(channel)
	if channel == "" {
		return
	}
	now := time.Now().UTC()
	m := make(map[string]Participant, len(logins))
	for _, login := range logins {
		login = irc.NormalizeLogin(login)
		if login == "" {
			continue
		}
		m[login] = Participant{UserLogin: login, UserName: login, LastSeenAt: now}
	}
	r.mu.Lock()
	r.channels[channel] = m
	r.version++
	r.mu.Unlock()
	telemetry.SetRosterSize(channel, len(m))
}

// Drop discards a channel's roster entirely (unsubscribe path).
func (r *Roster) Drop(channel string) {
	channel = irc.NormalizeChannel(channel)
	r.mu.Lock()
	if _, ok := r.channels[channel]; ok {
		delete(r.channels, channel)
		r.version++
	}
	r.mu.Unlock()
	telemetry.SetRosterSize(channel, 0)
}

// Participants returns a channel's roster sorted by login for stable output.
func (r *Roster) Participants(channel string) []Participant {
	channel = irc.NormalizeChannel(channel)
	r.mu.RLock()
	m := r.channels[channel]
	out := make([]Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}
