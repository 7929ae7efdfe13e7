package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/irc"
)

// DefaultEndpointURL is the IRC-over-WebSocket endpoint all connections dial.
const DefaultEndpointURL = "wss://irc-ws.chat.twitch.tv:443"

// HistoryFetcher seeds a freshly subscribed channel with backfill messages in
// the same shape the live stream produces. Fetched batches go through the
// same merge, so overlap with live traffic is harmless.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, channel string, limit int) ([]irc.ChatMessage, error)
}

// ProfileNotifier is poked once per live message so an external profile cache
// can hydrate user details. Implementations must be cheap and non-blocking.
type ProfileNotifier interface {
	NotifyProfile(userID, usernameHint string)
}

// ArchiveSink persists newly merged messages. Best-effort; archive failures
// never interrupt ingestion.
type ArchiveSink interface {
	SaveMessages(ctx context.Context, channel string, msgs []irc.ChatMessage) error
}

// ManagerConfig wires the manager's collaborators. Zero values get defaults
// where sensible; nil collaborators disable the corresponding side effect.
type ManagerConfig struct {
	EndpointURL       string
	PrimaryChannel    string
	HistoryLimit      int
	CredsPollInterval time.Duration
	TrimInterval      time.Duration
	Credentials       CredentialSource
	History           HistoryFetcher
	Profiles          ProfileNotifier
	Archive           ArchiveSink
	Dial              Dialer
}

// Manager reconciles the desired channel set against live connections and
// routes parsed events into the shared message store and roster.
type Manager struct {
	cfg    ManagerConfig
	store  *MessageStore
	roster *Roster
	log    *slog.Logger

	mu    sync.Mutex
	ctx   context.Context
	conns map[string]*Connection

	credsMu      sync.Mutex
	primaryCreds Credentials
}

func NewManager(cfg ManagerConfig, store *MessageStore, roster *Roster) *Manager {
	if cfg.EndpointURL == "" {
		cfg.EndpointURL = DefaultEndpointURL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	if cfg.CredsPollInterval <= 0 {
		cfg.CredsPollInterval = time.Minute
	}
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = time.Hour
	}
	cfg.PrimaryChannel = irc.NormalizeChannel(cfg.PrimaryChannel)
	return &Manager{
		cfg:    cfg,
		store:  store,
		roster: roster,
		conns:  make(map[string]*Connection),
		ctx:    context.Background(),
		log:    slog.Default().With(slog.String("component", "chat_manager")),
	}
}

// Run starts the background loops (credential polling, retention trim) and
// blocks until ctx is canceled, then stops every connection.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	m.RefreshCredentials(ctx)

	credsTicker := time.NewTicker(m.cfg.CredsPollInterval)
	defer credsTicker.Stop()
	trimTicker := time.NewTicker(m.cfg.TrimInterval)
	defer trimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case <-credsTicker.C:
			// Primary credentials are re-resolved on a fixed cadence,
			// independent of connection state.
			m.RefreshCredentials(ctx)
		case <-trimTicker.C:
			m.store.Trim(time.Now().UTC())
		}
	}
}

// SetChannels reconciles the externally supplied desired channel set against
// the live connection map, starting and stopping connections as needed.
func (m *Manager) SetChannels(channels []string) {
	desired := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		if ch = irc.NormalizeChannel(ch); ch != "" {
			desired[ch] = struct{}{}
		}
	}

	m.mu.Lock()
	var toStop []string
	for ch := range m.conns {
		if _, ok := desired[ch]; !ok {
			toStop = append(toStop, ch)
		}
	}
	var toStart []string
	for ch := range desired {
		if _, ok := m.conns[ch]; !ok {
			toStart = append(toStart, ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range toStop {
		m.Unsubscribe(ch)
	}
	for _, ch := range toStart {
		m.Subscribe(ch)
	}
}

// Subscribe starts a connection for a channel and seeds it with one history
// backfill fetch. No-op if already subscribed.
func (m *Manager) Subscribe(channel string) {
	channel = irc.NormalizeChannel(channel)
	if channel == "" {
		return
	}
	m.mu.Lock()
	if _, ok := m.conns[channel]; ok {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	conn := newConnection(channel, channel == m.cfg.PrimaryChannel, m.cfg.EndpointURL, m.cfg.Dial, m.credentialsFor(channel), m)
	m.conns[channel] = conn
	m.mu.Unlock()

	m.log.Info("channel subscribed", slog.String("channel", channel))
	conn.Start(ctx)
	go m.seedHistory(ctx, channel)
}

// Unsubscribe stops a channel's connection and discards its working state.
// The connection value is terminal; resubscribing creates a fresh one.
func (m *Manager) Unsubscribe(channel string) {
	channel = irc.NormalizeChannel(channel)
	m.mu.Lock()
	conn, ok := m.conns[channel]
	if ok {
		delete(m.conns, channel)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.Stop()
	m.store.Drop(channel)
	m.roster.Drop(channel)
	m.log.Info("channel unsubscribed", slog.String("channel", channel))
}

// Channels returns the currently subscribed channel set, sorted.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.conns))
	for ch := range m.conns {
		out = append(out, ch)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// ChannelStatus is a point-in-time view of one connection for /status.
type ChannelStatus struct {
	Channel       string `json:"channel"`
	Primary       bool   `json:"primary"`
	State         string `json:"state"`
	Generation    uint64 `json:"generation"`
	Messages      int    `json:"messages"`
	RosterEntries int    `json:"rosterEntries"`
}

// Status reports every subscribed channel.
func (m *Manager) Status() []ChannelStatus {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]ChannelStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, ChannelStatus{
			Channel:       c.Channel(),
			Primary:       c.isPrimary,
			State:         c.State().String(),
			Generation:    c.Generation(),
			Messages:      m.store.Len(c.Channel()),
			RosterEntries: len(m.roster.Participants(c.Channel())),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// RefreshCredentials re-resolves the primary channel's credentials. Called on
// the poll cadence and by the oauth refresher when a refresh succeeds. A
// change in the resolved credentials restarts the primary connection so the
// new login takes effect.
func (m *Manager) RefreshCredentials(ctx context.Context) {
	if m.cfg.Credentials == nil || m.cfg.PrimaryChannel == "" {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	creds, err := m.cfg.Credentials.Resolve(rctx)
	cancel()
	if err != nil {
		m.log.Warn("credential resolution failed", slog.Any("err", err))
		return
	}

	m.credsMu.Lock()
	changed := creds.Authenticated != m.primaryCreds.Authenticated ||
		creds.Nick != m.primaryCreds.Nick || creds.Pass != m.primaryCreds.Pass
	m.primaryCreds = creds
	m.credsMu.Unlock()

	if changed {
		m.log.Info("primary credentials changed", slog.Bool("authenticated", creds.Authenticated))
		m.restartPrimary()
	}
}

// credentialsFor returns the non-blocking credential snapshot function a
// connection calls before each connect attempt. Non-primary channels always
// fall back to anonymous credentials.
func (m *Manager) credentialsFor(channel string) func() Credentials {
	if channel != m.cfg.PrimaryChannel {
		return func() Credentials { return Credentials{} }
	}
	return func() Credentials {
		m.credsMu.Lock()
		defer m.credsMu.Unlock()
		return m.primaryCreds
	}
}

// restartPrimary replaces the primary connection so freshly resolved
// credentials are picked up. The old connection value stays terminal.
func (m *Manager) restartPrimary() {
	primary := m.cfg.PrimaryChannel
	m.mu.Lock()
	old, ok := m.conns[primary]
	if !ok {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	conn := newConnection(primary, true, m.cfg.EndpointURL, m.cfg.Dial, m.credentialsFor(primary), m)
	m.conns[primary] = conn
	m.mu.Unlock()

	old.Stop()
	conn.Start(ctx)
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()
	for _, c := range conns {
		c.Stop()
	}
}

// seedHistory performs the one-shot backfill fetch for a new subscription and
// merges it through the normalizer.
func (m *Manager) seedHistory(ctx context.Context, channel string) {
	if m.cfg.History == nil {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	msgs, err := m.cfg.History.FetchHistory(fctx, channel, m.cfg.HistoryLimit)
	if err != nil {
		m.log.Warn("history backfill failed", slog.String("channel", channel), slog.Any("err", err))
		return
	}
	appended := m.store.Merge(channel, msgs)
	m.archive(ctx, channel, appended)
	m.log.Info("history backfill merged",
		slog.String("channel", channel),
		slog.Int("fetched", len(msgs)),
		slog.Int("new", len(appended)))
}

func (m *Manager) archive(ctx context.Context, channel string, msgs []irc.ChatMessage) {
	if m.cfg.Archive == nil || len(msgs) == 0 {
		return
	}
	if err := m.cfg.Archive.SaveMessages(ctx, channel, msgs); err != nil {
		m.log.Warn("archive write failed", slog.String("channel", channel), slog.Any("err", err))
	}
}

// OnChatMessage implements EventSink: merge into the store, refresh the
// roster, archive the new entry, and poke the profile cache.
func (m *Manager) OnChatMessage(msg *irc.ChatMessage) {
	appended := m.store.Merge(msg.Channel, []irc.ChatMessage{*msg})
	m.roster.Upsert(msg.Channel, Participant{
		UserID:    msg.UserID,
		UserLogin: msg.Username,
		UserName:  msg.DisplayName,
	})
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	m.archive(ctx, msg.Channel, appended)
	if m.cfg.Profiles != nil && (msg.UserID != "" || msg.Username != "") {
		m.cfg.Profiles.NotifyProfile(msg.UserID, msg.Username)
	}
}

// OnNamesReply implements EventSink: bulk-replace the channel roster.
func (m *Manager) OnNamesReply(reply *irc.NamesReply) {
	m.roster.ReplaceAll(reply.Channel, reply.Logins)
}

// OnJoin implements EventSink.
func (m *Manager) OnJoin(ev *irc.Membership) {
	m.roster.Upsert(ev.Channel, Participant{UserLogin: ev.UserLogin, UserName: ev.UserLogin})
}

// OnPart implements EventSink.
func (m *Manager) OnPart(ev *irc.Membership) {
	m.roster.Remove(ev.Channel, ev.UserLogin)
}

// OnAuthenticated implements EventSink.
func (m *Manager) OnAuthenticated(channel string, identity Identity) {
	m.log.Info("connection authenticated",
		slog.String("channel", channel),
		slog.String("login", identity.Login),
		slog.String("user_id", identity.UserID))
}
