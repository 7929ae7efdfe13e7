package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chat-tender/irc"
	"github.com/onnwee/chat-tender/telemetry"
)

// Reconnect backoff bounds are part of the connection contract.
const (
	reconnectBase = 2 * time.Second
	reconnectCap  = 20 * time.Second
)

// State is the lifecycle position of a Connection. Stopped is terminal: a
// new Connection is created if the channel resubscribes.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Socket is the minimal surface this package needs from a WebSocket
// connection. *websocket.Conn satisfies it; tests substitute fakes.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Socket to the IRC-over-WebSocket endpoint.
type Dialer func(ctx context.Context, url string) (Socket, error)

func defaultDialer(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// EventSink receives the side effects a Connection exposes to collaborators.
// No event is emitted for lines that fail to parse.
type EventSink interface {
	OnChatMessage(msg *irc.ChatMessage)
	OnNamesReply(reply *irc.NamesReply)
	OnJoin(m *irc.Membership)
	OnPart(m *irc.Membership)
	OnAuthenticated(channel string, identity Identity)
}

// Connection owns the socket lifecycle for one subscribed channel:
// credential selection, dial, join handshake, reconnect with backoff, and
// line dispatch into the parser.
//
// Every asynchronous continuation (dial completion, read loop, reconnect
// timer) captures the generation current when it was started and is a no-op
// if the connection has moved on. That guard is the sole defense against
// stale-timer and stale-socket races after a stop-then-restart.
type Connection struct {
	channel   string
	isPrimary bool
	url       string
	dial      Dialer
	credsFn   func() Credentials // must not block; called before each connect
	sink      EventSink
	log       *slog.Logger

	mu                sync.Mutex
	state             State
	sock              Socket
	reconnectTimer    *time.Timer
	reconnectAttempts int
	stopped           bool
	generation        uint64
	nick              string
	pass              string
	authenticated     bool
	identity          Identity
	joinConfirmed     bool
}

func newConnection(channel string, isPrimary bool, url string, dial Dialer, credsFn func() Credentials, sink EventSink) *Connection {
	if dial == nil {
		dial = defaultDialer
	}
	return &Connection{
		channel:   irc.NormalizeChannel(channel),
		isPrimary: isPrimary,
		url:       url,
		dial:      dial,
		credsFn:   credsFn,
		sink:      sink,
		log: slog.Default().With(
			slog.String("component", "chat_conn"),
			slog.String("channel", irc.NormalizeChannel(channel)),
		),
	}
}

// Start begins the connect loop. Safe to call once; subsequent lifecycle is
// driven by socket events and timers until Stop.
func (c *Connection) Start(ctx context.Context) {
	telemetry.IncConnectionsActive()
	c.connect(ctx)
}

// Stop terminates the connection: pending timer cleared, socket closed,
// no further transitions. In-flight socket operations are abandoned; their
// eventual close/error callbacks fail the generation/stopped guard.
func (c *Connection) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.state = StateStopped
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.mu.Unlock()
	telemetry.DecConnectionsActive()
	c.log.Info("connection stopped")
}

// connect moves into Connecting: bump the generation, pick credentials, and
// dial. Credential selection happens here, before the socket opens; there is
// no authentication handshake state afterwards.
func (c *Connection) connect(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	c.state = StateConnecting
	c.joinConfirmed = false
	creds := Credentials{}
	if c.credsFn != nil {
		creds = c.credsFn()
	}
	if !creds.Authenticated {
		creds = anonymousCredentials()
	}
	c.nick = creds.Nick
	c.pass = creds.Pass
	c.authenticated = creds.Authenticated
	c.identity = creds.Identity
	c.mu.Unlock()

	c.log.Debug("connecting", slog.Uint64("generation", gen), slog.Bool("authenticated", creds.Authenticated))
	go c.dialAndServe(ctx, gen)
}

func (c *Connection) dialAndServe(ctx context.Context, gen uint64) {
	sock, err := c.dial(ctx, c.url)
	if err != nil {
		c.log.Warn("dial failed", slog.Any("err", err))
		c.socketClosed(ctx, gen)
		return
	}

	c.mu.Lock()
	if c.stopped || gen != c.generation {
		c.mu.Unlock()
		_ = sock.Close()
		return
	}
	c.sock = sock
	c.state = StateJoined
	authenticated := c.authenticated
	nick, pass := c.nick, c.pass
	identity := c.identity
	c.mu.Unlock()

	// Join handshake. Tag support is only requested on authenticated
	// connections; anonymous reads join without capabilities.
	handshake := make([]string, 0, 4)
	if authenticated {
		handshake = append(handshake, "CAP REQ :twitch.tv/tags twitch.tv/commands")
	}
	handshake = append(handshake, "PASS "+pass, "NICK "+nick, "JOIN #"+c.channel)
	for _, line := range handshake {
		if err := sock.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			c.log.Warn("handshake write failed", slog.Any("err", err))
			c.socketClosed(ctx, gen)
			return
		}
	}
	if authenticated && c.sink != nil {
		c.sink.OnAuthenticated(c.channel, identity)
	}
	c.log.Info("joined", slog.String("nick", nick), slog.Bool("authenticated", authenticated))

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.socketClosed(ctx, gen)
			return
		}
		// A frame may carry several CRLF-separated IRC lines.
		for _, line := range strings.Split(string(data), "\r\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			c.handleLine(gen, sock, line)
		}
	}
}

// handleLine feeds one raw line through the parser and dispatches the typed
// event. Lines that match no verb of interest are dropped silently; most IRC
// traffic is uninteresting here.
func (c *Connection) handleLine(gen uint64, sock Socket, line string) {
	c.mu.Lock()
	if c.stopped || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if token, ok := irc.ParsePing(line); ok {
		pong := "PONG"
		if token != "" {
			pong += " :" + token
		}
		if err := sock.WriteMessage(websocket.TextMessage, []byte(pong)); err != nil {
			c.log.Debug("pong write failed", slog.Any("err", err))
		}
		return
	}
	if msg := irc.ParsePrivateMessage(line); msg != nil {
		c.confirmJoin(gen)
		if c.sink != nil {
			c.sink.OnChatMessage(msg)
		}
		return
	}
	if reply := irc.ParseNamesReply(line); reply != nil {
		c.confirmJoin(gen)
		if c.sink != nil {
			c.sink.OnNamesReply(reply)
		}
		return
	}
	if m := irc.ParseJoin(line); m != nil {
		c.confirmJoin(gen)
		if c.sink != nil {
			c.sink.OnJoin(m)
		}
		return
	}
	if m := irc.ParsePart(line); m != nil {
		c.confirmJoin(gen)
		if c.sink != nil {
			c.sink.OnPart(m)
		}
		return
	}
}

// confirmJoin resets the backoff counter, but only once the server has sent
// a line we actually parsed. Resetting on mere socket-open would wipe the
// backoff for a connection that opens and is immediately rejected.
func (c *Connection) confirmJoin(gen uint64) {
	c.mu.Lock()
	if !c.stopped && gen == c.generation && !c.joinConfirmed {
		c.joinConfirmed = true
		c.reconnectAttempts = 0
	}
	c.mu.Unlock()
}

// socketClosed handles close/error for the socket of generation gen:
// schedule a reconnect with exponential backoff. Retries continue until the
// channel is unsubscribed; there is no hard cap.
func (c *Connection) socketClosed(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.state = StateReconnecting
	delay := reconnectDelay(c.reconnectAttempts)
	c.reconnectAttempts++
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := c.stopped || gen != c.generation
		c.mu.Unlock()
		if stale {
			return
		}
		c.connect(ctx)
	})
	c.mu.Unlock()

	telemetry.IncReconnects(c.channel)
	c.log.Info("socket closed; reconnect scheduled", slog.Duration("delay", delay))
}

// reconnectDelay returns min(base * 2^attempts, cap).
func reconnectDelay(attempts int) time.Duration {
	d := reconnectBase
	for i := 0; i < attempts && d < reconnectCap; i++ {
		d *= 2
	}
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel returns the canonical channel login this connection serves.
func (c *Connection) Channel() string { return c.channel }

// Generation returns the current connect-attempt epoch.
func (c *Connection) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
