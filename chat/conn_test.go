package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-tender/irc"
)

// scriptSocket is a fake Socket whose reads are fed from a channel and whose
// writes are recorded for assertions.
type scriptSocket struct {
	mu     sync.Mutex
	writes []string
	lines  chan string
	closed chan struct{}
	once   sync.Once
}

func newScriptSocket() *scriptSocket {
	return &scriptSocket{lines: make(chan string, 16), closed: make(chan struct{})}
}

func (s *scriptSocket) ReadMessage() (int, []byte, error) {
	select {
	case line := <-s.lines:
		return 1, []byte(line), nil
	case <-s.closed:
		return 0, nil, errors.New("socket closed")
	}
}

func (s *scriptSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	s.writes = append(s.writes, string(data))
	s.mu.Unlock()
	return nil
}

func (s *scriptSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptSocket) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	copy(out, s.writes)
	return out
}

// recordSink captures dispatched events.
type recordSink struct {
	mu    sync.Mutex
	msgs  []*irc.ChatMessage
	names []*irc.NamesReply
	joins []*irc.Membership
	parts []*irc.Membership
	auth  []Identity
}

func (r *recordSink) OnChatMessage(m *irc.ChatMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recordSink) OnNamesReply(reply *irc.NamesReply) {
	r.mu.Lock()
	r.names = append(r.names, reply)
	r.mu.Unlock()
}

func (r *recordSink) OnJoin(m *irc.Membership) {
	r.mu.Lock()
	r.joins = append(r.joins, m)
	r.mu.Unlock()
}

func (r *recordSink) OnPart(m *irc.Membership) {
	r.mu.Lock()
	r.parts = append(r.parts, m)
	r.mu.Unlock()
}

func (r *recordSink) OnAuthenticated(channel string, id Identity) {
	r.mu.Lock()
	r.auth = append(r.auth, id)
	r.mu.Unlock()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReconnectDelay(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 20 * time.Second},
		{10, 20 * time.Second},
	}
	for _, tc := range cases {
		if got := reconnectDelay(tc.attempts); got != tc.want {
			t.Errorf("reconnectDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestConnectionAnonymousHandshake(t *testing.T) {
	sock := newScriptSocket()
	dial := func(ctx context.Context, url string) (Socket, error) { return sock, nil }
	sink := &recordSink{}
	conn := newConnection("#Demo", false, DefaultEndpointURL, dial, nil, sink)
	conn.Start(context.Background())
	defer conn.Stop()

	waitFor(t, func() bool { return len(sock.written()) >= 3 }, "handshake writes")
	writes := sock.written()
	if writes[0] != "PASS SCHMOOPIIE" {
		t.Errorf("writes[0] = %q, want anonymous PASS", writes[0])
	}
	if !strings.HasPrefix(writes[1], "NICK justinfan") {
		t.Errorf("writes[1] = %q, want justinfan nick", writes[1])
	}
	if writes[2] != "JOIN #demo" {
		t.Errorf("writes[2] = %q, want JOIN #demo", writes[2])
	}
	for _, w := range writes {
		if strings.HasPrefix(w, "CAP REQ") {
			t.Errorf("anonymous connection requested capabilities: %q", w)
		}
	}
	sink.mu.Lock()
	authCount := len(sink.auth)
	sink.mu.Unlock()
	if authCount != 0 {
		t.Errorf("OnAuthenticated fired %d times for anonymous connection", authCount)
	}
}

func TestConnectionAuthenticatedHandshake(t *testing.T) {
	sock := newScriptSocket()
	dial := func(ctx context.Context, url string) (Socket, error) { return sock, nil }
	sink := &recordSink{}
	creds := func() Credentials {
		return Credentials{
			Authenticated: true,
			Nick:          "botuser",
			Pass:          "oauth:abc123",
			Identity:      Identity{Login: "botuser", UserID: "99"},
		}
	}
	conn := newConnection("demo", true, DefaultEndpointURL, dial, creds, sink)
	conn.Start(context.Background())
	defer conn.Stop()

	waitFor(t, func() bool { return len(sock.written()) >= 4 }, "handshake writes")
	writes := sock.written()
	if writes[0] != "CAP REQ :twitch.tv/tags twitch.tv/commands" {
		t.Errorf("writes[0] = %q, want CAP REQ", writes[0])
	}
	if writes[1] != "PASS oauth:abc123" || writes[2] != "NICK botuser" {
		t.Errorf("writes[1:3] = %q, want oauth PASS + configured NICK", writes[1:3])
	}
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.auth) == 1
	}, "OnAuthenticated")
	sink.mu.Lock()
	id := sink.auth[0]
	sink.mu.Unlock()
	if id.UserID != "99" {
		t.Errorf("authenticated identity = %+v, want UserID 99", id)
	}
}

func TestConnectionPingPong(t *testing.T) {
	sock := newScriptSocket()
	dial := func(ctx context.Context, url string) (Socket, error) { return sock, nil }
	conn := newConnection("demo", false, DefaultEndpointURL, dial, nil, &recordSink{})
	conn.Start(context.Background())
	defer conn.Stop()

	waitFor(t, func() bool { return len(sock.written()) >= 3 }, "handshake writes")
	sock.lines <- "PING :tmi.twitch.tv"
	waitFor(t, func() bool {
		for _, w := range sock.written() {
			if w == "PONG :tmi.twitch.tv" {
				return true
			}
		}
		return false
	}, "PONG reply")
}

func TestConnectionDispatch(t *testing.T) {
	sock := newScriptSocket()
	dial := func(ctx context.Context, url string) (Socket, error) { return sock, nil }
	sink := &recordSink{}
	conn := newConnection("demo", false, DefaultEndpointURL, dial, nil, sink)
	conn.Start(context.Background())
	defer conn.Stop()

	waitFor(t, func() bool { return len(sock.written()) >= 3 }, "handshake writes")

	// Simulate a prior failed attempt; the first parsed line resets backoff.
	conn.mu.Lock()
	conn.reconnectAttempts = 3
	conn.mu.Unlock()

	// One frame may carry several CRLF-separated lines.
	sock.lines <- "@id=abc;user-id=123;display-name=Alice PRIVMSG ignored"
	sock.lines <- ":alice!alice@alice.tmi.twitch.tv PRIVMSG #demo :hello world\r\n" +
		":tmi.twitch.tv 353 me = #demo :alice @bob carol\r\n" +
		":dave!dave@dave.tmi.twitch.tv JOIN #demo\r\n" +
		":carol!carol@carol.tmi.twitch.tv PART #demo"

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.msgs) == 1 && len(sink.names) == 1 && len(sink.joins) == 1 && len(sink.parts) == 1
	}, "dispatched events")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.msgs[0].Username != "alice" || sink.msgs[0].Message != "hello world" {
		t.Errorf("message = %+v, want alice/hello world", sink.msgs[0])
	}
	if got := sink.names[0].Logins; len(got) != 3 || got[1] != "bob" {
		t.Errorf("names = %v, want [alice bob carol]", got)
	}
	if sink.joins[0].UserLogin != "dave" || sink.parts[0].UserLogin != "carol" {
		t.Errorf("membership = %+v / %+v, want dave join, carol part", sink.joins[0], sink.parts[0])
	}

	conn.mu.Lock()
	attempts := conn.reconnectAttempts
	conn.mu.Unlock()
	if attempts != 0 {
		t.Errorf("reconnectAttempts = %d, want 0 after confirmed traffic", attempts)
	}
}

func TestConnectionReconnectOnSocketClose(t *testing.T) {
	sock := newScriptSocket()
	dial := func(ctx context.Context, url string) (Socket, error) { return sock, nil }
	conn := newConnection("demo", false, DefaultEndpointURL, dial, nil, &recordSink{})
	conn.Start(context.Background())
	defer conn.Stop()

	waitFor(t, func() bool { return len(sock.written()) >= 3 }, "handshake writes")
	gen := conn.Generation()

	sock.Close()
	waitFor(t, func() bool { return conn.State() == StateReconnecting }, "reconnecting state")

	conn.mu.Lock()
	attempts := conn.reconnectAttempts
	timerSet := conn.reconnectTimer != nil
	conn.mu.Unlock()
	if attempts != 1 {
		t.Errorf("reconnectAttempts = %d, want 1", attempts)
	}
	if !timerSet {
		t.Error("reconnect timer not armed")
	}
	if g := conn.Generation(); g != gen {
		t.Errorf("generation = %d, want unchanged %d until timer fires", g, gen)
	}
}

func TestConnectionStopIsTerminal(t *testing.T) {
	sock := newScriptSocket()
	dial := func(ctx context.Context, url string) (Socket, error) { return sock, nil }
	conn := newConnection("demo", false, DefaultEndpointURL, dial, nil, &recordSink{})
	conn.Start(context.Background())

	waitFor(t, func() bool { return len(sock.written()) >= 3 }, "handshake writes")
	conn.Stop()
	if st := conn.State(); st != StateStopped {
		t.Fatalf("state after Stop = %v, want stopped", st)
	}
	gen := conn.Generation()

	// The socket close that Stop triggered must not schedule a reconnect.
	time.Sleep(50 * time.Millisecond)
	if st := conn.State(); st != StateStopped {
		t.Errorf("state = %v, want stopped to stay terminal", st)
	}
	if g := conn.Generation(); g != gen {
		t.Errorf("generation moved from %d to %d after Stop", gen, g)
	}

	conn.mu.Lock()
	timerSet := conn.reconnectTimer != nil
	conn.mu.Unlock()
	if timerSet {
		t.Error("reconnect timer armed after Stop")
	}
}

func TestConnectionStaleTimerAfterStop(t *testing.T) {
	sock := newScriptSocket()
	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context, url string) (Socket, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return sock, nil
	}
	conn := newConnection("demo", false, DefaultEndpointURL, dial, nil, &recordSink{})
	conn.Start(context.Background())

	waitFor(t, func() bool { return len(sock.written()) >= 3 }, "handshake writes")
	sock.Close()
	waitFor(t, func() bool { return conn.State() == StateReconnecting }, "reconnecting state")

	// Grab the armed reconnect timer, stop the connection, then force the
	// timer to fire anyway. The callback must hit the stopped guard and not
	// redial.
	conn.mu.Lock()
	timer := conn.reconnectTimer
	conn.mu.Unlock()
	if timer == nil {
		t.Fatal("reconnect timer not armed")
	}
	conn.Stop()
	timer.Reset(time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	if st := conn.State(); st != StateStopped {
		t.Errorf("state = %v, want stopped after stale timer fired", st)
	}
	mu.Lock()
	got := dials
	mu.Unlock()
	if got != 1 {
		t.Errorf("dial count = %d, want 1 (stale timer must not reconnect)", got)
	}
}

func TestConnectionStaleGenerationLineDropped(t *testing.T) {
	sock := newScriptSocket()
	dial := func(ctx context.Context, url string) (Socket, error) { return sock, nil }
	sink := &recordSink{}
	conn := newConnection("demo", false, DefaultEndpointURL, dial, nil, sink)
	conn.Start(context.Background())
	defer conn.Stop()

	waitFor(t, func() bool { return len(sock.written()) >= 3 }, "handshake writes")
	staleGen := conn.Generation()

	// A continuation captured before a generation bump must be a no-op.
	conn.mu.Lock()
	conn.generation++
	conn.mu.Unlock()
	conn.handleLine(staleGen, sock, ":alice!alice@alice.tmi.twitch.tv PRIVMSG #demo :stale")

	sink.mu.Lock()
	got := len(sink.msgs)
	sink.mu.Unlock()
	if got != 0 {
		t.Errorf("stale-generation line dispatched %d events, want 0", got)
	}
}
