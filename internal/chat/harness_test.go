package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kinshipapp/kinchat/internal/auth"
	"github.com/kinshipapp/kinchat/internal/config"
	"github.com/kinshipapp/kinchat/internal/state"
	"github.com/kinshipapp/kinchat/internal/wire"
)

// fakeSocket is an in-memory socket. Frames written by the client are
// recorded; requests whose event has a registered reply are answered
// with an ack (or error) envelope carrying the request's ref.
type fakeSocket struct {
	mu      sync.Mutex
	closed  bool
	in      chan []byte
	writes  []wire.Envelope
	replies map[string]any
	errs    map[string]string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:      make(chan []byte, 64),
		replies: make(map[string]any),
		errs:    make(map[string]string),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	frame, ok := <-f.in
	if !ok {
		return 0, nil, errors.New("use of closed connection")
	}
	return websocket.TextMessage, frame, nil
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	f.writes = append(f.writes, env)

	if env.Ref == "" {
		return nil
	}
	reply := wire.Envelope{Event: wire.EventAck, Ref: env.Ref}
	if msg, ok := f.errs[env.Event]; ok {
		reply.Event = wire.EventError
		reply.Data, _ = json.Marshal(wire.ErrorPayload{Message: msg})
	} else if payload, ok := f.replies[env.Event]; ok {
		if payload != nil {
			reply.Data, _ = json.Marshal(payload)
		}
	} else {
		// No reply registered: the request stays pending.
		return nil
	}
	frame, _ := wire.Encode(reply)
	f.in <- frame
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// setReply registers (or replaces) the ack payload for a request event.
func (f *fakeSocket) setReply(event string, payload any) {
	f.mu.Lock()
	f.replies[event] = payload
	f.mu.Unlock()
}

// setError makes requests for the event fail with an error envelope.
func (f *fakeSocket) setError(event, msg string) {
	f.mu.Lock()
	f.errs[event] = msg
	f.mu.Unlock()
}

// push injects a server push frame.
func (f *fakeSocket) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push payload: %v", err)
	}
	frame, err := wire.Encode(wire.Envelope{Event: event, Data: data})
	if err != nil {
		t.Fatalf("encode push: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		t.Fatal("push on closed socket")
	}
	f.in <- frame
}

// sent returns the recorded client frames for one event.
func (f *fakeSocket) sent(event string) []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Envelope
	for _, env := range f.writes {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// harness wires a full client core around a fake socket. The dialer
// refuses once the socket is closed, so a simulated drop settles in the
// failed state instead of redialing the dead fake forever.
type harness struct {
	cfg   *config.Config
	sock  *fakeSocket
	store *state.Store
	conn  *Conn
	sess  *Session
	out   *Outbound

	mu     sync.Mutex
	dialed []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cfg: &config.Config{
			ServerURL:         "ws://chat.test",
			SocketPath:        "/ws/chat",
			PageSize:          20,
			TypingIdle:        config.Duration(60 * time.Millisecond),
			HeartbeatInterval: 0,
			ReconnectAttempts: 1,
			ReconnectBackoff:  config.Duration(time.Millisecond),
			RequestTimeout:    config.Duration(500 * time.Millisecond),
		},
		sock:  newFakeSocket(),
		store: state.New(nil, nil),
	}
	h.sock.setReply(wire.EventChannelList, []wire.Channel{{ID: 10, Name: "family"}})
	h.sock.setReply(wire.EventContactList, []wire.Contact{})

	h.conn = NewConn(h.cfg, auth.StaticTokenSource("token"), h.store, nil, nil)
	h.conn.dial = func(ctx context.Context, url string, _ http.Header) (socket, error) {
		h.mu.Lock()
		h.dialed = append(h.dialed, url)
		h.mu.Unlock()
		if h.sock.isClosed() {
			return nil, errors.New("connection refused")
		}
		return h.sock, nil
	}

	d := NewDispatcher(h.store, nil, nil, h.cfg.TypingIdle.Std())
	d.BindHeartbeat(h.conn)
	h.conn.SetDispatcher(d)
	h.sess = NewSession(h.conn, h.store, h.cfg, nil)
	h.out = NewOutbound(h.conn, h.store, nil)

	t.Cleanup(h.conn.Disconnect)
	return h
}

func (h *harness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dialed)
}

// connect opens the transport and waits for the bootstrap to settle.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "bootstrap", func() bool {
		h.conn.pendMu.Lock()
		inflight := len(h.conn.pending)
		h.conn.pendMu.Unlock()
		return inflight == 0 && len(h.store.Snapshot().Channels) > 0
	})
}

// join opens a channel with a canned first page.
func (h *harness) join(t *testing.T, channelID int64, msgs []wire.Message, p wire.Pagination) {
	t.Helper()
	h.sock.setReply(wire.EventChannelJoin, wire.JoinResult{
		Channel:    wire.Channel{ID: wire.ID(channelID), Name: "family"},
		Messages:   msgs,
		Pagination: p,
	})
	if err := h.sess.Join(context.Background(), channelID, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func testMsg(id, channelID, createdAt int64, fromMe bool) wire.Message {
	return wire.Message{
		ID:        wire.ID(id),
		ChannelID: wire.ID(channelID),
		Body:      "hello",
		FromMe:    fromMe,
		CreatedAt: createdAt,
	}
}
