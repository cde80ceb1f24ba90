// Package chat implements the client core of the kinship messaging
// service: connection management, channel sessions, the outbound send
// pipeline and the inbound event dispatcher. All state lands in a
// state.Store that the UI layer renders from.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kinshipapp/kinchat/internal/auth"
	"github.com/kinshipapp/kinchat/internal/bus"
	"github.com/kinshipapp/kinchat/internal/config"
	"github.com/kinshipapp/kinchat/internal/state"
	"github.com/kinshipapp/kinchat/internal/wire"
	"go.uber.org/zap"
)

// socket is the transport surface the connection manager needs. The
// gorilla websocket connection satisfies it; tests inject fakes.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a socket against the given URL with the given headers.
type Dialer func(ctx context.Context, url string, header http.Header) (socket, error)

func gorillaDial(ctx context.Context, url string, header http.Header) (socket, error) {
	d := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	conn, _, err := d.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Conn owns the persistent bidirectional connection to the messaging
// server. No other component constructs or closes the transport.
type Conn struct {
	cfg    *config.Config
	tokens auth.TokenSource
	store  *state.Store
	bus    *bus.Bus
	logger *zap.Logger

	dial        Dialer
	dispatch    *Dispatcher
	machine     *stateMachine
	onReconnect func(channelID int64)

	mu      sync.Mutex // guards sock, gen, closing, hbStop
	sock    socket
	gen     int
	closing bool
	hbStop  chan struct{}

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan wire.Envelope
}

// NewConn creates a connection manager. Connect must be called to open
// the transport.
func NewConn(cfg *config.Config, tokens auth.TokenSource, store *state.Store, b *bus.Bus, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		cfg:     cfg,
		tokens:  tokens,
		store:   store,
		bus:     b,
		logger:  logger,
		dial:    gorillaDial,
		machine: newStateMachine(b),
		pending: make(map[string]chan wire.Envelope),
	}
}

// SetDispatcher wires the inbound push handler. Must be set before Connect.
func (c *Conn) SetDispatcher(d *Dispatcher) { c.dispatch = d }

// SetOnReconnect registers the channel-rejoin hook invoked after the
// transport recovers, when rejoin_on_reconnect is enabled.
func (c *Conn) SetOnReconnect(fn func(channelID int64)) { c.onReconnect = fn }

// State returns the transport lifecycle state.
func (c *Conn) State() ConnState { return c.machine.Current() }

// Connected reports whether the transport is live.
func (c *Conn) Connected() bool { return c.machine.Current() == StateConnected }

// Connect opens the transport. It is idempotent: a no-op while already
// connected or connecting. A missing or expired credential does not
// panic; the error is recorded in the store and returned.
func (c *Conn) Connect(ctx context.Context) error {
	switch c.machine.Current() {
	case StateConnected, StateConnecting, StateReconnecting:
		return nil
	}

	token, err := c.tokens.Token()
	if err != nil {
		c.logger.Warn("connect refused: no valid credential", zap.Error(err))
		c.store.SetError(err.Error())
		return err
	}

	// A concurrent Connect may have won the transition between the
	// state check above and here; only the winner dials.
	if err := c.machine.Transition(StateConnecting); err != nil {
		return nil
	}
	c.logger.Info("connecting", zap.String("endpoint", endpoint(c.cfg.ServerURL, c.cfg.SocketPath)))

	sock, err := c.dialWithRetry(ctx, token)
	if err != nil {
		_ = c.machine.Transition(StateFailed)
		c.store.SetError(err.Error())
		return err
	}

	c.attach(sock)
	go c.bootstrap(context.Background(), 0)
	return nil
}

// Disconnect tears down the transport, stops the heartbeat and clears
// per-connection ephemeral state. Safe to call when already disconnected.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.closing = true
	c.stopHeartbeatLocked()
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	c.failPending()
	if c.machine.Current() != StateDisconnected {
		_ = c.machine.Transition(StateDisconnected)
	}
	c.store.Reset()
	c.logger.Info("disconnected")
}

func (c *Conn) dialWithRetry(ctx context.Context, token string) (socket, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Origin", originFor(c.cfg.ServerURL))

	primary := endpoint(c.cfg.ServerURL, c.cfg.SocketPath)
	attempts := c.cfg.ReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(c.cfg.ReconnectBackoff.Std()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		sock, err := c.dial(ctx, primary, header)
		if err == nil {
			return sock, nil
		}
		lastErr = err
		c.logger.Warn("dial failed", zap.Int("attempt", i+1), zap.Error(err))
	}

	// Transport downgrade: one shot against the fallback endpoint.
	if c.cfg.FallbackURL != "" {
		sock, err := c.dial(ctx, endpoint(c.cfg.FallbackURL, c.cfg.SocketPath), header)
		if err == nil {
			c.logger.Info("connected via fallback endpoint")
			return sock, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("connect: %w", lastErr)
}

func (c *Conn) attach(sock socket) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.sock = sock
	c.closing = false
	c.mu.Unlock()

	_ = c.machine.Transition(StateConnected)
	c.store.SetConnected(true)
	if d := c.cfg.HeartbeatInterval.Std(); d > 0 {
		c.StartHeartbeat(d)
	}
	go c.readPump(gen, sock)
}

func (c *Conn) readPump(gen int, sock socket) {
	for {
		_, frame, err := sock.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		env, derr := wire.Decode(frame)
		if derr != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(derr))
			continue
		}
		if env.Ref != "" && c.resolve(env) {
			continue
		}
		if c.dispatch != nil {
			c.dispatch.Handle(env)
		}
	}
}

func (c *Conn) handleDrop(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closing {
		c.mu.Unlock()
		return
	}
	c.sock = nil
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	c.failPending()
	c.store.SetConnected(false)
	c.logger.Warn("connection dropped", zap.Error(err))
	_ = c.machine.Transition(StateReconnecting)
	go c.reconnect()
}

func (c *Conn) reconnect() {
	prev := c.store.CurrentID()

	token, err := c.tokens.Token()
	if err != nil {
		_ = c.machine.Transition(StateFailed)
		c.store.SetError(err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	sock, err := c.dialWithRetry(ctx, token)
	if err != nil {
		_ = c.machine.Transition(StateFailed)
		c.store.SetError("reconnect failed: " + err.Error())
		return
	}

	c.attach(sock)
	go c.bootstrap(context.Background(), prev)
}

// bootstrap loads the channel and contact lists after a connect, and
// optionally rejoins the channel that was open before a drop.
func (c *Conn) bootstrap(ctx context.Context, rejoinChannel int64) {
	if err := c.RefreshChannels(ctx); err != nil {
		c.store.SetError("failed to load channels: " + err.Error())
	}
	if err := c.refreshContacts(ctx); err != nil {
		c.logger.Warn("contact list load failed", zap.Error(err))
	}
	if rejoinChannel != 0 && c.cfg.RejoinOnReconnect && c.onReconnect != nil {
		c.onReconnect(rejoinChannel)
	}
}

// RefreshChannels re-requests the channel list and stores it.
func (c *Conn) RefreshChannels(ctx context.Context) error {
	data, err := c.Request(ctx, wire.EventChannelList, nil)
	if err != nil {
		return err
	}
	var channels []wire.Channel
	if err := json.Unmarshal(data, &channels); err != nil {
		return fmt.Errorf("malformed channel list: %w", err)
	}
	c.store.SetChannels(channels)
	return nil
}

func (c *Conn) refreshContacts(ctx context.Context) error {
	data, err := c.Request(ctx, wire.EventContactList, nil)
	if err != nil {
		return err
	}
	var contacts []wire.Contact
	if err := json.Unmarshal(data, &contacts); err != nil {
		return fmt.Errorf("malformed contact list: %w", err)
	}
	c.store.SetContacts(contacts)
	return nil
}

// Request sends an event with a correlation ref and waits for the
// matching ack or error envelope. Each request resolves exactly once:
// on reply, on context expiry, or when the connection drops.
func (c *Conn) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if c.machine.Current() != StateConnected {
		return nil, ErrNotConnected
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}

	ref := uuid.NewString()
	reply := make(chan wire.Envelope, 1)
	c.pendMu.Lock()
	c.pending[ref] = reply
	c.pendMu.Unlock()

	if err := c.write(wire.Envelope{Event: event, Ref: ref, Data: data}); err != nil {
		c.dropPending(ref)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout.Std())
		defer cancel()
	}

	select {
	case env := <-reply:
		if env.Event == wire.EventError {
			var ep wire.ErrorPayload
			_ = json.Unmarshal(env.Data, &ep)
			if ep.Message == "" {
				ep.Message = "request rejected"
			}
			return nil, fmt.Errorf("%s: %s", event, ep.Message)
		}
		return env.Data, nil
	case <-ctx.Done():
		c.dropPending(ref)
		return nil, fmt.Errorf("%s: %w", event, ctx.Err())
	}
}

// Emit sends a fire-and-forget event with no acknowledgment.
func (c *Conn) Emit(event string, payload any) error {
	if c.machine.Current() != StateConnected {
		return ErrNotConnected
	}
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	return c.write(wire.Envelope{Event: event, Data: data})
}

func (c *Conn) write(env wire.Envelope) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sock.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) resolve(env wire.Envelope) bool {
	c.pendMu.Lock()
	ch, ok := c.pending[env.Ref]
	if ok {
		delete(c.pending, env.Ref)
	}
	c.pendMu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (c *Conn) dropPending(ref string) {
	c.pendMu.Lock()
	delete(c.pending, ref)
	c.pendMu.Unlock()
}

// failPending resolves every in-flight request with a connection-closed
// error so no caller blocks on a dead socket.
func (c *Conn) failPending() {
	data, _ := json.Marshal(wire.ErrorPayload{Message: ErrConnectionClosed.Error()})
	c.pendMu.Lock()
	for ref, ch := range c.pending {
		delete(c.pending, ref)
		ch <- wire.Envelope{Event: wire.EventError, Ref: ref, Data: data}
	}
	c.pendMu.Unlock()
}

// StartHeartbeat begins emitting keep-alive pings at the given interval,
// replacing any previous heartbeat rather than stacking a second timer.
// Invoked with the server-announced interval, or with the configured
// default right after connect.
func (c *Conn) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.hbStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Emit(wire.EventHeartbeatPing, nil); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *Conn) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func originFor(base string) string {
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	}
	return base
}
