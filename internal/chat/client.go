package chat

import (
	"context"

	"github.com/kinshipapp/kinchat/internal/auth"
	"github.com/kinshipapp/kinchat/internal/bus"
	"github.com/kinshipapp/kinchat/internal/config"
	"github.com/kinshipapp/kinchat/internal/state"
	"go.uber.org/zap"
)

// Client bundles the chat core behind one object: connection manager,
// channel session, outbound flow and event dispatcher, all sharing one
// store. Each Client is independent; nothing is process-global, so
// tests can run several side by side.
type Client struct {
	conn     *Conn
	session  *Session
	outbound *Outbound
	store    *state.Store
	logger   *zap.Logger
}

// NewClient wires up a chat client against the given store and bus.
func NewClient(cfg *config.Config, tokens auth.TokenSource, store *state.Store, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn := NewConn(cfg, tokens, store, b, logger)
	dispatcher := NewDispatcher(store, b, logger, cfg.TypingIdle.Std())
	dispatcher.BindHeartbeat(conn)
	conn.SetDispatcher(dispatcher)

	session := NewSession(conn, store, cfg, logger)
	conn.SetOnReconnect(func(channelID int64) {
		if err := session.Join(context.Background(), channelID, 1); err != nil {
			logger.Warn("rejoin after reconnect failed", zap.Error(err))
		}
	})

	return &Client{
		conn:     conn,
		session:  session,
		outbound: NewOutbound(conn, store, logger),
		store:    store,
		logger:   logger,
	}
}

// Connect opens the transport and loads the channel and contact lists.
func (c *Client) Connect(ctx context.Context) error { return c.conn.Connect(ctx) }

// Disconnect cancels the typing timer, tears the transport down and
// resets per-connection state.
func (c *Client) Disconnect() {
	c.session.CancelTyping()
	c.conn.Disconnect()
}

// State returns the transport lifecycle state.
func (c *Client) State() ConnState { return c.conn.State() }

// Join opens a channel at the given history page.
func (c *Client) Join(ctx context.Context, channelID int64, page int) error {
	return c.session.Join(ctx, channelID, page)
}

// SwitchTo changes the open channel.
func (c *Client) SwitchTo(ctx context.Context, channelID int64) error {
	return c.session.SwitchTo(ctx, channelID)
}

// Leave exits a channel permanently.
func (c *Client) Leave(ctx context.Context, channelID int64) error {
	return c.session.Leave(ctx, channelID)
}

// LoadMore fetches an older history page.
func (c *Client) LoadMore(ctx context.Context, channelID int64, page int) error {
	return c.session.LoadMore(ctx, channelID, page)
}

// Send posts a message with an optional image attachment path.
func (c *Client) Send(ctx context.Context, channelID int64, body, attachmentPath string) error {
	c.session.StopTyping()
	return c.outbound.Send(ctx, channelID, body, attachmentPath)
}

// Update edits a message body.
func (c *Client) Update(ctx context.Context, channelID, messageID int64, body string) error {
	return c.outbound.Update(ctx, channelID, messageID, body)
}

// Delete removes a single message.
func (c *Client) Delete(ctx context.Context, channelID, messageID int64) error {
	return c.outbound.Delete(ctx, channelID, messageID)
}

// ClearChat removes the given messages, or all history without ids.
func (c *Client) ClearChat(ctx context.Context, channelID int64, messageIDs ...int64) error {
	return c.outbound.ClearChat(ctx, channelID, messageIDs...)
}

// Typing reports a keystroke in the composer.
func (c *Client) Typing() { c.session.Typing() }

// MarkRead flushes a read receipt for the channel.
func (c *Client) MarkRead(channelID int64) { c.session.MarkRead(channelID) }

// Snapshot returns the current session state for rendering.
func (c *Client) Snapshot() state.Snapshot { return c.store.Snapshot() }
