package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kinshipapp/kinchat/internal/config"
	"github.com/kinshipapp/kinchat/internal/state"
	"github.com/kinshipapp/kinchat/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// typingStartInterval caps how often typing:start goes on the wire.
// One start per two seconds is plenty for a keystroke burst.
const typingStartInterval = 2 * time.Second

// Session manages joining and leaving conversation channels, history
// pagination and the client side of typing indicators and receipts.
type Session struct {
	conn   *Conn
	store  *state.Store
	cfg    *config.Config
	logger *zap.Logger

	mu            sync.Mutex
	typingTimer   *time.Timer
	typingChannel int64
	typingLimit   *rate.Limiter
}

// NewSession creates a channel session bound to the given connection.
func NewSession(conn *Conn, store *state.Store, cfg *config.Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		conn:        conn,
		store:       store,
		cfg:         cfg,
		logger:      logger,
		typingLimit: rate.NewLimiter(rate.Every(typingStartInterval), 1),
	}
}

// resetTypingLimit re-arms the typing throttle. Called per join so the
// first keystroke in a freshly opened channel always emits a start.
func (s *Session) resetTypingLimit() {
	s.mu.Lock()
	s.typingLimit = rate.NewLimiter(rate.Every(typingStartInterval), 1)
	s.mu.Unlock()
}

// Join opens a channel at the given history page. The connection is
// established first if needed. On success the first page of messages
// and the channel metadata land in the store, and pending delivery and
// read receipts for the channel are flushed.
func (s *Session) Join(ctx context.Context, channelID int64, page int) error {
	if channelID <= 0 {
		s.store.SetError(ErrInvalidChannel.Error())
		return ErrInvalidChannel
	}
	if page < 1 {
		page = 1
	}

	s.store.SetLoading(true)
	s.store.ClearMessages()

	if !s.conn.Connected() {
		if err := s.conn.Connect(ctx); err != nil {
			s.store.SetLoading(false)
			return err
		}
	}

	// Show the requested channel immediately so the UI is never stale
	// against the previous one while the join is in flight.
	s.store.SetCurrent(wire.Channel{ID: wire.ID(channelID)})

	data, err := s.conn.Request(ctx, wire.EventChannelJoin, wire.JoinRequest{
		ChannelID: channelID,
		Page:      page,
		PerPage:   s.cfg.PageSize,
	})
	if err != nil {
		s.store.SetError(err.Error())
		return err
	}

	var res wire.JoinResult
	if err := json.Unmarshal(data, &res); err != nil {
		err = fmt.Errorf("malformed join result: %w", err)
		s.store.SetError(err.Error())
		return err
	}

	s.store.SetCurrent(res.Channel)
	s.resetTypingLimit()
	if err := s.store.AddMessages(res.Messages, res.Pagination); err != nil {
		s.store.SetError(err.Error())
		return err
	}
	s.store.MarkIncomingRead(channelID, time.Now().UnixMilli())

	// Flush any receipts pending for the newly visible window.
	_ = s.conn.Emit(wire.EventReceiptDelivered, wire.ReceiptRequest{ChannelID: channelID})
	_ = s.conn.Emit(wire.EventReceiptRead, wire.ReceiptRequest{ChannelID: channelID})

	s.store.SetLoading(false)
	s.logger.Info("joined channel",
		zap.Int64("channel_id", channelID),
		zap.Int("messages", len(res.Messages)))
	return nil
}

// LoadMore fetches the next older history page and prepends it. A no-op
// while a page is already loading or when the last page is reached.
func (s *Session) LoadMore(ctx context.Context, channelID int64, page int) error {
	if s.store.LoadingMore() {
		return nil
	}
	cursor := s.store.Pagination()
	if cursor.LastPage != 0 && cursor.CurrentPage >= cursor.LastPage {
		return nil
	}

	s.store.SetLoadingMore(true)
	defer s.store.SetLoadingMore(false)

	data, err := s.conn.Request(ctx, wire.EventMessagePage, wire.PageRequest{
		ChannelID: channelID,
		Page:      page,
		PerPage:   s.cfg.PageSize,
	})
	if err != nil {
		s.store.SetError(err.Error())
		return err
	}

	var res wire.PageResult
	if err := json.Unmarshal(data, &res); err != nil {
		err = fmt.Errorf("malformed history page: %w", err)
		s.store.SetError(err.Error())
		return err
	}
	// The ack can resolve after the user switched channels; a stale
	// page for the previous channel is dropped.
	if res.ChannelID.Int() != s.store.CurrentID() {
		return nil
	}
	if err := s.store.AddMessages(res.Messages, res.Pagination); err != nil {
		s.store.SetError(err.Error())
		return err
	}
	return nil
}

// Leave exits a channel for good: the server membership is dropped and
// the channel disappears from the local list. Rejects when the
// transport is down.
func (s *Session) Leave(ctx context.Context, channelID int64) error {
	if !s.conn.Connected() {
		return ErrNotConnected
	}
	s.CancelTyping()
	if _, err := s.conn.Request(ctx, wire.EventChannelLeave, wire.LeaveRequest{ChannelID: channelID}); err != nil {
		s.store.SetError(err.Error())
		return err
	}
	s.store.RemoveChannel(channelID)
	return nil
}

// SwitchTo moves the UI session from the current channel to another.
// The previous channel is unsubscribed (without leaving it in the
// membership sense) before the new one is joined.
func (s *Session) SwitchTo(ctx context.Context, channelID int64) error {
	if prev := s.store.CurrentID(); prev != 0 && prev != channelID {
		s.CancelTyping()
		_ = s.conn.Emit(wire.EventChannelLeave, wire.LeaveRequest{ChannelID: prev})
	}
	return s.Join(ctx, channelID, 1)
}

// Typing notifies the channel that the user is typing. Call it on every
// keystroke: starts are rate-limited on the wire, and an idle timer
// emits the stop signal once keystrokes cease.
func (s *Session) Typing() {
	channelID := s.store.CurrentID()
	if channelID == 0 || !s.conn.Connected() {
		return
	}

	s.mu.Lock()
	limiter := s.typingLimit
	s.mu.Unlock()
	if limiter.Allow() {
		_ = s.conn.Emit(wire.EventTypingStart, wire.TypingRequest{ChannelID: channelID})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingChannel = channelID
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.cfg.TypingIdle.Std(), func() {
		s.stopTyping(true)
	})
}

// StopTyping emits the stop signal immediately (message sent, composer
// cleared).
func (s *Session) StopTyping() {
	s.stopTyping(true)
}

// CancelTyping drops the idle timer without emitting anything. Used
// when the channel is left or the connection closes, so no timer fires
// against a channel no longer in view.
func (s *Session) CancelTyping() {
	s.stopTyping(false)
}

func (s *Session) stopTyping(emit bool) {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	channelID := s.typingChannel
	s.typingChannel = 0
	s.mu.Unlock()

	if emit && channelID != 0 && s.conn.Connected() {
		_ = s.conn.Emit(wire.EventTypingStop, wire.TypingRequest{ChannelID: channelID})
	}
}

// MarkRead flushes a read receipt for the channel and reflects it on
// the local incoming messages and unread counter.
func (s *Session) MarkRead(channelID int64) {
	if !s.conn.Connected() {
		return
	}
	_ = s.conn.Emit(wire.EventReceiptRead, wire.ReceiptRequest{ChannelID: channelID})
	s.store.MarkIncomingRead(channelID, time.Now().UnixMilli())
}
