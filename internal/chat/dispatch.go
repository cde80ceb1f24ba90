package chat

import (
	"encoding/json"
	"time"

	"github.com/kinshipapp/kinchat/internal/bus"
	"github.com/kinshipapp/kinchat/internal/state"
	"github.com/kinshipapp/kinchat/internal/wire"
	"go.uber.org/zap"
)

// heartbeater is the slice of Conn the dispatcher needs to honor a
// server-initiated heartbeat signal.
type heartbeater interface {
	StartHeartbeat(interval time.Duration)
}

// Dispatcher maps every inbound push event to exactly one store
// mutation. Channel ids arrive as mixed string/number JSON and are
// normalized through wire.ID before any comparison. A malformed payload
// records a store error and leaves existing state untouched.
type Dispatcher struct {
	store     *state.Store
	bus       *bus.Bus
	logger    *zap.Logger
	hb        heartbeater
	typingTTL time.Duration

	handlers map[string]func(json.RawMessage)
}

// NewDispatcher creates a dispatcher writing into store. typingTTL is
// the lifetime of a typing-set entry absent an explicit stop event.
func NewDispatcher(store *state.Store, b *bus.Bus, logger *zap.Logger, typingTTL time.Duration) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if typingTTL <= 0 {
		typingTTL = 3 * time.Second
	}
	d := &Dispatcher{
		store:     store,
		bus:       b,
		logger:    logger,
		typingTTL: typingTTL,
	}
	d.registerHandlers()
	return d
}

// BindHeartbeat wires the connection whose heartbeat the server controls.
func (d *Dispatcher) BindHeartbeat(hb heartbeater) { d.hb = hb }

// registerHandlers builds the event table. It assigns a fresh map, so
// running it again on reconnect replaces handlers instead of stacking
// duplicates.
func (d *Dispatcher) registerHandlers() {
	d.handlers = map[string]func(json.RawMessage){
		wire.EventMessageNew:         d.onMessageNew,
		wire.EventMessageUpdated:     d.onMessageUpdated,
		wire.EventMessageDeleted:     d.onMessageDeleted,
		wire.EventMessageBulkDeleted: d.onMessageBulkDeleted,
		wire.EventChatCleared:        d.onChatCleared,
		wire.EventMessagePage:        d.onMessagePage,
		wire.EventReceiptDelivered:   d.onReceiptDelivered,
		wire.EventReceiptRead:        d.onReceiptRead,
		wire.EventTypingStart:        d.onTypingStart,
		wire.EventTypingStop:         d.onTypingStop,
		wire.EventUserJoined:         d.onUserJoined,
		wire.EventUserLeft:           d.onUserLeft,
		wire.EventHeartbeatStart:     d.onHeartbeatStart,
		wire.EventError:              d.onServerError,
	}
}

// Handle routes one inbound envelope. Unknown events are logged and
// dropped.
func (d *Dispatcher) Handle(env wire.Envelope) {
	h, ok := d.handlers[env.Event]
	if !ok {
		d.logger.Debug("unhandled event", zap.String("event", env.Event))
		return
	}
	h(env.Data)
}

func decodePayload[T any](d *Dispatcher, event string, raw json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		d.logger.Warn("malformed payload", zap.String("event", event), zap.Error(err))
		d.store.SetError("malformed " + event + " event")
		return v, false
	}
	return v, true
}

func (d *Dispatcher) onMessageNew(raw json.RawMessage) {
	m, ok := decodePayload[wire.Message](d, wire.EventMessageNew, raw)
	if !ok {
		return
	}
	// The store gates the insert on the current channel; background
	// channels get a preview/unread update only.
	d.store.AddMessage(m)
	d.store.ApplyPreview(m)
}

func (d *Dispatcher) onMessageUpdated(raw json.RawMessage) {
	m, ok := decodePayload[wire.Message](d, wire.EventMessageUpdated, raw)
	if !ok {
		return
	}
	if d.store.CurrentID() == m.ChannelID.Int() {
		d.store.UpdateMessage(m)
	}
}

func (d *Dispatcher) onMessageDeleted(raw json.RawMessage) {
	ev, ok := decodePayload[wire.DeletedEvent](d, wire.EventMessageDeleted, raw)
	if !ok {
		return
	}
	if d.store.CurrentID() == ev.ChannelID.Int() {
		d.store.RemoveMessage(ev.MessageID.Int())
	}
}

func (d *Dispatcher) onMessageBulkDeleted(raw json.RawMessage) {
	ev, ok := decodePayload[wire.BulkDeletedEvent](d, wire.EventMessageBulkDeleted, raw)
	if !ok {
		return
	}
	if d.store.CurrentID() == ev.ChannelID.Int() {
		ids := make([]int64, 0, len(ev.MessageIDs))
		for _, id := range ev.MessageIDs {
			ids = append(ids, id.Int())
		}
		d.store.RemoveMessages(ids)
	}
}

func (d *Dispatcher) onChatCleared(raw json.RawMessage) {
	ev, ok := decodePayload[wire.ClearedEvent](d, wire.EventChatCleared, raw)
	if !ok {
		return
	}
	if d.store.CurrentID() == ev.ChannelID.Int() {
		d.store.ClearMessages()
	}
}

// onMessagePage handles a server-initiated history page push. Pages
// requested through ChannelSession.LoadMore come back on the request's
// ack path instead.
func (d *Dispatcher) onMessagePage(raw json.RawMessage) {
	page, ok := decodePayload[wire.PageResult](d, wire.EventMessagePage, raw)
	if !ok {
		return
	}
	if d.store.CurrentID() != page.ChannelID.Int() {
		return
	}
	if err := d.store.AddMessages(page.Messages, page.Pagination); err != nil {
		d.store.SetError("malformed history page")
	}
}

func (d *Dispatcher) onReceiptDelivered(raw json.RawMessage) {
	r, ok := decodePayload[wire.Receipt](d, wire.EventReceiptDelivered, raw)
	if !ok {
		return
	}
	d.store.MarkOutgoingDelivered(r.ChannelID.Int(), idInts(r.MessageIDs), receiptAt(r))
}

func (d *Dispatcher) onReceiptRead(raw json.RawMessage) {
	r, ok := decodePayload[wire.Receipt](d, wire.EventReceiptRead, raw)
	if !ok {
		return
	}
	d.store.MarkOutgoingRead(r.ChannelID.Int(), idInts(r.MessageIDs), receiptAt(r))
}

func (d *Dispatcher) onTypingStart(raw json.RawMessage) {
	ev, ok := decodePayload[wire.TypingEvent](d, wire.EventTypingStart, raw)
	if !ok {
		return
	}
	if d.store.CurrentID() == ev.ChannelID.Int() {
		d.store.SetTyping(ev.UserID.Int(), time.Now().Add(d.typingTTL))
	}
}

func (d *Dispatcher) onTypingStop(raw json.RawMessage) {
	ev, ok := decodePayload[wire.TypingEvent](d, wire.EventTypingStop, raw)
	if !ok {
		return
	}
	d.store.ClearTyping(ev.UserID.Int())
}

func (d *Dispatcher) onUserJoined(raw json.RawMessage) {
	ev, ok := decodePayload[wire.PresenceEvent](d, wire.EventUserJoined, raw)
	if !ok {
		return
	}
	d.store.AddMember(ev.ChannelID.Int(), ev.UserID.Int())
	d.store.SetPresence(ev.ChannelID.Int(), true)
}

func (d *Dispatcher) onUserLeft(raw json.RawMessage) {
	ev, ok := decodePayload[wire.PresenceEvent](d, wire.EventUserLeft, raw)
	if !ok {
		return
	}
	d.store.RemoveMember(ev.ChannelID.Int(), ev.UserID.Int())
	d.store.SetPresence(ev.ChannelID.Int(), false)
}

func (d *Dispatcher) onHeartbeatStart(raw json.RawMessage) {
	hb, ok := decodePayload[wire.HeartbeatStart](d, wire.EventHeartbeatStart, raw)
	if !ok {
		return
	}
	if d.hb != nil && hb.IntervalMS > 0 {
		d.hb.StartHeartbeat(time.Duration(hb.IntervalMS) * time.Millisecond)
	}
}

func (d *Dispatcher) onServerError(raw json.RawMessage) {
	ep, ok := decodePayload[wire.ErrorPayload](d, wire.EventError, raw)
	if !ok {
		return
	}
	if ep.Message == "" {
		ep.Message = "server error"
	}
	d.logger.Warn("server error event", zap.String("message", ep.Message))
	d.store.SetError(ep.Message)
}

func idInts(ids []wire.ID) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Int())
	}
	return out
}

func receiptAt(r wire.Receipt) int64 {
	if r.At != 0 {
		return r.At
	}
	return time.Now().UnixMilli()
}
