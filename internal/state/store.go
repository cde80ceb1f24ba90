// Package state holds the single source of truth for a chat session.
// Every component mutates it through named operations only; the UI reads
// immutable snapshots and re-renders on "store." bus events.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kinshipapp/kinchat/internal/bus"
	"github.com/kinshipapp/kinchat/internal/wire"
	"go.uber.org/zap"
)

// Store is the central mutable state container for one chat session.
type Store struct {
	mu     sync.RWMutex
	bus    *bus.Bus
	logger *zap.Logger

	connected bool
	lastErr   string

	channels []wire.Channel
	contacts []wire.Contact
	current  *wire.Channel

	// messages is the loaded window of the current channel, ascending
	// by CreatedAt, unique by ID.
	messages   []wire.Message
	pagination wire.Pagination

	// typing maps userID to the instant the entry expires.
	typing map[int64]time.Time

	loading     bool
	loadingMore bool
	sending     bool
}

// New creates an empty store publishing change events on b.
// Both b and logger may be nil (useful in tests).
func New(b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		bus:    b,
		logger: logger,
		typing: make(map[int64]time.Time),
	}
}

func (s *Store) publish(kind string) {
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
	}
}

// SetConnected records the transport status.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	if connected {
		s.lastErr = ""
	}
	s.mu.Unlock()
	s.publish("store.conn")
}

// Connected reports the transport status.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetError records an error string and clears any in-flight loading flags
// so the UI is never stuck on a spinner after a failure.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.loading = false
	s.loadingMore = false
	s.sending = false
	s.mu.Unlock()
	s.logger.Warn("store error recorded", zap.String("error", msg))
	s.publish("store.error")
}

// ClearError dismisses the recorded error.
func (s *Store) ClearError() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
	s.publish("store.error")
}

// Err returns the last recorded error string, empty if none.
func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// SetChannels replaces the channel list.
func (s *Store) SetChannels(channels []wire.Channel) {
	s.mu.Lock()
	s.channels = append([]wire.Channel(nil), channels...)
	s.mu.Unlock()
	s.publish("store.channels")
}

// RemoveChannel drops a channel from the list. If it was current, the
// current channel and its message window are cleared too.
func (s *Store) RemoveChannel(channelID int64) {
	s.mu.Lock()
	kept := s.channels[:0]
	for _, ch := range s.channels {
		if ch.ID.Int() != channelID {
			kept = append(kept, ch)
		}
	}
	s.channels = kept
	if s.current != nil && s.current.ID.Int() == channelID {
		s.current = nil
		s.clearMessagesLocked()
	}
	s.mu.Unlock()
	s.publish("store.channels")
}

// SetContacts replaces the contact/family list.
func (s *Store) SetContacts(contacts []wire.Contact) {
	s.mu.Lock()
	s.contacts = append([]wire.Contact(nil), contacts...)
	s.mu.Unlock()
	s.publish("store.contacts")
}

// SetCurrent marks a channel as the joined one and zeroes its unread
// count. Called optimistically before the join settles so the UI never
// shows the previous channel's content against the new title.
func (s *Store) SetCurrent(ch wire.Channel) {
	s.mu.Lock()
	cp := ch
	s.current = &cp
	for i := range s.channels {
		if s.channels[i].ID == ch.ID {
			s.channels[i].UnreadCount = 0
			if ch.Name != "" {
				s.channels[i] = ch
				s.channels[i].UnreadCount = 0
			}
			break
		}
	}
	s.mu.Unlock()
	s.publish("store.channels")
}

// CurrentID returns the joined channel id, or 0 when none is joined.
func (s *Store) CurrentID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return 0
	}
	return s.current.ID.Int()
}

// AddMessage inserts a message into the current channel's window,
// keeping ascending CreatedAt order. Messages for other channels and
// duplicate ids are ignored.
func (s *Store) AddMessage(m wire.Message) {
	s.mu.Lock()
	if s.current == nil || m.ChannelID.Int() != s.current.ID.Int() {
		s.mu.Unlock()
		return
	}
	if s.hasMessageLocked(m.ID) {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, m)
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt < s.messages[j].CreatedAt
	})
	s.mu.Unlock()
	s.publish("store.messages")
}

// AddMessages prepends a page of older messages and advances the
// pagination cursor. Duplicate ids are dropped so a prepend racing a
// live append cannot double-insert, and messages for channels other
// than the current one are skipped. A malformed page leaves prior
// state intact.
func (s *Store) AddMessages(page []wire.Message, p wire.Pagination) error {
	if p.CurrentPage < 1 || p.LastPage < p.CurrentPage {
		err := fmt.Errorf("malformed pagination: current=%d last=%d", p.CurrentPage, p.LastPage)
		s.logger.Warn("rejected history page", zap.Error(err))
		return err
	}
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	older := make([]wire.Message, 0, len(page))
	for _, m := range page {
		if m.ChannelID.Int() != s.current.ID.Int() {
			continue
		}
		if !s.hasMessageLocked(m.ID) {
			older = append(older, m)
		}
	}
	sort.SliceStable(older, func(i, j int) bool {
		return older[i].CreatedAt < older[j].CreatedAt
	})
	s.messages = append(older, s.messages...)
	s.pagination = p
	s.mu.Unlock()
	s.publish("store.messages")
	return nil
}

// RemoveMessage filters out the message with the given id, if present.
func (s *Store) RemoveMessage(id int64) {
	s.RemoveMessages([]int64{id})
}

// RemoveMessages filters out all messages with the given ids. Absent
// ids are not an error; a removed id is terminal and later events for
// it simply find nothing to apply to.
func (s *Store) RemoveMessages(ids []int64) {
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if _, gone := drop[m.ID.Int()]; !gone {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	s.mu.Unlock()
	s.publish("store.messages")
}

// UpdateMessage replaces the message with a matching id in place,
// preserving list order. Unknown ids are ignored.
func (s *Store) UpdateMessage(m wire.Message) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			s.messages[i] = m
			break
		}
	}
	s.mu.Unlock()
	s.publish("store.messages")
}

// MarkOutgoingDelivered stamps DeliveredAt on the caller's own messages
// in the given channel. Messages already read stay read: delivery and
// read receipts can arrive out of order and the state is monotonic.
// An empty ids list targets every undelivered outgoing message.
func (s *Store) MarkOutgoingDelivered(channelID int64, ids []int64, at int64) {
	s.markOutgoing(channelID, ids, func(m *wire.Message) {
		if m.ReadAt != 0 {
			return
		}
		if m.DeliveredAt == 0 {
			m.DeliveredAt = at
		}
	})
}

// MarkOutgoingRead stamps ReadAt (and DeliveredAt, which it implies) on
// the caller's own messages in the given channel.
func (s *Store) MarkOutgoingRead(channelID int64, ids []int64, at int64) {
	s.markOutgoing(channelID, ids, func(m *wire.Message) {
		if m.ReadAt == 0 {
			m.ReadAt = at
		}
		if m.DeliveredAt == 0 {
			m.DeliveredAt = at
		}
	})
}

func (s *Store) markOutgoing(channelID int64, ids []int64, apply func(*wire.Message)) {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	if s.current == nil || s.current.ID.Int() != channelID {
		s.mu.Unlock()
		return
	}
	for i := range s.messages {
		m := &s.messages[i]
		if !m.FromMe {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[m.ID.Int()]; !ok {
				continue
			}
		}
		apply(m)
	}
	s.mu.Unlock()
	s.publish("store.messages")
}

// MarkIncomingRead stamps ReadAt on incoming messages of the given
// channel, reflecting that this client has viewed them. The direction
// is distinct from MarkOutgoingRead and the two never mix.
func (s *Store) MarkIncomingRead(channelID int64, at int64) {
	s.mu.Lock()
	if s.current == nil || s.current.ID.Int() != channelID {
		s.mu.Unlock()
		return
	}
	for i := range s.messages {
		m := &s.messages[i]
		if !m.FromMe && m.ReadAt == 0 {
			m.ReadAt = at
		}
	}
	s.mu.Unlock()
	s.publish("store.messages")
}

// ApplyPreview updates the channel list entry for an inbound message:
// latest-message preview always, unread increment only when the message
// is neither self-sent nor for the open channel.
func (s *Store) ApplyPreview(m wire.Message) {
	s.mu.Lock()
	isCurrent := s.current != nil && s.current.ID.Int() == m.ChannelID.Int()
	for i := range s.channels {
		if s.channels[i].ID.Int() != m.ChannelID.Int() {
			continue
		}
		cp := m
		s.channels[i].LatestMessage = &cp
		if !m.FromMe && !isCurrent {
			s.channels[i].UnreadCount++
		}
		break
	}
	s.mu.Unlock()
	s.publish("store.channels")
}

// SetPresence updates the peer-online flag of a direct channel.
func (s *Store) SetPresence(channelID int64, online bool) {
	s.mu.Lock()
	for i := range s.channels {
		if s.channels[i].ID.Int() == channelID && !s.channels[i].IsGroup {
			v := online
			s.channels[i].IsOnline = &v
			break
		}
	}
	if s.current != nil && s.current.ID.Int() == channelID && !s.current.IsGroup {
		v := online
		s.current.IsOnline = &v
	}
	s.mu.Unlock()
	s.publish("store.channels")
}

// AddMember records a user as an active member of the current channel.
func (s *Store) AddMember(channelID, userID int64) {
	s.mu.Lock()
	if s.current != nil && s.current.ID.Int() == channelID && !hasID(s.current.Members, userID) {
		s.current.Members = append(s.current.Members, wire.ID(userID))
	}
	s.mu.Unlock()
	s.publish("store.channels")
}

// RemoveMember strips a user from the current channel's member list and
// from the typing set.
func (s *Store) RemoveMember(channelID, userID int64) {
	s.mu.Lock()
	if s.current != nil && s.current.ID.Int() == channelID {
		kept := s.current.Members[:0]
		for _, id := range s.current.Members {
			if id.Int() != userID {
				kept = append(kept, id)
			}
		}
		s.current.Members = kept
	}
	delete(s.typing, userID)
	s.mu.Unlock()
	s.publish("store.channels")
}

// SetTyping records that a user is typing until the given expiry.
func (s *Store) SetTyping(userID int64, until time.Time) {
	s.mu.Lock()
	s.typing[userID] = until
	s.mu.Unlock()
	s.publish("store.typing")
}

// ClearTyping removes a user from the typing set.
func (s *Store) ClearTyping(userID int64) {
	s.mu.Lock()
	delete(s.typing, userID)
	s.mu.Unlock()
	s.publish("store.typing")
}

// TypingUsers returns the users currently typing, sweeping out entries
// whose expiry has passed. Sweeping lazily on read means no per-user
// timer handles can leak across channel switches.
func (s *Store) TypingUsers() []int64 {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingLocked(now)
}

func (s *Store) typingLocked(now time.Time) []int64 {
	var users []int64
	for id, until := range s.typing {
		if now.After(until) {
			delete(s.typing, id)
			continue
		}
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// SetLoading flags a channel join in flight.
func (s *Store) SetLoading(v bool) { s.setFlag(&s.loading, v) }

// SetLoadingMore flags an older-page fetch in flight.
func (s *Store) SetLoadingMore(v bool) { s.setFlag(&s.loadingMore, v) }

// SetSending flags an outbound message in flight.
func (s *Store) SetSending(v bool) { s.setFlag(&s.sending, v) }

func (s *Store) setFlag(flag *bool, v bool) {
	s.mu.Lock()
	*flag = v
	s.mu.Unlock()
	s.publish("store.flags")
}

// Loading reports whether a channel join is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// LoadingMore reports whether an older-page fetch is in flight.
func (s *Store) LoadingMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadingMore
}

// Sending reports whether an outbound message is in flight.
func (s *Store) Sending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sending
}

// Pagination returns the current history cursor.
func (s *Store) Pagination() wire.Pagination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pagination
}

// ClearMessages resets the message window, pagination cursor and typing
// set together, as one atomic operation. Used on channel switch.
func (s *Store) ClearMessages() {
	s.mu.Lock()
	s.clearMessagesLocked()
	s.mu.Unlock()
	s.publish("store.messages")
}

func (s *Store) clearMessagesLocked() {
	s.messages = nil
	s.pagination = wire.Pagination{}
	s.typing = make(map[int64]time.Time)
}

// Reset clears all per-connection ephemeral state. Used on disconnect.
// The channel and contact lists are kept for display and refreshed on
// the next connect.
func (s *Store) Reset() {
	s.mu.Lock()
	s.connected = false
	s.current = nil
	s.loading = false
	s.loadingMore = false
	s.sending = false
	s.clearMessagesLocked()
	s.mu.Unlock()
	s.publish("store.conn")
	s.publish("store.messages")
}

func (s *Store) hasMessageLocked(id wire.ID) bool {
	for i := range s.messages {
		if s.messages[i].ID.Int() == id.Int() {
			return true
		}
	}
	return false
}

func hasID(ids []wire.ID, id int64) bool {
	for _, v := range ids {
		if v.Int() == id {
			return true
		}
	}
	return false
}
