package state

import (
	"time"

	"github.com/kinshipapp/kinchat/internal/wire"
)

// Snapshot is an immutable view of the session handed to the UI layer.
// Slices are copies; mutating a snapshot never touches the store.
type Snapshot struct {
	Connected bool
	Err       string

	Channels []wire.Channel
	Contacts []wire.Contact
	Current  *wire.Channel

	Messages   []wire.Message
	Pagination wire.Pagination

	TypingUsers []int64

	Loading     bool
	LoadingMore bool
	Sending     bool
}

// Snapshot returns a copy of the full session state.
func (s *Store) Snapshot() Snapshot {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Connected:   s.connected,
		Err:         s.lastErr,
		Channels:    append([]wire.Channel(nil), s.channels...),
		Contacts:    append([]wire.Contact(nil), s.contacts...),
		Messages:    append([]wire.Message(nil), s.messages...),
		Pagination:  s.pagination,
		TypingUsers: s.typingLocked(now),
		Loading:     s.loading,
		LoadingMore: s.loadingMore,
		Sending:     s.sending,
	}
	if s.current != nil {
		cp := *s.current
		cp.Members = append([]wire.ID(nil), s.current.Members...)
		snap.Current = &cp
	}
	return snap
}
