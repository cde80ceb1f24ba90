package bus

import "time"

// Event represents a client-side domain event published on the bus.
//
// Kinds are dot-namespaced so subscribers can filter by prefix:
//
//	conn.   transport lifecycle (conn.state_changed, conn.error)
//	store.  snapshot-relevant state changes (store.messages, store.channels, ...)
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
