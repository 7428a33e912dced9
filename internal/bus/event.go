package bus

import "time"

// Event is a domain event published on the bus.
//
// Kinds are dot-namespaced: the push transport publishes under "push.",
// the connection supervisor under "conn.", and the engine under
// "message.", "chat." and "sync.". Subscribers filter by prefix.
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}
