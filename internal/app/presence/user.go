/*
Package presence implements the core of the live-location chat service:
the connection registry, the presence store, the session negotiation state
machine, the message relay, and the broadcast dispatcher.

All mutable state is owned by a single Hub goroutine. Connections submit
commands to it and receive events through buffered per-connection queues,
so the negotiation invariants hold without any shared-map locking.
*/
package presence

// Status is the derived negotiation state of a user.
type Status string

const (
	// StatusIdle means the user is free to send or receive chat requests.
	StatusIdle Status = "idle"

	// StatusRequesting means the user is referenced by a pending request,
	// either as its source or as its destination.
	StatusRequesting Status = "requesting"

	// StatusChatting means the user is a participant of an active session.
	StatusChatting Status = "chatting"
)

// User is the presence record of a logged-in participant.
//
// Status is deliberately absent: it is derived from the pairing tables at
// snapshot time, never stored, so it cannot drift out of sync.
type User struct {
	// ID is the opaque identifier assigned by the registry at connect time.
	ID string

	// Name is the user-supplied display name. Not unique.
	Name string

	// Lat and Lon are the last reported coordinates, updated in place.
	Lat float64
	Lon float64
}
