package bus

import "time"

// Event is one notification on the bus. Kind is dotted, e.g.
// "chat.message.new"; subscribers select events by a Kind prefix.
type Event struct {
	ID        string    // filled by Publish when empty
	Kind      string
	Timestamp time.Time // filled by Publish when zero
	Payload   any
}
