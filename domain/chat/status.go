package chat

// MessageStatus is a message's delivery state. It only moves forward.
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// Rank orders statuses; unknown statuses rank below sent.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	}
	return 0
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// Below returns the statuses that s may be applied over.
func (s MessageStatus) Below() []MessageStatus {
	var out []MessageStatus
	for _, prev := range []MessageStatus{MessageSent, MessageDelivered, MessageRead} {
		if prev.Rank() < s.Rank() {
			out = append(out, prev)
		}
	}
	return out
}
