package chat

import "fmt"

// Status is the delivery state of a message.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusRead    Status = "read"
)

var validTransitions = map[Status][]Status{
	StatusSending: {StatusSent, StatusFailed, StatusRead},
	StatusSent:    {StatusRead},
	StatusFailed:  {StatusSending},
	StatusRead:    {},
}

// CanTransition reports whether moving from s to next is allowed.
// Staying in the same state is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Transition moves m to next, rejecting edges the table does not allow.
func Transition(m *Message, next Status) error {
	if !m.Status.CanTransition(next) {
		return fmt.Errorf("message %s: invalid status transition %s -> %s", m.ID, m.Status, next)
	}
	m.Status = next
	return nil
}
