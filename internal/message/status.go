package message

// Status is the lifecycle state of a message.
type Status string

const (
	StatusQueued          Status = "QUEUED"
	StatusScheduled       Status = "SCHEDULED"
	StatusProcessing      Status = "PROCESSING"
	StatusSent            Status = "SENT"
	StatusDeliveryDelayed Status = "DELIVERY_DELAYED"
	StatusDelivered       Status = "DELIVERED"
	StatusBounced         Status = "BOUNCED"
	StatusComplained      Status = "COMPLAINED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
)

// transitions lists the statuses reachable from each status. Statuses absent
// from the map (CANCELLED, FAILED and the final provider outcomes) are
// terminal.
var transitions = map[Status][]Status{
	StatusQueued:          {StatusProcessing, StatusFailed},
	StatusScheduled:       {StatusScheduled, StatusCancelled, StatusProcessing, StatusFailed},
	StatusProcessing:      {StatusSent, StatusFailed},
	StatusSent:            {StatusDelivered, StatusBounced, StatusComplained, StatusRejected, StatusDeliveryDelayed},
	StatusDeliveryDelayed: {StatusDelivered, StatusBounced, StatusComplained, StatusRejected, StatusDeliveryDelayed},
	StatusDelivered:       {StatusComplained},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusScheduled, StatusProcessing, StatusSent,
		StatusDeliveryDelayed, StatusDelivered, StatusBounced, StatusComplained,
		StatusRejected, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Pending reports whether the message is still waiting for a delivery job to
// fire. Only pending messages may be claimed by a delivery worker.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusScheduled
}

// Mutable reports whether the message may still be rescheduled or cancelled.
func (s Status) Mutable() bool {
	return s == StatusScheduled
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status from which to is reachable.
func AllowedFrom(to Status) []Status {
	var from []Status
	for s, nexts := range transitions {
		for _, n := range nexts {
			if n == to {
				from = append(from, s)
				break
			}
		}
	}
	return from
}
