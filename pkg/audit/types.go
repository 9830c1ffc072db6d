package audit

import "time"

// Event is an immutable, persisted audit record. Once appended it is never
// updated or deleted; UPDATE/DELETE against the backing table are an
// operational violation, not something this package ever issues.
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"ts"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Decision  string    `json:"decision"`
	Payload   interface{} `json:"payload"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Draft carries the fields a caller supplies; Append fills in EventID (if
// empty), Timestamp, PrevHash, and Hash.
type Draft struct {
	EventID   string
	RequestID string
	Actor     string
	Action    string
	Decision  string
	Payload   interface{}
}
