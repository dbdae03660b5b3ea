// Package chat holds the room message model: the ordered message log kept in
// memory by a room, the read-receipt set carried by every message, and the
// validation rules applied to client-supplied message fields.
package chat

// Message is a single entry in a room's message log.
type Message struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	User      string   `json:"user"`
	Role      string   `json:"role"`
	Timestamp int64    `json:"timestamp"` // unix milliseconds, assigned by the server
	ReadBy    []string `json:"readBy"`
}

// Clone returns a copy of m that shares no memory with it.
func (m Message) Clone() Message {
	out := m
	out.ReadBy = make([]string, len(m.ReadBy))
	copy(out.ReadBy, m.ReadBy)
	return out
}
