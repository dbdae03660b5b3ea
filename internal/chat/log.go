package chat

// Log is the ordered message log of one room. Messages are kept in ascending
// timestamp order and indexed by id.
//
// Log is not safe for concurrent use; a room owns its log and only touches it
// from its own event loop.
type Log struct {
	messages []Message
	index    map[string]int // message id -> position in messages
}

// NewLog builds a log from messages already ordered by timestamp, as returned
// by a durable store. Later duplicates of an id replace earlier ones in place.
func NewLog(messages []Message) *Log {
	l := &Log{
		messages: make([]Message, 0, len(messages)),
		index:    make(map[string]int, len(messages)),
	}
	for _, m := range messages {
		m = m.Clone()
		if i, ok := l.index[m.ID]; ok {
			l.messages[i] = m
			continue
		}
		l.index[m.ID] = len(l.messages)
		l.messages = append(l.messages, m)
	}
	return l
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	return len(l.messages)
}

// Get returns a copy of the message with the given id.
func (l *Log) Get(id string) (Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.messages[i].Clone(), true
}

// Upsert inserts m, or overwrites the message with the same id, and returns
// the stored result.
//
// A new message is stamped with now (unix milliseconds), raised to the last
// timestamp in the log if the clock went backwards, so appending never breaks
// the ordering. An existing message keeps its position and timestamp; its
// content, user and role are replaced and its read set only grows.
func (l *Log) Upsert(m Message, now int64) Message {
	if i, ok := l.index[m.ID]; ok {
		cur := l.messages[i]
		cur.Content = m.Content
		cur.User = m.User
		cur.Role = m.Role
		cur.ReadBy = MergeReaders(cur.ReadBy, m.ReadBy)
		l.messages[i] = cur
		return cur.Clone()
	}

	if n := len(l.messages); n > 0 && l.messages[n-1].Timestamp > now {
		now = l.messages[n-1].Timestamp
	}
	m = m.Clone()
	m.Timestamp = now
	m.ReadBy = MergeReaders(nil, m.ReadBy)
	l.index[m.ID] = len(l.messages)
	l.messages = append(l.messages, m)
	return m.Clone()
}

// MarkRead adds user to the read set of message id. It returns the updated
// message and true only when the set actually changed; an unknown id or a
// reader already present is a no-op.
func (l *Log) MarkRead(id, user string) (Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	readBy, changed := AddReader(l.messages[i].ReadBy, user)
	if !changed {
		return Message{}, false
	}
	l.messages[i].ReadBy = readBy
	return l.messages[i].Clone(), true
}

// Snapshot returns a deep copy of the whole log in order. The result is never
// nil so that it encodes as an empty JSON array.
func (l *Log) Snapshot() []Message {
	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Clone()
	}
	return out
}
