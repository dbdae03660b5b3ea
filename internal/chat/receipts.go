package chat

// HasReader reports whether user has acknowledged the message.
func (m Message) HasReader(user string) bool {
	for _, r := range m.ReadBy {
		if r == user {
			return true
		}
	}
	return false
}

// AddReader returns readBy extended with user. The second result is false
// when user was already a member, in which case readBy is returned unchanged.
// The input slice is never modified.
func AddReader(readBy []string, user string) ([]string, bool) {
	for _, r := range readBy {
		if r == user {
			return readBy, false
		}
	}
	out := make([]string, len(readBy), len(readBy)+1)
	copy(out, readBy)
	return append(out, user), true
}

// MergeReaders returns the set union of a and b, keeping the order of a and
// appending members of b that a lacks.
func MergeReaders(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, r := range set {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
