package artifact

// A str is an interned byte sequence: attribute and entry names including
// their terminating NUL, or a length-prefixed attribute value. The table
// holds each distinct byte content exactly once, in insertion order. The
// file offset is assigned by setOffsets once the instruction stream length
// is known.
type str struct {
	bytes []byte
	off   int
}

type stringTable struct {
	byContent map[string]*str
	strs      []*str
}

// intern returns the existing record for b, or appends a new one at the
// tail of the insertion order.
func (t *stringTable) intern(b []byte) *str {
	if s, ok := t.byContent[string(b)]; ok {
		return s
	}
	if t.byContent == nil {
		t.byContent = make(map[string]*str)
	}
	s := &str{bytes: append([]byte(nil), b...)}
	t.byContent[string(s.bytes)] = s
	t.strs = append(t.strs, s)
	return s
}

// setOffsets assigns file offsets sequentially starting at initial and
// returns the offset just past the last string.
func (t *stringTable) setOffsets(initial int) int {
	off := initial
	for _, s := range t.strs {
		s.off = off
		off += len(s.bytes)
	}
	return off
}
