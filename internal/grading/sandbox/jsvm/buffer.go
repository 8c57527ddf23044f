package jsvm

import "strings"

// cappedBuffer keeps at most limit bytes and silently drops the rest.
type cappedBuffer struct {
	b     strings.Builder
	limit int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) WriteString(s string) {
	room := c.limit - c.b.Len()
	if room <= 0 {
		return
	}
	if len(s) > room {
		s = s[:room]
	}
	c.b.WriteString(s)
}

func (c *cappedBuffer) String() string { return c.b.String() }
