package sandbox

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// cappedBuffer keeps the first limit bytes written and counts the rest.
// Write never fails, so a chatty process is not blocked on a full pipe.
type cappedBuffer struct {
	mu      sync.Mutex
	limit   int64
	buf     bytes.Buffer
	dropped int64
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - int64(c.buf.Len())
	if room <= 0 {
		c.dropped += int64(len(p))
		return len(p), nil
	}
	if int64(len(p)) > room {
		c.buf.Write(p[:room])
		c.dropped += int64(len(p)) - room
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped > 0
}

// String returns the kept output, with a marker when bytes were dropped.
func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := strings.ToValidUTF8(c.buf.String(), "")
	if c.dropped == 0 {
		return s
	}
	return fmt.Sprintf("%s... [truncated %d bytes]", s, c.dropped)
}
