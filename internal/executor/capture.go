package executor

import (
	"bytes"
	"sync"
)

// CappedBuffer is an io.Writer that keeps at most Limit bytes.
//
// Writes past the limit are dropped but still reported as fully written, so
// the producer (stdcopy, an os/exec pipe copier) keeps draining the stream and
// the sandboxed process never blocks on a full pipe. The first overflow fires
// the OnOverflow callback once, which backends use to kill the sandbox.
type CappedBuffer struct {
	Limit      int64
	OnOverflow func()

	mu       sync.Mutex
	buf      bytes.Buffer
	exceeded bool
	once     sync.Once
}

// NewCappedBuffer returns a buffer holding at most limit bytes.
func NewCappedBuffer(limit int64, onOverflow func()) *CappedBuffer {
	return &CappedBuffer{Limit: limit, OnOverflow: onOverflow}
}

func (c *CappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	room := c.Limit - int64(c.buf.Len())
	overflow := false
	switch {
	case room <= 0:
		overflow = len(p) > 0
	case int64(len(p)) > room:
		c.buf.Write(p[:room])
		overflow = true
	default:
		c.buf.Write(p)
	}
	if overflow {
		c.exceeded = true
	}
	c.mu.Unlock()

	if overflow && c.OnOverflow != nil {
		c.once.Do(c.OnOverflow)
	}
	return len(p), nil
}

// Bytes returns a copy of the captured data.
func (c *CappedBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

// Exceeded reports whether anything was dropped.
func (c *CappedBuffer) Exceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exceeded
}
