package dispatch

import "bytes"

// headBuffer keeps the first max bytes written and discards the rest.
type headBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newHeadBuffer(max int) *headBuffer {
	return &headBuffer{max: max}
}

func (b *headBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *headBuffer) String() string { return b.buf.String() }

// tailBuffer keeps the last max bytes written. The worker's result is its
// final line, so a chatty worker loses its oldest diagnostics first.
type tailBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= b.max {
		b.truncated = b.truncated || n > b.max || len(b.buf) > 0
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) Bytes() []byte { return b.buf }
