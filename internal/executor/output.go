package executor

import (
	"fmt"
	"sync"
	"unicode/utf8"
)

// tailBuffer keeps the last max bytes written to it. Builds fail at the
// end of their log, so the tail is the useful part.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	buf     []byte
	dropped int64
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if b.max > 0 && len(b.buf) > b.max {
		over := len(b.buf) - b.max
		for over < len(b.buf) && !utf8.RuneStart(b.buf[over]) {
			over++
		}
		b.dropped += int64(over)
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped == 0 {
		return string(b.buf)
	}
	return fmt.Sprintf("[... %d bytes truncated ...]\n%s", b.dropped, b.buf)
}
