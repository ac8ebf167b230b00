package agent

import (
	"strings"
	"sync"
)

// tailBuffer keeps the last size bytes written to it. Agent processes can be
// chatty on stderr; only the tail matters for error reports.
type tailBuffer struct {
	buf  []byte
	size int
	head int
	full bool
	mu   sync.Mutex
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = 8 * 1024
	}
	return &tailBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. When full, the oldest bytes are overwritten.
func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= t.size {
		copy(t.buf, p[n-t.size:])
		t.head = 0
		t.full = true
		return n, nil
	}
	for _, b := range p {
		t.buf[t.head] = b
		t.head = (t.head + 1) % t.size
		if t.head == 0 {
			t.full = true
		}
	}
	return n, nil
}

// String returns the retained bytes in write order, trimmed.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		return strings.TrimSpace(string(t.buf[:t.head]))
	}
	return strings.TrimSpace(string(t.buf[t.head:]) + string(t.buf[:t.head]))
}
