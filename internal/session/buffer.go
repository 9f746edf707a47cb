package session

import "sync"

// stderrCap is the maximum number of stderr bytes retained per subprocess.
// Bytes beyond the cap are discarded; the buffer keeps the earliest output,
// which is where spawn failures explain themselves.
const stderrCap = 4 * 1024

// StderrBuffer is a bounded capture of a subprocess's standard error, kept
// for error reporting when the agent exits unexpectedly.
type StderrBuffer struct {
	mu      sync.Mutex
	data    []byte
	dropped int
}

// NewStderrBuffer creates an empty buffer with the 4 KiB cap.
func NewStderrBuffer() *StderrBuffer {
	return &StderrBuffer{}
}

// Write implements io.Writer. It never fails; bytes past the cap are counted
// and discarded.
func (b *StderrBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := stderrCap - len(b.data)
	if room > 0 {
		take := room
		if take > len(p) {
			take = len(p)
		}
		b.data = append(b.data, p[:take]...)
		b.dropped += len(p) - take
	} else {
		b.dropped += len(p)
	}
	return len(p), nil
}

// String returns the captured output.
func (b *StderrBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Dropped returns how many bytes were discarded past the cap.
func (b *StderrBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
