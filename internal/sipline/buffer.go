package sipline

import (
	"errors"
	"io"
	"sync"
)

// ErrNoAudio is returned by non-blocking reads when the buffer is empty.
var ErrNoAudio = errors.New("no audio buffered")

// maxBuffered caps the audio buffer at two seconds of 8kHz samples so a
// stalled consumer cannot grow it without bound. Oldest data is dropped
// first.
const maxBuffered = 16000

// audioBuffer is a byte FIFO shared between the RTP pump and the bridge
// audio loops. Blocking reads wait for a full frame or buffer close.
type audioBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newAudioBuffer() *audioBuffer {
	b := &audioBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends samples, trimming the oldest on overflow. Writes to a
// closed buffer are discarded.
func (b *audioBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.data = append(b.data, p...)
	if excess := len(b.data) - maxBuffered; excess > 0 {
		b.data = b.data[excess:]
	}
	b.cond.Broadcast()
}

// Read returns up to n bytes. Blocking reads wait until n bytes are
// available or the buffer closes; io.EOF signals a closed, drained
// buffer.
func (b *audioBuffer) Read(n int, blocking bool) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if blocking {
		for len(b.data) < n && !b.closed {
			b.cond.Wait()
		}
	}

	if len(b.data) == 0 {
		if b.closed {
			return nil, io.EOF
		}
		return nil, ErrNoAudio
	}

	if n > len(b.data) {
		n = len(b.data)
	}
	out := make([]byte, n)
	copy(out, b.data)
	b.data = b.data[n:]
	return out, nil
}

// Len reports the number of buffered bytes.
func (b *audioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Close wakes blocked readers. Buffered data remains readable until
// drained.
func (b *audioBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cond.Broadcast()
}
