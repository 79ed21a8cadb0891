package sipline

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestBufferNonBlockingEmpty(t *testing.T) {
	b := newAudioBuffer()
	if _, err := b.Read(160, false); !errors.Is(err, ErrNoAudio) {
		t.Errorf("Read on empty buffer = %v, want ErrNoAudio", err)
	}
}

func TestBufferReadReturnsWritten(t *testing.T) {
	b := newAudioBuffer()
	in := []byte{1, 2, 3, 4, 5}
	b.Write(in)

	out, err := b.Read(5, false)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("Read = %v, want %v", out, in)
	}
	if b.Len() != 0 {
		t.Errorf("Len after drain = %d, want 0", b.Len())
	}
}

func TestBufferPartialNonBlockingRead(t *testing.T) {
	b := newAudioBuffer()
	b.Write([]byte{1, 2, 3})

	out, err := b.Read(160, false)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(out) != 3 {
		t.Errorf("partial read returned %d bytes, want 3", len(out))
	}
}

func TestBufferBlockingReadWaitsForWriter(t *testing.T) {
	b := newAudioBuffer()
	got := make(chan []byte, 1)
	go func() {
		out, err := b.Read(4, true)
		if err != nil {
			t.Errorf("blocking Read: %v", err)
		}
		got <- out
	}()

	// Two writes so the reader has to wait through a wakeup with too
	// little data.
	time.Sleep(20 * time.Millisecond)
	b.Write([]byte{1, 2})
	time.Sleep(20 * time.Millisecond)
	b.Write([]byte{3, 4})

	select {
	case out := <-got:
		if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
			t.Errorf("blocking Read = %v, want [1 2 3 4]", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Read never returned")
	}
}

func TestBufferCloseUnblocksReader(t *testing.T) {
	b := newAudioBuffer()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Read(160, true)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, io.EOF) {
			t.Errorf("Read after close = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not unblock on close")
	}
}

func TestBufferDrainableAfterClose(t *testing.T) {
	b := newAudioBuffer()
	b.Write([]byte{9, 9, 9})
	b.Close()

	out, err := b.Read(3, true)
	if err != nil {
		t.Fatalf("Read of residual data: %v", err)
	}
	if len(out) != 3 {
		t.Errorf("residual read returned %d bytes, want 3", len(out))
	}
	if _, err := b.Read(3, true); !errors.Is(err, io.EOF) {
		t.Errorf("Read after drain = %v, want io.EOF", err)
	}
}

func TestBufferWriteAfterCloseDiscarded(t *testing.T) {
	b := newAudioBuffer()
	b.Close()
	b.Write([]byte{1, 2, 3})
	if b.Len() != 0 {
		t.Errorf("Len after post-close write = %d, want 0", b.Len())
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	b := newAudioBuffer()
	old := bytes.Repeat([]byte{1}, maxBuffered)
	b.Write(old)
	b.Write([]byte{2, 2})

	if b.Len() != maxBuffered {
		t.Fatalf("Len after overflow = %d, want %d", b.Len(), maxBuffered)
	}
	out, err := b.Read(2, false)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	// The two oldest bytes were trimmed, so the head is still old data
	// but the newest bytes survived at the tail.
	if out[0] != 1 {
		t.Errorf("head byte = %d, want 1", out[0])
	}
	rest, err := b.Read(maxBuffered, false)
	if err != nil {
		t.Fatalf("Read rest: %v", err)
	}
	if tail := rest[len(rest)-2:]; !bytes.Equal(tail, []byte{2, 2}) {
		t.Errorf("tail = %v, want [2 2]", tail)
	}
}
