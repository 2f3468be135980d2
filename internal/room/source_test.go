package room

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/rs/zerolog"
)

// timeoutError mimics the net.Error pion surfaces when a read deadline
// expires before a packet arrives.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// silentTrack never delivers a packet: every read blocks until its deadline
// and then times out, like a microphone track stuck in DTX.
type silentTrack struct {
	mu       sync.Mutex
	deadline time.Time
	reads    int
}

func (t *silentTrack) SetReadDeadline(deadline time.Time) error {
	t.mu.Lock()
	t.deadline = deadline
	t.mu.Unlock()
	return nil
}

func (t *silentTrack) Read(b []byte) (int, interceptor.Attributes, error) {
	t.mu.Lock()
	deadline := t.deadline
	t.reads++
	t.mu.Unlock()

	if wait := time.Until(deadline); wait > 0 {
		time.Sleep(wait)
	}
	return 0, nil, timeoutError{}
}

func (t *silentTrack) readCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads
}

func TestTrackReader_CloseUnblocksSilentTrack(t *testing.T) {
	track := &silentTrack{deadline: time.Now()}
	reader, err := newTrackReader(track, 16000, 640, zerolog.Nop())
	if err != nil {
		t.Fatalf("newTrackReader failed: %v", err)
	}

	// Let the reader spin through at least one timed-out read
	deadline := time.Now().Add(2 * time.Second)
	for track.readCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if track.readCount() == 0 {
		t.Fatal("Expected the reader to poll the track")
	}

	if err := reader.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case _, ok := <-reader.Frames():
		if ok {
			t.Error("Expected no frames from a silent track")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Reader did not exit after Close on a silent track")
	}
}

func TestTrackReader_TimeoutIsNotTrackEnd(t *testing.T) {
	track := &silentTrack{deadline: time.Now()}
	reader, err := newTrackReader(track, 16000, 640, zerolog.Nop())
	if err != nil {
		t.Fatalf("newTrackReader failed: %v", err)
	}
	defer reader.Close()

	// Several deadline expiries must not close the frames channel
	deadline := time.Now().Add(2 * time.Second)
	for track.readCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case _, ok := <-reader.Frames():
		if !ok {
			t.Error("Frames channel closed on read timeouts")
		} else {
			t.Error("Unexpected frame from a silent track")
		}
	default:
	}
}
