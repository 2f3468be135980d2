package audio

import (
	"sync"
)

// FrameAssembler accumulates PCM bytes from the decoder/resampler path and
// cuts them into fixed-size frames for the recognition stream. Decoded opus
// packets and resampler output do not line up with the engine's frame size,
// so the remainder is carried over between writes.
type FrameAssembler struct {
	mu        sync.Mutex
	buf       []byte
	frameSize int
}

// NewFrameAssembler creates an assembler emitting frames of frameSize bytes.
func NewFrameAssembler(frameSize int) *FrameAssembler {
	return &FrameAssembler{
		buf:       make([]byte, 0, frameSize*4),
		frameSize: frameSize,
	}
}

// Write appends PCM bytes to the assembler.
func (a *FrameAssembler) Write(p []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, p...)
	a.mu.Unlock()
}

// Next returns the next complete frame, or false when less than one frame
// is buffered. The returned slice is a copy and safe to retain.
func (a *FrameAssembler) Next() ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buf) < a.frameSize {
		return nil, false
	}

	frame := make([]byte, a.frameSize)
	copy(frame, a.buf[:a.frameSize])
	a.buf = a.buf[:copy(a.buf, a.buf[a.frameSize:])]
	return frame, true
}

// Flush returns whatever partial frame remains and clears the buffer. Used
// when the track ends so the tail of the audio still reaches the engine.
func (a *FrameAssembler) Flush() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buf) == 0 {
		return nil
	}

	tail := make([]byte, len(a.buf))
	copy(tail, a.buf)
	a.buf = a.buf[:0]
	return tail
}

// Buffered returns the number of bytes currently held.
func (a *FrameAssembler) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}
