package session

import (
	"sync"
)

// AudioBuffer holds microphone audio captured while the model connects.
// When full it drops the oldest chunks, so the most recent speech survives.
type AudioBuffer struct {
	chunks    [][]byte
	totalSize int
	maxSize   int
	dropped   int
	mu        sync.Mutex
}

// NewAudioBuffer creates a buffer with the specified maximum size in bytes
func NewAudioBuffer(maxSize int) *AudioBuffer {
	return &AudioBuffer{maxSize: maxSize}
}

// MaxSize returns the maximum buffer size
func (ab *AudioBuffer) MaxSize() int {
	return ab.maxSize
}

// Append adds a chunk, evicting old chunks to make room. A chunk larger
// than the whole buffer keeps only its tail.
func (ab *AudioBuffer) Append(chunk []byte) {
	if ab.maxSize <= 0 || len(chunk) == 0 {
		return
	}
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if len(chunk) > ab.maxSize {
		ab.dropped += len(chunk) - ab.maxSize
		chunk = chunk[len(chunk)-ab.maxSize:]
	}
	for ab.totalSize+len(chunk) > ab.maxSize && len(ab.chunks) > 0 {
		ab.dropped += len(ab.chunks[0])
		ab.totalSize -= len(ab.chunks[0])
		ab.chunks[0] = nil
		ab.chunks = ab.chunks[1:]
	}
	ab.chunks = append(ab.chunks, append([]byte(nil), chunk...))
	ab.totalSize += len(chunk)
}

// Flush concatenates all chunks in order and clears the buffer. It also
// reports how many bytes were evicted since the last flush.
func (ab *AudioBuffer) Flush() (data []byte, dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	dropped = ab.dropped
	ab.dropped = 0
	if len(ab.chunks) == 0 {
		return nil, dropped
	}
	data = make([]byte, 0, ab.totalSize)
	for _, chunk := range ab.chunks {
		data = append(data, chunk...)
	}
	ab.chunks = nil
	ab.totalSize = 0
	return data, dropped
}

// Clear empties the buffer without returning data
func (ab *AudioBuffer) Clear() {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.chunks = nil
	ab.totalSize = 0
	ab.dropped = 0
}

// Size returns the current total buffered bytes
func (ab *AudioBuffer) Size() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.totalSize
}
