package engine

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const levelFloor = 0.001

// AmplitudeSampler reduces PCM frames to a smoothed level in [0,1],
// published once per tick. It is display only.
type AmplitudeSampler struct {
	mu      sync.Mutex
	pending float64
	decay   float64
	level   *Value[float64]
}

// NewAmplitudeSampler returns a sampler whose level falls by the given
// factor on every tick without new audio.
func NewAmplitudeSampler(decay float64) *AmplitudeSampler {
	if decay < 0 || decay >= 1 {
		decay = 0.85
	}
	return &AmplitudeSampler{decay: decay, level: NewValue(0.0)}
}

// Feed records the RMS of 16-bit little-endian mono PCM. The loudest frame
// since the last tick wins.
func (a *AmplitudeSampler) Feed(pcm []byte) {
	rms := RMS(pcm)
	a.mu.Lock()
	if rms > a.pending {
		a.pending = rms
	}
	a.mu.Unlock()
}

// Tick publishes the next level. Rises are immediate, falls decay.
func (a *AmplitudeSampler) Tick() float64 {
	a.mu.Lock()
	target := a.pending
	a.pending = 0
	a.mu.Unlock()

	current := a.level.Get()
	next := current * a.decay
	if target > next {
		next = target
	}
	if next < levelFloor {
		next = 0
	}
	next = math.Min(next, 1)
	a.level.Set(next)
	return next
}

// Reset drops pending input and publishes zero.
func (a *AmplitudeSampler) Reset() {
	a.mu.Lock()
	a.pending = 0
	a.mu.Unlock()
	a.level.Set(0)
}

func (a *AmplitudeSampler) Level() Observable[float64] {
	return a.level
}

// Run ticks until ctx is done, then resets the level.
func (a *AmplitudeSampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer a.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

// RMS returns the normalized root mean square of 16-bit little-endian PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Min(math.Sqrt(sum/float64(n)), 1)
}
