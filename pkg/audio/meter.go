package audio

import (
	"math"
	"sync"
)

// RMS computes the root-mean-square amplitude of a PCM block, normalized to
// the int16 sample range. Typical speech lands in [0, ~0.3]. An empty block
// yields 0. Pure function, no side effects.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// DefaultHistorySize is the default capacity of a [History] ring.
const DefaultHistorySize = 50

// historyMaxFloor prevents division blow-up when normalizing a near-silent
// history for display.
const historyMaxFloor = 0.001

// History is a fixed-capacity rolling buffer of amplitude samples used only
// for visualization. On overflow the oldest entry is dropped. Levels
// normalizes by the running maximum so the display always spans [0, 1].
//
// Safe for concurrent use.
type History struct {
	mu      sync.Mutex
	buf     []float64
	start   int // index of the oldest entry
	n       int
	peak    float64 // running maximum across all pushed samples
}

// NewHistory creates a History with the given capacity. A capacity of zero or
// less falls back to [DefaultHistorySize].
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]float64, capacity)}
}

// Push appends one amplitude sample, dropping the oldest on overflow.
// Non-finite samples are clamped to 0.
func (h *History) Push(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if v > h.peak {
		h.peak = v
	}
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = v
		h.n++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % len(h.buf)
}

// Levels returns the history oldest-first, each sample divided by the running
// maximum (floored at 0.001) and clamped to [0, 1].
func (h *History) Levels() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	peak := h.peak
	if peak < historyMaxFloor {
		peak = historyMaxFloor
	}
	out := make([]float64, h.n)
	for i := range out {
		v := h.buf[(h.start+i)%len(h.buf)] / peak
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		out[i] = v
	}
	return out
}

// Reset clears the history and the running maximum. Called whenever capture
// or playback stops.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start, h.n, h.peak = 0, 0, 0
}
