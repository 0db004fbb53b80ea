// Package bandwidth estimates download throughput and picks the variant
// that fits it.
package bandwidth

import (
	"sync"
	"time"
)

// DefaultWindow is the number of samples kept by NewEstimator(0).
const DefaultWindow = 100

type sample struct {
	bytes   int64
	elapsed time.Duration
}

// Estimator keeps a bounded FIFO of (bytes, elapsed) samples with running
// totals. It is written by the reader and may be read concurrently.
type Estimator struct {
	mu      sync.Mutex
	samples []sample
	head    int
	count   int

	totalBytes   int64
	totalElapsed time.Duration
}

// NewEstimator creates an estimator keeping at most window samples.
func NewEstimator(window int) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Estimator{samples: make([]sample, window)}
}

// Observe records that n bytes were read in elapsed time, evicting the
// oldest sample when the window is full.
func (e *Estimator) Observe(n int, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count == len(e.samples) {
		old := e.samples[e.head]
		e.totalBytes -= old.bytes
		e.totalElapsed -= old.elapsed
		e.head = (e.head + 1) % len(e.samples)
		e.count--
	}

	tail := (e.head + e.count) % len(e.samples)
	e.samples[tail] = sample{bytes: int64(n), elapsed: elapsed}
	e.count++
	e.totalBytes += int64(n)
	e.totalElapsed += elapsed
}

// Estimate returns the throughput in bits per second. ok is false until at
// least two samples with a measurable elapsed time exist.
func (e *Estimator) Estimate() (bps int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count < 2 {
		return 0, false
	}
	micros := e.totalElapsed.Microseconds()
	if micros <= 0 {
		return 0, false
	}
	return e.totalBytes * 8_000_000 / micros, true
}

// Len returns the number of retained samples.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Totals returns the running sums over the retained samples.
func (e *Estimator) Totals() (bytes int64, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalBytes, e.totalElapsed
}

// Reset drops all samples.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.head, e.count = 0, 0
	e.totalBytes, e.totalElapsed = 0, 0
}

// Select returns the index of the highest bandwidth in ascending whose
// value does not exceed margin times the estimate, or 0 if none does.
func Select(ascending []int, estimate int64, margin float64) int {
	if len(ascending) == 0 {
		return -1
	}

	limit := float64(estimate) * margin
	i := len(ascending) - 1
	for i > 0 && float64(ascending[i]) > limit {
		i--
	}
	return i
}
