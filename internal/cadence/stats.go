// Package cadence measures how regularly a render loop presents frames.
package cadence

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum allowed FPS standard deviation as a fraction of mean FPS.
	// Example: 60 FPS mean → stable if stddev < 9 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum allowed mean jitter as a fraction of expected interval.
	// Example: 60 FPS (16.6ms interval) → stable if jitter < 3.3ms
	jitterStabilityThreshold = 0.20

	// DefaultWindow is the number of presentation times a Recorder keeps.
	DefaultWindow = 240
)

// Stats summarizes presentation cadence over a window of frames.
type Stats struct {
	Frames       int           `json:"frames"`
	Duration     time.Duration `json:"duration"`
	FPSMean      float64       `json:"fps_mean"`
	FPSStdDev    float64       `json:"fps_stddev"`
	FPSMin       float64       `json:"fps_min"`
	FPSMax       float64       `json:"fps_max"`
	JitterMean   float64       `json:"jitter_mean_s"`
	JitterStdDev float64       `json:"jitter_stddev_s"`
	JitterMax    float64       `json:"jitter_max_s"`
	Stable       bool          `json:"stable"`
}

// Calculate computes cadence statistics from frame presentation times.
//
// A window is stable when the instantaneous FPS stddev is under 15% of the
// mean and the mean jitter is under 20% of the expected interval.
func Calculate(frameTimes []time.Time, totalDuration time.Duration) Stats {
	n := len(frameTimes)
	if n == 0 || totalDuration <= 0 {
		return Stats{Frames: n, Duration: totalDuration}
	}

	fpsMean := float64(n) / totalDuration.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}

	if len(instantaneous) == 0 {
		return Stats{Frames: n, Duration: totalDuration, FPSMean: fpsMean}
	}

	fpsMin, fpsMax := instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	// Jitter = deviation from the expected inter-frame interval
	expectedInterval := 1.0 / fpsMean
	jitters := make([]float64, 0, n-1)
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		j := math.Abs(frameTimes[i].Sub(frameTimes[i-1]).Seconds() - expectedInterval)
		jitters = append(jitters, j)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSumSquares += diff * diff
	}
	jitterStdDev := math.Sqrt(jitterSumSquares / float64(len(jitters)))

	return Stats{
		Frames:       n,
		Duration:     totalDuration,
		FPSMean:      fpsMean,
		FPSStdDev:    fpsStdDev,
		FPSMin:       fpsMin,
		FPSMax:       fpsMax,
		JitterMean:   jitterMean,
		JitterStdDev: jitterStdDev,
		JitterMax:    jitterMax,
		Stable: fpsStdDev < fpsMean*fpsStabilityThreshold &&
			jitterMean < expectedInterval*jitterStabilityThreshold,
	}
}

// Recorder keeps the most recent presentation times in a ring buffer.
//
// Mark is called from a render loop; Snapshot from status readers.
type Recorder struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	count int
	total uint64
}

// NewRecorder creates a recorder holding up to window samples.
func NewRecorder(window int) *Recorder {
	if window < 2 {
		window = DefaultWindow
	}
	return &Recorder{times: make([]time.Time, window)}
}

// Mark records a presentation at t.
func (r *Recorder) Mark(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.times[r.next] = t
	r.next = (r.next + 1) % len(r.times)
	if r.count < len(r.times) {
		r.count++
	}
	r.total++
}

// Total returns the number of presentations ever marked.
func (r *Recorder) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Reset drops every sample.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next, r.count = 0, 0
}

// Snapshot computes Stats over the samples currently in the window.
func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	ordered := make([]time.Time, r.count)
	start := (r.next - r.count + len(r.times)) % len(r.times)
	for i := 0; i < r.count; i++ {
		ordered[i] = r.times[(start+i)%len(r.times)]
	}
	r.mu.Unlock()

	if len(ordered) < 2 {
		return Stats{Frames: len(ordered)}
	}
	return Calculate(ordered, ordered[len(ordered)-1].Sub(ordered[0]))
}
