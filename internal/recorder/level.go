package recorder

import "slices"

// LevelWindow is the number of samples averaged by a LevelDetector.
const LevelWindow = 5

// LevelDetector classifies a moving average of one axis against a list of
// thresholds. The level is the number of thresholds the average exceeds.
type LevelDetector struct {
	thresholds []float64
	history    []float64
	next       int
	filled     int
}

// NewLevelDetector returns an inactive detector averaging window samples.
func NewLevelDetector(window int) *LevelDetector {
	if window <= 0 {
		window = LevelWindow
	}
	return &LevelDetector{history: make([]float64, window)}
}

// SetThresholds activates detection; an empty list deactivates it. The
// sample history is reset either way.
func (d *LevelDetector) SetThresholds(thresholds []float64) {
	d.thresholds = slices.Clone(thresholds)
	d.next, d.filled = 0, 0
}

// Active reports whether thresholds are set.
func (d *LevelDetector) Active() bool {
	return len(d.thresholds) > 0
}

// Thresholds returns a copy of the current thresholds.
func (d *LevelDetector) Thresholds() []float64 {
	return slices.Clone(d.thresholds)
}

// Add records v and returns the level of the updated moving average.
func (d *LevelDetector) Add(v float64) int {
	d.history[d.next] = v
	d.next = (d.next + 1) % len(d.history)
	if d.filled < len(d.history) {
		d.filled++
	}
	return d.Level()
}

// Average returns the mean of the recorded samples, 0 when empty.
func (d *LevelDetector) Average() float64 {
	if d.filled == 0 {
		return 0
	}
	var sum float64
	for _, v := range d.history[:d.filled] {
		sum += v
	}
	return sum / float64(d.filled)
}

// Level counts the thresholds exceeded by the current average.
func (d *LevelDetector) Level() int {
	if d.filled == 0 {
		return 0
	}
	avg := d.Average()
	level := 0
	for _, t := range d.thresholds {
		if avg > t {
			level++
		}
	}
	return level
}
