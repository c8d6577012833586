// Package filter implements a fixed-window moving average over raw sensor codes.
package filter

// DefaultWindow is the number of samples averaged per sensor.
const DefaultWindow = 10

// MovingAverage keeps the last N samples in a circular buffer together with
// their running sum. It is not safe for concurrent use; callers guard it with
// the sensor-state lock.
type MovingAverage struct {
	buffer []int
	next   int
	count  int
	sum    int
}

// New creates a moving average over window samples. Non-positive windows are
// treated as 1 (no averaging).
func New(window int) *MovingAverage {
	if window <= 0 {
		window = 1
	}
	return &MovingAverage{buffer: make([]int, window)}
}

// Record adds a sample and returns the updated average.
func (m *MovingAverage) Record(sample int) float32 {
	if m.count == len(m.buffer) {
		m.sum -= m.buffer[m.next]
	} else {
		m.count++
	}
	m.buffer[m.next] = sample
	m.sum += sample
	m.next = (m.next + 1) % len(m.buffer)

	return m.Average()
}

// Average returns sum/count, or 0 before the first sample.
func (m *MovingAverage) Average() float32 {
	if m.count == 0 {
		return 0
	}
	return float32(m.sum) / float32(m.count)
}

// Count returns the number of samples currently contributing to the average.
func (m *MovingAverage) Count() int {
	return m.count
}

// Window returns the configured window size.
func (m *MovingAverage) Window() int {
	return len(m.buffer)
}

// Reset clears the buffer, sum and count. The buffer is reused.
func (m *MovingAverage) Reset() {
	for i := range m.buffer {
		m.buffer[i] = 0
	}
	m.next = 0
	m.count = 0
	m.sum = 0
}
