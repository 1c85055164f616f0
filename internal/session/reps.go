package session

// DefaultRepThreshold is the mean similarity a window must reach to count.
const DefaultRepThreshold = 50.0

// RepCounter derives completed repetitions from the per-frame similarity
// stream. The stream is cut into consecutive windows of one reference
// length; a full window whose mean similarity reaches the threshold is one
// repetition. A partial trailing window never counts.
type RepCounter struct {
	window    int
	threshold float64

	sum   float64
	n     int
	count int
}

// NewRepCounter creates a counter for a reference of window frames.
func NewRepCounter(window int, threshold float64) *RepCounter {
	if window < 1 {
		window = 1
	}
	if threshold <= 0 {
		threshold = DefaultRepThreshold
	}
	return &RepCounter{window: window, threshold: threshold}
}

// Add feeds one evaluated frame and reports whether it closed a repetition.
func (c *RepCounter) Add(similarity float64) bool {
	c.sum += similarity
	c.n++
	if c.n < c.window {
		return false
	}
	completed := c.sum/float64(c.n) >= c.threshold
	if completed {
		c.count++
	}
	c.sum, c.n = 0, 0
	return completed
}

// Count returns the repetitions completed so far.
func (c *RepCounter) Count() int {
	return c.count
}

// Progress returns how far into the current window the stream is, in [0,1).
func (c *RepCounter) Progress() float64 {
	return float64(c.n) / float64(c.window)
}
