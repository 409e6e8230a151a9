package autopilot

// PriceHistory is a fixed-size ring of the most recent prices.
type PriceHistory struct {
	buf   []float64
	start int
	n     int
}

// NewPriceHistory creates a ring holding capacity samples.
func NewPriceHistory(capacity int) *PriceHistory {
	if capacity < 3 {
		capacity = 3
	}
	return &PriceHistory{buf: make([]float64, capacity)}
}

// Add appends a sample, overwriting the oldest when full.
func (h *PriceHistory) Add(price float64) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = price
		h.n++
		return
	}
	h.buf[h.start] = price
	h.start = (h.start + 1) % len(h.buf)
}

// Len is the number of samples held.
func (h *PriceHistory) Len() int { return h.n }

// Values returns the samples oldest first.
func (h *PriceHistory) Values() []float64 {
	out := make([]float64, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// DetectPeak reports whether the window holds a strict local high (a sample
// above both neighbours) that is also the window maximum, and the latest
// sample sits at least decline below it.
func DetectPeak(values []float64, decline float64) bool {
	idx := extremeIndex(values, func(a, b float64) bool { return a > b })
	if idx < 0 {
		return false
	}
	peak := values[idx]
	last := values[len(values)-1]
	return peak > 0 && (peak-last)/peak >= decline
}

// DetectTrough is the mirror of DetectPeak for SHORT positions.
func DetectTrough(values []float64, rise float64) bool {
	idx := extremeIndex(values, func(a, b float64) bool { return a < b })
	if idx < 0 {
		return false
	}
	trough := values[idx]
	last := values[len(values)-1]
	return trough > 0 && (last-trough)/trough >= rise
}

// extremeIndex finds the interior sample that beats both neighbours and is
// the window extreme under better. Returns -1 when none exists.
func extremeIndex(values []float64, better func(a, b float64) bool) int {
	if len(values) < 3 {
		return -1
	}
	best := -1
	for i := 1; i < len(values)-1; i++ {
		if !better(values[i], values[i-1]) || !better(values[i], values[i+1]) {
			continue
		}
		if best < 0 || better(values[i], values[best]) {
			best = i
		}
	}
	if best < 0 {
		return -1
	}
	for _, v := range values {
		if better(v, values[best]) {
			return -1
		}
	}
	return best
}
