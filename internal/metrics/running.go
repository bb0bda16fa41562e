package metrics

import "math"

// RunningStats holds count, sum, mean and variance of a sample set using
// Welford's online algorithm. Unlike the plain algorithm it also supports
// removing a previously added value, so a corrected sample can be replaced
// without recomputing the whole set.
type RunningStats struct {
	Count int     // n - number of observations
	Total float64 // sum of observations, kept exact for whole-second samples
	Mean  float64 // running mean
	M2    float64 // sum of squared differences from mean (for variance)
}

// Add includes a new observation.
// Reference: https://en.wikipedia.org/wiki/Algorithms_for_calculating_variance#Welford's_online_algorithm
func (s *RunningStats) Add(x float64) {
	s.Count++
	s.Total += x
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	delta2 := x - s.Mean
	s.M2 += delta * delta2
}

// Remove excludes an observation previously passed to Add
func (s *RunningStats) Remove(x float64) {
	if s.Count <= 1 {
		*s = RunningStats{}
		return
	}
	n := float64(s.Count)
	prevMean := (n*s.Mean - x) / (n - 1)
	s.M2 -= (x - s.Mean) * (x - prevMean)
	if s.M2 < 0 {
		s.M2 = 0
	}
	s.Mean = prevMean
	s.Total -= x
	s.Count--
}

// Sum returns the total of all observations
func (s *RunningStats) Sum() float64 {
	return s.Total
}

// StdDev returns the population standard deviation.
// Returns 0 if fewer than 2 observations.
func (s *RunningStats) StdDev() float64 {
	if s.Count < 2 {
		return 0
	}
	return math.Sqrt(s.M2 / float64(s.Count))
}
