package metrics

import "math"

func mean(s []float64) float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

// variance is the sample variance (ddof=1).
func variance(s []float64) float64 {
	n := len(s)
	if n < 2 {
		return math.NaN()
	}
	m := mean(s)
	var ss float64
	for _, v := range s {
		d := v - m
		ss += d * d
	}
	return ss / float64(n-1)
}

// quantile interpolates linearly between closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi >= n {
		hi = n - 1
	}
	w := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*w
}

func centralMoments(s []float64) (m2, m3, m4 float64) {
	m := mean(s)
	for _, v := range s {
		d := v - m
		d2 := d * d
		m2 += d2
		m3 += d2 * d
		m4 += d2 * d2
	}
	n := float64(len(s))
	return m2 / n, m3 / n, m4 / n
}

// skew is the adjusted Fisher-Pearson coefficient; NaN below three values.
func skew(s []float64) float64 {
	n := float64(len(s))
	if n < 3 {
		return math.NaN()
	}
	m2, m3, _ := centralMoments(s)
	if m2 == 0 {
		return 0
	}
	g1 := m3 / math.Pow(m2, 1.5)
	return g1 * math.Sqrt(n*(n-1)) / (n - 2)
}

// kurtosis is the bias-corrected excess kurtosis; NaN below four values.
func kurtosis(s []float64) float64 {
	n := float64(len(s))
	if n < 4 {
		return math.NaN()
	}
	m2, _, m4 := centralMoments(s)
	if m2 == 0 {
		return 0
	}
	g2 := m4/(m2*m2) - 3
	return ((n+1)*g2 + 6) * (n - 1) / ((n - 2) * (n - 3))
}
