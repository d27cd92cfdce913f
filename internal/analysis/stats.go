package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// tTestResult carries a test statistic with its two-sided p-value.
type tTestResult struct {
	Statistic float64
	PValue    float64
	DF        float64
}

// pairedTTest runs a paired two-sided t-test on before/after samples of
// equal length. Returns ok=false when the differences have no variance,
// which callers surface as a warning rather than an error.
func pairedTTest(before, after []float64) (tTestResult, bool) {
	n := len(before)
	diffs := make([]float64, n)
	for i := range before {
		diffs[i] = after[i] - before[i]
	}
	mean := stat.Mean(diffs, nil)
	sd := stat.StdDev(diffs, nil)
	if sd == 0 || math.IsNaN(sd) {
		return tTestResult{}, false
	}
	df := float64(n - 1)
	t := mean / (sd / math.Sqrt(float64(n)))
	return tTestResult{Statistic: t, PValue: twoSidedTP(t, df), DF: df}, true
}

// welchTTest runs an unpaired two-sided t-test with unequal variances.
func welchTTest(a, b []float64) (tTestResult, bool) {
	na, nb := float64(len(a)), float64(len(b))
	va := stat.Variance(a, nil)
	vb := stat.Variance(b, nil)
	if va == 0 && vb == 0 {
		return tTestResult{}, false
	}
	sa, sb := va/na, vb/nb
	t := (stat.Mean(a, nil) - stat.Mean(b, nil)) / math.Sqrt(sa+sb)
	df := (sa + sb) * (sa + sb) / (sa*sa/(na-1) + sb*sb/(nb-1))
	if math.IsNaN(t) || math.IsNaN(df) || df <= 0 {
		return tTestResult{}, false
	}
	return tTestResult{Statistic: t, PValue: twoSidedTP(t, df), DF: df}, true
}

func twoSidedTP(t, df float64) float64 {
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.CDF(-math.Abs(t))
	return math.Min(p, 1)
}

// chiSquaredP returns the upper-tail p-value for a chi-squared statistic.
func chiSquaredP(chi2, df float64) float64 {
	if chi2 <= 0 {
		return 1
	}
	return distuv.ChiSquared{K: df}.Survival(chi2)
}

// fisherExactP computes the two-sided Fisher exact p-value for a 2x2 table
// by summing hypergeometric probabilities no larger than the observed one.
func fisherExactP(a, b, c, d int) float64 {
	r1 := a + b
	r2 := c + d
	c1 := a + c

	observed := hyperLogProb(a, r1, r2, c1)
	lo := 0
	if c1-r2 > 0 {
		lo = c1 - r2
	}
	hi := r1
	if c1 < hi {
		hi = c1
	}

	const eps = 1e-7
	p := 0.0
	for x := lo; x <= hi; x++ {
		lp := hyperLogProb(x, r1, r2, c1)
		if lp <= observed+eps {
			p += math.Exp(lp)
		}
	}
	return math.Min(p, 1)
}

func hyperLogProb(a, r1, r2, c1 int) float64 {
	return logChoose(r1, a) + logChoose(r2, c1-a) - logChoose(r1+r2, c1)
}

func logChoose(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	ln, _ := math.Lgamma(float64(n + 1))
	lk, _ := math.Lgamma(float64(k + 1))
	lnk, _ := math.Lgamma(float64(n - k + 1))
	return ln - lk - lnk
}

// pearsonR returns the Pearson correlation coefficient with its two-sided
// p-value from a t transform. ok is false for degenerate inputs.
func pearsonR(x, y []float64) (r, p float64, ok bool) {
	if len(x) != len(y) || len(x) < 3 {
		return 0, 0, false
	}
	r = stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return 0, 0, false
	}
	n := float64(len(x))
	if r >= 1 || r <= -1 {
		return r, 0, true
	}
	t := r * math.Sqrt((n-2)/(1-r*r))
	return r, twoSidedTP(t, n-2), true
}

// spearmanR ranks both samples (average ranks for ties) and correlates the
// ranks.
func spearmanR(x, y []float64) (r, p float64, ok bool) {
	if len(x) != len(y) || len(x) < 3 {
		return 0, 0, false
	}
	return pearsonR(ranks(x), ranks(y))
}

func ranks(values []float64) []float64 {
	n := len(values)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return values[idx[i]] < values[idx[j]] })

	out := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}

// kmPoint is one step of a Kaplan-Meier survival curve.
type kmPoint struct {
	Time     float64
	Survival float64
	Lower    float64
	Upper    float64
	AtRisk   int
	Events   int
	Censored int
}

// kaplanMeier estimates the survival function from follow-up times and event
// indicators. Confidence bounds use the Greenwood variance estimate on the
// plain scale, clamped to [0, 1].
func kaplanMeier(times []float64, events []bool) []kmPoint {
	type obs struct {
		t     float64
		event bool
	}
	data := make([]obs, len(times))
	for i := range times {
		data[i] = obs{t: times[i], event: events[i]}
	}
	sort.Slice(data, func(i, j int) bool { return data[i].t < data[j].t })

	var points []kmPoint
	survival := 1.0
	greenwood := 0.0
	atRisk := len(data)

	for i := 0; i < len(data); {
		t := data[i].t
		deaths, censored := 0, 0
		for i < len(data) && data[i].t == t {
			if data[i].event {
				deaths++
			} else {
				censored++
			}
			i++
		}
		if deaths > 0 {
			d, n := float64(deaths), float64(atRisk)
			survival *= 1 - d/n
			if n > d {
				greenwood += d / (n * (n - d))
			}
			se := survival * math.Sqrt(greenwood)
			points = append(points, kmPoint{
				Time:     t,
				Survival: survival,
				Lower:    math.Max(0, survival-1.96*se),
				Upper:    math.Min(1, survival+1.96*se),
				AtRisk:   atRisk,
				Events:   deaths,
				Censored: censored,
			})
		}
		atRisk -= deaths + censored
	}
	return points
}

// survivalAt reads the step function at a given time.
func survivalAt(points []kmPoint, t float64) float64 {
	s := 1.0
	for _, p := range points {
		if p.Time > t {
			break
		}
		s = p.Survival
	}
	return s
}

// woolfCI returns the 95% confidence interval for an odds ratio using the
// Woolf log method. The table must already be zero-cell corrected.
func woolfCI(t contingency) (lower, upper float64) {
	or := (t.a * t.d) / (t.b * t.c)
	se := math.Sqrt(1/t.a + 1/t.b + 1/t.c + 1/t.d)
	logOR := math.Log(or)
	return math.Exp(logOR - 1.96*se), math.Exp(logOR + 1.96*se)
}

type contingency struct {
	a, b, c, d float64
}
