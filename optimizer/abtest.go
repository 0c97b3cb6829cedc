package optimizer

import (
	"math"

	"github.com/google/uuid"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

// NewABTest starts a running comparison between baseline and candidate
// over one spectrum.
func NewABTest(baseline, candidate PromptVariant, sp trace.Spectrum, targetN int) *ABTest {
	return &ABTest{
		ID:                  uuid.NewString(),
		BaselineVariantID:   baseline.ID,
		CandidateVariantID:  candidate.ID,
		Spectrum:            sp,
		TargetN:             targetN,
		Status:              ABRunning,
	}
}

// ObserveBaseline folds one baseline-arm sample into the running stats.
// No-op once the test has reached a terminal status, per the invariant
// that a running test transitions only to a terminal state and terminal
// states are immutable.
func (t *ABTest) ObserveBaseline(x float64) {
	if t.Status.Terminal() {
		return
	}
	t.baseline.observe(x)
	t.CollectedNBaseline = t.baseline.n
	t.MeanBaseline = t.baseline.mean
	t.VarianceBaseline = t.baseline.variance()
}

// ObserveCandidate folds one candidate-arm sample into the running stats.
func (t *ABTest) ObserveCandidate(x float64) {
	if t.Status.Terminal() {
		return
	}
	t.candidate.observe(x)
	t.CollectedNCandidate = t.candidate.n
	t.MeanCandidate = t.candidate.mean
	t.VarianceCandidate = t.candidate.variance()
}

// EvaluateStoppingRule decides whether the test should stop now, given the
// configured p-value threshold, minimum improvement, minimum per-arm
// sample count, and target per-arm sample count. It mutates Status to a
// terminal value when a decision is reached and returns whether it did.
func (t *ABTest) EvaluateStoppingRule(pValueThreshold, minImprovement float64, nMin int) bool {
	if t.Status.Terminal() {
		return true
	}

	improvement := t.MeanCandidate - t.MeanBaseline
	bothAtLeastNMin := t.CollectedNBaseline >= nMin && t.CollectedNCandidate >= nMin

	if bothAtLeastNMin {
		p := welchPValue(t.MeanBaseline, t.VarianceBaseline, t.CollectedNBaseline,
			t.MeanCandidate, t.VarianceCandidate, t.CollectedNCandidate)
		if p < pValueThreshold && math.Abs(improvement) >= minImprovement {
			if improvement > 0 {
				t.Status = ABDecidedCandidate
			} else {
				t.Status = ABDecidedBaseline
			}
			return true
		}
	}

	bothAtTarget := t.CollectedNBaseline >= t.TargetN && t.CollectedNCandidate >= t.TargetN
	if bothAtTarget {
		p := welchPValue(t.MeanBaseline, t.VarianceBaseline, t.CollectedNBaseline,
			t.MeanCandidate, t.VarianceCandidate, t.CollectedNCandidate)
		switch {
		case p < pValueThreshold && improvement >= minImprovement:
			t.Status = ABDecidedCandidate
		case p < pValueThreshold && -improvement >= minImprovement:
			t.Status = ABDecidedBaseline
		default:
			t.Status = ABInconclusive
		}
		return true
	}

	return false
}

// Abort marks a running test aborted (fatal error mid-cycle, or shutdown).
func (t *ABTest) Abort() {
	if !t.Status.Terminal() {
		t.Status = ABAborted
	}
}

// welchPValue computes the two-sided p-value for Welch's t-test over two
// samples summarized by (mean, variance, n). There is no statistics
// library anywhere in the retrieval pack, so this is implemented directly
// against the regularized incomplete beta function — the standard
// closed-form route from a t-statistic and degrees of freedom to a
// p-value — using only the standard library's math package.
func welchPValue(mean1, var1 float64, n1 int, mean2, var2 float64, n2 int) float64 {
	if n1 < 2 || n2 < 2 {
		return 1.0
	}
	se1 := var1 / float64(n1)
	se2 := var2 / float64(n2)
	se := se1 + se2
	if se <= 0 {
		if mean1 == mean2 {
			return 1.0
		}
		return 0.0
	}
	tStat := (mean1 - mean2) / math.Sqrt(se)

	df := se * se / (se1*se1/float64(n1-1) + se2*se2/float64(n2-1))
	if df < 1 {
		df = 1
	}

	return studentTTwoSidedP(math.Abs(tStat), df)
}

// studentTTwoSidedP returns P(|T| > t) for a Student's t distribution with
// df degrees of freedom, via the regularized incomplete beta function
// relation: P = I_{df/(df+t^2)}(df/2, 1/2).
func studentTTwoSidedP(t, df float64) float64 {
	x := df / (df + t*t)
	return regularizedIncompleteBeta(x, df/2, 0.5)
}

// regularizedIncompleteBeta implements I_x(a, b) via the continued-fraction
// method (Numerical Recipes' betai/betacf), the standard way to evaluate
// it without a dedicated statistics library.
func regularizedIncompleteBeta(x, a, b float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lbeta := lgamma(a+b) - lgamma(a) - lgamma(b) + a*math.Log(x) + b*math.Log(1-x)
	front := math.Exp(lbeta)

	if x < (a+1)/(a+b+2) {
		return front * betacf(x, a, b) / a
	}
	return 1 - front*betacf(1-x, b, a)/b
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// betacf evaluates the continued fraction for the incomplete beta function
// (Lentz's algorithm), as in Numerical Recipes §6.4.
func betacf(x, a, b float64) float64 {
	const maxIter = 200
	const eps = 3e-12
	const fpmin = 1e-300

	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < fpmin {
		d = fpmin
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIter; m++ {
		mf := float64(m)
		m2 := 2 * mf

		aa := mf * (b - mf) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < fpmin {
			d = fpmin
		}
		c = 1 + aa/c
		if math.Abs(c) < fpmin {
			c = fpmin
		}
		d = 1 / d
		h *= d * c

		aa = -(a + mf) * (qab + mf) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < fpmin {
			d = fpmin
		}
		c = 1 + aa/c
		if math.Abs(c) < fpmin {
			c = fpmin
		}
		d = 1 / d
		del := d * c
		h *= del

		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}
