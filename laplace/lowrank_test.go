package laplace

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func buildLowRankFixture(t *testing.T) (*LowRank, *Full, *SliceLoader) {
	t.Helper()

	newModel := func() *linearModel {
		return newLinearModel(mat.NewDense(1, 3, []float64{0.7, -0.2, 1.1}))
	}

	rng := rand.New(rand.NewSource(9))
	const n = 25
	x := mat.NewDense(n, 3, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
		y.Set(i, 0, rng.NormFloat64())
	}
	loader := mustLoader(x, y, 25)

	lm := newModel()
	lr, err := NewLowRank(lm, Regression, &ggnBackend{model: lm, likelihood: Regression})
	if err != nil {
		t.Fatalf("NewLowRank: %v", err)
	}
	if err := lr.Fit(loader, true); err != nil {
		t.Fatalf("lowrank fit: %v", err)
	}

	fm := newModel()
	full, err := NewFull(fm, Regression, &ggnBackend{model: fm, likelihood: Regression})
	if err != nil {
		t.Fatalf("NewFull: %v", err)
	}
	if err := full.Fit(loader, true); err != nil {
		t.Fatalf("full fit: %v", err)
	}
	return lr, full, loader
}

func TestLowRankRejectsUpdate(t *testing.T) {
	lr, _, loader := buildLowRankFixture(t)
	if err := lr.Fit(loader, false); !errors.Is(err, ErrNoUpdate) {
		t.Fatalf("incremental fit: got %v, want ErrNoUpdate", err)
	}
	// A full refit stays allowed.
	if err := lr.Fit(loader, true); err != nil {
		t.Fatalf("refit with override: %v", err)
	}
}

func TestLowRankMatchesDense(t *testing.T) {
	// Three parameters and 25 Gaussian examples give a full-rank GGN, so
	// the Woodbury identities must reproduce the dense posterior exactly.
	const tol = 1e-8

	lr, full, _ := buildLowRankFixture(t)

	if lr.Rank() != 3 {
		t.Fatalf("rank: got %d, want 3", lr.Rank())
	}

	gotLogDet, err := lr.LogDetPosteriorPrecision()
	if err != nil {
		t.Fatalf("lowrank logdet: %v", err)
	}
	wantLogDet, err := full.LogDetPosteriorPrecision()
	if err != nil {
		t.Fatalf("full logdet: %v", err)
	}
	if math.Abs(gotLogDet-wantLogDet) > tol {
		t.Errorf("log det: lowrank %f, dense %f", gotLogDet, wantLogDet)
	}

	xq := mat.NewDense(2, 3, []float64{1, 0.5, -0.3, -0.8, 1.2, 0.1})
	pl, err := lr.Predictive(xq)
	if err != nil {
		t.Fatalf("lowrank predictive: %v", err)
	}
	pf, err := full.Predictive(xq)
	if err != nil {
		t.Fatalf("full predictive: %v", err)
	}
	for e := range pl.Var {
		if math.Abs(pl.Var[e].At(0, 0)-pf.Var[e].At(0, 0)) > tol {
			t.Errorf("variance example %d: lowrank %g, dense %g",
				e, pl.Var[e].At(0, 0), pf.Var[e].At(0, 0))
		}
	}

	ll, err := lr.LogMarginalLikelihood(nil, nil)
	if err != nil {
		t.Fatalf("lowrank lml: %v", err)
	}
	lf, err := full.LogMarginalLikelihood(nil, nil)
	if err != nil {
		t.Fatalf("full lml: %v", err)
	}
	if math.Abs(ll-lf) > tol {
		t.Errorf("log marginal likelihood: lowrank %f, dense %f", ll, lf)
	}
}

func TestLowRankJointCovarianceMatchesDense(t *testing.T) {
	const tol = 1e-8

	lr, full, _ := buildLowRankFixture(t)

	xq := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0.5, 0.5, 0.5,
	})
	pl, err := lr.Predictive(xq, WithJoint(true))
	if err != nil {
		t.Fatalf("lowrank joint predictive: %v", err)
	}
	pf, err := full.Predictive(xq, WithJoint(true))
	if err != nil {
		t.Fatalf("full joint predictive: %v", err)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(pl.JointCov.At(i, j)-pf.JointCov.At(i, j)) > tol {
				t.Errorf("joint covariance (%d,%d): lowrank %g, dense %g",
					i, j, pl.JointCov.At(i, j), pf.JointCov.At(i, j))
			}
		}
	}
}

func TestLowRankSampleMoments(t *testing.T) {
	lr, full, _ := buildLowRankFixture(t)

	const nSamples = 6000
	samples, err := lr.PosteriorSamples(nSamples, rand.New(rand.NewSource(21)))
	if err != nil {
		t.Fatalf("PosteriorSamples: %v", err)
	}

	dim := lr.NParams()
	avg := mat.NewVecDense(dim, nil)
	for _, s := range samples {
		avg.AddVec(avg, s)
	}
	avg.ScaleVec(1.0/nSamples, avg)
	for j := 0; j < dim; j++ {
		if math.Abs(avg.AtVec(j)-lr.Mean().AtVec(j)) > 0.05 {
			t.Errorf("sample mean at %d: got %f, want %f", j, avg.AtVec(j), lr.Mean().AtVec(j))
		}
	}

	// Empirical marginal variances track the dense posterior covariance.
	cov, err := full.PosteriorCovariance()
	if err != nil {
		t.Fatalf("PosteriorCovariance: %v", err)
	}
	for j := 0; j < dim; j++ {
		s := 0.0
		for _, smp := range samples {
			d := smp.AtVec(j) - lr.Mean().AtVec(j)
			s += d * d
		}
		s /= nSamples
		want := cov.At(j, j)
		if math.Abs(s-want) > 0.25*want+0.01 {
			t.Errorf("sample variance at %d: got %g, want %g", j, s, want)
		}
	}
}

func TestLowRankStateRoundTrip(t *testing.T) {
	const tol = 1e-10

	lr, _, _ := buildLowRankFixture(t)
	want, err := lr.LogDetPosteriorPrecision()
	if err != nil {
		t.Fatalf("logdet: %v", err)
	}
	state, err := lr.StateDict()
	if err != nil {
		t.Fatalf("StateDict: %v", err)
	}

	model := newLinearModel(mat.NewDense(1, 3, []float64{0.7, -0.2, 1.1}))
	fresh, err := NewLowRank(model, Regression, &ggnBackend{model: model, likelihood: Regression})
	if err != nil {
		t.Fatalf("NewLowRank: %v", err)
	}
	if err := fresh.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	got, err := fresh.LogDetPosteriorPrecision()
	if err != nil {
		t.Fatalf("logdet after load: %v", err)
	}
	if math.Abs(got-want) > tol {
		t.Errorf("log det after roundtrip: got %f, want %f", got, want)
	}
}
