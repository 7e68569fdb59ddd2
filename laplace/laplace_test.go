package laplace

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestNewInvalidLikelihood(t *testing.T) {
	model := newLinearModel(mat.NewDense(1, 2, []float64{1, 0}))
	backend := &ggnBackend{model: model, likelihood: Regression}

	if _, err := NewFull(model, Likelihood("poisson"), backend); !errors.Is(err, ErrInvalidLikelihood) {
		t.Fatalf("expected ErrInvalidLikelihood, got %v", err)
	}
}

func TestNewSigmaNoiseClassification(t *testing.T) {
	model := newRefClassifier(mat.NewDense(1, 3, []float64{1, 0, -1}))
	backend := &ggnBackend{model: model, likelihood: Classification}

	if _, err := NewFull(model, Classification, backend, WithSigmaNoise(0.5)); !errors.Is(err, ErrSigmaNoise) {
		t.Fatalf("expected ErrSigmaNoise, got %v", err)
	}
	if _, err := NewFull(model, Classification, backend, WithSigmaNoise(1.0)); err != nil {
		t.Fatalf("unit sigma noise should be accepted: %v", err)
	}
}

func TestPriorPrecisionStructure(t *testing.T) {
	const tol = 1e-12

	w1 := mat.NewDense(1, 2, []float64{1, 2})
	w2 := mat.NewDense(1, 3, []float64{3, 4, 5})
	model := newTwoBlockModel(w1, w2)
	backend := &ggnBackend{model: model, likelihood: Regression}

	// Scalar broadcast across all five parameters.
	la, err := NewFull(model, Regression, backend, WithPriorPrecision(2.5))
	if err != nil {
		t.Fatalf("scalar prior rejected: %v", err)
	}
	diag, err := la.PriorPrecisionDiag()
	if err != nil {
		t.Fatalf("PriorPrecisionDiag: %v", err)
	}
	if diag.Len() != 5 {
		t.Fatalf("broadcast length %d, want 5", diag.Len())
	}
	for i := 0; i < diag.Len(); i++ {
		if math.Abs(diag.AtVec(i)-2.5) > tol {
			t.Errorf("broadcast value at %d: got %f, want 2.5", i, diag.AtVec(i))
		}
	}

	// Per-layer broadcast follows group sizes (2 then 3).
	if err := la.SetPriorPrecision(1.0, 10.0); err != nil {
		t.Fatalf("layerwise prior rejected: %v", err)
	}
	diag, err = la.PriorPrecisionDiag()
	if err != nil {
		t.Fatalf("PriorPrecisionDiag: %v", err)
	}
	want := []float64{1, 1, 10, 10, 10}
	for i, w := range want {
		if math.Abs(diag.AtVec(i)-w) > tol {
			t.Errorf("layerwise broadcast at %d: got %f, want %f", i, diag.AtVec(i), w)
		}
	}

	// A length that is neither 1, n_layers, nor n_params is rejected.
	if err := la.SetPriorPrecision(1, 2, 3); !errors.Is(err, ErrPriorPrecision) {
		t.Fatalf("expected ErrPriorPrecision, got %v", err)
	}
}

func TestKronPriorRestriction(t *testing.T) {
	model := newTwoBlockModel(
		mat.NewDense(1, 2, []float64{1, 2}),
		mat.NewDense(1, 3, []float64{3, 4, 5}),
	)
	backend := &ggnBackend{model: model, likelihood: Regression}

	if _, err := NewKron(model, Regression, backend, WithPriorPrecision(1, 2, 3, 4, 5)); !errors.Is(err, ErrPriorPrecision) {
		t.Fatalf("per-parameter prior must be rejected for kron, got %v", err)
	}
	if _, err := NewKron(model, Regression, backend, WithPriorPrecision(1, 2)); err != nil {
		t.Fatalf("per-layer prior rejected: %v", err)
	}
}

func TestFunctionalPriorRestriction(t *testing.T) {
	model := newLinearModel(mat.NewDense(1, 2, []float64{1, 0}))
	backend := &ggnBackend{model: model, likelihood: Regression}

	if _, err := NewFunctional(model, Regression, backend, WithPriorPrecision(1, 2)); !errors.Is(err, ErrIsotropicPrior) {
		t.Fatalf("expected ErrIsotropicPrior, got %v", err)
	}
}

func TestNotFittedErrors(t *testing.T) {
	model := newLinearModel(mat.NewDense(1, 2, []float64{1, 0}))
	backend := &ggnBackend{model: model, likelihood: Regression}
	la, err := NewFull(model, Regression, backend)
	if err != nil {
		t.Fatalf("NewFull: %v", err)
	}

	if _, err := la.LogMarginalLikelihood(nil, nil); !errors.Is(err, ErrNotFitted) {
		t.Errorf("LogMarginalLikelihood before fit: got %v, want ErrNotFitted", err)
	}
	if _, err := la.Predictive(mat.NewDense(1, 2, []float64{1, 1})); !errors.Is(err, ErrNotFitted) {
		t.Errorf("Predictive before fit: got %v, want ErrNotFitted", err)
	}
	if _, err := la.PosteriorSamples(3, nil); !errors.Is(err, ErrNotFitted) {
		t.Errorf("PosteriorSamples before fit: got %v, want ErrNotFitted", err)
	}
}

func TestSliceLoaderSubset(t *testing.T) {
	x, y := regressionDataset(10)
	loader := mustLoader(x, y, 3)

	if loader.NumBatches() != 4 {
		t.Fatalf("NumBatches: got %d, want 4", loader.NumBatches())
	}
	sub, err := loader.Subset([]int{0, 5, 9})
	if err != nil {
		t.Fatalf("Subset: %v", err)
	}
	if sub.Len() != 3 {
		t.Fatalf("subset length: got %d, want 3", sub.Len())
	}
	got := sub.Batch(0).Input().(*mat.Dense)
	if got.At(1, 0) != x.At(5, 0) {
		t.Errorf("subset row 1: got %f, want %f", got.At(1, 0), x.At(5, 0))
	}

	if _, err := loader.Subset([]int{42}); err == nil {
		t.Error("out-of-range subset index must fail")
	}
}

func TestSodIndicesDeterministic(t *testing.T) {
	a := sodIndices(100, 10, 7)
	b := sodIndices(100, 10, 7)
	if len(a) != 10 {
		t.Fatalf("subset size: got %d, want 10", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed must give same subset: %v vs %v", a, b)
		}
		if i > 0 && a[i] <= a[i-1] {
			t.Fatalf("indices must be strictly increasing: %v", a)
		}
	}
	c := sodIndices(100, 10, 8)
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds should give different subsets")
	}
}
