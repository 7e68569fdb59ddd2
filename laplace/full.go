package laplace

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Full is the Laplace approximation with a dense posterior precision over
// all trainable parameters. Exact within the Gaussian family but quadratic
// in memory and cubic in factorization cost, so best suited to small heads
// or subnetworks.
type Full struct {
	parametric
	h      *mat.SymDense
	hasFit bool

	chol  *mat.Cholesky // cached factorization of the posterior precision
	scale *mat.Dense    // cached covariance square root
}

// NewFull builds a dense Laplace approximation around a trained predictor.
func NewFull(model Predictor, likelihood Likelihood, backend Backend, opts ...Option) (*Full, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	b, err := newBase(model, likelihood, backend, cfg)
	if err != nil {
		return nil, err
	}
	if err := checkBackend("full", backend, b.subsetParams); err != nil {
		return nil, err
	}
	f := &Full{}
	f.parametric = parametric{base: b, post: f}
	b.onPriorChange = f.invalidate
	return f, nil
}

func (f *Full) kind() string { return "full" }

func (f *Full) initH() {
	f.h = mat.NewSymDense(f.nParams, nil)
	f.hasFit = false
}

func (f *Full) fitted() bool { return f.hasFit }

func (f *Full) invalidate() {
	f.chol = nil
	f.scale = nil
}

func (f *Full) curvBatch(b Batch, n int) (float64, error) {
	loss, hBatch, err := f.backend.(FullBackend).Full(b, n)
	if err != nil {
		return 0, err
	}
	f.h.AddSym(f.h, hBatch)
	f.hasFit = true
	return loss, nil
}

// PosteriorPrecision assembles P = hFactor·H + diag(P0).
func (f *Full) PosteriorPrecision() (*mat.SymDense, error) {
	if !f.hasFit {
		return nil, ErrNotFitted
	}
	p0, err := f.PriorPrecisionDiag()
	if err != nil {
		return nil, err
	}
	hf := f.hFactor()
	prec := mat.NewSymDense(f.nParams, nil)
	for i := 0; i < f.nParams; i++ {
		for j := 0; j <= i; j++ {
			prec.SetSym(i, j, hf*f.h.At(i, j))
		}
		prec.SetSym(i, i, prec.At(i, i)+p0.AtVec(i))
	}
	return prec, nil
}

func (f *Full) ensureChol() (*mat.Cholesky, error) {
	if f.chol != nil {
		return f.chol, nil
	}
	prec, err := f.PosteriorPrecision()
	if err != nil {
		return nil, err
	}
	chol, err := safeCholSym(prec)
	if err != nil {
		return nil, err
	}
	f.chol = chol
	return chol, nil
}

// PosteriorScale returns a square root S of the posterior covariance with
// S Sᵀ = P⁻¹.
func (f *Full) PosteriorScale() (*mat.Dense, error) {
	if f.scale != nil {
		return f.scale, nil
	}
	chol, err := f.ensureChol()
	if err != nil {
		return nil, err
	}
	scale, err := invSqrtPrecision(chol)
	if err != nil {
		return nil, err
	}
	f.scale = scale
	return scale, nil
}

// PosteriorCovariance returns the dense posterior covariance P⁻¹.
func (f *Full) PosteriorCovariance() (*mat.Dense, error) {
	chol, err := f.ensureChol()
	if err != nil {
		return nil, err
	}
	cov := mat.NewDense(f.nParams, f.nParams, nil)
	eye := identity(f.nParams)
	if err := chol.SolveTo(cov, eye); err != nil {
		return nil, err
	}
	return cov, nil
}

// PosteriorVariance returns the diagonal of the posterior covariance.
func (f *Full) PosteriorVariance() (*mat.VecDense, error) {
	cov, err := f.PosteriorCovariance()
	if err != nil {
		return nil, err
	}
	v := mat.NewVecDense(f.nParams, nil)
	for i := 0; i < f.nParams; i++ {
		v.SetVec(i, cov.At(i, i))
	}
	return v, nil
}

func (f *Full) logDetPosteriorPrecision() (float64, error) {
	chol, err := f.ensureChol()
	if err != nil {
		return 0, err
	}
	return chol.LogDet(), nil
}

func (f *Full) squareNorm(delta *mat.VecDense) (float64, error) {
	tmp := mat.NewVecDense(f.nParams, nil)
	tmp.MulVec(f.h, delta)
	return f.hFactor() * mat.Dot(delta, tmp), nil
}

func (f *Full) functionalVariance(js []*mat.Dense) ([]*mat.SymDense, error) {
	chol, err := f.ensureChol()
	if err != nil {
		return nil, err
	}
	out := make([]*mat.SymDense, len(js))
	for k, j := range js {
		outs, _ := j.Dims()
		x := mat.NewDense(f.nParams, outs, nil)
		if err := chol.SolveTo(x, j.T()); err != nil {
			return nil, err
		}
		var cov mat.Dense
		cov.Mul(j, x)
		out[k] = symmetrize(&cov)
	}
	return out, nil
}

func (f *Full) functionalCovariance(js []*mat.Dense) (*mat.Dense, error) {
	chol, err := f.ensureChol()
	if err != nil {
		return nil, err
	}
	stacked := stackJacobians(js)
	rows, _ := stacked.Dims()
	x := mat.NewDense(f.nParams, rows, nil)
	if err := chol.SolveTo(x, stacked.T()); err != nil {
		return nil, err
	}
	cov := mat.NewDense(rows, rows, nil)
	cov.Mul(stacked, x)
	return cov, nil
}

func (f *Full) sample(n int, rng *rand.Rand) ([]*mat.VecDense, error) {
	scale, err := f.PosteriorScale()
	if err != nil {
		return nil, err
	}
	out := make([]*mat.VecDense, n)
	for i := 0; i < n; i++ {
		z := normalVec(f.nParams, rng)
		s := mat.NewVecDense(f.nParams, nil)
		s.MulVec(scale, z)
		s.AddVec(s, f.mean)
		out[i] = s
	}
	return out, nil
}

// identity builds an n x n identity matrix.
func identity(n int) *mat.Dense {
	eye := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		eye.Set(i, i, 1)
	}
	return eye
}

// symmetrize averages a numerically near-symmetric matrix into a SymDense.
func symmetrize(d *mat.Dense) *mat.SymDense {
	n, _ := d.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			s.SetSym(i, j, 0.5*(d.At(i, j)+d.At(j, i)))
		}
	}
	return s
}
