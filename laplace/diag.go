package laplace

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Diag is the Laplace approximation with a diagonal posterior precision:
// linear memory, closed-form everything, at the cost of ignoring parameter
// correlations.
type Diag struct {
	parametric
	h      *mat.VecDense
	hasFit bool
}

// NewDiag builds a diagonal Laplace approximation around a trained
// predictor.
func NewDiag(model Predictor, likelihood Likelihood, backend Backend, opts ...Option) (*Diag, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	b, err := newBase(model, likelihood, backend, cfg)
	if err != nil {
		return nil, err
	}
	if err := checkBackend("diag", backend, b.subsetParams); err != nil {
		return nil, err
	}
	d := &Diag{}
	d.parametric = parametric{base: b, post: d}
	b.onPriorChange = d.invalidate
	return d, nil
}

func (d *Diag) kind() string { return "diag" }

func (d *Diag) initH() {
	d.h = mat.NewVecDense(d.nParams, nil)
	d.hasFit = false
}

func (d *Diag) fitted() bool { return d.hasFit }

// invalidate is a no-op: every diagonal quantity is recomputed on demand.
func (d *Diag) invalidate() {}

func (d *Diag) curvBatch(b Batch, n int) (float64, error) {
	loss, hBatch, err := d.backend.(DiagBackend).Diag(b, n)
	if err != nil {
		return 0, err
	}
	d.h.AddVec(d.h, hBatch)
	d.hasFit = true
	return loss, nil
}

// PosteriorPrecision returns the diagonal hFactor·H + P0.
func (d *Diag) PosteriorPrecision() (*mat.VecDense, error) {
	if !d.hasFit {
		return nil, ErrNotFitted
	}
	p0, err := d.PriorPrecisionDiag()
	if err != nil {
		return nil, err
	}
	hf := d.hFactor()
	prec := mat.NewVecDense(d.nParams, nil)
	for i := 0; i < d.nParams; i++ {
		prec.SetVec(i, hf*d.h.AtVec(i)+p0.AtVec(i))
	}
	return prec, nil
}

// PosteriorVariance returns the elementwise posterior variances 1/P.
func (d *Diag) PosteriorVariance() (*mat.VecDense, error) {
	prec, err := d.PosteriorPrecision()
	if err != nil {
		return nil, err
	}
	v := mat.NewVecDense(d.nParams, nil)
	for i := 0; i < d.nParams; i++ {
		v.SetVec(i, 1/prec.AtVec(i))
	}
	return v, nil
}

// PosteriorScale returns the elementwise posterior standard deviations.
func (d *Diag) PosteriorScale() (*mat.VecDense, error) {
	v, err := d.PosteriorVariance()
	if err != nil {
		return nil, err
	}
	s := mat.NewVecDense(d.nParams, nil)
	for i := 0; i < d.nParams; i++ {
		s.SetVec(i, math.Sqrt(v.AtVec(i)))
	}
	return s, nil
}

func (d *Diag) logDetPosteriorPrecision() (float64, error) {
	prec, err := d.PosteriorPrecision()
	if err != nil {
		return 0, err
	}
	s := 0.0
	for i := 0; i < prec.Len(); i++ {
		s += math.Log(prec.AtVec(i))
	}
	return s, nil
}

func (d *Diag) squareNorm(delta *mat.VecDense) (float64, error) {
	hf := d.hFactor()
	s := 0.0
	for i := 0; i < delta.Len(); i++ {
		v := delta.AtVec(i)
		s += v * v * hf * d.h.AtVec(i)
	}
	return s, nil
}

func (d *Diag) functionalVariance(js []*mat.Dense) ([]*mat.SymDense, error) {
	variance, err := d.PosteriorVariance()
	if err != nil {
		return nil, err
	}
	out := make([]*mat.SymDense, len(js))
	for k, j := range js {
		outs, _ := j.Dims()
		cov := mat.NewSymDense(outs, nil)
		for a := 0; a < outs; a++ {
			for b := 0; b <= a; b++ {
				s := 0.0
				for i := 0; i < d.nParams; i++ {
					s += j.At(a, i) * variance.AtVec(i) * j.At(b, i)
				}
				cov.SetSym(a, b, s)
			}
		}
		out[k] = cov
	}
	return out, nil
}

func (d *Diag) functionalCovariance(js []*mat.Dense) (*mat.Dense, error) {
	variance, err := d.PosteriorVariance()
	if err != nil {
		return nil, err
	}
	stacked := stackJacobians(js)
	rows, _ := stacked.Dims()
	cov := mat.NewDense(rows, rows, nil)
	for a := 0; a < rows; a++ {
		for b := 0; b <= a; b++ {
			s := 0.0
			for i := 0; i < d.nParams; i++ {
				s += stacked.At(a, i) * variance.AtVec(i) * stacked.At(b, i)
			}
			cov.Set(a, b, s)
			cov.Set(b, a, s)
		}
	}
	return cov, nil
}

func (d *Diag) sample(n int, rng *rand.Rand) ([]*mat.VecDense, error) {
	scale, err := d.PosteriorScale()
	if err != nil {
		return nil, err
	}
	out := make([]*mat.VecDense, n)
	for i := 0; i < n; i++ {
		s := mat.NewVecDense(d.nParams, nil)
		for p := 0; p < d.nParams; p++ {
			s.SetVec(p, d.mean.AtVec(p)+scale.AtVec(p)*rng.NormFloat64())
		}
		out[i] = s
	}
	return out, nil
}
