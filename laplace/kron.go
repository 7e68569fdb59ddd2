package laplace

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-laplace/kron"
)

// Kron is the Laplace approximation with a layerwise Kronecker-factored
// posterior precision. Each parameter group's curvature block is the
// Kronecker product of two small factors, eigendecomposed once so the
// prior can be folded in and the precision inverted without ever forming
// the dense block.
type Kron struct {
	parametric
	damping bool

	hFacs  *kron.Factors
	dec    *kron.Decomposed
	hasFit bool

	// priorOnly records a failed eigendecomposition; the posterior then
	// degrades to the prior alone.
	priorOnly bool
}

// NewKron builds a Kronecker-factored Laplace approximation around a
// trained predictor. The prior precision is restricted to scalar or
// per-layer structure because a per-parameter diagonal cannot be expressed
// inside the factor eigenbases.
func NewKron(model Predictor, likelihood Likelihood, backend Backend, opts ...Option) (*Kron, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	b, err := newBase(model, likelihood, backend, cfg)
	if err != nil {
		return nil, err
	}
	if err := checkBackend("kron", backend, b.subsetParams); err != nil {
		return nil, err
	}
	k := &Kron{damping: cfg.damping}
	k.parametric = parametric{base: b, post: k}
	b.onPriorChange = k.invalidate
	b.priorCheck = func(v *mat.VecDense) error {
		if n := v.Len(); n != 1 && n != b.nLayers {
			return fmt.Errorf("%w: kronecker structure needs a scalar or per-layer prior, got length %d",
				ErrPriorPrecision, n)
		}
		return nil
	}
	// Re-validate the prior set by the constructor options against the
	// structural restriction.
	if err := b.priorCheck(b.priorPrecision); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Kron) kind() string { return "kron" }

func (k *Kron) shapes() []kron.Shape {
	shapes := make([]kron.Shape, len(k.params))
	for i, p := range k.params {
		r, c := p.Shape()
		shapes[i] = kron.Shape{Rows: r, Cols: c}
	}
	return shapes
}

func (k *Kron) initH() {
	k.hFacs = kron.NewFactors(k.shapes())
	k.hasFit = false
}

func (k *Kron) fitted() bool { return k.hasFit }

func (k *Kron) invalidate() {
	k.dec = nil
	k.priorOnly = false
}

func (k *Kron) curvBatch(b Batch, n int) (float64, error) {
	loss, facs, err := k.backend.(KronBackend).Kron(b, n)
	if err != nil {
		return 0, err
	}
	if err := k.hFacs.Add(facs); err != nil {
		return 0, err
	}
	k.hasFit = true
	return loss, nil
}

// Fit accumulates Kronecker curvature. Incremental fits blend old and new
// factors by dataset-size weights because Kronecker products do not add
// exactly; the blend keeps both contributions on the per-dataset scale.
func (k *Kron) Fit(loader Loader, override bool) error {
	if override || !k.hasFit {
		return k.parametric.Fit(loader, true)
	}
	prev := k.hFacs.Clone()
	nOld := k.nData
	k.hFacs = kron.NewFactors(k.shapes())
	if err := k.parametric.Fit(loader, false); err != nil {
		k.hFacs = prev
		return err
	}
	nNew := k.nData - nOld
	w := float64(nOld) / float64(nOld+nNew)
	prev.Scale(w)
	k.hFacs.Scale(1 - w)
	if err := k.hFacs.Add(prev); err != nil {
		return err
	}
	k.invalidate()
	return nil
}

// Factors exposes the accumulated raw Kronecker factors.
func (k *Kron) Factors() *kron.Factors { return k.hFacs }

// PriorFallback reports whether a failed eigendecomposition degraded the
// posterior to the prior alone.
func (k *Kron) PriorFallback() bool { return k.priorOnly }

// deltas broadcasts the prior precision to one value per parameter group.
func (k *Kron) deltas() []float64 {
	out := make([]float64, k.nLayers)
	if k.priorPrecision.Len() == 1 {
		v := k.priorPrecision.AtVec(0)
		for i := range out {
			out[i] = v
		}
		return out
	}
	for i := range out {
		out[i] = k.priorPrecision.AtVec(i)
	}
	return out
}

func (k *Kron) ensureDec() error {
	if k.dec != nil || k.priorOnly {
		return nil
	}
	dec, err := k.hFacs.Decompose(k.damping)
	if err != nil {
		k.logger.Warn("kronecker factor eigendecomposition failed, degrading to prior-only posterior",
			zap.Error(err))
		k.priorOnly = true
		return nil
	}
	k.dec = dec
	return nil
}

func (k *Kron) logDetPosteriorPrecision() (float64, error) {
	if err := k.ensureDec(); err != nil {
		return 0, err
	}
	if k.priorOnly {
		return k.LogDetPriorPrecision()
	}
	return k.dec.LogDet(k.hFactor(), k.deltas()), nil
}

func (k *Kron) squareNorm(delta *mat.VecDense) (float64, error) {
	if err := k.ensureDec(); err != nil {
		return 0, err
	}
	if k.priorOnly {
		return 0, nil
	}
	// The caller adds the diagonal prior quadratic itself, so subtract it
	// from the full posterior form. Going through the full precision keeps
	// the quadratic on the same (possibly damped) eigenvalue grid as the
	// log-determinant.
	deltas := k.deltas()
	pd, err := k.dec.Apply(delta, k.hFactor(), deltas, 1)
	if err != nil {
		return 0, err
	}
	quad := mat.Dot(delta, pd)
	offset := 0
	for gi := 0; gi < k.dec.NumGroups(); gi++ {
		size := k.dec.GroupSize(gi)
		for i := 0; i < size; i++ {
			v := delta.AtVec(offset + i)
			quad -= deltas[gi] * v * v
		}
		offset += size
	}
	return quad, nil
}

func (k *Kron) functionalVariance(js []*mat.Dense) ([]*mat.SymDense, error) {
	if err := k.ensureDec(); err != nil {
		return nil, err
	}
	if k.priorOnly {
		return k.priorOnlyVariance(js)
	}
	hf, deltas := k.hFactor(), k.deltas()
	out := make([]*mat.SymDense, len(js))
	for idx, j := range js {
		m, err := k.dec.ApplyRows(j, hf, deltas, -1)
		if err != nil {
			return nil, err
		}
		var cov mat.Dense
		cov.Mul(j, m.T())
		out[idx] = symmetrize(&cov)
	}
	return out, nil
}

func (k *Kron) functionalCovariance(js []*mat.Dense) (*mat.Dense, error) {
	if err := k.ensureDec(); err != nil {
		return nil, err
	}
	stacked := stackJacobians(js)
	if k.priorOnly {
		return k.priorOnlyCovariance(stacked)
	}
	m, err := k.dec.ApplyRows(stacked, k.hFactor(), k.deltas(), -1)
	if err != nil {
		return nil, err
	}
	rows, _ := stacked.Dims()
	cov := mat.NewDense(rows, rows, nil)
	cov.Mul(stacked, m.T())
	return cov, nil
}

func (k *Kron) sample(n int, rng *rand.Rand) ([]*mat.VecDense, error) {
	if err := k.ensureDec(); err != nil {
		return nil, err
	}
	hf, deltas := k.hFactor(), k.deltas()
	out := make([]*mat.VecDense, n)
	for i := 0; i < n; i++ {
		z := normalVec(k.nParams, rng)
		var s *mat.VecDense
		if k.priorOnly {
			s = k.priorOnlySample(z)
		} else {
			var err error
			s, err = k.dec.Apply(z, hf, deltas, -0.5)
			if err != nil {
				return nil, err
			}
		}
		s.AddVec(s, k.mean)
		out[i] = s
	}
	return out, nil
}

func (k *Kron) priorOnlyVariance(js []*mat.Dense) ([]*mat.SymDense, error) {
	p0, err := k.PriorPrecisionDiag()
	if err != nil {
		return nil, err
	}
	out := make([]*mat.SymDense, len(js))
	for idx, j := range js {
		outs, _ := j.Dims()
		cov := mat.NewSymDense(outs, nil)
		for a := 0; a < outs; a++ {
			for b := 0; b <= a; b++ {
				s := 0.0
				for i := 0; i < k.nParams; i++ {
					s += j.At(a, i) / p0.AtVec(i) * j.At(b, i)
				}
				cov.SetSym(a, b, s)
			}
		}
		out[idx] = cov
	}
	return out, nil
}

func (k *Kron) priorOnlyCovariance(stacked *mat.Dense) (*mat.Dense, error) {
	p0, err := k.PriorPrecisionDiag()
	if err != nil {
		return nil, err
	}
	rows, _ := stacked.Dims()
	cov := mat.NewDense(rows, rows, nil)
	for a := 0; a < rows; a++ {
		for b := 0; b <= a; b++ {
			s := 0.0
			for i := 0; i < k.nParams; i++ {
				s += stacked.At(a, i) / p0.AtVec(i) * stacked.At(b, i)
			}
			cov.Set(a, b, s)
			cov.Set(b, a, s)
		}
	}
	return cov, nil
}

func (k *Kron) priorOnlySample(z *mat.VecDense) *mat.VecDense {
	p0, _ := k.PriorPrecisionDiag()
	s := mat.NewVecDense(k.nParams, nil)
	for i := 0; i < k.nParams; i++ {
		s.SetVec(i, z.AtVec(i)/math.Sqrt(p0.AtVec(i)))
	}
	return s
}
