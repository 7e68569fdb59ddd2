package laplace

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// posterior is the structure-specific half of a parametric approximation.
// The embedding parametric struct drives the shared fit loop and the
// marginal-likelihood algebra through it.
type posterior interface {
	// kind names the structure for state dicts and backend checks.
	kind() string
	// initH resets the curvature accumulator to zero.
	initH()
	// fitted reports whether Fit has completed at least once.
	fitted() bool
	// invalidate drops cached factorizations after a prior or noise change.
	invalidate()
	// curvBatch folds one batch's curvature into the accumulator and
	// returns the batch loss.
	curvBatch(b Batch, n int) (float64, error)
	// logDetPosteriorPrecision is log|P| at the current prior.
	logDetPosteriorPrecision() (float64, error)
	// squareNorm is deltaᵀ H_scaled delta for the data term of LogProb,
	// where delta = theta - mean and H_scaled = hFactor·H.
	squareNorm(delta *mat.VecDense) (float64, error)
	// functionalVariance maps per-example Jacobians to predictive output
	// covariances J P⁻¹ Jᵀ.
	functionalVariance(js []*mat.Dense) ([]*mat.SymDense, error)
	// functionalCovariance maps a batch of Jacobians to the joint
	// covariance over all outputs of all examples.
	functionalCovariance(js []*mat.Dense) (*mat.Dense, error)
	// sample draws n parameter vectors from the posterior.
	sample(n int, rng *rand.Rand) ([]*mat.VecDense, error)
}

// parametric is a weight-space Laplace approximation: a Gaussian over the
// flattened trainable parameters with structure supplied by post.
type parametric struct {
	*base
	post posterior
}

// Fit accumulates curvature over the loader. With override the accumulator,
// loss, and data count reset first; without it curvature is added to the
// existing approximation (structures that cannot add reject this with
// ErrNoUpdate).
func (p *parametric) Fit(loader Loader, override bool) error {
	if !override && !p.post.fitted() {
		override = true
	}
	if override {
		p.post.initH()
		p.loss = 0
		p.nData = 0
	}

	p.mean = paramsToVec(p.params, p.nParams)

	if err := p.inferOutputs(loader); err != nil {
		return err
	}

	n := loader.Len()
	for i := 0; i < loader.NumBatches(); i++ {
		batch := loader.Batch(i)
		loss, err := p.post.curvBatch(batch, n)
		if err != nil {
			return fmt.Errorf("laplace: curvature batch %d: %w", i, err)
		}
		p.loss += loss
	}
	p.nData += n
	p.post.invalidate()
	return nil
}

// Scatter is the prior quadratic (mean - prior_mean)ᵀ P0 (mean - prior_mean).
func (p *parametric) Scatter() (float64, error) {
	if p.mean == nil {
		return 0, ErrNotFitted
	}
	p0, err := p.PriorPrecisionDiag()
	if err != nil {
		return 0, err
	}
	pm := p.priorMeanDiag()
	s := 0.0
	for i := 0; i < p.nParams; i++ {
		d := p.mean.AtVec(i) - pm.AtVec(i)
		s += d * d * p0.AtVec(i)
	}
	return s, nil
}

// LogDetPriorPrecision is log|P0| for the diagonal prior.
func (p *parametric) LogDetPriorPrecision() (float64, error) {
	p0, err := p.PriorPrecisionDiag()
	if err != nil {
		return 0, err
	}
	s := 0.0
	for i := 0; i < p0.Len(); i++ {
		s += math.Log(p0.AtVec(i))
	}
	return s, nil
}

// LogDetPosteriorPrecision is log|P| for the structured posterior
// precision at the current prior.
func (p *parametric) LogDetPosteriorPrecision() (float64, error) {
	if !p.post.fitted() {
		return 0, ErrNotFitted
	}
	return p.post.logDetPosteriorPrecision()
}

// LogDetRatio is log|P| - log|P0|, the Occam penalty of the evidence.
func (p *parametric) LogDetRatio() (float64, error) {
	post, err := p.LogDetPosteriorPrecision()
	if err != nil {
		return 0, err
	}
	prior, err := p.LogDetPriorPrecision()
	if err != nil {
		return 0, err
	}
	return post - prior, nil
}

// LogProb evaluates the Gaussian posterior log-density at a parameter
// vector. With normalized=false only the quadratic form is returned,
// dropping the constant and determinant terms.
func (p *parametric) LogProb(theta *mat.VecDense, normalized bool) (float64, error) {
	if !p.post.fitted() {
		return 0, ErrNotFitted
	}
	if theta.Len() != p.nParams {
		return 0, fmt.Errorf("%w: parameter vector length %d, want %d",
			ErrJacobianShape, theta.Len(), p.nParams)
	}
	delta := mat.NewVecDense(p.nParams, nil)
	delta.SubVec(theta, p.mean)

	dataTerm, err := p.post.squareNorm(delta)
	if err != nil {
		return 0, err
	}
	p0, err := p.PriorPrecisionDiag()
	if err != nil {
		return 0, err
	}
	priorTerm := 0.0
	for i := 0; i < p.nParams; i++ {
		d := delta.AtVec(i)
		priorTerm += d * d * p0.AtVec(i)
	}
	quad := dataTerm + priorTerm
	if !normalized {
		return -0.5 * quad, nil
	}
	logDet, err := p.LogDetPosteriorPrecision()
	if err != nil {
		return 0, err
	}
	return -0.5*float64(p.nParams)*math.Log(2*math.Pi) + 0.5*logDet - 0.5*quad, nil
}

// LogMarginalLikelihood evaluates the Laplace evidence
// log p(D) ≈ log p(D|θ*) - ½(log|P|/|P0| + scatter), optionally at a
// candidate prior precision and noise scale without mutating either when
// the setters reject them.
func (p *parametric) LogMarginalLikelihood(priorPrecision []float64, sigmaNoise *float64) (float64, error) {
	if !p.post.fitted() {
		return 0, ErrNotFitted
	}
	if priorPrecision != nil {
		if err := p.SetPriorPrecision(priorPrecision...); err != nil {
			return 0, err
		}
	}
	if sigmaNoise != nil {
		if err := p.SetSigmaNoise(*sigmaNoise); err != nil {
			return 0, err
		}
	}
	ratio, err := p.LogDetRatio()
	if err != nil {
		return 0, err
	}
	scatter, err := p.Scatter()
	if err != nil {
		return 0, err
	}
	return p.LogLikelihood() - 0.5*(ratio+scatter), nil
}

// PosteriorSamples draws n parameter vectors from the fitted Gaussian. A
// nil rng falls back to an unseeded source.
func (p *parametric) PosteriorSamples(n int, rng *rand.Rand) ([]*mat.VecDense, error) {
	if !p.post.fitted() {
		return nil, ErrNotFitted
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return p.post.sample(n, rng)
}

// FunctionalVariance maps per-example Jacobians through the posterior
// covariance: one (outputs x outputs) matrix J P⁻¹ Jᵀ per example.
func (p *parametric) FunctionalVariance(js []*mat.Dense) ([]*mat.SymDense, error) {
	if !p.post.fitted() {
		return nil, ErrNotFitted
	}
	if err := p.checkJacobians(js); err != nil {
		return nil, err
	}
	return p.post.functionalVariance(js)
}

// normalVec fills a fresh vector with standard normal draws.
func normalVec(n int, rng *rand.Rand) *mat.VecDense {
	v := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		v.SetVec(i, rng.NormFloat64())
	}
	return v
}

// stackJacobians concatenates per-example Jacobians vertically into one
// (batch·outputs x n_params) matrix.
func stackJacobians(js []*mat.Dense) *mat.Dense {
	r0, c := js[0].Dims()
	out := mat.NewDense(len(js)*r0, c, nil)
	for k, j := range js {
		for i := 0; i < r0; i++ {
			for jj := 0; jj < c; jj++ {
				out.Set(k*r0+i, jj, j.At(i, jj))
			}
		}
	}
	return out
}
