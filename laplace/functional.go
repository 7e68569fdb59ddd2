package laplace

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Functional is the function-space formulation of the linearized Laplace
// approximation: the GGN-linearized predictor is an exact Gaussian process
// whose kernel is the Jacobian inner product scaled by the prior variance.
// Inference runs on a fixed-seed subset of M training examples, so all
// linear algebra is M·C-sized regardless of the parameter count.
//
// For classification the per-example likelihood Hessian is diagonalized;
// the full multiclass GP Laplace approximation is known to be fragile.
type Functional struct {
	*base

	m              int
	diagonalKernel bool
	seed           int64

	// kmm holds the raw (unscaled) kernel over the subset: one M·C square
	// matrix, or one M-square matrix per output channel when diagonal.
	kmm       []*mat.Dense
	sigmaChol []*mat.Cholesky
	lDiag     []*mat.VecDense
	mu        *mat.Dense // subset scatter means, M x C

	sodLoader      Loader
	priorFactorSoD float64
	mapEstimate    *mat.VecDense

	hasFit bool
	dirty  bool
}

// NewFunctional builds a function-space Laplace approximation around a
// trained predictor. Only isotropic (scalar) priors translate to the GP
// kernel scale.
func NewFunctional(model Predictor, likelihood Likelihood, backend Backend, opts ...Option) (*Functional, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	b, err := newBase(model, likelihood, backend, cfg)
	if err != nil {
		return nil, err
	}
	if err := checkBackend("functional", backend, b.subsetParams); err != nil {
		return nil, err
	}
	f := &Functional{
		base:           b,
		m:              cfg.subsetOfData,
		diagonalKernel: cfg.diagonalKernel,
		seed:           cfg.seed,
	}
	b.onPriorChange = func() { f.dirty = true }
	b.priorCheck = func(v *mat.VecDense) error {
		if v.Len() != 1 {
			return ErrIsotropicPrior
		}
		return nil
	}
	if err := b.priorCheck(b.priorPrecision); err != nil {
		return nil, err
	}
	return f, nil
}

// SubsetSize returns the number of examples backing the kernel.
func (f *Functional) SubsetSize() int { return f.m }

// gpKernelPriorVariance is the kernel scale: the subset fraction divided by
// the prior precision, so subsampling does not shrink the prior.
func (f *Functional) gpKernelPriorVariance() float64 {
	return f.priorFactorSoD / f.priorPrecision.AtVec(0)
}

// SetSubsetLoader restores the training-subset loader after loading saved
// state; predictives need it to recompute cross-kernels against the subset.
func (f *Functional) SetSubsetLoader(loader Loader) {
	f.sodLoader = loader
}

// Fit performs the single-shot GP inference pass over the training data.
// The kernel is not additive across fits, so override must be true once
// fitted.
func (f *Functional) Fit(loader Loader, override bool) error {
	if !override && f.hasFit {
		return ErrNoUpdate
	}
	if err := f.inferOutputs(loader); err != nil {
		return err
	}
	if f.likelihood == Regression && f.nOutputs > 1 && f.diagonalKernel {
		f.logger.Warn("diagonal kernel with multivariate regression likely overestimates predictive variance")
	}

	n := loader.Len()
	f.nData = n
	f.mean = paramsToVec(f.params, f.nParams)
	f.mapEstimate = mat.VecDenseCopyOf(f.mean)

	if f.m <= 0 || f.m > n {
		f.m = n
	}
	sod := loader
	if f.m < n {
		sub, ok := loader.(Subsetter)
		if !ok {
			return fmt.Errorf("%w: loader cannot produce a data subset", ErrBackend)
		}
		var err error
		sod, err = sub.Subset(sodIndices(n, f.m, f.seed))
		if err != nil {
			return err
		}
	}
	f.sodLoader = sod
	f.priorFactorSoD = float64(f.m) / float64(n)

	c := f.nOutputs
	mc := f.m * c
	if f.diagonalKernel {
		f.kmm = make([]*mat.Dense, c)
		for i := range f.kmm {
			f.kmm[i] = mat.NewDense(f.m, f.m, nil)
		}
	} else {
		f.kmm = []*mat.Dense{mat.NewDense(mc, mc, nil)}
	}

	f.loss = 0
	f.mu = mat.NewDense(f.m, c, nil)
	lFlat := mat.NewVecDense(mc, nil)

	// Row offsets of each batch in example units; batches can be ragged.
	offsets := make([]int, sod.NumBatches())
	pos := 0
	for i := range offsets {
		offsets[i] = pos
		pos += sod.Batch(i).Size()
	}
	if pos != f.m {
		return fmt.Errorf("laplace: subset loader yields %d examples, want %d", pos, f.m)
	}

	for i := 0; i < sod.NumBatches(); i++ {
		batch := sod.Batch(i)
		js, fBatch, err := f.backend.Jacobians(batch.Input())
		if err != nil {
			return err
		}
		if err := f.checkJacobians(js); err != nil {
			return err
		}
		loss, err := f.backend.Loss(fBatch, batch.Labels())
		if err != nil {
			return err
		}
		f.loss += loss

		f.accumulateLambda(lFlat, fBatch, offsets[i])
		f.accumulateMu(js, fBatch, batch.Labels(), offsets[i])

		for j := i; j < sod.NumBatches(); j++ {
			other := sod.Batch(j)
			js2, _, err := f.backend.Jacobians(other.Input())
			if err != nil {
				return err
			}
			f.storeKernelBlock(js, js2, offsets[i], offsets[j])
		}
	}

	f.lDiag = f.splitL(lFlat)
	if err := f.buildSigma(); err != nil {
		return err
	}
	f.hasFit = true
	return nil
}

// accumulateLambda writes the diagonal of the per-example likelihood
// Hessians w.r.t. the outputs into the flat example-major vector.
func (f *Functional) accumulateLambda(lFlat *mat.VecDense, fBatch *mat.Dense, offset int) {
	b, c := fBatch.Dims()
	if f.likelihood == Regression {
		for e := 0; e < b; e++ {
			for k := 0; k < c; k++ {
				lFlat.SetVec((offset+e)*c+k, 1)
			}
		}
		return
	}
	probs := softmaxRows(fBatch)
	for e := 0; e < b; e++ {
		for k := 0; k < c; k++ {
			p := probs.At(e, k)
			lFlat.SetVec((offset+e)*c+k, p-p*p)
		}
	}
}

// accumulateMu stores the scatter-term means: residuals against the
// prior-mean-shifted linearization for regression, the shift alone for
// classification.
func (f *Functional) accumulateMu(js []*mat.Dense, fBatch, y *mat.Dense, offset int) {
	shift := mat.NewVecDense(f.nParams, nil)
	shift.SubVec(f.priorMeanDiag(), f.mapEstimate)
	c := f.nOutputs
	for e, j := range js {
		jShift := mat.NewVecDense(c, nil)
		jShift.MulVec(j, shift)
		for k := 0; k < c; k++ {
			if f.likelihood == Regression {
				f.mu.Set(offset+e, k, y.At(e, k)-(fBatch.At(e, k)+jShift.AtVec(k)))
			} else {
				f.mu.Set(offset+e, k, -jShift.AtVec(k))
			}
		}
	}
}

// storeKernelBlock fills the (i,j) batch pair of the kernel and mirrors it.
func (f *Functional) storeKernelBlock(js, js2 []*mat.Dense, offI, offJ int) {
	c := f.nOutputs
	if f.diagonalKernel {
		for k := 0; k < c; k++ {
			for a, ja := range js {
				for b, jb := range js2 {
					s := 0.0
					for p := 0; p < f.nParams; p++ {
						s += ja.At(k, p) * jb.At(k, p)
					}
					f.kmm[k].Set(offI+a, offJ+b, s)
					f.kmm[k].Set(offJ+b, offI+a, s)
				}
			}
		}
		return
	}
	flatI := stackJacobians(js)
	flatJ := stackJacobians(js2)
	var block mat.Dense
	block.Mul(flatI, flatJ.T())
	ri, _ := flatI.Dims()
	rj, _ := flatJ.Dims()
	for a := 0; a < ri; a++ {
		for b := 0; b < rj; b++ {
			v := block.At(a, b)
			f.kmm[0].Set(offI*c+a, offJ*c+b, v)
			f.kmm[0].Set(offJ*c+b, offI*c+a, v)
		}
	}
}

// splitL reorders the flat likelihood-Hessian diagonal into the kernel
// layout: per-channel vectors for the diagonal kernel, one flat vector
// otherwise.
func (f *Functional) splitL(lFlat *mat.VecDense) []*mat.VecDense {
	c := f.nOutputs
	if !f.diagonalKernel {
		return []*mat.VecDense{lFlat}
	}
	out := make([]*mat.VecDense, c)
	for k := 0; k < c; k++ {
		v := mat.NewVecDense(f.m, nil)
		for e := 0; e < f.m; e++ {
			v.SetVec(e, lFlat.AtVec(e*c+k))
		}
		out[k] = v
	}
	return out
}

// buildSigma factorizes Sigma = gpVar·K_MM + diag(1/(hFactor·L)). Infinite
// inverse-Hessian entries (saturated probabilities) are clamped to 10.
func (f *Functional) buildSigma() error {
	gpv := f.gpKernelPriorVariance()
	hf := f.hFactor()
	f.sigmaChol = make([]*mat.Cholesky, len(f.kmm))
	for idx, k := range f.kmm {
		n, _ := k.Dims()
		s := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := 0; j <= i; j++ {
				s.SetSym(i, j, gpv*0.5*(k.At(i, j)+k.At(j, i)))
			}
			d := 1 / (hf * f.lDiag[idx].AtVec(i))
			if math.IsInf(d, 1) || math.IsNaN(d) {
				d = 10.0
			}
			s.SetSym(i, i, s.At(i, i)+d)
		}
		chol, err := safeCholSym(s)
		if err != nil {
			return err
		}
		f.sigmaChol[idx] = chol
	}
	f.dirty = false
	return nil
}

func (f *Functional) ensureSigma() error {
	if !f.hasFit {
		return ErrNotFitted
	}
	if f.dirty {
		f.logger.Warn("prior changed since fit, recomputing gp posterior factorization")
		return f.buildSigma()
	}
	return nil
}

// crossKernels assembles the unscaled K_M* columns for every test example:
// one (M·C x C) matrix per test point, or per-channel M-vectors when the
// kernel is diagonal (returned as M x 1 column blocks per channel).
func (f *Functional) crossKernels(js []*mat.Dense) ([]*mat.Dense, error) {
	if f.sodLoader == nil {
		return nil, fmt.Errorf("%w: training subset loader unavailable, call SetSubsetLoader", ErrNotFitted)
	}
	c := f.nOutputs
	nTest := len(js)
	out := make([]*mat.Dense, nTest)
	if f.diagonalKernel {
		for b := range out {
			out[b] = mat.NewDense(f.m, c, nil)
		}
	} else {
		for b := range out {
			out[b] = mat.NewDense(f.m*c, c, nil)
		}
	}
	offset := 0
	for i := 0; i < f.sodLoader.NumBatches(); i++ {
		batch := f.sodLoader.Batch(i)
		jt, _, err := f.backend.Jacobians(batch.Input())
		if err != nil {
			return nil, err
		}
		for e, je := range jt {
			for b, jb := range js {
				for ct := 0; ct < c; ct++ {
					for cs := 0; cs < c; cs++ {
						if f.diagonalKernel && ct != cs {
							continue
						}
						s := 0.0
						for p := 0; p < f.nParams; p++ {
							s += je.At(ct, p) * jb.At(cs, p)
						}
						if f.diagonalKernel {
							out[b].Set(offset+e, ct, s)
						} else {
							out[b].Set((offset+e)*c+ct, cs, s)
						}
					}
				}
			}
		}
		offset += batch.Size()
	}
	return out, nil
}

// functionalVariance computes the GP posterior covariance per test point:
// k** − K*M Σ⁻¹ KM*.
func (f *Functional) functionalVariance(js []*mat.Dense) ([]*mat.SymDense, error) {
	gpv := f.gpKernelPriorVariance()
	cross, err := f.crossKernels(js)
	if err != nil {
		return nil, err
	}
	c := f.nOutputs
	out := make([]*mat.SymDense, len(js))
	for b, jb := range js {
		cov := mat.NewSymDense(c, nil)
		if f.diagonalKernel {
			for k := 0; k < c; k++ {
				prior := 0.0
				for p := 0; p < f.nParams; p++ {
					prior += jb.At(k, p) * jb.At(k, p)
				}
				col := mat.NewVecDense(f.m, nil)
				for e := 0; e < f.m; e++ {
					col.SetVec(e, gpv*cross[b].At(e, k))
				}
				sol := mat.NewVecDense(f.m, nil)
				if err := f.sigmaChol[k].SolveVecTo(sol, col); err != nil {
					return nil, err
				}
				cov.SetSym(k, k, gpv*prior-mat.Dot(col, sol))
			}
		} else {
			var kss mat.Dense
			kss.Mul(jb, jb.T())
			scaled := mat.NewDense(f.m*c, c, nil)
			scaled.Scale(gpv, cross[b])
			sol := mat.NewDense(f.m*c, c, nil)
			if err := f.sigmaChol[0].SolveTo(sol, scaled); err != nil {
				return nil, err
			}
			var gain mat.Dense
			gain.Mul(scaled.T(), sol)
			for a := 0; a < c; a++ {
				for bb := 0; bb <= a; bb++ {
					v := gpv*kss.At(a, bb) - 0.5*(gain.At(a, bb)+gain.At(bb, a))
					cov.SetSym(a, bb, v)
				}
			}
		}
		out[b] = cov
	}
	return out, nil
}

// functionalCovariance computes the joint GP posterior covariance over all
// outputs of all test points, laid out example-major.
func (f *Functional) functionalCovariance(js []*mat.Dense) (*mat.Dense, error) {
	gpv := f.gpKernelPriorVariance()
	cross, err := f.crossKernels(js)
	if err != nil {
		return nil, err
	}
	c := f.nOutputs
	rows := len(js) * c
	stacked := stackJacobians(js)
	cov := mat.NewDense(rows, rows, nil)
	if f.diagonalKernel {
		// Independent channels: cross-covariances vanish off-channel.
		for k := 0; k < c; k++ {
			sols := make([]*mat.VecDense, len(js))
			for b := range js {
				col := mat.NewVecDense(f.m, nil)
				for e := 0; e < f.m; e++ {
					col.SetVec(e, gpv*cross[b].At(e, k))
				}
				sol := mat.NewVecDense(f.m, nil)
				if err := f.sigmaChol[k].SolveVecTo(sol, col); err != nil {
					return nil, err
				}
				sols[b] = sol
			}
			for a := range js {
				for b := range js {
					prior := 0.0
					for p := 0; p < f.nParams; p++ {
						prior += js[a].At(k, p) * js[b].At(k, p)
					}
					colA := mat.NewVecDense(f.m, nil)
					for e := 0; e < f.m; e++ {
						colA.SetVec(e, gpv*cross[a].At(e, k))
					}
					cov.Set(a*c+k, b*c+k, gpv*prior-mat.Dot(colA, sols[b]))
				}
			}
		}
		return cov, nil
	}
	var kss mat.Dense
	kss.Mul(stacked, stacked.T())
	ball := mat.NewDense(f.m*c, rows, nil)
	for b := range js {
		for i := 0; i < f.m*c; i++ {
			for k := 0; k < c; k++ {
				ball.Set(i, b*c+k, gpv*cross[b].At(i, k))
			}
		}
	}
	sol := mat.NewDense(f.m*c, rows, nil)
	if err := f.sigmaChol[0].SolveTo(sol, ball); err != nil {
		return nil, err
	}
	var gain mat.Dense
	gain.Mul(ball.T(), sol)
	for a := 0; a < rows; a++ {
		for b := 0; b < rows; b++ {
			cov.Set(a, b, gpv*kss.At(a, b)-gain.At(a, b))
		}
	}
	return cov, nil
}

// Predictive computes the GP posterior predictive. Only the gp prediction
// type applies to this variant.
func (f *Functional) Predictive(in Input, opts ...PredictOption) (*Prediction, error) {
	cfg := defaultPredictConfig()
	cfg.predType = PredGP
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.predType != PredGP {
		return nil, fmt.Errorf("%w: functional approximation only supports gp", ErrPredType)
	}
	switch cfg.link {
	case LinkMC, LinkProbit, LinkBridge, LinkBridgeNorm:
	default:
		return nil, fmt.Errorf("%w: %q", ErrLinkApprox, cfg.link)
	}
	if err := f.ensureSigma(); err != nil {
		return nil, err
	}
	f.switchToRegression()

	js, fMu, err := f.backend.Jacobians(in)
	if err != nil {
		return nil, err
	}
	if err := f.checkJacobians(js); err != nil {
		return nil, err
	}
	if cfg.joint && f.likelihood == Regression {
		cov, err := f.functionalCovariance(js)
		if err != nil {
			return nil, err
		}
		return &Prediction{Mean: fMu, JointCov: cov}, nil
	}
	fVar, err := f.functionalVariance(js)
	if err != nil {
		return nil, err
	}
	if cfg.diagOut {
		fVar = diagonalizeVars(fVar)
	}
	if f.likelihood == Regression {
		return &Prediction{Mean: fMu, Var: fVar}, nil
	}
	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return applyLink(fMu, fVar, cfg)
}

// LogDetRatio is the GP marginal-likelihood determinant term:
// log|K + σ²I| for regression, log|I + W K W| with W = sqrt(hFactor·L) for
// classification.
func (f *Functional) LogDetRatio() (float64, error) {
	if err := f.ensureSigma(); err != nil {
		return 0, err
	}
	gpv := f.gpKernelPriorVariance()
	hf := f.hFactor()
	total := 0.0
	for idx, k := range f.kmm {
		n, _ := k.Dims()
		s := mat.NewSymDense(n, nil)
		if f.likelihood == Regression {
			noise := f.sigmaNoise * f.sigmaNoise
			for i := 0; i < n; i++ {
				for j := 0; j <= i; j++ {
					s.SetSym(i, j, gpv*0.5*(k.At(i, j)+k.At(j, i)))
				}
				s.SetSym(i, i, s.At(i, i)+noise)
			}
		} else {
			w := make([]float64, n)
			for i := 0; i < n; i++ {
				w[i] = math.Sqrt(hf * f.lDiag[idx].AtVec(i))
			}
			for i := 0; i < n; i++ {
				for j := 0; j <= i; j++ {
					s.SetSym(i, j, w[i]*gpv*0.5*(k.At(i, j)+k.At(j, i))*w[j])
				}
				s.SetSym(i, i, s.At(i, i)+1)
			}
		}
		chol, err := safeCholSym(s)
		if err != nil {
			return 0, err
		}
		total += chol.LogDet()
	}
	return total, nil
}

// Scatter is the GP marginal-likelihood data-fit term mᵀ(K + noise·I)⁻¹m.
func (f *Functional) Scatter() (float64, error) {
	if err := f.ensureSigma(); err != nil {
		return 0, err
	}
	const eps = 1e-5
	noise := eps
	if f.likelihood == Regression {
		noise = f.sigmaNoise * f.sigmaNoise
	}
	gpv := f.gpKernelPriorVariance()
	c := f.nOutputs
	total := 0.0
	for idx, k := range f.kmm {
		n, _ := k.Dims()
		s := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := 0; j <= i; j++ {
				s.SetSym(i, j, gpv*0.5*(k.At(i, j)+k.At(j, i)))
			}
			s.SetSym(i, i, s.At(i, i)+noise)
		}
		chol, err := safeCholSym(s)
		if err != nil {
			return 0, err
		}
		m := mat.NewVecDense(n, nil)
		if f.diagonalKernel {
			for e := 0; e < f.m; e++ {
				m.SetVec(e, f.mu.At(e, idx))
			}
		} else {
			for e := 0; e < f.m; e++ {
				for kk := 0; kk < c; kk++ {
					m.SetVec(e*c+kk, f.mu.At(e, kk))
				}
			}
		}
		sol := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(sol, m); err != nil {
			return 0, err
		}
		total += mat.Dot(m, sol)
	}
	return total, nil
}

// LogMarginalLikelihood evaluates the GP evidence, optionally at a
// candidate prior precision and noise scale.
func (f *Functional) LogMarginalLikelihood(priorPrecision []float64, sigmaNoise *float64) (float64, error) {
	if !f.hasFit {
		return 0, ErrNotFitted
	}
	if priorPrecision != nil {
		if err := f.SetPriorPrecision(priorPrecision...); err != nil {
			return 0, err
		}
	}
	if sigmaNoise != nil {
		if err := f.SetSigmaNoise(*sigmaNoise); err != nil {
			return 0, err
		}
	}
	ratio, err := f.LogDetRatio()
	if err != nil {
		return 0, err
	}
	scatter, err := f.Scatter()
	if err != nil {
		return 0, err
	}
	return f.LogLikelihood() - 0.5*(ratio+scatter), nil
}

// PredictiveSamples draws output samples from the GP predictive, mapped to
// probabilities for classification.
func (f *Functional) PredictiveSamples(in Input, n int, opts ...PredictOption) ([]*mat.Dense, error) {
	cfg := defaultPredictConfig()
	cfg.predType = PredGP
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	if err := f.ensureSigma(); err != nil {
		return nil, err
	}
	f.switchToRegression()
	js, fMu, err := f.backend.Jacobians(in)
	if err != nil {
		return nil, err
	}
	if err := f.checkJacobians(js); err != nil {
		return nil, err
	}
	fVar, err := f.functionalVariance(js)
	if err != nil {
		return nil, err
	}
	return glmOutputSamples(fMu, fVar, n, f.likelihood == Classification, cfg.rng)
}
