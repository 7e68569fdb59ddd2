package laplace

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// LowRank is the Laplace approximation with the likelihood Hessian held as
// a truncated eigendecomposition H ≈ U diag(λ) Uᵀ. All posterior algebra
// reduces to rank-size linear systems through the Woodbury identity, so the
// cost scales with the rank rather than the parameter count.
type LowRank struct {
	parametric
	u    *mat.Dense    // n_params x rank, orthonormal columns
	eigs *mat.VecDense // rank, non-negative

	// cached Woodbury core (diag(1/λ') + Uᵀ V) at the current prior
	kmat     *mat.SymDense
	kmatChol *mat.Cholesky
}

// NewLowRank builds a low-rank Laplace approximation around a trained
// predictor. The backend must factorize the whole dataset at once; the
// eigenpair representation is not additive, so incremental fits are
// rejected.
func NewLowRank(model Predictor, likelihood Likelihood, backend Backend, opts ...Option) (*LowRank, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	b, err := newBase(model, likelihood, backend, cfg)
	if err != nil {
		return nil, err
	}
	if err := checkBackend("lowrank", backend, b.subsetParams); err != nil {
		return nil, err
	}
	l := &LowRank{}
	l.parametric = parametric{base: b, post: l}
	b.onPriorChange = l.invalidate
	return l, nil
}

func (l *LowRank) kind() string { return "lowrank" }

func (l *LowRank) initH() {
	l.u = nil
	l.eigs = nil
}

func (l *LowRank) fitted() bool { return l.u != nil }

func (l *LowRank) invalidate() {
	l.kmat = nil
	l.kmatChol = nil
}

func (l *LowRank) curvBatch(Batch, int) (float64, error) {
	return 0, ErrNoUpdate
}

// Fit factorizes the training curvature in one shot. override must be true.
func (l *LowRank) Fit(loader Loader, override bool) error {
	if !override && l.fitted() {
		return ErrNoUpdate
	}
	l.mean = paramsToVec(l.params, l.nParams)
	if err := l.inferOutputs(loader); err != nil {
		return err
	}
	u, eigs, loss, err := l.backend.(LowRankBackend).EigLowRank(loader)
	if err != nil {
		return fmt.Errorf("laplace: low-rank factorization: %w", err)
	}
	if r, _ := u.Dims(); r != l.nParams {
		return fmt.Errorf("%w: eigenvector rows %d, want %d", ErrJacobianShape, r, l.nParams)
	}
	l.u = u
	l.eigs = eigs
	l.loss = loss
	l.nData = loader.Len()
	l.invalidate()
	return nil
}

// Rank returns the number of retained eigenpairs.
func (l *LowRank) Rank() int {
	if l.eigs == nil {
		return 0
	}
	return l.eigs.Len()
}

// scaledEigs returns λ' = hFactor·λ.
func (l *LowRank) scaledEigs() *mat.VecDense {
	hf := l.hFactor()
	out := mat.NewVecDense(l.eigs.Len(), nil)
	for i := 0; i < l.eigs.Len(); i++ {
		out.SetVec(i, hf*l.eigs.AtVec(i))
	}
	return out
}

// v returns V = diag(1/P0) U, the prior-preconditioned eigenvectors.
func (l *LowRank) v() (*mat.Dense, error) {
	p0, err := l.PriorPrecisionDiag()
	if err != nil {
		return nil, err
	}
	rank := l.eigs.Len()
	v := mat.NewDense(l.nParams, rank, nil)
	for i := 0; i < l.nParams; i++ {
		d := p0.AtVec(i)
		for j := 0; j < rank; j++ {
			v.Set(i, j, l.u.At(i, j)/d)
		}
	}
	return v, nil
}

// ensureKmat factorizes the Woodbury core diag(1/λ') + Uᵀ V at the current
// prior. Its inverse is the rank-size kernel of every posterior identity.
func (l *LowRank) ensureKmat() (*mat.SymDense, *mat.Cholesky, error) {
	if l.kmatChol != nil {
		return l.kmat, l.kmatChol, nil
	}
	v, err := l.v()
	if err != nil {
		return nil, nil, err
	}
	lam := l.scaledEigs()
	rank := lam.Len()
	var utv mat.Dense
	utv.Mul(l.u.T(), v)
	kmat := mat.NewSymDense(rank, nil)
	for i := 0; i < rank; i++ {
		for j := 0; j <= i; j++ {
			kmat.SetSym(i, j, 0.5*(utv.At(i, j)+utv.At(j, i)))
		}
		kmat.SetSym(i, i, kmat.At(i, i)+1/lam.AtVec(i))
	}
	chol, err := safeCholSym(kmat)
	if err != nil {
		return nil, nil, err
	}
	l.kmat = kmat
	l.kmatChol = chol
	return kmat, chol, nil
}

func (l *LowRank) logDetPosteriorPrecision() (float64, error) {
	_, chol, err := l.ensureKmat()
	if err != nil {
		return 0, err
	}
	p0, err := l.PriorPrecisionDiag()
	if err != nil {
		return 0, err
	}
	lam := l.scaledEigs()
	logDet := 0.0
	for i := 0; i < lam.Len(); i++ {
		logDet += math.Log(lam.AtVec(i))
	}
	for i := 0; i < p0.Len(); i++ {
		logDet += math.Log(p0.AtVec(i))
	}
	// det(P) = det(diag(λ'))·det(P0)·det(diag(1/λ') + Uᵀ V)
	return logDet + chol.LogDet(), nil
}

func (l *LowRank) squareNorm(delta *mat.VecDense) (float64, error) {
	lam := l.scaledEigs()
	rank := lam.Len()
	ut := mat.NewVecDense(rank, nil)
	ut.MulVec(l.u.T(), delta)
	s := 0.0
	for i := 0; i < rank; i++ {
		c := ut.AtVec(i)
		s += lam.AtVec(i) * c * c
	}
	return s, nil
}

// applyCovariance computes P⁻¹ x through the Woodbury identity
// P⁻¹ = diag(1/P0) − V Kinv Vᵀ.
func (l *LowRank) applyCovariance(x *mat.VecDense) (*mat.VecDense, error) {
	_, chol, err := l.ensureKmat()
	if err != nil {
		return nil, err
	}
	v, err := l.v()
	if err != nil {
		return nil, err
	}
	p0, err := l.PriorPrecisionDiag()
	if err != nil {
		return nil, err
	}
	rank := l.eigs.Len()

	vtx := mat.NewVecDense(rank, nil)
	vtx.MulVec(v.T(), x)
	sol := mat.NewVecDense(rank, nil)
	if err := chol.SolveVecTo(sol, vtx); err != nil {
		return nil, err
	}
	gain := mat.NewVecDense(l.nParams, nil)
	gain.MulVec(v, sol)

	out := mat.NewVecDense(l.nParams, nil)
	for i := 0; i < l.nParams; i++ {
		out.SetVec(i, x.AtVec(i)/p0.AtVec(i)-gain.AtVec(i))
	}
	return out, nil
}

func (l *LowRank) functionalVariance(js []*mat.Dense) ([]*mat.SymDense, error) {
	_, chol, err := l.ensureKmat()
	if err != nil {
		return nil, err
	}
	v, err := l.v()
	if err != nil {
		return nil, err
	}
	p0, err := l.PriorPrecisionDiag()
	if err != nil {
		return nil, err
	}
	rank := l.eigs.Len()
	out := make([]*mat.SymDense, len(js))
	for k, j := range js {
		outs, _ := j.Dims()
		var jv mat.Dense
		jv.Mul(j, v) // outs x rank
		sol := mat.NewDense(rank, outs, nil)
		if err := chol.SolveTo(sol, jv.T()); err != nil {
			return nil, err
		}
		cov := mat.NewSymDense(outs, nil)
		for a := 0; a < outs; a++ {
			for b := 0; b <= a; b++ {
				prior := 0.0
				for i := 0; i < l.nParams; i++ {
					prior += j.At(a, i) / p0.AtVec(i) * j.At(b, i)
				}
				gain := 0.0
				for r := 0; r < rank; r++ {
					gain += jv.At(a, r) * sol.At(r, b)
				}
				cov.SetSym(a, b, prior-gain)
			}
		}
		out[k] = cov
	}
	return out, nil
}

func (l *LowRank) functionalCovariance(js []*mat.Dense) (*mat.Dense, error) {
	_, chol, err := l.ensureKmat()
	if err != nil {
		return nil, err
	}
	v, err := l.v()
	if err != nil {
		return nil, err
	}
	p0, err := l.PriorPrecisionDiag()
	if err != nil {
		return nil, err
	}
	stacked := stackJacobians(js)
	rows, _ := stacked.Dims()
	rank := l.eigs.Len()

	var jv mat.Dense
	jv.Mul(stacked, v)
	sol := mat.NewDense(rank, rows, nil)
	if err := chol.SolveTo(sol, jv.T()); err != nil {
		return nil, err
	}
	cov := mat.NewDense(rows, rows, nil)
	for a := 0; a < rows; a++ {
		for b := 0; b <= a; b++ {
			prior := 0.0
			for i := 0; i < l.nParams; i++ {
				prior += stacked.At(a, i) / p0.AtVec(i) * stacked.At(b, i)
			}
			gain := 0.0
			for r := 0; r < rank; r++ {
				gain += jv.At(a, r) * sol.At(r, b)
			}
			cov.Set(a, b, prior-gain)
			cov.Set(b, a, prior-gain)
		}
	}
	return cov, nil
}

// sample draws y ~ N(0, P) from the low-rank-plus-diagonal structure and
// maps it through P⁻¹, which distributes as N(0, P⁻¹).
func (l *LowRank) sample(n int, rng *rand.Rand) ([]*mat.VecDense, error) {
	p0, err := l.PriorPrecisionDiag()
	if err != nil {
		return nil, err
	}
	lam := l.scaledEigs()
	rank := lam.Len()
	out := make([]*mat.VecDense, n)
	for s := 0; s < n; s++ {
		y := mat.NewVecDense(l.nParams, nil)
		for i := 0; i < l.nParams; i++ {
			y.SetVec(i, math.Sqrt(p0.AtVec(i))*rng.NormFloat64())
		}
		z2 := mat.NewVecDense(rank, nil)
		for r := 0; r < rank; r++ {
			z2.SetVec(r, math.Sqrt(lam.AtVec(r))*rng.NormFloat64())
		}
		uz := mat.NewVecDense(l.nParams, nil)
		uz.MulVec(l.u, z2)
		y.AddVec(y, uz)

		x, err := l.applyCovariance(y)
		if err != nil {
			return nil, err
		}
		x.AddVec(x, l.mean)
		out[s] = x
	}
	return out, nil
}
