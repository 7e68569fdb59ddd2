package laplace

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var errCholesky = errors.New("laplace: cholesky factorization failed even with jitter")

// safeCholSym factorizes a symmetric positive-definite matrix, retrying with
// escalating trace-scaled diagonal jitter when the plain factorization
// fails. Posterior precisions assembled from streamed curvature can sit
// right at the PSD boundary.
func safeCholSym(s *mat.SymDense) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(s); ok {
		return &chol, nil
	}

	n := s.SymmetricDim()
	trace := 0.0
	for i := 0; i < n; i++ {
		trace += s.At(i, i)
	}
	eps := 1e-8 * trace / float64(n)
	if eps <= 0 {
		eps = 1e-10
	}

	jittered := mat.NewSymDense(n, nil)
	for attempt := 0; attempt < 4; attempt++ {
		jittered.CopySym(s)
		for i := 0; i < n; i++ {
			jittered.SetSym(i, i, jittered.At(i, i)+eps)
		}
		if ok := chol.Factorize(jittered); ok {
			return &chol, nil
		}
		eps *= 10
	}
	return nil, errCholesky
}

// invSqrtPrecision computes a square-root factor S of the posterior
// covariance from the Cholesky factorization of the precision P = L Lᵀ:
// S = L⁻ᵀ satisfies S Sᵀ = P⁻¹, so mean + S·z with z standard normal draws
// from the posterior.
func invSqrtPrecision(chol *mat.Cholesky) (*mat.Dense, error) {
	n := chol.SymmetricDim()
	var l mat.TriDense
	chol.LTo(&l)

	var linv mat.TriDense
	if err := linv.InverseTri(&l); err != nil {
		return nil, err
	}
	s := mat.NewDense(n, n, nil)
	s.Copy(linv.T())
	return s, nil
}

// softmaxRows applies a row-wise, numerically shifted softmax.
func softmaxRows(f *mat.Dense) *mat.Dense {
	r, c := f.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		maxv := math.Inf(-1)
		for j := 0; j < c; j++ {
			if v := f.At(i, j); v > maxv {
				maxv = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(f.At(i, j) - maxv)
			out.Set(i, j, e)
			sum += e
		}
		for j := 0; j < c; j++ {
			out.Set(i, j, out.At(i, j)/sum)
		}
	}
	return out
}

// logSpace returns n points spaced logarithmically between 10^lo and 10^hi.
func logSpace(lo, hi float64, n int) []float64 {
	dst := make([]float64, n)
	if n == 1 {
		dst[0] = math.Pow(10, lo)
		return dst
	}
	return floats.LogSpan(dst, math.Pow(10, lo), math.Pow(10, hi))
}
