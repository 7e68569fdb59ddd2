package laplace

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-laplace/kron"
)

// Backend computes curvature of the training loss with respect to the
// predictor's trainable parameters. Every backend supplies per-example
// Jacobians and the batch loss; the structured capabilities below are
// optional and checked at construction against the variant's needs.
//
// Jacobians returns one (outputs x n_params) matrix per example together
// with the batch output matrix. Loss evaluates the training objective on a
// batch of outputs and labels: 0.5 times the sum of squared errors for
// regression, the summed categorical cross-entropy for classification.
type Backend interface {
	Jacobians(in Input) ([]*mat.Dense, *mat.Dense, error)
	Loss(f, y *mat.Dense) (float64, error)
}

// FullBackend additionally produces a dense curvature approximation for a
// batch: the loss and an (n_params x n_params) positive semi-definite
// matrix (a GGN or Fisher approximation of the loss Hessian).
type FullBackend interface {
	Backend
	Full(b Batch, n int) (float64, *mat.SymDense, error)
}

// KronBackend produces layerwise Kronecker-factored curvature. The returned
// factors carry one group per trainable parameter group, in declaration
// order; n is the total dataset size for curvature scaling conventions that
// need it.
type KronBackend interface {
	Backend
	Kron(b Batch, n int) (float64, *kron.Factors, error)
}

// DiagBackend produces the diagonal of the curvature for a batch.
type DiagBackend interface {
	Backend
	Diag(b Batch, n int) (float64, *mat.VecDense, error)
}

// LowRankBackend factorizes the whole dataset's curvature at once into an
// eigenpair representation: U is (n_params x rank) with orthonormal columns
// and eigs holds the corresponding non-negative eigenvalues.
type LowRankBackend interface {
	Backend
	EigLowRank(loader Loader) (U *mat.Dense, eigs *mat.VecDense, loss float64, err error)
}

// EmpiricalFisher marks a backend as computing the empirical (gradient
// outer-product) Fisher rather than a GGN/exact-Fisher approximation.
// Backends that do not implement the marker are treated as GGN.
type EmpiricalFisher interface {
	IsEmpiricalFisher() bool
}

func isEmpiricalFisher(b Backend) bool {
	ef, ok := b.(EmpiricalFisher)
	return ok && ef.IsEmpiricalFisher()
}

// checkBackend enforces the variant/backend compatibility rules: the
// backend must provide the capability the structure consumes, low-rank and
// functional variants reject frozen (non-trainable) parameters, and the
// diagonal empirical Fisher is rejected when parameters are frozen because
// the two disagree on which gradients vanish.
func checkBackend(kind string, backend Backend, subsetParams bool) error {
	switch kind {
	case "full":
		if _, ok := backend.(FullBackend); !ok {
			return fmt.Errorf("%w: full structure needs a FullBackend", ErrBackend)
		}
	case "kron":
		if _, ok := backend.(KronBackend); !ok {
			return fmt.Errorf("%w: kron structure needs a KronBackend", ErrBackend)
		}
	case "diag":
		if _, ok := backend.(DiagBackend); !ok {
			return fmt.Errorf("%w: diag structure needs a DiagBackend", ErrBackend)
		}
		if subsetParams && isEmpiricalFisher(backend) {
			return fmt.Errorf("%w: diagonal empirical Fisher does not support frozen parameters", ErrBackend)
		}
	case "lowrank":
		if _, ok := backend.(LowRankBackend); !ok {
			return fmt.Errorf("%w: lowrank structure needs a LowRankBackend", ErrBackend)
		}
		if subsetParams {
			return fmt.Errorf("%w: lowrank structure does not support frozen parameters", ErrBackend)
		}
	case "functional":
		if subsetParams {
			return fmt.Errorf("%w: functional approximation does not support frozen parameters", ErrBackend)
		}
	default:
		return fmt.Errorf("%w: unknown structure %q", ErrBackend, kind)
	}
	return nil
}
