package laplace

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Input is an opaque model input. The approximation never inspects it; it is
// passed through to the Predictor and the Backend unchanged, so any batch
// representation the model understands works.
type Input any

// Predictor is the trained model an approximation wraps. Forward maps a
// batch input to a (batch x outputs) matrix of raw outputs (logits for
// classification, point predictions for regression). Parameters exposes the
// parameter groups in a stable order; SetOutputSize is called once the
// output width has been inferred from data.
type Predictor interface {
	Forward(in Input) (*mat.Dense, error)
	Parameters() []*Parameter
	SetOutputSize(c int)
}

// Parameter is one named parameter group of a predictor. Values are stored
// as a matrix and flattened row-major when entering parameter space.
// Non-trainable groups are excluded from the posterior.
type Parameter struct {
	Name      string
	Value     *mat.Dense
	Trainable bool
}

// Size returns the number of scalar entries in the group.
func (p *Parameter) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Shape returns the (rows, cols) of the group.
func (p *Parameter) Shape() (int, int) {
	return p.Value.Dims()
}

// paramsToVec flattens the parameter groups row-major into a single vector.
func paramsToVec(params []*Parameter, n int) *mat.VecDense {
	out := mat.NewVecDense(n, nil)
	offset := 0
	for _, p := range params {
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out.SetVec(offset+i*c+j, p.Value.At(i, j))
			}
		}
		offset += r * c
	}
	return out
}

// vecToParams scatters a flat vector back into the parameter groups,
// inverting paramsToVec.
func vecToParams(v *mat.VecDense, params []*Parameter) error {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	if v.Len() != total {
		return fmt.Errorf("laplace: parameter vector length %d, want %d", v.Len(), total)
	}
	offset := 0
	for _, p := range params {
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				p.Value.Set(i, j, v.AtVec(offset+i*c+j))
			}
		}
		offset += r * c
	}
	return nil
}
