package laplace

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-laplace/kron"
)

// linearModel maps a feature batch to outputs through a single weight
// matrix: f(X) = X Wᵀ with W of shape (outputs x features).
type linearModel struct {
	weight *Parameter
}

func newLinearModel(w *mat.Dense) *linearModel {
	return &linearModel{weight: &Parameter{Name: "weight", Value: w, Trainable: true}}
}

func (m *linearModel) Forward(in Input) (*mat.Dense, error) {
	x := in.(*mat.Dense)
	r, _ := x.Dims()
	c, _ := m.weight.Value.Dims()
	out := mat.NewDense(r, c, nil)
	out.Mul(x, m.weight.Value.T())
	return out, nil
}

func (m *linearModel) Parameters() []*Parameter { return []*Parameter{m.weight} }
func (m *linearModel) SetOutputSize(int)        {}

// refClassifier is a two-class model with a reference class: logits are
// [0, xᵀw] with a single weight row, so three features give three
// parameters for two classes.
type refClassifier struct {
	weight *Parameter
}

func newRefClassifier(w *mat.Dense) *refClassifier {
	return &refClassifier{weight: &Parameter{Name: "weight", Value: w, Trainable: true}}
}

func (m *refClassifier) Forward(in Input) (*mat.Dense, error) {
	x := in.(*mat.Dense)
	r, _ := x.Dims()
	out := mat.NewDense(r, 2, nil)
	var logits mat.Dense
	logits.Mul(x, m.weight.Value.T())
	for i := 0; i < r; i++ {
		out.Set(i, 1, logits.At(i, 0))
	}
	return out, nil
}

func (m *refClassifier) Parameters() []*Parameter { return []*Parameter{m.weight} }
func (m *refClassifier) SetOutputSize(int)        {}

// twoBlockModel has two weight groups acting on disjoint feature slices:
// f(X) = X₁W₁ᵀ + X₂W₂ᵀ. Gives an exactly Kronecker-factored curvature.
type twoBlockModel struct {
	w1, w2 *Parameter
	d1     int
}

func newTwoBlockModel(w1, w2 *mat.Dense) *twoBlockModel {
	_, d1 := w1.Dims()
	return &twoBlockModel{
		w1: &Parameter{Name: "block1", Value: w1, Trainable: true},
		w2: &Parameter{Name: "block2", Value: w2, Trainable: true},
		d1: d1,
	}
}

func (m *twoBlockModel) Forward(in Input) (*mat.Dense, error) {
	x := in.(*mat.Dense)
	r, d := x.Dims()
	c, _ := m.w1.Value.Dims()
	x1 := x.Slice(0, r, 0, m.d1).(*mat.Dense)
	x2 := x.Slice(0, r, m.d1, d).(*mat.Dense)
	out := mat.NewDense(r, c, nil)
	out.Mul(x1, m.w1.Value.T())
	var p2 mat.Dense
	p2.Mul(x2, m.w2.Value.T())
	out.Add(out, &p2)
	return out, nil
}

func (m *twoBlockModel) Parameters() []*Parameter { return []*Parameter{m.w1, m.w2} }
func (m *twoBlockModel) SetOutputSize(int)        {}

// ggnBackend computes exact generalized Gauss-Newton curvature for the
// linear test models, where the Jacobian is independent of the parameters.
type ggnBackend struct {
	model      Predictor
	likelihood Likelihood
}

// jacobian assembles one example's (outputs x n_params) Jacobian for the
// supported test models.
func (b *ggnBackend) jacobian(x []float64) *mat.Dense {
	switch m := b.model.(type) {
	case *linearModel:
		c, d := m.weight.Value.Dims()
		j := mat.NewDense(c, c*d, nil)
		for out := 0; out < c; out++ {
			for f := 0; f < d; f++ {
				j.Set(out, out*d+f, x[f])
			}
		}
		return j
	case *refClassifier:
		_, d := m.weight.Value.Dims()
		j := mat.NewDense(2, d, nil)
		for f := 0; f < d; f++ {
			j.Set(1, f, x[f])
		}
		return j
	case *twoBlockModel:
		c, d1 := m.w1.Value.Dims()
		_, d2 := m.w2.Value.Dims()
		j := mat.NewDense(c, c*(d1+d2), nil)
		for out := 0; out < c; out++ {
			for f := 0; f < d1; f++ {
				j.Set(out, out*d1+f, x[f])
			}
			for f := 0; f < d2; f++ {
				j.Set(out, c*d1+out*d2+f, x[d1+f])
			}
		}
		return j
	default:
		panic("unsupported test model")
	}
}

func (b *ggnBackend) Jacobians(in Input) ([]*mat.Dense, *mat.Dense, error) {
	x := in.(*mat.Dense)
	r, _ := x.Dims()
	js := make([]*mat.Dense, r)
	for e := 0; e < r; e++ {
		js[e] = b.jacobian(mat.Row(nil, e, x))
	}
	f, err := b.model.Forward(in)
	return js, f, err
}

func (b *ggnBackend) Loss(f, y *mat.Dense) (float64, error) {
	r, c := f.Dims()
	if b.likelihood == Regression {
		s := 0.0
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				d := f.At(i, j) - y.At(i, j)
				s += d * d
			}
		}
		return 0.5 * s, nil
	}
	if c == 1 {
		// Single logit: Bernoulli likelihood.
		s := 0.0
		for i := 0; i < r; i++ {
			fi := f.At(i, 0)
			s += math.Log(1+math.Exp(fi)) - y.At(i, 0)*fi
		}
		return s, nil
	}
	probs := softmaxRows(f)
	s := 0.0
	for i := 0; i < r; i++ {
		s -= math.Log(probs.At(i, int(y.At(i, 0))))
	}
	return s, nil
}

// lambda is the per-example output Hessian of the loss: identity for
// regression, diag(p) - ppᵀ for classification.
func (b *ggnBackend) lambda(fRow []float64) *mat.SymDense {
	c := len(fRow)
	lam := mat.NewSymDense(c, nil)
	if b.likelihood == Regression {
		for i := 0; i < c; i++ {
			lam.SetSym(i, i, 1)
		}
		return lam
	}
	if c == 1 {
		p := 1 / (1 + math.Exp(-fRow[0]))
		lam.SetSym(0, 0, p*(1-p))
		return lam
	}
	f := mat.NewDense(1, c, fRow)
	p := softmaxRows(f)
	for i := 0; i < c; i++ {
		for j := 0; j <= i; j++ {
			v := -p.At(0, i) * p.At(0, j)
			if i == j {
				v += p.At(0, i)
			}
			lam.SetSym(i, j, v)
		}
	}
	return lam
}

func (b *ggnBackend) ggn(batch Batch) (float64, *mat.SymDense, error) {
	js, f, err := b.Jacobians(batch.Input())
	if err != nil {
		return 0, nil, err
	}
	loss, err := b.Loss(f, batch.Labels())
	if err != nil {
		return 0, nil, err
	}
	_, p := js[0].Dims()
	h := mat.NewSymDense(p, nil)
	for e, j := range js {
		lam := b.lambda(mat.Row(nil, e, f))
		var lj, jlj mat.Dense
		lj.Mul(lam, j)
		jlj.Mul(j.T(), &lj)
		for a := 0; a < p; a++ {
			for bb := 0; bb <= a; bb++ {
				h.SetSym(a, bb, h.At(a, bb)+0.5*(jlj.At(a, bb)+jlj.At(bb, a)))
			}
		}
	}
	return loss, h, nil
}

func (b *ggnBackend) Full(batch Batch, _ int) (float64, *mat.SymDense, error) {
	return b.ggn(batch)
}

func (b *ggnBackend) Diag(batch Batch, _ int) (float64, *mat.VecDense, error) {
	loss, h, err := b.ggn(batch)
	if err != nil {
		return 0, nil, err
	}
	n := h.SymmetricDim()
	d := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		d.SetVec(i, h.At(i, i))
	}
	return loss, d, nil
}

// Kron returns exact factors for the regression likelihood, where the
// output Hessian is the identity: A = I per group (scaled by the batch
// fraction so factors accumulate to I over the epoch), B = Σ x xᵀ over the
// group's feature slice.
func (b *ggnBackend) Kron(batch Batch, n int) (float64, *kron.Factors, error) {
	f, err := b.model.Forward(batch.Input())
	if err != nil {
		return 0, nil, err
	}
	loss, err := b.Loss(f, batch.Labels())
	if err != nil {
		return 0, nil, err
	}
	x := batch.Input().(*mat.Dense)
	r, _ := x.Dims()

	var shapes []kron.Shape
	var slices [][2]int
	offset := 0
	for _, p := range b.model.Parameters() {
		pr, pc := p.Shape()
		shapes = append(shapes, kron.Shape{Rows: pr, Cols: pc})
		slices = append(slices, [2]int{offset, offset + pc})
		offset += pc
	}
	facs := kron.NewFactors(shapes)
	frac := float64(r) / float64(n)
	for g := range facs.Groups {
		a := facs.Groups[g].A
		dim := a.SymmetricDim()
		for i := 0; i < dim; i++ {
			a.SetSym(i, i, frac)
		}
		bmat := facs.Groups[g].B
		lo, hi := slices[g][0], slices[g][1]
		for e := 0; e < r; e++ {
			for i := lo; i < hi; i++ {
				for j := lo; j <= i; j++ {
					bmat.SetSym(i-lo, j-lo, bmat.At(i-lo, j-lo)+x.At(e, i)*x.At(e, j))
				}
			}
		}
	}
	return loss, facs, nil
}

func (b *ggnBackend) EigLowRank(loader Loader) (*mat.Dense, *mat.VecDense, float64, error) {
	totalLoss := 0.0
	var h *mat.SymDense
	for i := 0; i < loader.NumBatches(); i++ {
		loss, hb, err := b.ggn(loader.Batch(i))
		if err != nil {
			return nil, nil, 0, err
		}
		totalLoss += loss
		if h == nil {
			h = hb
		} else {
			h.AddSym(h, hb)
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(h, true) {
		return nil, nil, 0, ErrBackend
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	vals := eig.Values(nil)

	n := h.SymmetricDim()
	var keep []int
	for i, v := range vals {
		if v > 1e-10 {
			keep = append(keep, i)
		}
	}
	u := mat.NewDense(n, len(keep), nil)
	ev := mat.NewVecDense(len(keep), nil)
	for col, idx := range keep {
		for row := 0; row < n; row++ {
			u.Set(row, col, vecs.At(row, idx))
		}
		ev.SetVec(col, vals[idx])
	}
	return u, ev, totalLoss, nil
}

// assembleDense expands Kronecker factors into the dense block-diagonal
// curvature for cross-checking.
func assembleDense(facs *kron.Factors) *mat.Dense {
	total := 0
	for _, g := range facs.Groups {
		total += g.Shape.Size()
	}
	out := mat.NewDense(total, total, nil)
	offset := 0
	for _, g := range facs.Groups {
		size := g.Shape.Size()
		if g.B == nil {
			for i := 0; i < size; i++ {
				for j := 0; j < size; j++ {
					out.Set(offset+i, offset+j, g.A.At(i, j))
				}
			}
		} else {
			rows, cols := g.Shape.Rows, g.Shape.Cols
			for i := 0; i < rows; i++ {
				for j := 0; j < rows; j++ {
					for k := 0; k < cols; k++ {
						for l := 0; l < cols; l++ {
							out.Set(offset+i*cols+k, offset+j*cols+l, g.A.At(i, j)*g.B.At(k, l))
						}
					}
				}
			}
		}
		offset += size
	}
	return out
}

// regressionDataset builds a deterministic 1-output linear dataset.
func regressionDataset(n int) (*mat.Dense, *mat.Dense) {
	x := mat.NewDense(n, 2, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		a := float64(i)/float64(n)*4 - 2
		x.Set(i, 0, a)
		x.Set(i, 1, 1)
		y.Set(i, 0, 1.5*a-0.5+0.1*math.Sin(7*a))
	}
	return x, y
}

func mustLoader(x, y *mat.Dense, batch int) *SliceLoader {
	l, err := NewSliceLoader(x, y, batch)
	if err != nil {
		panic(err)
	}
	return l
}
