package laplace

import (
	"fmt"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Batch is one unit of training data: an opaque model input paired with
// labels. Labels are a (batch x label-width) matrix; classification labels
// carry the class index in column zero.
type Batch interface {
	Input() Input
	Labels() *mat.Dense
	Size() int
	// First extracts a single-example input for output-width inference.
	First() Input
}

// TensorBatch is the common dense case: X rows are examples, Y rows are
// labels.
type TensorBatch struct {
	X *mat.Dense
	Y *mat.Dense
}

// Input returns the feature matrix as the opaque model input.
func (b *TensorBatch) Input() Input { return b.X }

// Labels returns the label matrix.
func (b *TensorBatch) Labels() *mat.Dense { return b.Y }

// Size returns the number of examples in the batch.
func (b *TensorBatch) Size() int {
	r, _ := b.X.Dims()
	return r
}

// First returns the leading example as a 1-row batch.
func (b *TensorBatch) First() Input {
	_, c := b.X.Dims()
	first := mat.NewDense(1, c, nil)
	for j := 0; j < c; j++ {
		first.Set(0, j, b.X.At(0, j))
	}
	return first
}

// StructuredBatch holds named input fields for models that consume more than
// one tensor (for instance token ids plus attention masks). The field named
// by LabelKey supplies the labels; the remaining fields form the input.
type StructuredBatch struct {
	Fields   map[string]*mat.Dense
	LabelKey string
}

// Input returns the non-label fields.
func (b *StructuredBatch) Input() Input {
	in := make(map[string]*mat.Dense, len(b.Fields))
	for k, v := range b.Fields {
		if k != b.LabelKey {
			in[k] = v
		}
	}
	return in
}

// Labels returns the label field.
func (b *StructuredBatch) Labels() *mat.Dense { return b.Fields[b.LabelKey] }

// Size returns the number of examples, taken from the label field.
func (b *StructuredBatch) Size() int {
	r, _ := b.Fields[b.LabelKey].Dims()
	return r
}

// First returns the leading example of every non-label field.
func (b *StructuredBatch) First() Input {
	in := make(map[string]*mat.Dense, len(b.Fields))
	for k, v := range b.Fields {
		if k == b.LabelKey {
			continue
		}
		_, c := v.Dims()
		first := mat.NewDense(1, c, nil)
		for j := 0; j < c; j++ {
			first.Set(0, j, v.At(0, j))
		}
		in[k] = first
	}
	return in
}

// Loader streams training data in batches. Len is the total number of
// examples, which need not equal NumBatches times BatchSize when the final
// batch is short.
type Loader interface {
	Len() int
	BatchSize() int
	NumBatches() int
	Batch(i int) Batch
}

// Subsetter is implemented by loaders that can restrict themselves to a
// fixed index subset, as required by the subset-of-data functional variant.
type Subsetter interface {
	Subset(indices []int) (Loader, error)
}

// SliceLoader serves a fully materialized dataset in fixed-size batches.
type SliceLoader struct {
	X     *mat.Dense
	Y     *mat.Dense
	batch int
}

// NewSliceLoader wraps a dense dataset. batchSize of zero means one batch
// covering everything.
func NewSliceLoader(x, y *mat.Dense, batchSize int) (*SliceLoader, error) {
	xr, _ := x.Dims()
	yr, _ := y.Dims()
	if xr != yr {
		return nil, fmt.Errorf("laplace: loader features have %d rows, labels %d", xr, yr)
	}
	if batchSize <= 0 || batchSize > xr {
		batchSize = xr
	}
	return &SliceLoader{X: x, Y: y, batch: batchSize}, nil
}

// Len returns the total number of examples.
func (l *SliceLoader) Len() int {
	r, _ := l.X.Dims()
	return r
}

// BatchSize returns the configured batch size.
func (l *SliceLoader) BatchSize() int { return l.batch }

// NumBatches returns the number of batches, counting a short tail batch.
func (l *SliceLoader) NumBatches() int {
	n := l.Len()
	if n == 0 {
		return 0
	}
	return (n + l.batch - 1) / l.batch
}

// Batch returns the i-th batch as row slices of the underlying data.
func (l *SliceLoader) Batch(i int) Batch {
	n := l.Len()
	lo := i * l.batch
	hi := lo + l.batch
	if hi > n {
		hi = n
	}
	_, xc := l.X.Dims()
	_, yc := l.Y.Dims()
	return &TensorBatch{
		X: l.X.Slice(lo, hi, 0, xc).(*mat.Dense),
		Y: l.Y.Slice(lo, hi, 0, yc).(*mat.Dense),
	}
}

// Subset materializes the given example indices into a new loader.
func (l *SliceLoader) Subset(indices []int) (Loader, error) {
	n := l.Len()
	_, xc := l.X.Dims()
	_, yc := l.Y.Dims()
	x := mat.NewDense(len(indices), xc, nil)
	y := mat.NewDense(len(indices), yc, nil)
	for row, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("laplace: subset index %d out of range [0,%d)", idx, n)
		}
		for j := 0; j < xc; j++ {
			x.Set(row, j, l.X.At(idx, j))
		}
		for j := 0; j < yc; j++ {
			y.Set(row, j, l.Y.At(idx, j))
		}
	}
	return NewSliceLoader(x, y, l.batch)
}

// sodIndices draws m distinct example indices with a fixed seed, sorted for
// deterministic batch order.
func sodIndices(n, m int, seed int64) []int {
	if m <= 0 || m > n {
		m = n
	}
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(n)[:m]
	sort.Ints(perm)
	return perm
}
