// Package kron implements the Kronecker-factored curvature algebra used by
// the Kronecker Laplace approximation.
//
// Curvature for a parameter group shaped (rows x cols) is approximated as a
// Kronecker product A ⊗ B of a rows x rows factor and a cols x cols factor,
// acting on the row-major flattened parameters. Vector-shaped groups carry a
// single rows x rows factor. Factors support summation across batches,
// rescaling (needed to re-weight previously accumulated curvature when a fit
// is resumed), and eigendecomposition into a form that admits cheap
// inversion, log-determinants, quadratic forms, and batched application of
// arbitrary matrix powers.
package kron

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch is returned when two factor collections cannot be
	// combined because their group shapes differ.
	ErrShapeMismatch = errors.New("kron: factor group shapes do not match")
	// ErrNotDecomposable is returned when a factor eigendecomposition fails.
	ErrNotDecomposable = errors.New("kron: factor eigendecomposition failed")
)

// Shape describes a parameter group as a rows x cols matrix. Vector groups
// use Cols == 1.
type Shape struct {
	Rows, Cols int
}

// Size returns the number of parameters in the group.
func (s Shape) Size() int { return s.Rows * s.Cols }

// single reports whether the group carries a single Kronecker factor.
// Groups with a trivial column dimension cannot be factored further.
func (s Shape) single() bool { return s.Cols <= 1 }

// Group holds the Kronecker factors of one parameter group. B is nil for
// single-factor (vector) groups.
type Group struct {
	Shape Shape
	A     *mat.SymDense
	B     *mat.SymDense
}

// Factors is a per-group collection of Kronecker-factored curvature blocks
// summed over training batches.
type Factors struct {
	Groups []Group
}

// NewFactors allocates zero-valued factors for the given group shapes.
func NewFactors(shapes []Shape) *Factors {
	f := &Factors{Groups: make([]Group, len(shapes))}
	for i, s := range shapes {
		g := Group{Shape: s, A: mat.NewSymDense(s.Rows, nil)}
		if !s.single() {
			g.B = mat.NewSymDense(s.Cols, nil)
		}
		f.Groups[i] = g
	}
	return f
}

// Shapes returns the group shapes of the collection.
func (f *Factors) Shapes() []Shape {
	shapes := make([]Shape, len(f.Groups))
	for i, g := range f.Groups {
		shapes[i] = g.Shape
	}
	return shapes
}

// Add accumulates other into f, factor by factor.
func (f *Factors) Add(other *Factors) error {
	if len(f.Groups) != len(other.Groups) {
		return ErrShapeMismatch
	}
	for i := range f.Groups {
		if f.Groups[i].Shape != other.Groups[i].Shape {
			return ErrShapeMismatch
		}
		f.Groups[i].A.AddSym(f.Groups[i].A, other.Groups[i].A)
		if f.Groups[i].B != nil {
			f.Groups[i].B.AddSym(f.Groups[i].B, other.Groups[i].B)
		}
	}
	return nil
}

// Scale rescales the represented curvature sum by s. For two-factor groups
// only the second factor is scaled so the Kronecker product scales linearly;
// single-factor groups scale their sole factor.
func (f *Factors) Scale(s float64) {
	for i := range f.Groups {
		if f.Groups[i].B != nil {
			f.Groups[i].B.ScaleSym(s, f.Groups[i].B)
		} else {
			f.Groups[i].A.ScaleSym(s, f.Groups[i].A)
		}
	}
}

// Clone returns a deep copy of the collection.
func (f *Factors) Clone() *Factors {
	c := &Factors{Groups: make([]Group, len(f.Groups))}
	for i, g := range f.Groups {
		ng := Group{Shape: g.Shape}
		ng.A = mat.NewSymDense(g.Shape.Rows, nil)
		ng.A.CopySym(g.A)
		if g.B != nil {
			ng.B = mat.NewSymDense(g.Shape.Cols, nil)
			ng.B.CopySym(g.B)
		}
		c.Groups[i] = ng
	}
	return c
}

// GroupData is a gob-friendly raw representation of one factor group.
type GroupData struct {
	Rows, Cols int
	A          []float64
	B          []float64
}

// Data extracts the raw factor contents for persistence.
func (f *Factors) Data() []GroupData {
	out := make([]GroupData, len(f.Groups))
	for i, g := range f.Groups {
		d := GroupData{Rows: g.Shape.Rows, Cols: g.Shape.Cols}
		d.A = append([]float64(nil), g.A.RawSymmetric().Data...)
		if g.B != nil {
			d.B = append([]float64(nil), g.B.RawSymmetric().Data...)
		}
		out[i] = d
	}
	return out
}

// FromData rebuilds a factor collection from its raw representation.
func FromData(groups []GroupData) (*Factors, error) {
	f := &Factors{Groups: make([]Group, len(groups))}
	for i, d := range groups {
		s := Shape{Rows: d.Rows, Cols: d.Cols}
		if len(d.A) != d.Rows*d.Rows {
			return nil, fmt.Errorf("kron: group %d first factor has %d elements, want %d: %w",
				i, len(d.A), d.Rows*d.Rows, ErrShapeMismatch)
		}
		g := Group{Shape: s, A: mat.NewSymDense(d.Rows, append([]float64(nil), d.A...))}
		if !s.single() {
			if len(d.B) != d.Cols*d.Cols {
				return nil, fmt.Errorf("kron: group %d second factor has %d elements, want %d: %w",
					i, len(d.B), d.Cols*d.Cols, ErrShapeMismatch)
			}
			g.B = mat.NewSymDense(d.Cols, append([]float64(nil), d.B...))
		}
		f.Groups[i] = g
	}
	return f, nil
}

// eigGroup holds the eigendecomposition of one factor group.
type eigGroup struct {
	shape Shape
	qA    *mat.Dense
	lA    []float64
	qB    *mat.Dense
	lB    []float64
}

// Decomposed is the eigendecomposed form of a factor collection. With the
// curvature scale hFactor and per-group diagonal prior precision deltas, the
// represented posterior precision block of group g is
//
//	P_g = hFactor * (A_g ⊗ B_g) + delta_g * I
//
// which is diagonal in the factor eigenbases, so arbitrary matrix powers of
// P_g reduce to elementwise operations on the eigenvalue grid. With damping
// enabled the block is instead the damped product
// (√hFactor·A_g + √delta_g·I) ⊗ (√hFactor·B_g + √delta_g·I),
// an approximation that keeps the Kronecker structure exact under inversion.
type Decomposed struct {
	groups  []eigGroup
	damping bool
}

// Decompose eigendecomposes every factor. The raw factors remain valid for
// further accumulation.
func (f *Factors) Decompose(damping bool) (*Decomposed, error) {
	d := &Decomposed{groups: make([]eigGroup, len(f.Groups)), damping: damping}
	for i, g := range f.Groups {
		eg := eigGroup{shape: g.Shape}
		var err error
		eg.qA, eg.lA, err = eigSym(g.A)
		if err != nil {
			return nil, fmt.Errorf("kron: group %d first factor: %w", i, err)
		}
		if g.B != nil {
			eg.qB, eg.lB, err = eigSym(g.B)
			if err != nil {
				return nil, fmt.Errorf("kron: group %d second factor: %w", i, err)
			}
		}
		d.groups[i] = eg
	}
	return d, nil
}

func eigSym(a *mat.SymDense) (*mat.Dense, []float64, error) {
	var es mat.EigenSym
	if ok := es.Factorize(a, true); !ok {
		return nil, nil, ErrNotDecomposable
	}
	vals := es.Values(nil)
	// Symmetric PSD factors can pick up tiny negative eigenvalues from
	// floating-point error.
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		}
	}
	var q mat.Dense
	es.VectorsTo(&q)
	return &q, vals, nil
}

// NumGroups returns the number of parameter groups.
func (d *Decomposed) NumGroups() int { return len(d.groups) }

// GroupSize returns the parameter count of group i.
func (d *Decomposed) GroupSize(i int) int { return d.groups[i].shape.Size() }

// Damped reports whether the decomposition applies eigenvalue damping.
func (d *Decomposed) Damped() bool { return d.damping }

// eigenvalue returns the posterior-precision eigenvalue at grid position
// (i, j) of group g given the curvature scale and the group's prior delta.
func (d *Decomposed) eigenvalue(g eigGroup, i, j int, hFactor, delta float64) float64 {
	if g.qB == nil {
		return hFactor*g.lA[i] + delta
	}
	if d.damping {
		sq := math.Sqrt(hFactor)
		sd := math.Sqrt(delta)
		return (sq*g.lA[i] + sd) * (sq*g.lB[j] + sd)
	}
	return hFactor*g.lA[i]*g.lB[j] + delta
}

// LogDet computes the log-determinant of the represented posterior precision
// given the curvature scale and per-group prior precisions.
func (d *Decomposed) LogDet(hFactor float64, deltas []float64) float64 {
	logDet := 0.0
	for gi, g := range d.groups {
		if g.qB == nil {
			for i := range g.lA {
				logDet += math.Log(d.eigenvalue(g, i, 0, hFactor, deltas[gi]))
			}
			continue
		}
		for i := range g.lA {
			for j := range g.lB {
				logDet += math.Log(d.eigenvalue(g, i, j, hFactor, deltas[gi]))
			}
		}
	}
	return logDet
}

// Apply computes P^exponent · v blockwise, where P is the represented
// posterior precision. v must have length equal to the total parameter
// count. Exponents of interest are 1 (quadratic forms), -1 (covariance
// application) and -0.5 (sampling).
func (d *Decomposed) Apply(v *mat.VecDense, hFactor float64, deltas []float64, exponent float64) (*mat.VecDense, error) {
	total := 0
	for _, g := range d.groups {
		total += g.shape.Size()
	}
	if v.Len() != total {
		return nil, fmt.Errorf("kron: vector length %d does not match parameter count %d: %w",
			v.Len(), total, ErrShapeMismatch)
	}
	out := mat.NewVecDense(total, nil)
	offset := 0
	for gi, g := range d.groups {
		size := g.shape.Size()
		block := v.SliceVec(offset, offset+size).(*mat.VecDense)
		res := d.applyGroup(g, block, hFactor, deltas[gi], exponent)
		for i := 0; i < size; i++ {
			out.SetVec(offset+i, res.AtVec(i))
		}
		offset += size
	}
	return out, nil
}

// ApplyRows applies P^exponent to every row of X.
func (d *Decomposed) ApplyRows(x *mat.Dense, hFactor float64, deltas []float64, exponent float64) (*mat.Dense, error) {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	row := mat.NewVecDense(c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			row.SetVec(j, x.At(i, j))
		}
		res, err := d.Apply(row, hFactor, deltas, exponent)
		if err != nil {
			return nil, err
		}
		out.SetRow(i, res.RawVector().Data)
	}
	return out, nil
}

// applyGroup transforms one parameter block into the factor eigenbases,
// scales by the eigenvalue grid raised to exponent, and transforms back.
func (d *Decomposed) applyGroup(g eigGroup, block *mat.VecDense, hFactor, delta, exponent float64) *mat.VecDense {
	rows, cols := g.shape.Rows, g.shape.Cols
	if g.qB == nil {
		// Single factor: P = hFactor*A + delta*I, diagonal in Q_A.
		n := rows
		tmp := mat.NewVecDense(n, nil)
		tmp.MulVec(g.qA.T(), block)
		for i := 0; i < n; i++ {
			tmp.SetVec(i, tmp.AtVec(i)*math.Pow(d.eigenvalue(g, i, 0, hFactor, delta), exponent))
		}
		out := mat.NewVecDense(n, nil)
		out.MulVec(g.qA, tmp)
		return out
	}
	// Reshape the row-major block as a rows x cols matrix, rotate into the
	// eigenbases as Q_Aᵗ · V · Q_B, scale elementwise, rotate back.
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = block.AtVec(i)
	}
	vmat := mat.NewDense(rows, cols, data)
	var inner, rot mat.Dense
	inner.Mul(g.qA.T(), vmat)
	rot.Mul(&inner, g.qB)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			rot.Set(i, j, rot.At(i, j)*math.Pow(d.eigenvalue(g, i, j, hFactor, delta), exponent))
		}
	}
	var back, res mat.Dense
	back.Mul(g.qA, &rot)
	res.Mul(&back, g.qB.T())
	out := mat.NewVecDense(rows*cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.SetVec(i*cols+j, res.At(i, j))
		}
	}
	return out
}
