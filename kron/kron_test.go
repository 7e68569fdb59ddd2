package kron

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// testFactors builds a two-group collection: a 2x3 matrix group with SPD
// factors and a 3-vector group.
func testFactors() *Factors {
	f := NewFactors([]Shape{{Rows: 2, Cols: 3}, {Rows: 3, Cols: 1}})
	f.Groups[0].A.SetSym(0, 0, 3)
	f.Groups[0].A.SetSym(0, 1, 1)
	f.Groups[0].A.SetSym(1, 1, 2)
	f.Groups[0].B.SetSym(0, 0, 4)
	f.Groups[0].B.SetSym(0, 1, 1)
	f.Groups[0].B.SetSym(0, 2, 0.5)
	f.Groups[0].B.SetSym(1, 1, 3)
	f.Groups[0].B.SetSym(1, 2, 0.2)
	f.Groups[0].B.SetSym(2, 2, 2)
	f.Groups[1].A.SetSym(0, 0, 5)
	f.Groups[1].A.SetSym(0, 1, 1)
	f.Groups[1].A.SetSym(1, 1, 4)
	f.Groups[1].A.SetSym(1, 2, 0.5)
	f.Groups[1].A.SetSym(2, 2, 3)
	return f
}

// assemble materializes the represented posterior precision
// hFactor·(A ⊗ B) + delta·I blockwise as a dense matrix.
func assemble(f *Factors, hFactor float64, deltas []float64) *mat.Dense {
	total := 0
	for _, g := range f.Groups {
		total += g.Shape.Size()
	}
	out := mat.NewDense(total, total, nil)
	offset := 0
	for gi, g := range f.Groups {
		size := g.Shape.Size()
		if g.B == nil {
			for i := 0; i < size; i++ {
				for j := 0; j < size; j++ {
					v := hFactor * g.A.At(i, j)
					if i == j {
						v += deltas[gi]
					}
					out.Set(offset+i, offset+j, v)
				}
			}
		} else {
			rows, cols := g.Shape.Rows, g.Shape.Cols
			for ar := 0; ar < rows; ar++ {
				for ac := 0; ac < rows; ac++ {
					for br := 0; br < cols; br++ {
						for bc := 0; bc < cols; bc++ {
							i := ar*cols + br
							j := ac*cols + bc
							v := hFactor * g.A.At(ar, ac) * g.B.At(br, bc)
							if i == j {
								v += deltas[gi]
							}
							out.Set(offset+i, offset+j, v)
						}
					}
				}
			}
		}
		offset += size
	}
	return out
}

func denseLogDet(a *mat.Dense) float64 {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		panic("kron test: dense matrix not positive definite")
	}
	return chol.LogDet()
}

func TestLogDetMatchesDense(t *testing.T) {
	const tol = 1e-10

	f := testFactors()
	dec, err := f.Decompose(false)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	for _, tc := range []struct {
		hFactor float64
		deltas  []float64
	}{
		{1, []float64{1, 1}},
		{0.5, []float64{2, 0.1}},
		{3, []float64{0.01, 10}},
	} {
		want := denseLogDet(assemble(f, tc.hFactor, tc.deltas))
		got := dec.LogDet(tc.hFactor, tc.deltas)
		if math.Abs(got-want) > tol {
			t.Errorf("LogDet(h=%v, deltas=%v): got %f, want %f", tc.hFactor, tc.deltas, got, want)
		}
	}
}

func TestApplyMatchesDense(t *testing.T) {
	const tol = 1e-10

	f := testFactors()
	dec, err := f.Decompose(false)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	hFactor := 0.7
	deltas := []float64{1.5, 0.3}
	p := assemble(f, hFactor, deltas)

	v := mat.NewVecDense(9, []float64{1, -2, 0.5, 3, 0, -1, 2, 1, -0.5})
	got, err := dec.Apply(v, hFactor, deltas, 1)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := mat.NewVecDense(9, nil)
	want.MulVec(p, v)
	for i := 0; i < 9; i++ {
		if math.Abs(got.AtVec(i)-want.AtVec(i)) > tol {
			t.Errorf("Apply exponent 1 at %d: got %f, want %f", i, got.AtVec(i), want.AtVec(i))
		}
	}

	// P^{-1}(P v) must recover v.
	back, err := dec.Apply(got, hFactor, deltas, -1)
	if err != nil {
		t.Fatalf("Apply inverse: %v", err)
	}
	for i := 0; i < 9; i++ {
		if math.Abs(back.AtVec(i)-v.AtVec(i)) > tol {
			t.Errorf("inverse roundtrip at %d: got %f, want %f", i, back.AtVec(i), v.AtVec(i))
		}
	}

	// P^{-1/2} applied twice is P^{-1}.
	half, err := dec.Apply(v, hFactor, deltas, -0.5)
	if err != nil {
		t.Fatalf("Apply half: %v", err)
	}
	half, err = dec.Apply(half, hFactor, deltas, -0.5)
	if err != nil {
		t.Fatalf("Apply half twice: %v", err)
	}
	inv, err := dec.Apply(v, hFactor, deltas, -1)
	if err != nil {
		t.Fatalf("Apply inverse: %v", err)
	}
	for i := 0; i < 9; i++ {
		if math.Abs(half.AtVec(i)-inv.AtVec(i)) > tol {
			t.Errorf("half power composition at %d: got %f, want %f", i, half.AtVec(i), inv.AtVec(i))
		}
	}
}

func TestApplyRowsMatchesApply(t *testing.T) {
	const tol = 1e-12

	f := testFactors()
	dec, err := f.Decompose(false)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	deltas := []float64{1, 1}
	x := mat.NewDense(2, 9, []float64{
		1, 0, 0, 0, 1, 0, 0, 0, 1,
		0.5, -1, 2, 0, 0.2, -0.3, 1, 1, 1,
	})
	rows, err := dec.ApplyRows(x, 1, deltas, -1)
	if err != nil {
		t.Fatalf("ApplyRows: %v", err)
	}
	for i := 0; i < 2; i++ {
		row := mat.NewVecDense(9, nil)
		for j := 0; j < 9; j++ {
			row.SetVec(j, x.At(i, j))
		}
		want, err := dec.Apply(row, 1, deltas, -1)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		for j := 0; j < 9; j++ {
			if math.Abs(rows.At(i, j)-want.AtVec(j)) > tol {
				t.Errorf("row %d col %d: got %f, want %f", i, j, rows.At(i, j), want.AtVec(j))
			}
		}
	}
}

func TestApplyLengthMismatch(t *testing.T) {
	f := testFactors()
	dec, err := f.Decompose(false)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	v := mat.NewVecDense(4, nil)
	if _, err := dec.Apply(v, 1, []float64{1, 1}, 1); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("short vector: got %v, want ErrShapeMismatch", err)
	}
}

func TestScaleScalesProductLinearly(t *testing.T) {
	const tol = 1e-10

	f := testFactors()
	scaled := f.Clone()
	scaled.Scale(0.25)

	want := assemble(f, 1, []float64{0, 0})
	want.Scale(0.25, want)
	got := assemble(scaled, 1, []float64{0, 0})
	if !mat.EqualApprox(got, want, tol) {
		t.Errorf("scaled product differs from product scaled")
	}
}

func TestAddAccumulatesFactorwise(t *testing.T) {
	f := testFactors()
	g := testFactors()
	if err := f.Add(g); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Factorwise addition doubles each factor, so the two-factor product
	// quadruples while the single-factor block doubles.
	orig := testFactors()
	if got, want := f.Groups[0].A.At(0, 0), 2*orig.Groups[0].A.At(0, 0); got != want {
		t.Errorf("first factor: got %f, want %f", got, want)
	}
	if got, want := f.Groups[1].A.At(0, 0), 2*orig.Groups[1].A.At(0, 0); got != want {
		t.Errorf("vector factor: got %f, want %f", got, want)
	}

	mismatched := NewFactors([]Shape{{Rows: 2, Cols: 3}})
	if err := f.Add(mismatched); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("group count mismatch: got %v, want ErrShapeMismatch", err)
	}
}

func TestDampedLogDet(t *testing.T) {
	const tol = 1e-10

	f := testFactors()
	plain, err := f.Decompose(false)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	damped, err := f.Decompose(true)
	if err != nil {
		t.Fatalf("Decompose damped: %v", err)
	}
	if !damped.Damped() {
		t.Fatal("Damped() = false after damped decomposition")
	}

	// With zero prior both forms coincide; with a nonzero prior the damped
	// eigenvalues dominate elementwise for two-factor groups.
	deltas := []float64{0, 0}
	if got, want := damped.LogDet(1, deltas), plain.LogDet(1, deltas); math.Abs(got-want) > tol {
		t.Errorf("zero-delta logdet: damped %f, plain %f", got, want)
	}
	deltas = []float64{2, 2}
	if damped.LogDet(1, deltas) <= plain.LogDet(1, deltas) {
		t.Errorf("damped logdet should exceed plain with a nonzero prior")
	}
}

func TestDataRoundTrip(t *testing.T) {
	f := testFactors()
	restored, err := FromData(f.Data())
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	if len(restored.Groups) != len(f.Groups) {
		t.Fatalf("group count: got %d, want %d", len(restored.Groups), len(f.Groups))
	}
	for i := range f.Groups {
		if restored.Groups[i].Shape != f.Groups[i].Shape {
			t.Errorf("group %d shape differs", i)
		}
		if !mat.EqualApprox(restored.Groups[i].A, f.Groups[i].A, 0) {
			t.Errorf("group %d first factor differs", i)
		}
		if f.Groups[i].B != nil && !mat.EqualApprox(restored.Groups[i].B, f.Groups[i].B, 0) {
			t.Errorf("group %d second factor differs", i)
		}
	}

	bad := f.Data()
	bad[0].A = bad[0].A[:1]
	if _, err := FromData(bad); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("truncated factor: got %v, want ErrShapeMismatch", err)
	}
}
