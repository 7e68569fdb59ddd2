package laplace

import (
	"encoding/gob"
	"fmt"
	"io"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-laplace/kron"
)

const stateVersion = 1

// State is the serializable snapshot of a fitted approximation. Matrices
// are stored as raw row-major float slices plus dimensions so the encoding
// stays independent of the linear-algebra types. The predictor's own
// parameters are not part of the snapshot: loading assumes the predictor
// still holds the estimate the state was captured from.
type State struct {
	Version int
	Kind    string

	Likelihood     string
	RewardModeling bool

	Mean           []float64
	NParams        int
	NLayers        int
	Loss           float64
	NData          int
	NOutputs       int
	PriorMean      []float64
	PriorPrecision []float64
	SigmaNoise     float64
	Temperature    float64
	EnableBackprop bool

	// Full
	HFull []float64

	// Diag
	HDiag []float64

	// Kron
	HKron   []kron.GroupData
	Damping bool

	// LowRank
	HEigVecs []float64
	HEigVals []float64
	Rank     int

	// Functional
	GP *GPState
}

// GPState carries the function-space quantities. The subset loader itself
// is not serialized; reattach it with SetSubsetLoader before predicting.
type GPState struct {
	M              int
	Seed           int64
	DiagonalKernel bool
	PriorFactorSoD float64
	KMM            [][]float64
	KMMDim         []int
	LDiag          [][]float64
	Mu             []float64
	MapEstimate    []float64
}

func vecData(v *mat.VecDense) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

func symData(s *mat.SymDense) []float64 {
	if s == nil {
		return nil
	}
	n := s.SymmetricDim()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = s.At(i, j)
		}
	}
	return out
}

func denseData(d *mat.Dense) []float64 {
	if d == nil {
		return nil
	}
	r, c := d.Dims()
	out := make([]float64, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[i*c+j] = d.At(i, j)
		}
	}
	return out
}

func (b *base) fillState(s *State) {
	s.Version = stateVersion
	s.Likelihood = string(b.likelihood)
	s.RewardModeling = b.rewardModeling
	s.Mean = vecData(b.mean)
	s.NParams = b.nParams
	s.NLayers = b.nLayers
	s.Loss = b.loss
	s.NData = b.nData
	s.NOutputs = b.nOutputs
	s.PriorMean = vecData(b.priorMean)
	s.PriorPrecision = vecData(b.priorPrecision)
	s.SigmaNoise = b.sigmaNoise
	s.Temperature = b.temperature
	s.EnableBackprop = b.enableBackprop
}

// checkState enforces the load contract: kind, size, and likelihood
// mismatches are fatal; value-level differences against the receiver's
// configuration are logged and the stored values win.
func (b *base) checkState(s *State, kind string) error {
	if s.Version != stateVersion {
		return fmt.Errorf("%w: unsupported state version %d", ErrState, s.Version)
	}
	if s.Kind != kind {
		return fmt.Errorf("%w: state kind %q, approximation kind %q", ErrState, s.Kind, kind)
	}
	if s.NParams != b.nParams {
		return fmt.Errorf("%w: state has %d parameters, model has %d", ErrState, s.NParams, b.nParams)
	}
	stored := Likelihood(s.Likelihood)
	if s.RewardModeling != b.rewardModeling {
		return fmt.Errorf("%w: reward-modeling flag mismatch", ErrState)
	}
	if !b.rewardModeling && stored != b.likelihood {
		return fmt.Errorf("%w: state likelihood %q, approximation likelihood %q",
			ErrState, stored, b.likelihood)
	}
	if len(s.PriorMean) != b.priorMean.Len() || !floatsEqual(s.PriorMean, vecData(b.priorMean)) {
		b.logger.Warn("stored prior mean differs from configuration, using stored value")
	}
	if s.Temperature != b.temperature {
		b.logger.Warn("stored temperature differs from configuration, using stored value",
			zap.Float64("stored", s.Temperature), zap.Float64("configured", b.temperature))
	}
	if s.EnableBackprop != b.enableBackprop {
		b.logger.Warn("stored backprop flag differs from configuration, using stored value",
			zap.Bool("stored", s.EnableBackprop))
	}
	return nil
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *base) applyState(s *State) error {
	if s.Mean != nil {
		b.mean = mat.NewVecDense(len(s.Mean), append([]float64(nil), s.Mean...))
	}
	b.loss = s.Loss
	b.nData = s.NData
	b.nOutputs = s.NOutputs
	if b.nOutputs > 0 {
		b.model.SetOutputSize(b.nOutputs)
	}
	b.likelihood = Likelihood(s.Likelihood)
	b.temperature = s.Temperature
	b.enableBackprop = s.EnableBackprop
	b.sigmaNoise = s.SigmaNoise
	if err := b.setPriorMean(mat.NewVecDense(len(s.PriorMean), append([]float64(nil), s.PriorMean...))); err != nil {
		return err
	}
	return b.setPriorPrecision(mat.NewVecDense(len(s.PriorPrecision), append([]float64(nil), s.PriorPrecision...)))
}

// StateDict snapshots a fitted Full approximation.
func (f *Full) StateDict() (*State, error) {
	if !f.hasFit {
		return nil, ErrNotFitted
	}
	s := &State{Kind: "full", HFull: symData(f.h)}
	f.fillState(s)
	return s, nil
}

// LoadStateDict restores a Full approximation from a snapshot.
func (f *Full) LoadStateDict(s *State) error {
	if err := f.checkState(s, "full"); err != nil {
		return err
	}
	if len(s.HFull) != s.NParams*s.NParams {
		return fmt.Errorf("%w: dense curvature has %d entries, want %d",
			ErrState, len(s.HFull), s.NParams*s.NParams)
	}
	f.h = mat.NewSymDense(s.NParams, nil)
	for i := 0; i < s.NParams; i++ {
		for j := 0; j <= i; j++ {
			f.h.SetSym(i, j, s.HFull[i*s.NParams+j])
		}
	}
	if err := f.applyState(s); err != nil {
		return err
	}
	f.hasFit = true
	f.invalidate()
	return nil
}

// StateDict snapshots a fitted Diag approximation.
func (d *Diag) StateDict() (*State, error) {
	if !d.hasFit {
		return nil, ErrNotFitted
	}
	s := &State{Kind: "diag", HDiag: vecData(d.h)}
	d.fillState(s)
	return s, nil
}

// LoadStateDict restores a Diag approximation from a snapshot.
func (d *Diag) LoadStateDict(s *State) error {
	if err := d.checkState(s, "diag"); err != nil {
		return err
	}
	if len(s.HDiag) != s.NParams {
		return fmt.Errorf("%w: diagonal curvature has %d entries, want %d",
			ErrState, len(s.HDiag), s.NParams)
	}
	d.h = mat.NewVecDense(s.NParams, append([]float64(nil), s.HDiag...))
	if err := d.applyState(s); err != nil {
		return err
	}
	d.hasFit = true
	return nil
}

// StateDict snapshots a fitted Kron approximation. The eigendecomposition
// is recomputed on load.
func (k *Kron) StateDict() (*State, error) {
	if !k.hasFit {
		return nil, ErrNotFitted
	}
	s := &State{Kind: "kron", HKron: k.hFacs.Data(), Damping: k.damping}
	k.fillState(s)
	return s, nil
}

// LoadStateDict restores a Kron approximation from a snapshot.
func (k *Kron) LoadStateDict(s *State) error {
	if err := k.checkState(s, "kron"); err != nil {
		return err
	}
	facs, err := kron.FromData(s.HKron)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrState, err)
	}
	k.hFacs = facs
	k.damping = s.Damping
	if err := k.applyState(s); err != nil {
		return err
	}
	k.hasFit = true
	k.invalidate()
	return nil
}

// StateDict snapshots a fitted LowRank approximation.
func (l *LowRank) StateDict() (*State, error) {
	if !l.fitted() {
		return nil, ErrNotFitted
	}
	s := &State{
		Kind:     "lowrank",
		HEigVecs: denseData(l.u),
		HEigVals: vecData(l.eigs),
		Rank:     l.Rank(),
	}
	l.fillState(s)
	return s, nil
}

// LoadStateDict restores a LowRank approximation from a snapshot.
func (l *LowRank) LoadStateDict(s *State) error {
	if err := l.checkState(s, "lowrank"); err != nil {
		return err
	}
	if len(s.HEigVecs) != s.NParams*s.Rank || len(s.HEigVals) != s.Rank {
		return fmt.Errorf("%w: eigenpair sizes do not match rank %d", ErrState, s.Rank)
	}
	l.u = mat.NewDense(s.NParams, s.Rank, append([]float64(nil), s.HEigVecs...))
	l.eigs = mat.NewVecDense(s.Rank, append([]float64(nil), s.HEigVals...))
	if err := l.applyState(s); err != nil {
		return err
	}
	l.invalidate()
	return nil
}

// StateDict snapshots a fitted Functional approximation.
func (f *Functional) StateDict() (*State, error) {
	if !f.hasFit {
		return nil, ErrNotFitted
	}
	gp := &GPState{
		M:              f.m,
		Seed:           f.seed,
		DiagonalKernel: f.diagonalKernel,
		PriorFactorSoD: f.priorFactorSoD,
		Mu:             denseData(f.mu),
		MapEstimate:    vecData(f.mapEstimate),
	}
	for idx, k := range f.kmm {
		n, _ := k.Dims()
		gp.KMM = append(gp.KMM, denseData(k))
		gp.KMMDim = append(gp.KMMDim, n)
		gp.LDiag = append(gp.LDiag, vecData(f.lDiag[idx]))
	}
	s := &State{Kind: "functional", GP: gp}
	f.fillState(s)
	return s, nil
}

// LoadStateDict restores a Functional approximation from a snapshot. The
// training-subset loader must be reattached with SetSubsetLoader before the
// next predictive call.
func (f *Functional) LoadStateDict(s *State) error {
	if err := f.checkState(s, "functional"); err != nil {
		return err
	}
	if s.GP == nil {
		return fmt.Errorf("%w: missing gp state", ErrState)
	}
	gp := s.GP
	f.m = gp.M
	f.seed = gp.Seed
	f.diagonalKernel = gp.DiagonalKernel
	f.priorFactorSoD = gp.PriorFactorSoD
	f.kmm = nil
	f.lDiag = nil
	for idx, data := range gp.KMM {
		n := gp.KMMDim[idx]
		if len(data) != n*n {
			return fmt.Errorf("%w: kernel block %d has %d entries, want %d",
				ErrState, idx, len(data), n*n)
		}
		f.kmm = append(f.kmm, mat.NewDense(n, n, append([]float64(nil), data...)))
		f.lDiag = append(f.lDiag, mat.NewVecDense(len(gp.LDiag[idx]), append([]float64(nil), gp.LDiag[idx]...)))
	}
	if err := f.applyState(s); err != nil {
		return err
	}
	if f.nOutputs > 0 && len(gp.Mu) == f.m*f.nOutputs {
		f.mu = mat.NewDense(f.m, f.nOutputs, append([]float64(nil), gp.Mu...))
	} else {
		return fmt.Errorf("%w: scatter mean size %d does not match subset", ErrState, len(gp.Mu))
	}
	f.mapEstimate = mat.NewVecDense(len(gp.MapEstimate), append([]float64(nil), gp.MapEstimate...))
	if err := f.buildSigma(); err != nil {
		return err
	}
	f.hasFit = true
	f.sodLoader = nil
	return nil
}

// SaveState gob-encodes a snapshot to the writer.
func SaveState(w io.Writer, s *State) error {
	return gob.NewEncoder(w).Encode(s)
}

// LoadState gob-decodes a snapshot from the reader.
func LoadState(r io.Reader) (*State, error) {
	var s State
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
