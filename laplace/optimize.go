package laplace

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Approximation is the surface shared by every Laplace variant: fitting,
// evidence evaluation, calibrated prediction, and prior control.
type Approximation interface {
	Fit(loader Loader, override bool) error
	LogMarginalLikelihood(priorPrecision []float64, sigmaNoise *float64) (float64, error)
	Predictive(in Input, opts ...PredictOption) (*Prediction, error)
	SetPriorPrecision(values ...float64) error
	PriorPrecision() *mat.VecDense
	Likelihood() Likelihood
	NLayers() int
	NParams() int
}

// PriorOptMethod selects the prior-precision optimization strategy.
type PriorOptMethod string

const (
	// OptMargLik ascends the log marginal likelihood.
	OptMargLik PriorOptMethod = "marglik"
	// OptGridSearch minimizes validation loss over a log-spaced grid.
	OptGridSearch PriorOptMethod = "gridsearch"
)

// PriorStructure selects the shape of the optimized prior precision.
type PriorStructure string

const (
	// PriorScalar optimizes one shared precision.
	PriorScalar PriorStructure = "scalar"
	// PriorLayerwise optimizes one precision per parameter group.
	PriorLayerwise PriorStructure = "layerwise"
	// PriorDiag optimizes one precision per parameter.
	PriorDiag PriorStructure = "diag"
)

// PriorOptConfig configures OptimizePriorPrecision. Zero values take the
// defaults documented per field.
type PriorOptConfig struct {
	// Method defaults to marglik.
	Method PriorOptMethod
	// Structure defaults to scalar.
	Structure PriorStructure
	// NSteps is the number of ascent steps (default 100).
	NSteps int
	// LR is the ascent step size in log-precision space (default 0.1).
	LR float64
	// InitPriorPrec seeds the optimization (default 1).
	InitPriorPrec float64

	// ValLoader supplies held-out data; required for gridsearch.
	ValLoader Loader
	// LogPriorPrecMin/Max bound the gridsearch exponents (default -4, 4).
	LogPriorPrecMin float64
	LogPriorPrecMax float64
	// GridSize is the number of grid points (default 100).
	GridSize int

	// PredType, Link, and NSamples configure the validation predictives.
	PredType PredType
	Link     LinkApprox
	NSamples int

	// Logger reports progress; nil disables logging.
	Logger *zap.Logger
}

func (c *PriorOptConfig) setDefaults() {
	if c.Method == "" {
		c.Method = OptMargLik
	}
	if c.Structure == "" {
		c.Structure = PriorScalar
	}
	if c.NSteps == 0 {
		c.NSteps = 100
	}
	if c.LR == 0 {
		c.LR = 0.1
	}
	if c.InitPriorPrec == 0 {
		c.InitPriorPrec = 1
	}
	if c.LogPriorPrecMin == 0 && c.LogPriorPrecMax == 0 {
		c.LogPriorPrecMin, c.LogPriorPrecMax = -4, 4
	}
	if c.GridSize == 0 {
		c.GridSize = 100
	}
	if c.PredType == "" {
		c.PredType = PredGLM
	}
	if c.Link == "" {
		c.Link = LinkProbit
	}
	if c.NSamples == 0 {
		c.NSamples = 100
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// OptimizePriorPrecision tunes the prior precision of a fitted
// approximation, either by ascending the log marginal likelihood or by
// validation-loss gridsearch, and leaves the best value set.
func OptimizePriorPrecision(a Approximation, cfg PriorOptConfig) error {
	if _, ok := a.(*Functional); ok {
		switch cfg.PredType {
		case "", PredGP:
			cfg.PredType = PredGP
		default:
			return fmt.Errorf("%w: functional approximation only validates with gp predictives",
				ErrPredType)
		}
	}
	cfg.setDefaults()
	switch cfg.Method {
	case OptMargLik:
		return optimizeMargLik(a, cfg)
	case OptGridSearch:
		if cfg.ValLoader == nil {
			return fmt.Errorf("laplace: gridsearch requires a validation loader")
		}
		return optimizeGridSearch(a, cfg)
	default:
		return fmt.Errorf("laplace: unknown prior optimization method %q", cfg.Method)
	}
}

func structureDim(a Approximation, s PriorStructure) (int, error) {
	switch s {
	case PriorScalar:
		return 1, nil
	case PriorLayerwise:
		return a.NLayers(), nil
	case PriorDiag:
		return a.NParams(), nil
	default:
		return 0, fmt.Errorf("laplace: unknown prior structure %q", s)
	}
}

// optimizeMargLik runs gradient ascent on the evidence in log-precision
// space; the gradient is evaluated by central differences, which keeps the
// objective a plain function call on every structure.
func optimizeMargLik(a Approximation, cfg PriorOptConfig) error {
	dim, err := structureDim(a, cfg.Structure)
	if err != nil {
		return err
	}
	logPrec := make([]float64, dim)
	init := math.Log(cfg.InitPriorPrec)
	for i := range logPrec {
		logPrec[i] = init
	}
	precOf := func(lp []float64) []float64 {
		out := make([]float64, len(lp))
		for i, v := range lp {
			out[i] = math.Exp(v)
		}
		return out
	}

	const h = 1e-4
	for step := 0; step < cfg.NSteps; step++ {
		grad := make([]float64, dim)
		for i := range logPrec {
			logPrec[i] += h
			up, err := a.LogMarginalLikelihood(precOf(logPrec), nil)
			if err != nil {
				return err
			}
			logPrec[i] -= 2 * h
			down, err := a.LogMarginalLikelihood(precOf(logPrec), nil)
			if err != nil {
				return err
			}
			logPrec[i] += h
			grad[i] = (up - down) / (2 * h)
		}
		for i := range logPrec {
			logPrec[i] += cfg.LR * grad[i]
		}
		if step%25 == 0 {
			lml, err := a.LogMarginalLikelihood(precOf(logPrec), nil)
			if err != nil {
				return err
			}
			cfg.Logger.Debug("prior precision ascent",
				zap.Int("step", step), zap.Float64("log_marglik", lml))
		}
	}
	return a.SetPriorPrecision(precOf(logPrec)...)
}

// optimizeGridSearch scans a log-spaced scalar grid and keeps the precision
// with the lowest validation loss. Grid points where the numerics fail score
// +Inf and are skipped; misconfigured predictives abort the search, since
// they would fail identically at every point.
func optimizeGridSearch(a Approximation, cfg PriorOptConfig) error {
	grid := logSpace(cfg.LogPriorPrecMin, cfg.LogPriorPrecMax, cfg.GridSize)
	best := math.Inf(1)
	bestPrec := cfg.InitPriorPrec
	for _, v := range grid {
		if err := a.SetPriorPrecision(v); err != nil {
			return err
		}
		loss := math.Inf(1)
		switch l, err := validationLoss(a, cfg); {
		case err == nil:
			loss = l
		case errors.Is(err, ErrPredType), errors.Is(err, ErrLinkApprox),
			errors.Is(err, ErrSubsetPredictive), errors.Is(err, ErrNotFitted),
			errors.Is(err, ErrEmptyLoader):
			return err
		}
		cfg.Logger.Debug("prior precision gridsearch",
			zap.Float64("prior_precision", v), zap.Float64("loss", loss))
		if loss < best {
			best = loss
			bestPrec = v
		}
	}
	return a.SetPriorPrecision(bestPrec)
}

// validationLoss averages the predictive loss over the validation stream:
// negative log-likelihood of the true class for classification, mean
// squared error for regression.
func validationLoss(a Approximation, cfg PriorOptConfig) (float64, error) {
	total, count := 0.0, 0
	classification := a.Likelihood() == Classification
	for i := 0; i < cfg.ValLoader.NumBatches(); i++ {
		batch := cfg.ValLoader.Batch(i)
		pred, err := a.Predictive(batch.Input(),
			WithPredType(cfg.PredType),
			WithLinkApprox(cfg.Link),
			WithNSamples(cfg.NSamples),
		)
		if err != nil {
			return 0, err
		}
		y := batch.Labels()
		r, c := pred.Mean.Dims()
		for e := 0; e < r; e++ {
			if classification {
				cls := int(y.At(e, 0))
				p := pred.Mean.At(e, cls)
				if p <= 0 {
					p = math.SmallestNonzeroFloat64
				}
				total -= math.Log(p)
			} else {
				for j := 0; j < c; j++ {
					d := pred.Mean.At(e, j) - y.At(e, j)
					total += d * d
				}
			}
			count++
		}
	}
	if count == 0 {
		return 0, ErrEmptyLoader
	}
	return total / float64(count), nil
}
