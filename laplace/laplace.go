// Package laplace implements Gaussian (Laplace) approximations to the
// posterior distribution over a trained predictor's parameters and the
// calibrated predictive distributions derived from them.
//
// An approximation is constructed around an already-trained Predictor and a
// curvature Backend, fitted by streaming batches of training data, and then
// queried for predictive means, variances, covariances, and samples. Five
// interchangeable curvature structures are provided: Full (dense precision),
// Kron (block Kronecker-factored), Diag (diagonal), LowRank (eigenpair plus
// Woodbury identities), and Functional (a function-space Gaussian-Process
// formulation over a subset of the training data). All variants share one
// contract for the prior, the observation noise, the marginal-likelihood
// objective, and prior-precision optimization.
package laplace

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Likelihood selects the negative-log-likelihood whose curvature is
// accumulated.
type Likelihood string

const (
	// Classification uses the categorical cross-entropy likelihood.
	Classification Likelihood = "classification"
	// Regression uses the homoscedastic Gaussian likelihood.
	Regression Likelihood = "regression"
	// RewardModeling fits with the classification likelihood and predicts
	// with regression semantics on a single output.
	RewardModeling Likelihood = "reward_modeling"
)

var (
	// ErrInvalidLikelihood reports an unknown likelihood kind.
	ErrInvalidLikelihood = errors.New("laplace: invalid likelihood type")
	// ErrSigmaNoise reports a non-unit observation noise outside regression.
	ErrSigmaNoise = errors.New("laplace: sigma noise != 1 only available for regression")
	// ErrPriorPrecision reports a prior precision whose length matches none
	// of scalar, per-layer, or per-parameter.
	ErrPriorPrecision = errors.New("laplace: prior precision length must be 1, n_layers, or n_params")
	// ErrPriorMean reports a prior mean of invalid length.
	ErrPriorMean = errors.New("laplace: prior mean length must be 1 or n_params")
	// ErrNotFitted reports use of posterior quantities before Fit.
	ErrNotFitted = errors.New("laplace: not fitted, call Fit first")
	// ErrNoUpdate reports an incremental fit on a non-additive structure.
	ErrNoUpdate = errors.New("laplace: approximation does not support updating, refit with override")
	// ErrPredType reports an unsupported prediction type.
	ErrPredType = errors.New("laplace: unsupported prediction type")
	// ErrLinkApprox reports an unsupported link approximation.
	ErrLinkApprox = errors.New("laplace: unsupported link approximation")
	// ErrJacobianShape reports Jacobians whose parameter axis does not match
	// the approximation.
	ErrJacobianShape = errors.New("laplace: invalid jacobian shape")
	// ErrIsotropicPrior reports a non-scalar prior on the functional variant.
	ErrIsotropicPrior = errors.New("laplace: only isotropic priors supported by the functional approximation")
	// ErrBackend reports a backend lacking a capability the variant needs,
	// or a combination forbidden by the compatibility table.
	ErrBackend = errors.New("laplace: incompatible curvature backend")
	// ErrSubsetPredictive reports a GLM predictive with frozen parameters.
	ErrSubsetPredictive = errors.New("laplace: only the nn predictive supports frozen parameters")
	// ErrState reports an unrecoverable state-dict mismatch.
	ErrState = errors.New("laplace: incompatible state")
	// ErrEmptyLoader reports a data stream with no examples.
	ErrEmptyLoader = errors.New("laplace: data loader yields no examples")
)

// config collects constructor options shared by all variants. Fields that
// only apply to one variant are documented on their option.
type config struct {
	sigmaNoise     float64
	priorPrecision []float64
	priorMean      []float64
	temperature    float64
	enableBackprop bool
	logger         *zap.Logger

	damping        bool  // Kron only
	subsetOfData   int   // Functional only
	diagonalKernel bool  // Functional only
	seed           int64 // Functional only
}

func defaultConfig() config {
	return config{
		sigmaNoise:     1.0,
		priorPrecision: []float64{1.0},
		priorMean:      []float64{0.0},
		temperature:    1.0,
		logger:         zap.NewNop(),
	}
}

// Option configures an approximation at construction time.
type Option func(*config)

// WithSigmaNoise sets the observation noise scale (regression only).
func WithSigmaNoise(sigma float64) Option {
	return func(c *config) { c.sigmaNoise = sigma }
}

// WithPriorPrecision sets the Gaussian prior precision: one value (scalar),
// one per parameter group (per-layer), or one per parameter (full diagonal).
func WithPriorPrecision(values ...float64) Option {
	return func(c *config) { c.priorPrecision = append([]float64(nil), values...) }
}

// WithPriorMean sets the Gaussian prior mean: one value broadcast to all
// parameters, or one per parameter. Useful for continual learning.
func WithPriorMean(values ...float64) Option {
	return func(c *config) { c.priorMean = append([]float64(nil), values...) }
}

// WithTemperature sets the likelihood temperature; lower values concentrate
// the posterior.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// WithEnableBackprop marks the approximation as differentiable through its
// inputs. The flag is persisted and checked on load for compatibility with
// saved state.
func WithEnableBackprop(enable bool) Option {
	return func(c *config) { c.enableBackprop = enable }
}

// WithLogger installs a structured logger for fit progress, numerical
// fallbacks and non-fatal state-load mismatches. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithDamping stabilizes the Kronecker eigenvalues before inversion by
// folding the prior into each factor. Only the Kron variant reads it.
func WithDamping(damping bool) Option {
	return func(c *config) { c.damping = damping }
}

// WithSubsetOfData bounds the functional variant's kernel to a fixed-seed
// random subset of m training examples. Zero means use all data.
func WithSubsetOfData(m int) Option {
	return func(c *config) { c.subsetOfData = m }
}

// WithDiagonalKernel makes the functional variant keep one kernel matrix per
// output channel, assuming independent per-channel processes.
func WithDiagonalKernel(diagonal bool) Option {
	return func(c *config) { c.diagonalKernel = diagonal }
}

// WithSeed fixes the subset-of-data sampling seed of the functional variant.
func WithSeed(seed int64) Option {
	return func(c *config) { c.seed = seed }
}

// base carries the state and contract shared by every approximation
// variant: the predictor reference, the prior, the observation noise,
// temperature, the backend, and the accumulated loss statistics.
type base struct {
	model      Predictor
	backend    Backend
	likelihood Likelihood

	rewardModeling bool

	params       []*Parameter // trainable groups, in declaration order
	nParams      int
	nLayers      int
	subsetParams bool

	mean *mat.VecDense

	priorPrecision *mat.VecDense // length 1, nLayers, or nParams
	priorMean      *mat.VecDense // length 1 or nParams
	sigmaNoise     float64
	temperature    float64
	enableBackprop bool

	loss     float64
	nData    int
	nOutputs int

	logger *zap.Logger

	// onPriorChange is invoked after every prior-precision or noise update
	// so variants can invalidate cached factorizations.
	onPriorChange func()
	// priorCheck lets variants restrict the allowed prior structure.
	priorCheck func(*mat.VecDense) error
}

func newBase(model Predictor, likelihood Likelihood, backend Backend, cfg config) (*base, error) {
	switch likelihood {
	case Classification, Regression, RewardModeling:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidLikelihood, likelihood)
	}

	b := &base{
		model:          model,
		backend:        backend,
		temperature:    cfg.temperature,
		enableBackprop: cfg.enableBackprop,
		logger:         cfg.logger,
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	// Only approximate the posterior over trainable parameters.
	for _, p := range model.Parameters() {
		if p.Trainable {
			b.params = append(b.params, p)
			b.nParams += p.Size()
		} else {
			b.subsetParams = true
		}
	}
	b.nLayers = len(b.params)

	if likelihood == RewardModeling {
		// Fit with the classification likelihood; Predictive flips to
		// regression semantics on first use.
		b.rewardModeling = true
		b.likelihood = Classification
	} else {
		b.likelihood = likelihood
	}

	if cfg.sigmaNoise != 1 && b.likelihood != Regression {
		return nil, ErrSigmaNoise
	}
	b.sigmaNoise = cfg.sigmaNoise

	if err := b.setPriorMean(mat.NewVecDense(len(cfg.priorMean), append([]float64(nil), cfg.priorMean...))); err != nil {
		return nil, err
	}
	if err := b.setPriorPrecision(mat.NewVecDense(len(cfg.priorPrecision), append([]float64(nil), cfg.priorPrecision...))); err != nil {
		return nil, err
	}
	return b, nil
}

// Likelihood returns the likelihood currently in effect. Reward-modeling
// approximations report classification until the first predictive call.
func (b *base) Likelihood() Likelihood { return b.likelihood }

// NParams returns the number of trainable parameters.
func (b *base) NParams() int { return b.nParams }

// NLayers returns the number of trainable parameter groups.
func (b *base) NLayers() int { return b.nLayers }

// NData returns the number of examples accumulated so far.
func (b *base) NData() int { return b.nData }

// NOutputs returns the predictor output width inferred during Fit.
func (b *base) NOutputs() int { return b.nOutputs }

// Loss returns the accumulated training loss (proportional to the negative
// log-likelihood at the posterior mean).
func (b *base) Loss() float64 { return b.loss }

// Mean returns the posterior mean (the flattened MAP estimate).
func (b *base) Mean() *mat.VecDense { return b.mean }

// PriorPrecision returns the stored prior precision in its configured
// structure (scalar, per-layer, or per-parameter).
func (b *base) PriorPrecision() *mat.VecDense { return b.priorPrecision }

func (b *base) setPriorPrecision(v *mat.VecDense) error {
	n := v.Len()
	if n != 1 && n != b.nLayers && n != b.nParams {
		return fmt.Errorf("%w: got length %d with %d layers and %d params",
			ErrPriorPrecision, n, b.nLayers, b.nParams)
	}
	if b.priorCheck != nil {
		if err := b.priorCheck(v); err != nil {
			return err
		}
	}
	b.priorPrecision = v
	if b.onPriorChange != nil {
		b.onPriorChange()
	}
	return nil
}

// SetPriorPrecision replaces the prior precision, invalidating any cached
// posterior factorization.
func (b *base) SetPriorPrecision(values ...float64) error {
	return b.setPriorPrecision(mat.NewVecDense(len(values), append([]float64(nil), values...)))
}

func (b *base) setPriorMean(v *mat.VecDense) error {
	n := v.Len()
	if n != 1 && n != b.nParams {
		return fmt.Errorf("%w: got length %d with %d params", ErrPriorMean, n, b.nParams)
	}
	b.priorMean = v
	return nil
}

// SetSigmaNoise updates the observation noise scale. Allowed only for the
// regression likelihood.
func (b *base) SetSigmaNoise(sigma float64) error {
	if b.likelihood != Regression && sigma != 1 {
		return ErrSigmaNoise
	}
	b.sigmaNoise = sigma
	if b.onPriorChange != nil {
		b.onPriorChange()
	}
	return nil
}

// SigmaNoise returns the observation noise scale.
func (b *base) SigmaNoise() float64 { return b.sigmaNoise }

// hFactor is the curvature scale 1/(sigma_noise² · temperature) applied to
// the accumulated Hessian when forming the posterior precision.
func (b *base) hFactor() float64 {
	return 1.0 / (b.sigmaNoise * b.sigmaNoise * b.temperature)
}

// PriorPrecisionDiag broadcasts the stored prior precision to a full
// per-parameter vector.
func (b *base) PriorPrecisionDiag() (*mat.VecDense, error) {
	switch b.priorPrecision.Len() {
	case 1:
		out := mat.NewVecDense(b.nParams, nil)
		v := b.priorPrecision.AtVec(0)
		for i := 0; i < b.nParams; i++ {
			out.SetVec(i, v)
		}
		return out, nil
	case b.nParams:
		return b.priorPrecision, nil
	case b.nLayers:
		out := mat.NewVecDense(b.nParams, nil)
		offset := 0
		for li, p := range b.params {
			v := b.priorPrecision.AtVec(li)
			for i := 0; i < p.Size(); i++ {
				out.SetVec(offset+i, v)
			}
			offset += p.Size()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: got length %d with %d layers and %d params",
			ErrPriorPrecision, b.priorPrecision.Len(), b.nLayers, b.nParams)
	}
}

// priorMeanDiag broadcasts the prior mean to a per-parameter vector.
func (b *base) priorMeanDiag() *mat.VecDense {
	if b.priorMean.Len() == b.nParams {
		return b.priorMean
	}
	out := mat.NewVecDense(b.nParams, nil)
	v := b.priorMean.AtVec(0)
	for i := 0; i < b.nParams; i++ {
		out.SetVec(i, v)
	}
	return out
}

// LogLikelihood computes the training log-likelihood at the posterior mean
// from the accumulated loss. For regression the Gaussian normalizer is added
// so the result stays differentiable in the noise scale.
func (b *base) LogLikelihood() float64 {
	factor := -b.hFactor()
	if b.likelihood == Regression {
		c := float64(b.nData) * float64(b.nOutputs) * math.Log(b.sigmaNoise*math.Sqrt(2*math.Pi))
		return factor*b.loss - c
	}
	// Cross-entropy is already the categorical negative log-likelihood.
	return factor * b.loss
}

// checkJacobians validates the per-example Jacobian contract: a non-empty
// batch of (outputs x n_params) matrices with a consistent output axis.
func (b *base) checkJacobians(js []*mat.Dense) error {
	if len(js) == 0 {
		return fmt.Errorf("%w: empty batch", ErrJacobianShape)
	}
	rows0, _ := js[0].Dims()
	for _, j := range js {
		r, c := j.Dims()
		if c != b.nParams {
			return fmt.Errorf("%w: parameter axis %d, want %d", ErrJacobianShape, c, b.nParams)
		}
		if r != rows0 {
			return fmt.Errorf("%w: inconsistent output axis", ErrJacobianShape)
		}
	}
	return nil
}

// inferOutputs runs one forward pass on the first example of the stream and
// caches the output width on both the approximation and the predictor.
func (b *base) inferOutputs(loader Loader) error {
	if loader == nil || loader.NumBatches() == 0 || loader.Len() == 0 {
		return ErrEmptyLoader
	}
	batch := loader.Batch(0)
	out, err := b.model.Forward(batch.First())
	if err != nil {
		return fmt.Errorf("laplace: output inference forward pass: %w", err)
	}
	_, c := out.Dims()
	b.nOutputs = c
	b.model.SetOutputSize(c)
	return nil
}

// switchToRegression flips a reward-modeling approximation from the fitting
// likelihood (classification) to the prediction likelihood (regression).
func (b *base) switchToRegression() {
	if b.rewardModeling && b.likelihood == Classification {
		b.likelihood = Regression
		b.nOutputs = 1
		b.model.SetOutputSize(1)
	}
}
