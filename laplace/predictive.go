package laplace

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// PredType selects how the posterior is pushed through the predictor.
type PredType string

const (
	// PredGLM linearizes the predictor at the posterior mean and propagates
	// the Gaussian exactly through the linearization.
	PredGLM PredType = "glm"
	// PredNN Monte-Carlo samples parameter vectors and forwards each.
	PredNN PredType = "nn"
	// PredGP is the function-space predictive of the Functional variant.
	PredGP PredType = "gp"
)

// LinkApprox selects how a Gaussian over classification logits is pushed
// through the softmax.
type LinkApprox string

const (
	// LinkMC samples logits and averages the softmax probabilities.
	LinkMC LinkApprox = "mc"
	// LinkProbit rescales the logits by the probit-matching factor.
	LinkProbit LinkApprox = "probit"
	// LinkBridge maps the Gaussian to a Dirichlet via the Laplace bridge.
	LinkBridge LinkApprox = "bridge"
	// LinkBridgeNorm is the bridge with a variance normalization step.
	LinkBridgeNorm LinkApprox = "bridge_norm"
)

type predictConfig struct {
	predType PredType
	link     LinkApprox
	nSamples int
	joint    bool
	diagOut  bool
	rng      *rand.Rand
}

// PredictOption configures one Predictive call.
type PredictOption func(*predictConfig)

// WithPredType selects the predictive mode (default glm).
func WithPredType(t PredType) PredictOption {
	return func(c *predictConfig) { c.predType = t }
}

// WithLinkApprox selects the classification link (default probit).
func WithLinkApprox(l LinkApprox) PredictOption {
	return func(c *predictConfig) { c.link = l }
}

// WithNSamples sets the Monte-Carlo sample count (default 100).
func WithNSamples(n int) PredictOption {
	return func(c *predictConfig) { c.nSamples = n }
}

// WithJoint requests the joint covariance over all outputs of the batch
// instead of per-example covariances (glm regression only).
func WithJoint(joint bool) PredictOption {
	return func(c *predictConfig) { c.joint = joint }
}

// WithDiagonalOutput drops the off-diagonal output covariances before the
// link or sampling step, treating outputs as independent.
func WithDiagonalOutput(diag bool) PredictOption {
	return func(c *predictConfig) { c.diagOut = diag }
}

// WithRNG fixes the sampling source for reproducible Monte-Carlo
// predictives.
func WithRNG(rng *rand.Rand) PredictOption {
	return func(c *predictConfig) { c.rng = rng }
}

// Prediction is the calibrated predictive for one input batch. Mean is
// (batch x outputs): probabilities for classification, point predictions
// for regression. Var holds one output covariance per example where the
// mode produces them; JointCov is the covariance across all outputs of all
// examples when requested.
type Prediction struct {
	Mean     *mat.Dense
	Var      []*mat.SymDense
	JointCov *mat.Dense
}

func defaultPredictConfig() predictConfig {
	return predictConfig{predType: PredGLM, link: LinkProbit, nSamples: 100}
}

func (c *predictConfig) validate() error {
	switch c.predType {
	case PredGLM, PredNN:
	default:
		return fmt.Errorf("%w: %q", ErrPredType, c.predType)
	}
	switch c.link {
	case LinkMC, LinkProbit, LinkBridge, LinkBridgeNorm:
	default:
		return fmt.Errorf("%w: %q", ErrLinkApprox, c.link)
	}
	if c.predType == PredNN && c.link != LinkMC {
		return fmt.Errorf("%w: nn predictive only supports the mc link", ErrLinkApprox)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return nil
}

// Predictive computes the calibrated predictive distribution for a batch.
func (p *parametric) Predictive(in Input, opts ...PredictOption) (*Prediction, error) {
	cfg := defaultPredictConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !p.post.fitted() {
		return nil, ErrNotFitted
	}
	p.switchToRegression()
	if p.subsetParams && cfg.predType != PredNN {
		return nil, ErrSubsetPredictive
	}

	if cfg.predType == PredNN {
		return p.nnPredictive(in, cfg)
	}
	return p.glmPredictive(in, cfg)
}

func (p *parametric) glmPredictive(in Input, cfg predictConfig) (*Prediction, error) {
	js, fMu, err := p.backend.Jacobians(in)
	if err != nil {
		return nil, err
	}
	if err := p.checkJacobians(js); err != nil {
		return nil, err
	}
	if cfg.joint && p.likelihood == Regression {
		cov, err := p.post.functionalCovariance(js)
		if err != nil {
			return nil, err
		}
		return &Prediction{Mean: fMu, JointCov: cov}, nil
	}
	fVar, err := p.post.functionalVariance(js)
	if err != nil {
		return nil, err
	}
	if cfg.diagOut {
		fVar = diagonalizeVars(fVar)
	}
	if p.likelihood == Regression {
		return &Prediction{Mean: fMu, Var: fVar}, nil
	}
	return applyLink(fMu, fVar, cfg)
}

// diagonalizeVars keeps only the output variances of each example.
func diagonalizeVars(fVar []*mat.SymDense) []*mat.SymDense {
	out := make([]*mat.SymDense, len(fVar))
	for i, v := range fVar {
		n := v.SymmetricDim()
		d := mat.NewSymDense(n, nil)
		for j := 0; j < n; j++ {
			d.SetSym(j, j, v.At(j, j))
		}
		out[i] = d
	}
	return out
}

// nnPredictive runs one forward pass per posterior parameter sample and
// accumulates running first and second moments, so only one sample output is
// held at a time.
func (p *parametric) nnPredictive(in Input, cfg predictConfig) (*Prediction, error) {
	samples, err := p.PosteriorSamples(cfg.nSamples, cfg.rng)
	if err != nil {
		return nil, err
	}
	orig := paramsToVec(p.params, p.nParams)
	defer vecToParams(orig, p.params)

	var mean, sumSq *mat.Dense
	for _, s := range samples {
		if err := vecToParams(s, p.params); err != nil {
			return nil, err
		}
		f, err := p.model.Forward(in)
		if err != nil {
			return nil, err
		}
		if p.likelihood == Classification {
			f = softmaxRows(f)
		}
		r, c := f.Dims()
		if mean == nil {
			mean = mat.NewDense(r, c, nil)
			sumSq = mat.NewDense(r, c, nil)
		}
		mean.Add(mean, f)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := f.At(i, j)
				sumSq.Set(i, j, sumSq.At(i, j)+v*v)
			}
		}
	}
	n := float64(len(samples))
	mean.Scale(1/n, mean)
	if p.likelihood == Classification {
		return &Prediction{Mean: mean}, nil
	}
	// Regression keeps per-output sample variances.
	r, c := mean.Dims()
	vars := make([]*mat.SymDense, r)
	for i := 0; i < r; i++ {
		v := mat.NewSymDense(c, nil)
		if len(samples) > 1 {
			for j := 0; j < c; j++ {
				m := mean.At(i, j)
				s := (sumSq.At(i, j) - n*m*m) / (n - 1)
				if s < 0 {
					s = 0
				}
				v.SetSym(j, j, s)
			}
		}
		vars[i] = v
	}
	return &Prediction{Mean: mean, Var: vars}, nil
}

// nnForwardSamples forwards the batch once per posterior parameter sample,
// restoring the MAP estimate afterwards. Classification outputs are mapped
// to probabilities.
func (p *parametric) nnForwardSamples(in Input, n int, rng *rand.Rand) ([]*mat.Dense, error) {
	samples, err := p.PosteriorSamples(n, rng)
	if err != nil {
		return nil, err
	}
	orig := paramsToVec(p.params, p.nParams)
	defer vecToParams(orig, p.params)

	out := make([]*mat.Dense, 0, len(samples))
	for _, s := range samples {
		if err := vecToParams(s, p.params); err != nil {
			return nil, err
		}
		f, err := p.model.Forward(in)
		if err != nil {
			return nil, err
		}
		if p.likelihood == Classification {
			f = softmaxRows(f)
		}
		out = append(out, f)
	}
	return out, nil
}

// PredictiveSamples draws output samples: logit-space Gaussian samples
// pushed through the softmax for glm classification, per-parameter-sample
// forward passes for nn.
func (p *parametric) PredictiveSamples(in Input, predType PredType, n int, rng *rand.Rand) ([]*mat.Dense, error) {
	if !p.post.fitted() {
		return nil, ErrNotFitted
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	p.switchToRegression()
	switch predType {
	case PredNN:
		return p.nnForwardSamples(in, n, rng)
	case PredGLM:
		js, fMu, err := p.backend.Jacobians(in)
		if err != nil {
			return nil, err
		}
		if err := p.checkJacobians(js); err != nil {
			return nil, err
		}
		fVar, err := p.post.functionalVariance(js)
		if err != nil {
			return nil, err
		}
		return glmOutputSamples(fMu, fVar, n, p.likelihood == Classification, rng)
	default:
		return nil, fmt.Errorf("%w: %q", ErrPredType, predType)
	}
}

// glmOutputSamples draws from the per-example output Gaussians, optionally
// mapping to probabilities.
func glmOutputSamples(fMu *mat.Dense, fVar []*mat.SymDense, n int, softmax bool, rng *rand.Rand) ([]*mat.Dense, error) {
	r, c := fMu.Dims()
	chols := make([]*mat.Cholesky, r)
	for i := 0; i < r; i++ {
		chol, err := safeCholSym(fVar[i])
		if err != nil {
			return nil, err
		}
		chols[i] = chol
	}
	var l mat.TriDense
	out := make([]*mat.Dense, n)
	for s := 0; s < n; s++ {
		f := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			chols[i].LTo(&l)
			z := normalVec(c, rng)
			e := mat.NewVecDense(c, nil)
			e.MulVec(&l, z)
			for j := 0; j < c; j++ {
				f.Set(i, j, fMu.At(i, j)+e.AtVec(j))
			}
		}
		if softmax {
			f = softmaxRows(f)
		}
		out[s] = f
	}
	return out, nil
}

// applyLink pushes per-example logit Gaussians through the softmax with the
// configured approximation.
func applyLink(fMu *mat.Dense, fVar []*mat.SymDense, cfg predictConfig) (*Prediction, error) {
	switch cfg.link {
	case LinkMC:
		samples, err := glmOutputSamples(fMu, fVar, cfg.nSamples, true, cfg.rng)
		if err != nil {
			return nil, err
		}
		r, c := fMu.Dims()
		mean := mat.NewDense(r, c, nil)
		for _, s := range samples {
			mean.Add(mean, s)
		}
		mean.Scale(1/float64(len(samples)), mean)
		return &Prediction{Mean: mean, Var: fVar}, nil
	case LinkProbit:
		return &Prediction{Mean: probitLink(fMu, fVar), Var: fVar}, nil
	case LinkBridge, LinkBridgeNorm:
		return &Prediction{Mean: bridgeLink(fMu, fVar, cfg.link == LinkBridgeNorm), Var: fVar}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrLinkApprox, cfg.link)
	}
}

// probitLink rescales each logit by kappa = 1/sqrt(1 + pi/8 * var) before
// the softmax, matching the Gaussian to a probit integral.
func probitLink(fMu *mat.Dense, fVar []*mat.SymDense) *mat.Dense {
	r, c := fMu.Dims()
	scaled := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			kappa := 1 / math.Sqrt(1+math.Pi/8*fVar[i].At(j, j))
			scaled.Set(i, j, kappa*fMu.At(i, j))
		}
	}
	return softmaxRows(scaled)
}

// bridgeLink maps each logit Gaussian to a Dirichlet through the Laplace
// bridge: a zero-mean correction, an optional variance normalization, then
// the closed-form Dirichlet concentration. Degenerate rows collapse to
// uniform probabilities.
func bridgeLink(fMu *mat.Dense, fVar []*mat.SymDense, normalize bool) *mat.Dense {
	r, k := fMu.Dims()
	kf := float64(k)
	probs := mat.NewDense(r, k, nil)
	mu := make([]float64, k)
	vdiag := make([]float64, k)
	for i := 0; i < r; i++ {
		// Zero-mean correction using the covariance row/column sums.
		total := 0.0
		rowSum := make([]float64, k)
		for a := 0; a < k; a++ {
			for b := 0; b < k; b++ {
				v := fVar[i].At(a, b)
				rowSum[a] += v
				total += v
			}
		}
		muSum := 0.0
		for a := 0; a < k; a++ {
			muSum += fMu.At(i, a)
		}
		for a := 0; a < k; a++ {
			mu[a] = fMu.At(i, a) - rowSum[a]*muSum/total
			vdiag[a] = fVar[i].At(a, a) - rowSum[a]*rowSum[a]/total
		}
		if normalize {
			meanVar := 0.0
			for a := 0; a < k; a++ {
				meanVar += vdiag[a]
			}
			meanVar /= kf * math.Sqrt(kf/2)
			scale := math.Sqrt(meanVar)
			for a := 0; a < k; a++ {
				mu[a] /= scale
				vdiag[a] /= meanVar
			}
		}
		sumExpNeg := 0.0
		for a := 0; a < k; a++ {
			sumExpNeg += math.Exp(-mu[a])
		}
		alphaSum := 0.0
		alpha := make([]float64, k)
		for a := 0; a < k; a++ {
			alpha[a] = (1 - 2/kf + math.Exp(mu[a])/(kf*kf)*sumExpNeg) / vdiag[a]
			alphaSum += alpha[a]
		}
		for a := 0; a < k; a++ {
			v := alpha[a] / alphaSum
			if math.IsNaN(v) {
				v = 1.0
			}
			probs.Set(i, a, v)
		}
	}
	return probs
}
