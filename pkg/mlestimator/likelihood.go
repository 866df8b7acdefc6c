package mlestimator

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// MaxEllipticity is the exclusive upper bound of the ellipticity prior.
const MaxEllipticity = 0.99

// DefaultPriorRejection is the value returned for trials outside the prior.
// It is a tenth of the largest float so optimizers can do arithmetic on it.
const DefaultPriorRejection = math.MaxFloat64 / 10

// ReturnMode selects which parts of a Likelihood are computed.
type ReturnMode int

const (
	ReturnSum ReturnMode = iota
	ReturnPix
	ReturnAll
)

func (m ReturnMode) String() string {
	switch m {
	case ReturnSum:
		return "sum"
	case ReturnPix:
		return "pix"
	case ReturnAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseReturnMode parses "sum", "pix" or "all", ignoring case.
func ParseReturnMode(s string) (ReturnMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sum":
		return ReturnSum, nil
	case "pix":
		return ReturnPix, nil
	case "all":
		return ReturnAll, nil
	}
	return 0, configErrorf("returnType", s, "expected sum, pix or all")
}

// Likelihood is a negative log-likelihood under Gaussian noise, without the
// normalisation constant.
type Likelihood struct {
	// Sum is filled in every mode.
	Sum float64
	// Pix holds per-pixel values for ReturnPix and ReturnAll.
	Pix *mat.Dense
	// Rejected is set when the trial fell outside the prior; Sum then holds
	// the prior-rejection value and Pix is nil.
	Rejected bool
}

// Evaluator computes the likelihood of trial parameter vectors against one
// observed image. It keeps no state between calls and is safe for concurrent use
// if its model and lookup table are.
type Evaluator struct {
	base           Config
	image          mat.Matrix
	rows, cols     int
	model          Model
	table          *LookupTable
	priorRejection float64
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLookupTable makes the evaluator fetch model images from t when it is
// enabled and at most two parameters are free.
func WithLookupTable(t *LookupTable) EvaluatorOption {
	return func(e *Evaluator) { e.table = t }
}

// WithPriorRejection overrides DefaultPriorRejection.
func WithPriorRejection(v float64) EvaluatorOption {
	return func(e *Evaluator) { e.priorRejection = v }
}

// NewEvaluator creates an Evaluator for the baseline configuration base.
// base is copied; later changes to the caller's value have no effect.
func NewEvaluator(base Config, image mat.Matrix, model Model, opts ...EvaluatorOption) (*Evaluator, error) {
	if image == nil {
		return nil, ErrInvalidImage
	}
	rows, cols := image.Dims()
	if rows == 0 || cols == 0 {
		return nil, ErrInvalidImage
	}
	if model == nil {
		return nil, fmt.Errorf("%w: no model", ErrConfig)
	}
	e := &Evaluator{
		base:           base.Clone(),
		image:          image,
		rows:           rows,
		cols:           cols,
		model:          model,
		priorRejection: DefaultPriorRejection,
	}
	for _, opt := range opts {
		opt(e)
	}
	if math.IsNaN(e.priorRejection) || math.IsInf(e.priorRejection, 0) {
		return nil, configErrorf("prior_rejection", e.priorRejection, "must be finite")
	}
	return e, nil
}

// Base returns a copy of the baseline configuration.
func (e *Evaluator) Base() Config { return e.base.Clone() }

// PriorRejection returns the value reported for trials outside the prior.
func (e *Evaluator) PriorRejection() float64 { return e.priorRejection }

// NegLogLikelihood returns 0.5·Σ(image − model)²/noise² for the model built
// from the baseline configuration with labels set to x.
//
// Trials with size <= 0 or ellipticity >= MaxEllipticity are not evaluated;
// the result is then Rejected with Sum set to the prior-rejection value.
func (e *Evaluator) NegLogLikelihood(x []float64, labels []string, mode ReturnMode) (Likelihood, error) {
	cfg, err := e.trial(x, labels)
	if err != nil {
		return Likelihood{}, err
	}

	if rejectedByPrior(cfg) {
		return Likelihood{Sum: e.priorRejection, Rejected: true}, nil
	}

	model, err := e.modelImage(cfg, x, labels)
	if err != nil {
		return Likelihood{}, err
	}

	scale := 0.5 / (cfg.Noise * cfg.Noise)
	pix := mat.NewDense(e.rows, e.cols, nil)
	pix.Sub(e.image, model)
	pix.MulElem(pix, pix)

	var l Likelihood
	l.Sum = mat.Sum(pix) * scale
	switch mode {
	case ReturnSum:
	case ReturnPix, ReturnAll:
		pix.Scale(scale, pix)
		l.Pix = pix
	default:
		return Likelihood{}, configErrorf("returnType", mode, "unknown return mode")
	}
	return l, nil
}

// trial clones the baseline configuration and substitutes x for labels.
func (e *Evaluator) trial(x []float64, labels []string) (Config, error) {
	cfg := e.base.Clone()

	if cfg.StampSize != [2]int{e.rows, e.cols} {
		return Config{}, configErrorf(KeyStampSize, cfg.StampSize, "does not match image shape (%d, %d)", e.rows, e.cols)
	}
	if len(x) != len(labels) {
		return Config{}, configErrorf("parameters", x, "%d values for %d labels %v", len(x), len(labels), labels)
	}
	for i, l := range labels {
		if err := cfg.Set(l, x[i]); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func rejectedByPrior(cfg Config) bool {
	return !(cfg.Ellipticity() < MaxEllipticity) || !(cfg.Size > 0)
}

// modelImage fetches the model image from the lookup table when it applies,
// otherwise from the direct model, and checks its shape.
func (e *Evaluator) modelImage(cfg Config, x []float64, labels []string) (*mat.Dense, error) {
	var (
		img *mat.Dense
		err error
	)
	if e.usesLookup(labels) {
		if !sameLabels(e.table.Labels(), labels) {
			return nil, configErrorf("lookup", labels, "table was built for %v", e.table.Labels())
		}
		img, _, err = e.table.Fetch(x)
	} else {
		img, err = e.model.Image(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("evaluating model: %w", err)
	}

	if img == nil {
		return nil, fmt.Errorf("%w: model returned no image", ErrModelContract)
	}
	if r, c := img.Dims(); r != e.rows || c != e.cols {
		return nil, fmt.Errorf("%w: model image is %dx%d, observed image is %dx%d", ErrModelContract, r, c, e.rows, e.cols)
	}
	return img, nil
}

func (e *Evaluator) usesLookup(labels []string) bool {
	return e.table != nil && e.table.Enabled && len(labels) <= 2
}

func sameLabels(a, b []string) bool {
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
