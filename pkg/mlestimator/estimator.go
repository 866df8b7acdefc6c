package mlestimator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"mlestimator/internal/logging"
)

// Method selects the minimization algorithm.
type Method string

const (
	// MethodNelderMead is a derivative-free simplex search.
	MethodNelderMead Method = "nelder-mead"
	// MethodBFGS is a quasi-Newton search using the analytic gradient.
	MethodBFGS Method = "bfgs"
)

// ParseMethod parses a method name, ignoring case. An empty name selects
// MethodNelderMead.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodNelderMead, nil
	case MethodNelderMead, MethodBFGS:
		return m, nil
	}
	return "", configErrorf("method", s, "expected %s or %s", MethodNelderMead, MethodBFGS)
}

// DefaultFitParams are fit when Options.FitParams is empty.
var DefaultFitParams = []string{KeySize, KeyE1, KeyE2}

const (
	DefaultMaxIterations   = 5000
	DefaultTolerance       = 1e-12
	DefaultStallIterations = 100
	DefaultSimplexSize     = 0.05
)

// Options control a single estimation. The zero value fits size, e1 and e2
// from the defaults with Nelder-Mead.
type Options struct {
	// FitParams are the free parameters, in result order.
	FitParams []string
	// SetParams is layered over DefaultConfig before Overrides.
	SetParams *ConfigOverrides
	// Overrides are keyword overrides; unknown keys are logged and skipped.
	Overrides map[string]any
	Lookup    *LookupTable
	// Output receives one row per successful estimate.
	Output Sink
	Method Method

	// MaxIterations and MaxEvaluations cap the optimizer; 0 selects
	// DefaultMaxIterations and no evaluation cap respectively.
	MaxIterations  int
	MaxEvaluations int
	// The run converges once the best value has not improved by more than
	// Tolerance for StallIterations iterations.
	Tolerance       float64
	StallIterations int
	// SimplexSize is the initial Nelder-Mead simplex edge.
	SimplexSize float64
	// PriorRejection overrides DefaultPriorRejection when non-zero.
	PriorRejection float64

	Logger logr.Logger
}

// Estimate is the result of FindMLEstimate.
type Estimate struct {
	Labels []string
	Values []float64
	// NegLogLikelihood is the summed negative log-likelihood at Values.
	NegLogLikelihood float64
	Status           optimize.Status
	FuncEvaluations  int
	MajorIterations  int
	// Config is the baseline configuration with Values substituted.
	Config Config
}

// Converged reports whether the optimizer stopped on a convergence criterion
// rather than a limit or a failure.
func (e *Estimate) Converged() bool {
	return e.Status != optimize.NotTerminated && !e.Status.Early()
}

// Value returns the estimate of one free parameter.
func (e *Estimate) Value(label string) (float64, bool) {
	for i, l := range e.Labels {
		if l == label {
			return e.Values[i], true
		}
	}
	return 0, false
}

func (e *Estimate) String() string {
	var sb strings.Builder
	for i, l := range e.Labels {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%.6f", l, e.Values[i])
	}
	return fmt.Sprintf("{%s; -lnL=%g; %s after %d iterations}", sb.String(), e.NegLogLikelihood, e.Status, e.MajorIterations)
}

// FindMLEstimate fits model to img by minimizing the negative log-likelihood
// over opts.FitParams and returns the maximum-likelihood estimate.
//
// Configuration faults are returned before the optimizer starts. A run that
// stops on an iteration or evaluation limit is not an error; check
// Estimate.Converged.
func FindMLEstimate(ctx context.Context, img mat.Matrix, model Model, opts Options) (*Estimate, error) {
	if img == nil {
		return nil, ErrInvalidImage
	}
	if r, c := img.Dims(); r == 0 || c == 0 {
		return nil, ErrInvalidImage
	}
	if model == nil {
		model = GaussianModel{}
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	labels := opts.FitParams
	if len(labels) == 0 {
		labels = DefaultFitParams
	}
	labels = append([]string(nil), labels...)
	if opts.Lookup != nil && opts.Lookup.Enabled {
		if len(labels) > MaxLookupParams {
			return nil, configErrorf("lookup", labels, "cannot be used with %d free parameters (at most %d)", len(labels), MaxLookupParams)
		}
		if !sameLabels(opts.Lookup.Labels(), labels) {
			return nil, configErrorf("lookup", labels, "table was built for %v", opts.Lookup.Labels())
		}
	}
	if err := checkLabels(labels); err != nil {
		return nil, err
	}

	base, _, err := BuildConfig(img, opts.SetParams, opts.Overrides, log)
	if err != nil {
		return nil, err
	}
	log.V(logging.DEBUG).Info("Baseline configuration", "config", base.String())

	evOpts := []EvaluatorOption{WithLookupTable(opts.Lookup)}
	if opts.PriorRejection != 0 {
		evOpts = append(evOpts, WithPriorRejection(opts.PriorRejection))
	}
	ev, err := NewEvaluator(base, img, model, evOpts...)
	if err != nil {
		return nil, err
	}

	x0, err := base.Values(labels)
	if err != nil {
		return nil, err
	}
	start, err := ev.NegLogLikelihood(x0, labels, ReturnSum)
	if err != nil {
		return nil, err
	}
	if start.Rejected {
		return nil, configErrorf("parameters", x0, "initial guess for %v lies outside the prior", labels)
	}
	log.V(logging.VERBOSE).Info("Starting minimization", "labels", labels, "x0", x0, "negLogLikelihood", start.Sum, "method", methodOrDefault(opts.Method))

	res, err := minimize(ctx, ev, labels, x0, opts, log)
	if err != nil {
		return nil, err
	}

	final := base.Clone()
	for i, l := range labels {
		if err := final.Set(l, res.X[i]); err != nil {
			return nil, err
		}
	}
	est := &Estimate{
		Labels:           labels,
		Values:           append([]float64(nil), res.X...),
		NegLogLikelihood: res.F,
		Status:           res.Status,
		FuncEvaluations:  res.Stats.FuncEvaluations,
		MajorIterations:  res.Stats.MajorIterations,
		Config:           final,
	}
	if !est.Converged() {
		log.Info("Minimization stopped before converging", "status", est.Status.String(), "iterations", est.MajorIterations)
	}
	log.V(logging.VERBOSE).Info("Estimate", "result", est.String(), "evaluations", est.FuncEvaluations)

	if opts.Output != nil {
		if err := opts.Output.Append(est.Values); err != nil {
			return nil, err
		}
	}
	return est, nil
}

func checkLabels(labels []string) error {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if !IsScalarKey(l) {
			return unknownParameter(l)
		}
		if seen[l] {
			return configErrorf("parameters", labels, "%q is listed twice", l)
		}
		seen[l] = true
	}
	return nil
}

func methodOrDefault(m Method) Method {
	if m == "" {
		return MethodNelderMead
	}
	return m
}

// fatalError holds the first error raised inside the objective. The optimizer
// may call the objective from another goroutine than Problem.Status.
type fatalError struct {
	mu  sync.Mutex
	err error
}

func (f *fatalError) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *fatalError) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func minimize(ctx context.Context, ev *Evaluator, labels []string, x0 []float64, opts Options, log logr.Logger) (*optimize.Result, error) {
	var fatal fatalError
	trace := log.V(logging.TRACE)

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			l, err := ev.NegLogLikelihood(x, labels, ReturnSum)
			if err != nil {
				fatal.set(err)
				return ev.PriorRejection()
			}
			trace.Info("Trial", "x", x, "negLogLikelihood", l.Sum, "rejected", l.Rejected)
			return l.Sum
		},
		Status: func() (optimize.Status, error) {
			if err := fatal.get(); err != nil {
				return optimize.Failure, err
			}
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	var method optimize.Method
	switch methodOrDefault(opts.Method) {
	case MethodNelderMead:
		size := opts.SimplexSize
		if size == 0 {
			size = DefaultSimplexSize
		}
		method = &optimize.NelderMead{SimplexSize: size}
	case MethodBFGS:
		if _, ok := ev.model.(DifferentiableModel); !ok {
			return nil, fmt.Errorf("%w: %s needs a model with analytic derivatives, %T has none", ErrConfig, MethodBFGS, ev.model)
		}
		problem.Grad = func(grad, x []float64) {
			for i := range grad {
				grad[i] = 0
			}
			cfg, err := ev.trial(x, labels)
			if err != nil {
				fatal.set(err)
				return
			}
			if rejectedByPrior(cfg) {
				return
			}
			g, err := ev.Gradient(x, labels)
			if err != nil {
				fatal.set(err)
				return
			}
			copy(grad, g)
		}
		method = &optimize.BFGS{}
	default:
		return nil, configErrorf("method", opts.Method, "unknown minimization method")
	}

	settings := &optimize.Settings{
		MajorIterations: orDefault(opts.MaxIterations, DefaultMaxIterations),
		FuncEvaluations: opts.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   orDefaultFloat(opts.Tolerance, DefaultTolerance),
			Iterations: orDefault(opts.StallIterations, DefaultStallIterations),
		},
	}

	res, err := optimize.Minimize(problem, x0, settings, method)
	if ferr := fatal.get(); ferr != nil {
		return nil, ferr
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, fmt.Errorf("minimization interrupted: %w", cerr)
	}
	if err != nil {
		// Line-search stalls and the like still leave a usable best point.
		if res == nil || len(res.X) != len(x0) {
			return nil, fmt.Errorf("minimization failed: %w", err)
		}
		log.Info("Minimizer reported an error", "error", err.Error(), "status", res.Status.String())
		if res.Status == optimize.NotTerminated {
			res.Status = optimize.Failure
		}
	}
	return res, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
