package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	flag "github.com/spf13/pflag"
	"gonum.org/v1/gonum/mat"

	"mlestimator/internal/logging"
	ml "mlestimator/pkg/mlestimator"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	s, inputs, err := loadSettings(newFlagSet(), args)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("usage: mlestimate [flags] <image>...")
	}

	log, err := logging.NewLogger(s.verbosity)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	var overrides *ml.ConfigOverrides
	if s.params != "" {
		if overrides, err = ml.LoadOverrides(s.params); err != nil {
			return err
		}
	}

	var lookupLabels []string
	var lookupAxes [][]float64
	if len(s.lookup) > 0 {
		if lookupLabels, lookupAxes, err = parseLookupAxes(s.lookup); err != nil {
			return err
		}
	}

	var sink ml.Sink
	if s.output != "" {
		fs, err := ml.OpenFileSink(s.output)
		if err != nil {
			return err
		}
		defer fs.Close()
		sink = fs
	}

	if s.residuals != "" {
		if err := os.MkdirAll(s.residuals, 0o755); err != nil {
			return fmt.Errorf("creating residuals directory: %w", err)
		}
	}

	j := &job{
		settings:     s,
		overrides:    overrides,
		lookupLabels: lookupLabels,
		lookupAxes:   lookupAxes,
		sink:         sink,
		log:          log,
	}

	startTime := time.Now()
	results := make([]*ml.Estimate, len(inputs))
	errs := make([]error, len(inputs))

	// Fit images in parallel
	sem := make(chan struct{}, s.jobs)
	var wg sync.WaitGroup
	for i, path := range inputs {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i], errs[i] = j.estimate(ctx, path)
		}(i, path)
	}
	wg.Wait()

	fmt.Printf("=== Maximum-likelihood estimates (%.1fs) ===\n", time.Since(startTime).Seconds())
	failed := 0
	for i, path := range inputs {
		if errs[i] != nil {
			failed++
			fmt.Printf("  %-30s FAILED: %v\n", filepath.Base(path), errs[i])
			continue
		}
		fmt.Printf("  %-30s %s\n", filepath.Base(path), formatEstimate(results[i]))
	}
	fmt.Println("==============================")

	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(inputs))
	}
	return nil
}

type job struct {
	*settings
	overrides    *ml.ConfigOverrides
	lookupLabels []string
	lookupAxes   [][]float64
	sink         ml.Sink
	log          logr.Logger
}

func (j *job) estimate(ctx context.Context, path string) (*ml.Estimate, error) {
	log := j.log.WithValues("image", path)

	img, keywords, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	rows, cols := img.Dims()
	log.V(logging.VERBOSE).Info("Image loaded", "rows", rows, "cols", cols)

	for k, v := range j.set {
		keywords[k] = v
	}
	switch {
	case j.noise > 0:
		keywords[ml.KeyNoise] = j.noise
	case j.estimateNoise:
		n, err := ml.EstimateNoise(img, j.clip, 1e-6, 20)
		if err != nil {
			return nil, fmt.Errorf("estimating noise: %w", err)
		}
		log.V(logging.VERBOSE).Info("Noise estimated", "estimate", n.String())
		keywords[ml.KeyNoise] = n.Sigma
	}

	opts := ml.Options{
		FitParams:     j.fit,
		SetParams:     j.overrides,
		Overrides:     keywords,
		Output:        j.sink,
		Method:        j.method,
		MaxIterations: j.maxIterations,
		Tolerance:     j.tolerance,
		Logger:        log,
	}

	if len(j.lookupLabels) > 0 {
		base, _, err := ml.BuildConfig(img, j.overrides, keywords, logr.Discard())
		if err != nil {
			return nil, err
		}
		log.V(logging.DEBUG).Info("Building lookup table", "labels", j.lookupLabels)
		if opts.Lookup, err = ml.NewLookupTable(ml.GaussianModel{}, base, j.lookupLabels, j.lookupAxes); err != nil {
			return nil, err
		}
	}

	est, err := ml.FindMLEstimate(ctx, img, ml.GaussianModel{}, opts)
	if err != nil {
		return nil, err
	}
	if j.verbosity >= logging.DEBUG {
		log.V(logging.DEBUG).Info("Effective configuration\n" + est.Config.AsYaml())
	}

	if j.residuals != "" {
		if err := writeResiduals(j.residuals, path, img, est); err != nil {
			return est, err
		}
	}
	return est, nil
}

func writeResiduals(dir, path string, img *mat.Dense, est *ml.Estimate) error {
	model, err := ml.ModelImage(est, ml.GaussianModel{})
	if err != nil {
		return err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := ml.WriteResidualsJPEG(filepath.Join(dir, stem+"_residuals.jpg"), img, model, est); err != nil {
		return err
	}
	return ml.WriteFITSFile(filepath.Join(dir, stem+"_model.fits"), model)
}

// loadImage reads a FITS or ordinary image file. FITS header values that
// name configuration keys are returned as keyword overrides.
func loadImage(path string) (*mat.Dense, map[string]any, error) {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".fits") || strings.HasSuffix(lower, ".fit") || strings.HasSuffix(lower, ".fts") {
		f, err := ml.ReadFITS(path)
		if err != nil {
			return nil, nil, err
		}
		return f.Pixels, f.Header.Keywords(), nil
	}
	img, err := loadNonFitsImage(path)
	if err != nil {
		return nil, nil, err
	}
	return img, map[string]any{}, nil
}

func formatEstimate(est *ml.Estimate) string {
	var sb strings.Builder
	for i, l := range est.Labels {
		fmt.Fprintf(&sb, "%s=%-10.5f ", l, est.Values[i])
	}
	status := est.Status.String()
	if !est.Converged() {
		status += " [NOT CONVERGED]"
	}
	fmt.Fprintf(&sb, "-lnL=%-12.5g %s", est.NegLogLikelihood, status)
	return sb.String()
}
