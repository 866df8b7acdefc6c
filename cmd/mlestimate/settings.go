package main

import (
	"fmt"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	ml "mlestimator/pkg/mlestimator"
)

const envPrefix = "MLESTIMATE"

// flagBindings maps viper keys (= env var names without prefix = config file keys) to pflag names.
var flagBindings = map[string]string{
	"FIT":            "fit",
	"PARAMS":         "params",
	"NOISE":          "noise",
	"ESTIMATE_NOISE": "estimate-noise",
	"CLIP":           "clip",
	"OUTPUT":         "output",
	"METHOD":         "method",
	"MAX_ITERATIONS": "max-iterations",
	"TOLERANCE":      "tolerance",
	"RESIDUALS":      "residuals",
	"JOBS":           "jobs",
	"V":              "v",
}

type settings struct {
	fit           []string
	set           map[string]string
	params        string
	noise         float64
	estimateNoise bool
	clip          float64
	output        string
	lookup        []string
	method        ml.Method
	maxIterations int
	tolerance     float64
	residuals     string
	jobs          int
	verbosity     int
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("mlestimate", flag.ContinueOnError)
	fs.String("config", "", "settings file (yaml, json or toml)")
	fs.StringSlice("fit", nil, "free parameters (default size,e1,e2)")
	fs.StringToString("set", nil, "parameter overrides, e.g. --set size=2.5,flux=10")
	fs.String("params", "", "YAML file of parameter overrides")
	fs.Float64("noise", 0, "per-pixel noise sigma; overrides the FITS header")
	fs.Bool("estimate-noise", false, "estimate noise from the image background")
	fs.Float64("clip", 3, "kappa for the background noise estimate")
	fs.StringP("output", "o", "", "append one result row per image to this file")
	fs.StringArray("lookup", nil, "lookup axis label=lo:hi:n (repeatable, at most twice)")
	fs.String("method", string(ml.MethodNelderMead), "minimizer: nelder-mead or bfgs")
	fs.Int("max-iterations", ml.DefaultMaxIterations, "optimizer iteration cap")
	fs.Float64("tolerance", ml.DefaultTolerance, "absolute convergence tolerance of the negative log-likelihood")
	fs.String("residuals", "", "write data/model/residual JPEG and model FITS to this directory")
	fs.Int("jobs", 4, "images fitted concurrently")
	fs.IntP("v", "v", 0, "log verbosity")
	return fs
}

// loadSettings resolves settings with precedence flags > env > settings file > defaults.
func loadSettings(fs *flag.FlagSet, args []string) (*settings, []string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	v.SetDefault("FIT", []string{})
	v.SetDefault("NOISE", 0.0)
	v.SetDefault("ESTIMATE_NOISE", false)
	v.SetDefault("CLIP", 3.0)
	v.SetDefault("METHOD", string(ml.MethodNelderMead))
	v.SetDefault("MAX_ITERATIONS", ml.DefaultMaxIterations)
	v.SetDefault("TOLERANCE", ml.DefaultTolerance)
	v.SetDefault("JOBS", 4)
	v.SetDefault("V", 0)

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("reading settings %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	for key, name := range flagBindings {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, nil, err
			}
		}
	}

	method, err := ml.ParseMethod(v.GetString("METHOD"))
	if err != nil {
		return nil, nil, err
	}
	set, err := fs.GetStringToString("set")
	if err != nil {
		return nil, nil, err
	}
	lookup, err := fs.GetStringArray("lookup")
	if err != nil {
		return nil, nil, err
	}

	s := &settings{
		fit:           splitList(v.GetStringSlice("FIT")),
		set:           set,
		params:        v.GetString("PARAMS"),
		noise:         v.GetFloat64("NOISE"),
		estimateNoise: v.GetBool("ESTIMATE_NOISE"),
		clip:          v.GetFloat64("CLIP"),
		output:        v.GetString("OUTPUT"),
		lookup:        lookup,
		method:        method,
		maxIterations: v.GetInt("MAX_ITERATIONS"),
		tolerance:     v.GetFloat64("TOLERANCE"),
		residuals:     v.GetString("RESIDUALS"),
		jobs:          v.GetInt("JOBS"),
		verbosity:     v.GetInt("V"),
	}
	if s.jobs < 1 {
		s.jobs = 1
	}
	if s.noise < 0 {
		return nil, nil, fmt.Errorf("noise must not be negative, got %g", s.noise)
	}
	return s, fs.Args(), nil
}

// splitList flattens comma separated entries, as env values arrive unsplit.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// parseLookupAxes parses label=lo:hi:n specs into evenly spaced axes.
func parseLookupAxes(specs []string) ([]string, [][]float64, error) {
	labels := make([]string, 0, len(specs))
	axes := make([][]float64, 0, len(specs))
	for _, arg := range specs {
		label, rng, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, nil, fmt.Errorf("lookup %q: expected label=lo:hi:n", arg)
		}
		parts := strings.Split(rng, ":")
		if len(parts) != 3 {
			return nil, nil, fmt.Errorf("lookup %q: expected label=lo:hi:n", arg)
		}
		lo, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup %q: %w", arg, err)
		}
		hi, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup %q: %w", arg, err)
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, nil, fmt.Errorf("lookup %q: %w", arg, err)
		}
		if n < 2 || !(hi > lo) {
			return nil, nil, fmt.Errorf("lookup %q: need hi > lo and n >= 2", arg)
		}
		axis := make([]float64, n)
		for i := range axis {
			axis[i] = lo + (hi-lo)*float64(i)/float64(n-1)
		}
		labels = append(labels, strings.TrimSpace(label))
		axes = append(axes, axis)
	}
	return labels, axes, nil
}
