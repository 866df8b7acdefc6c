package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ml "mlestimator/pkg/mlestimator"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, args, err := loadSettings(newFlagSet(), []string{"a.fits", "b.png"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.fits", "b.png"}, args)
	assert.Empty(t, s.fit)
	assert.Equal(t, ml.MethodNelderMead, s.method)
	assert.Equal(t, ml.DefaultMaxIterations, s.maxIterations)
	assert.Equal(t, ml.DefaultTolerance, s.tolerance)
	assert.Equal(t, 3.0, s.clip)
	assert.Equal(t, 4, s.jobs)
	assert.Zero(t, s.verbosity)
	assert.False(t, s.estimateNoise)
}

func TestLoadSettings_Flags(t *testing.T) {
	s, _, err := loadSettings(newFlagSet(), []string{
		"--fit", "size,flux",
		"--set", "size=2.5,e1=0.1",
		"--noise", "0.01",
		"--method", "bfgs",
		"--lookup", "size=1:3:21",
		"--lookup", "e1=-0.5:0.5:11",
		"-v", "2",
		"-o", "out.txt",
		"img.fits",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"size", "flux"}, s.fit)
	assert.Equal(t, map[string]string{"size": "2.5", "e1": "0.1"}, s.set)
	assert.Equal(t, 0.01, s.noise)
	assert.Equal(t, ml.MethodBFGS, s.method)
	assert.Equal(t, []string{"size=1:3:21", "e1=-0.5:0.5:11"}, s.lookup)
	assert.Equal(t, 2, s.verbosity)
	assert.Equal(t, "out.txt", s.output)
}

func TestLoadSettings_Precedence(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("jobs: 8\nmethod: bfgs\nclip: 2.5\n"), 0o644))

	t.Setenv("MLESTIMATE_CLIP", "4")
	t.Setenv("MLESTIMATE_FIT", "size,e1")

	s, _, err := loadSettings(newFlagSet(), []string{"--config", cfg, "--method", "nelder-mead"})
	require.NoError(t, err)

	assert.Equal(t, 8, s.jobs)                     // settings file
	assert.Equal(t, 4.0, s.clip)                   // env beats file
	assert.Equal(t, ml.MethodNelderMead, s.method) // flag beats file
	assert.Equal(t, []string{"size", "e1"}, s.fit) // env list is split
}

func TestLoadSettings_Errors(t *testing.T) {
	_, _, err := loadSettings(newFlagSet(), []string{"--method", "simplex"})
	assert.Error(t, err)

	_, _, err = loadSettings(newFlagSet(), []string{"--noise", "-1"})
	assert.Error(t, err)

	_, _, err = loadSettings(newFlagSet(), []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	s, _, err := loadSettings(newFlagSet(), []string{"--jobs", "0"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.jobs)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList([]string{"a, b", "", "c,"}))
	assert.Nil(t, splitList(nil))
}

func TestParseLookupAxes(t *testing.T) {
	labels, axes, err := parseLookupAxes([]string{"size=1:3:5", "e1=-0.5:0.5:3"})
	require.NoError(t, err)

	assert.Equal(t, []string{"size", "e1"}, labels)
	assert.InDeltaSlice(t, []float64{1, 1.5, 2, 2.5, 3}, axes[0], 1e-12)
	assert.InDeltaSlice(t, []float64{-0.5, 0, 0.5}, axes[1], 1e-12)

	for _, bad := range []string{"size", "size=1:3", "size=a:3:5", "size=1:b:5", "size=1:3:x", "size=3:1:5", "size=1:3:1"} {
		_, _, err := parseLookupAxes([]string{bad})
		assert.Error(t, err, bad)
	}
}
