package mlestimator

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"mlestimator/pkg/profile"
)

// Model produces the noise-free model image for a configuration.
type Model interface {
	Image(cfg Config) (*mat.Dense, error)
}

// DifferentiableModel additionally produces first derivatives of the model
// image with respect to the named configuration keys.
type DifferentiableModel interface {
	Model
	Derivatives(cfg Config, labels []string) ([]*mat.Dense, error)
}

// GaussianModel renders Config as an elliptical Gaussian profile.
type GaussianModel struct{}

var _ DifferentiableModel = GaussianModel{}

func (GaussianModel) Image(cfg Config) (*mat.Dense, error) {
	g, grid, err := gaussianFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return g.Render(grid)
}

func (GaussianModel) Derivatives(cfg Config, labels []string) ([]*mat.Dense, error) {
	g, grid, err := gaussianFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	params := make([]profile.Param, len(labels))
	for i, l := range labels {
		params[i] = profile.Param(l)
	}
	return g.Derivatives(grid, params)
}

func gaussianFromConfig(cfg Config) (profile.Gaussian, profile.Grid, error) {
	if cfg.ModelType != ModelGaussian {
		return profile.Gaussian{}, profile.Grid{}, configErrorf(KeyModelType, cfg.ModelType, "gaussian model cannot render it")
	}
	grid, err := profile.NewGrid(cfg.StampSize[0], cfg.StampSize[1], cfg.PixelScale)
	if err != nil {
		return profile.Gaussian{}, profile.Grid{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	g := profile.Gaussian{
		Size:      cfg.Size,
		E1:        cfg.E1,
		E2:        cfg.E2,
		Flux:      cfg.Flux,
		CentroidX: cfg.Centroid[0],
		CentroidY: cfg.Centroid[1],
	}
	return g, grid, nil
}
