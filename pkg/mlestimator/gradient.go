package mlestimator

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Gradient returns ∂/∂x of the summed negative log-likelihood, one value per
// label in the order given. The model must implement DifferentiableModel.
//
// No prior check is made; callers should not ask for gradients at trials the
// likelihood rejects.
func (e *Evaluator) Gradient(x []float64, labels []string) ([]float64, error) {
	cfg, err := e.trial(x, labels)
	if err != nil {
		return nil, err
	}

	dm, ok := e.model.(DifferentiableModel)
	if !ok {
		return nil, fmt.Errorf("%w: model %T has no analytic derivatives", ErrConfig, e.model)
	}

	model, err := e.modelImage(cfg, x, labels)
	if err != nil {
		return nil, err
	}
	derivs, err := dm.Derivatives(cfg, labels)
	if err != nil {
		return nil, fmt.Errorf("differentiating model: %w", err)
	}
	if len(derivs) != len(labels) {
		return nil, fmt.Errorf("%w: %d derivatives for %d labels", ErrModelContract, len(derivs), len(labels))
	}

	delta := mat.NewDense(e.rows, e.cols, nil)
	delta.Sub(e.image, model)

	invVar := 1 / (cfg.Noise * cfg.Noise)
	grad := make([]float64, len(labels))
	prod := mat.NewDense(e.rows, e.cols, nil)
	for k, d := range derivs {
		if d == nil {
			return nil, fmt.Errorf("%w: no derivative for %q", ErrModelContract, labels[k])
		}
		if r, c := d.Dims(); r != e.rows || c != e.cols {
			return nil, fmt.Errorf("%w: derivative for %q is %dx%d, observed image is %dx%d",
				ErrModelContract, labels[k], r, c, e.rows, e.cols)
		}
		prod.MulElem(delta, d)
		grad[k] = -mat.Sum(prod) * invVar
	}
	return grad, nil
}
