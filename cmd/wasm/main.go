//go:build js && wasm

package main

import (
	"context"
	"sync"
	"syscall/js"

	"gonum.org/v1/gonum/mat"

	ml "mlestimator/pkg/mlestimator"
)

var (
	mu           sync.Mutex
	lastObserved *mat.Dense
	lastEstimate *ml.Estimate
)

func main() {
	js.Global().Set("fitFITS", js.FuncOf(fitFITS))
	js.Global().Set("renderResiduals", js.FuncOf(renderResiduals))
	select {} // block forever
}

func fitFITS(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("usage: fitFITS(fileBytes, options)")
	}

	jsBytes := args[0]
	fileBytes := make([]byte, jsBytes.Get("length").Int())
	js.CopyBytesToGo(fileBytes, jsBytes)

	fitsData, err := ml.ReadFITSBytes(fileBytes)
	if err != nil {
		return errorResult("FITS parse error: " + err.Error())
	}
	img := fitsData.Pixels
	keywords := fitsData.Header.Keywords()

	opts := ml.Options{}
	estimateNoise := false
	if len(args) >= 2 && args[1].Type() == js.TypeObject {
		o := args[1]
		if v := o.Get("fit"); v.Type() == js.TypeObject {
			for i := 0; i < v.Length(); i++ {
				opts.FitParams = append(opts.FitParams, v.Index(i).String())
			}
		}
		if v := o.Get("noise"); v.Type() == js.TypeNumber && v.Float() > 0 {
			keywords[ml.KeyNoise] = v.Float()
		}
		if v := o.Get("estimateNoise"); v.Type() == js.TypeBoolean {
			estimateNoise = v.Bool()
		}
		if v := o.Get("method"); v.Type() == js.TypeString {
			if opts.Method, err = ml.ParseMethod(v.String()); err != nil {
				return errorResult(err.Error())
			}
		}
		if v := o.Get("maxIterations"); v.Type() == js.TypeNumber {
			opts.MaxIterations = v.Int()
		}
	}

	if estimateNoise {
		n, err := ml.EstimateNoise(img, 3, 1e-6, 20)
		if err != nil {
			return errorResult("Noise estimate error: " + err.Error())
		}
		keywords[ml.KeyNoise] = n.Sigma
	}
	opts.Overrides = keywords

	est, err := ml.FindMLEstimate(context.Background(), img, ml.GaussianModel{}, opts)
	if err != nil {
		return errorResult("Fit error: " + err.Error())
	}

	mu.Lock()
	lastObserved = img
	lastEstimate = est
	mu.Unlock()

	rows, cols := img.Dims()
	values := make(map[string]interface{}, len(est.Labels))
	for i, l := range est.Labels {
		values[l] = est.Values[i]
	}
	return js.ValueOf(map[string]interface{}{
		"width":            cols,
		"height":           rows,
		"values":           values,
		"negLogLikelihood": est.NegLogLikelihood,
		"status":           est.Status.String(),
		"converged":        est.Converged(),
		"evaluations":      est.FuncEvaluations,
		"iterations":       est.MajorIterations,
		"noise":            est.Config.Noise,
		"pixelScale":       est.Config.PixelScale,
	})
}

func renderResiduals(this js.Value, args []js.Value) interface{} {
	mu.Lock()
	observed, est := lastObserved, lastEstimate
	mu.Unlock()
	if est == nil {
		return js.Null()
	}

	model, err := ml.ModelImage(est, ml.GaussianModel{})
	if err != nil {
		return js.Null()
	}
	jpegBytes, err := ml.EncodeResidualsJPEG(observed, model, est)
	if err != nil {
		return js.Null()
	}

	// Create Uint8Array and copy bytes
	uint8Array := js.Global().Get("Uint8Array").New(len(jpegBytes))
	js.CopyBytesToJS(uint8Array, jpegBytes)
	return uint8Array
}

func errorResult(msg string) interface{} {
	return js.ValueOf(map[string]interface{}{
		"error": msg,
	})
}
