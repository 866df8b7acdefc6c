package mlestimator

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// MaxLookupParams is the largest number of free parameters a LookupTable can index.
const MaxLookupParams = 2

// LookupTable holds model images precomputed on a grid over one or two scalar
// parameters. Fetch returns the image at the grid node nearest the trial.
type LookupTable struct {
	// Enabled switches the lookup path on; a disabled table is ignored.
	Enabled bool

	labels []string
	axes   [][]float64
	images []*mat.Dense
	rows   int
	cols   int
}

// NewLookupTable renders model at every node of the grid spanned by axes,
// holding every other field of base fixed. axes[i] holds the node values of
// labels[i] in strictly increasing order. The returned table is enabled.
func NewLookupTable(model Model, base Config, labels []string, axes [][]float64) (*LookupTable, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: no model", ErrConfig)
	}
	if len(labels) == 0 || len(labels) > MaxLookupParams {
		return nil, configErrorf("lookup", labels, "a table indexes 1 to %d parameters", MaxLookupParams)
	}
	if len(axes) != len(labels) {
		return nil, configErrorf("lookup", labels, "%d axes for %d labels", len(axes), len(labels))
	}
	for i, l := range labels {
		if !IsScalarKey(l) {
			return nil, unknownParameter(l)
		}
		if err := checkAxis(axes[i]); err != nil {
			return nil, configErrorf("lookup", l, "%v", err)
		}
	}

	t := &LookupTable{
		Enabled: true,
		labels:  append([]string(nil), labels...),
		axes:    make([][]float64, len(axes)),
		rows:    base.StampSize[0],
		cols:    base.StampSize[1],
	}
	n := 1
	for i, a := range axes {
		t.axes[i] = append([]float64(nil), a...)
		n *= len(a)
	}
	t.images = make([]*mat.Dense, n)

	idx := make([]int, len(labels))
	x := make([]float64, len(labels))
	for k := 0; k < n; k++ {
		t.unflatten(k, idx)
		cfg := base.Clone()
		for i, l := range labels {
			x[i] = t.axes[i][idx[i]]
			if err := cfg.Set(l, x[i]); err != nil {
				return nil, err
			}
		}
		img, err := model.Image(cfg)
		if err != nil {
			return nil, fmt.Errorf("rendering lookup node %v=%v: %w", labels, x, err)
		}
		if img == nil {
			return nil, fmt.Errorf("%w: model returned no image", ErrModelContract)
		}
		if r, c := img.Dims(); r != t.rows || c != t.cols {
			return nil, fmt.Errorf("%w: model image is %dx%d, stamp is %dx%d", ErrModelContract, r, c, t.rows, t.cols)
		}
		t.images[k] = img
	}
	return t, nil
}

func checkAxis(a []float64) error {
	if len(a) == 0 {
		return fmt.Errorf("empty axis")
	}
	for i, v := range a {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("axis value %d is not finite", i)
		}
		if i > 0 && !(v > a[i-1]) {
			return fmt.Errorf("axis is not strictly increasing at %d", i)
		}
	}
	return nil
}

// Labels returns the parameters the table is indexed by.
func (t *LookupTable) Labels() []string {
	return append([]string(nil), t.labels...)
}

// Len returns the number of precomputed images.
func (t *LookupTable) Len() int { return len(t.images) }

// Fetch returns the image at the grid node nearest x and the node indices
// along each axis. Values beyond an axis clamp to its end. The image is shared
// with the table and must not be modified.
func (t *LookupTable) Fetch(x []float64) (*mat.Dense, []int, error) {
	if len(x) != len(t.labels) {
		return nil, nil, configErrorf("lookup", x, "%d values for table over %v", len(x), t.labels)
	}
	idx := make([]int, len(x))
	for i, v := range x {
		if math.IsNaN(v) {
			return nil, nil, configErrorf(t.labels[i], v, "cannot look up NaN")
		}
		idx[i] = nearest(t.axes[i], v)
	}
	return t.images[t.flatten(idx)], idx, nil
}

func nearest(axis []float64, v float64) int {
	j := sort.SearchFloat64s(axis, v)
	if j == 0 {
		return 0
	}
	if j == len(axis) {
		return len(axis) - 1
	}
	if v-axis[j-1] <= axis[j]-v {
		return j - 1
	}
	return j
}

func (t *LookupTable) flatten(idx []int) int {
	k := 0
	for i, j := range idx {
		k = k*len(t.axes[i]) + j
	}
	return k
}

func (t *LookupTable) unflatten(k int, idx []int) {
	for i := len(idx) - 1; i >= 0; i-- {
		n := len(t.axes[i])
		idx[i] = k % n
		k /= n
	}
}
