package mlestimator

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"mlestimator/internal/logging"
)

// Configuration keys. The set is closed: overrides naming anything else are rejected.
const (
	KeySize       = "size"
	KeyE1         = "e1"
	KeyE2         = "e2"
	KeyFlux       = "flux"
	KeyCentroid   = "centroid"
	KeyStampSize  = "stamp_size"
	KeyPixelScale = "pixel_scale"
	KeyNoise      = "noise"
	KeyModelType  = "model_type"
)

// Model types.
const (
	ModelGaussian = "gaussian"
	ModelSersic   = "sersic"
)

var configKeys = []string{
	KeySize, KeyE1, KeyE2, KeyFlux, KeyCentroid, KeyStampSize, KeyPixelScale, KeyNoise, KeyModelType,
}

// Keys returns every recognised configuration key.
func Keys() []string {
	keys := make([]string, len(configKeys))
	copy(keys, configKeys)
	return keys
}

// IsKey reports whether key is a recognised configuration key.
func IsKey(key string) bool {
	for _, k := range configKeys {
		if k == key {
			return true
		}
	}
	return false
}

// IsScalarKey reports whether key can be used as a free parameter.
func IsScalarKey(key string) bool {
	switch key {
	case KeySize, KeyE1, KeyE2, KeyFlux, KeyPixelScale, KeyNoise:
		return true
	}
	return false
}

// Config fully determines a model image and its noise model.
// It holds no references, so assignment is a deep copy.
type Config struct {
	Size       float64    `yaml:"size"`
	E1         float64    `yaml:"e1"`
	E2         float64    `yaml:"e2"`
	Flux       float64    `yaml:"flux"`
	Centroid   [2]float64 `yaml:"centroid"`   // (x, y) in pixels
	StampSize  [2]int     `yaml:"stamp_size"` // (rows, cols)
	PixelScale float64    `yaml:"pixel_scale"`
	Noise      float64    `yaml:"noise"`
	ModelType  string     `yaml:"model_type"`
}

// DefaultConfig returns the built-in defaults. Centroid and stamp size are
// left zero; they are always taken from the image being fit.
func DefaultConfig() Config {
	return Config{
		Size:       1.0,
		E1:         0.0,
		E2:         0.0,
		Flux:       1.0,
		PixelScale: 1.0,
		Noise:      1.0,
		ModelType:  ModelGaussian,
	}
}

// Clone returns an independent copy of c.
func (c Config) Clone() Config { return c }

func (c Config) String() string {
	return fmt.Sprintf("{Size=%f, E1=%f, E2=%f, Flux=%f, Centroid=(%f,%f), StampSize=(%d,%d), PixelScale=%f, Noise=%f, ModelType=%s}",
		c.Size, c.E1, c.E2, c.Flux, c.Centroid[0], c.Centroid[1], c.StampSize[0], c.StampSize[1], c.PixelScale, c.Noise, c.ModelType)
}

// AsYaml renders the configuration as YAML.
func (c Config) AsYaml() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("# cannot marshal config: %v\n", err)
	}
	return string(b)
}

// Ellipticity returns sqrt(e1² + e2²).
func (c Config) Ellipticity() float64 { return math.Hypot(c.E1, c.E2) }

// Get returns the value of a scalar key.
func (c Config) Get(key string) (float64, error) {
	switch key {
	case KeySize:
		return c.Size, nil
	case KeyE1:
		return c.E1, nil
	case KeyE2:
		return c.E2, nil
	case KeyFlux:
		return c.Flux, nil
	case KeyPixelScale:
		return c.PixelScale, nil
	case KeyNoise:
		return c.Noise, nil
	}
	return 0, unknownParameter(key)
}

// Set assigns the value of a scalar key.
func (c *Config) Set(key string, v float64) error {
	switch key {
	case KeySize:
		c.Size = v
	case KeyE1:
		c.E1 = v
	case KeyE2:
		c.E2 = v
	case KeyFlux:
		c.Flux = v
	case KeyPixelScale:
		c.PixelScale = v
	case KeyNoise:
		c.Noise = v
	default:
		return unknownParameter(key)
	}
	return nil
}

func unknownParameter(key string) error {
	if IsKey(key) {
		return fmt.Errorf("%w: %q is not a scalar parameter", ErrUnknownParameter, key)
	}
	return fmt.Errorf("%w: %q (accepted: %s)", ErrUnknownParameter, key, strings.Join(configKeys, ", "))
}

// Values extracts the values of the given scalar keys, in order.
func (c Config) Values(labels []string) ([]float64, error) {
	x := make([]float64, len(labels))
	for i, l := range labels {
		v, err := c.Get(l)
		if err != nil {
			return nil, err
		}
		x[i] = v
	}
	return x, nil
}

// Validate checks the fields that must hold for every evaluation. Size and
// ellipticity are not checked here; the likelihood treats them as a prior.
func (c Config) Validate() error {
	if !(c.Noise > 0) || math.IsInf(c.Noise, 0) {
		return configErrorf(KeyNoise, c.Noise, "must be positive and finite")
	}
	if !(c.PixelScale > 0) || math.IsInf(c.PixelScale, 0) {
		return configErrorf(KeyPixelScale, c.PixelScale, "must be positive and finite")
	}
	switch c.ModelType {
	case ModelGaussian:
	case ModelSersic:
		return configErrorf(KeyModelType, c.ModelType, "not implemented")
	default:
		return configErrorf(KeyModelType, c.ModelType, "unknown model type")
	}
	return nil
}

// ConfigOverrides is a full or partial set of values layered over the
// defaults. Nil fields leave the underlying value untouched.
type ConfigOverrides struct {
	Size       *float64    `yaml:"size,omitempty"`
	E1         *float64    `yaml:"e1,omitempty"`
	E2         *float64    `yaml:"e2,omitempty"`
	Flux       *float64    `yaml:"flux,omitempty"`
	Centroid   *[2]float64 `yaml:"centroid,omitempty"`
	StampSize  *[2]int     `yaml:"stamp_size,omitempty"`
	PixelScale *float64    `yaml:"pixel_scale,omitempty"`
	Noise      *float64    `yaml:"noise,omitempty"`
	ModelType  *string     `yaml:"model_type,omitempty"`
}

// ApplyTo writes every non-nil field of o into c.
func (o *ConfigOverrides) ApplyTo(c *Config) {
	if o == nil {
		return
	}
	if o.Size != nil {
		c.Size = *o.Size
	}
	if o.E1 != nil {
		c.E1 = *o.E1
	}
	if o.E2 != nil {
		c.E2 = *o.E2
	}
	if o.Flux != nil {
		c.Flux = *o.Flux
	}
	if o.Centroid != nil {
		c.Centroid = *o.Centroid
	}
	if o.StampSize != nil {
		c.StampSize = *o.StampSize
	}
	if o.PixelScale != nil {
		c.PixelScale = *o.PixelScale
	}
	if o.Noise != nil {
		c.Noise = *o.Noise
	}
	if o.ModelType != nil {
		c.ModelType = *o.ModelType
	}
}

// LoadOverrides reads a YAML override file. Unknown fields are an error.
func LoadOverrides(path string) (*ConfigOverrides, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening overrides: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	o := &ConfigOverrides{}
	if err := dec.Decode(o); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrConfig, path, err)
	}
	return o, nil
}

// BuildConfig merges defaults, set and keywords, in increasing precedence,
// then derives stamp size and centroid from img. Keywords that are not
// configuration keys are skipped and returned; a keyword whose value does not
// fit its key is a fatal error.
func BuildConfig(img mat.Matrix, set *ConfigOverrides, keywords map[string]any, log logr.Logger) (Config, []string, error) {
	if img == nil {
		return Config{}, nil, ErrInvalidImage
	}
	rows, cols := img.Dims()
	if rows == 0 || cols == 0 {
		return Config{}, nil, ErrInvalidImage
	}

	cfg := DefaultConfig()
	set.ApplyTo(&cfg)

	names := make([]string, 0, len(keywords))
	for k := range keywords {
		names = append(names, k)
	}
	sort.Strings(names)

	var rejected []string
	for _, k := range names {
		if !IsKey(k) {
			log.Info("Initial parameter keyword not recognised", "keyword", k)
			rejected = append(rejected, k)
			continue
		}
		if err := cfg.setAny(k, keywords[k]); err != nil {
			return Config{}, rejected, err
		}
	}
	if len(rejected) > 0 {
		log.V(logging.VERBOSE).Info("Acceptable keywords", "keys", configKeys, "rejected", len(rejected))
	}

	cfg.StampSize = [2]int{rows, cols}
	cfg.Centroid = [2]float64{float64(cols) / 2, float64(rows) / 2}

	if err := cfg.Validate(); err != nil {
		return Config{}, rejected, err
	}
	return cfg, rejected, nil
}

// setAny assigns a keyword override of dynamic type, parsing strings.
func (c *Config) setAny(key string, value any) error {
	switch key {
	case KeyCentroid:
		pair, err := toFloatPair(value)
		if err != nil {
			return configErrorf(key, value, "%v", err)
		}
		c.Centroid = pair
		return nil
	case KeyStampSize:
		pair, err := toFloatPair(value)
		if err != nil {
			return configErrorf(key, value, "%v", err)
		}
		if pair[0] != math.Trunc(pair[0]) || pair[1] != math.Trunc(pair[1]) {
			return configErrorf(key, value, "must be integral")
		}
		c.StampSize = [2]int{int(pair[0]), int(pair[1])}
		return nil
	case KeyModelType:
		s, ok := value.(string)
		if !ok {
			return configErrorf(key, value, "expected a string, got %T", value)
		}
		c.ModelType = strings.ToLower(strings.TrimSpace(s))
		return nil
	}

	v, err := toFloat(value)
	if err != nil {
		return configErrorf(key, value, "%v", err)
	}
	return c.Set(key, v)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number: %w", err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected a number, got %T", value)
}

func toFloatPair(value any) ([2]float64, error) {
	var parts []any
	switch v := value.(type) {
	case [2]float64:
		return v, nil
	case [2]int:
		return [2]float64{float64(v[0]), float64(v[1])}, nil
	case []float64:
		for _, f := range v {
			parts = append(parts, f)
		}
	case []int:
		for _, i := range v {
			parts = append(parts, i)
		}
	case []any:
		parts = v
	case string:
		for _, s := range strings.Split(strings.Trim(v, "()[] "), ",") {
			parts = append(parts, s)
		}
	default:
		return [2]float64{}, fmt.Errorf("expected a pair, got %T", value)
	}
	if len(parts) != 2 {
		return [2]float64{}, fmt.Errorf("expected 2 values, got %d", len(parts))
	}
	var pair [2]float64
	for i, p := range parts {
		f, err := toFloat(p)
		if err != nil {
			return [2]float64{}, err
		}
		pair[i] = f
	}
	return pair, nil
}
