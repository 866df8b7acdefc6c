package mlestimator

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks fatal configuration errors: stamp/image mismatch,
	// vector/label length mismatch, invalid overrides, lookup misuse.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidImage is returned for a nil or empty observed image.
	ErrInvalidImage = errors.New("image is nil or has no pixels")

	// ErrUnknownParameter is returned when a free-parameter label is not a
	// scalar key of Config.
	ErrUnknownParameter = errors.New("unrecognised parameter")

	// ErrModelContract is returned when a model backend violates its contract,
	// e.g. by returning an image of the wrong shape.
	ErrModelContract = errors.New("model contract violation")
)

// ConfigError describes a fatal configuration problem with one field.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func configErrorf(field string, value any, format string, args ...any) error {
	return &ConfigError{Field: field, Value: value, Reason: fmt.Sprintf(format, args...)}
}
