package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorgonia.org/tensor"
)

// Precision is the numeric precision a model is converted to.
type Precision string

// Supported conversion precisions.
const (
	PrecisionFP32 Precision = "FP32"
	PrecisionFP16 Precision = "FP16"
	PrecisionINT8 Precision = "INT8"
)

var (
	// ErrUnsupportedPrecision indicates an unknown precision string.
	ErrUnsupportedPrecision = errors.New("model: unsupported precision")
	// ErrArtifactMissing indicates the converter did not produce its topology file.
	ErrArtifactMissing = errors.New("model: converted artifact missing")
	// ErrMissingInput indicates Infer was called without a required named input.
	ErrMissingInput = errors.New("model: missing named input")
)

// ParsePrecision accepts FP32, FP16 or INT8 in any case.
func ParsePrecision(s string) (Precision, error) {
	p := Precision(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PrecisionFP32, PrecisionFP16, PrecisionINT8:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPrecision, s)
	}
}

// Representation is a deployable model: a topology file and, for formats that
// keep them apart, a weights file.
type Representation struct {
	Name      string    `json:"name"`
	Topology  string    `json:"topology"`
	Weights   string    `json:"weights,omitempty"`
	Precision Precision `json:"precision"`
}

// Engine runs a loaded Representation. Inputs and outputs are keyed by
// tensor name and use channel-first layout.
type Engine interface {
	Infer(ctx context.Context, inputs map[string]tensor.Tensor) (map[string]tensor.Tensor, error)
}
