package metrics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"segbench/internal/volume"
)

// DefaultSmooth keeps the score defined when both masks are empty.
const DefaultSmooth = 1e-4

var (
	// ErrShapeMismatch indicates target and prediction cover different grids.
	ErrShapeMismatch = errors.New("metrics: target and prediction shapes differ")
	// ErrInvalidSmoothing indicates a smoothing constant that is not a positive finite number.
	ErrInvalidSmoothing = errors.New("metrics: smoothing constant must be > 0")
	// ErrValueOutOfRange indicates a mask value outside [0,1] or NaN.
	ErrValueOutOfRange = errors.New("metrics: mask value outside [0,1]")
)

// OverlapScore returns the Dice coefficient between target and prediction
// after rounding prediction to {0,1} (values >= 0.5 become 1).
func OverlapScore(target, prediction []float64, smooth float64) (float64, error) {
	if len(target) != len(prediction) {
		return 0, fmt.Errorf("%w: %d vs %d elements", ErrShapeMismatch, len(target), len(prediction))
	}
	if err := validate(target, prediction, smooth); err != nil {
		return 0, err
	}
	return dice(target, threshold(prediction), smooth), nil
}

// SoftOverlapScore returns the Dice coefficient on continuous predictions.
func SoftOverlapScore(target, prediction []float64, smooth float64) (float64, error) {
	if len(target) != len(prediction) {
		return 0, fmt.Errorf("%w: %d vs %d elements", ErrShapeMismatch, len(target), len(prediction))
	}
	if err := validate(target, prediction, smooth); err != nil {
		return 0, err
	}
	return dice(target, prediction, smooth), nil
}

// Dice is OverlapScore over volumes; shapes must match exactly.
func Dice(target, prediction *volume.Volume, smooth float64) (float64, error) {
	if err := sameShape(target, prediction); err != nil {
		return 0, err
	}
	return OverlapScore(target.Data, prediction.Data, smooth)
}

// SoftDice is SoftOverlapScore over volumes.
func SoftDice(target, prediction *volume.Volume, smooth float64) (float64, error) {
	if err := sameShape(target, prediction); err != nil {
		return 0, err
	}
	return SoftOverlapScore(target.Data, prediction.Data, smooth)
}

func sameShape(target, prediction *volume.Volume) error {
	if target == nil || prediction == nil {
		return fmt.Errorf("%w: nil volume", ErrShapeMismatch)
	}
	if !target.SameShape(prediction) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, target.Shape, prediction.Shape)
	}
	return nil
}

func validate(target, prediction []float64, smooth float64) error {
	if !(smooth > 0) || math.IsInf(smooth, 0) {
		return fmt.Errorf("%w: got %g", ErrInvalidSmoothing, smooth)
	}
	if i, ok := firstOutOfRange(target); ok {
		return fmt.Errorf("%w: target[%d]=%g", ErrValueOutOfRange, i, target[i])
	}
	if i, ok := firstOutOfRange(prediction); ok {
		return fmt.Errorf("%w: prediction[%d]=%g", ErrValueOutOfRange, i, prediction[i])
	}
	return nil
}

func firstOutOfRange(xs []float64) (int, bool) {
	for i, x := range xs {
		// NaN fails both comparisons
		if !(x >= 0 && x <= 1) {
			return i, true
		}
	}
	return 0, false
}

func threshold(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		if x >= 0.5 {
			out[i] = 1
		}
	}
	return out
}

func dice(target, prediction []float64, smooth float64) float64 {
	numerator := 2*floats.Dot(target, prediction) + smooth
	denominator := floats.Sum(target) + floats.Sum(prediction) + smooth
	return numerator / denominator
}
