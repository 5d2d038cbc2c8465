package training

import (
	"github.com/vesselab/vesstrain/tensor"
)

// Default dynamic scaling constants.
const (
	defaultScale        = 65536.0
	scaleGrowthFactor   = 2.0
	scaleBackoffFactor  = 0.5
	scaleGrowthInterval = 2000
)

// LossScaler implements dynamic loss scaling for mixed precision style
// training. The loss gradient is multiplied by the current scale before
// backpropagation; parameter gradients are divided back down before the
// optimizer step. When non-finite gradients appear the step is skipped and
// the scale backs off, and after a run of good steps the scale grows.
//
// When disabled the scaler passes gradients through untouched.
type LossScaler struct {
	scale     float64
	goodSteps int
	enabled   bool
}

// NewLossScaler creates a scaler. Pass enabled=false to make every method a
// no-op, which lets the training loop treat scaled and unscaled runs
// uniformly.
func NewLossScaler(enabled bool) *LossScaler {
	return &LossScaler{
		scale:   defaultScale,
		enabled: enabled,
	}
}

// Enabled reports whether scaling is active.
func (s *LossScaler) Enabled() bool {
	return s.enabled
}

// Scale returns the current loss scale (1 when disabled).
func (s *LossScaler) Scale() float64 {
	if !s.enabled {
		return 1
	}
	return s.scale
}

// ScaleGrad multiplies a gradient tensor by the current scale in place.
func (s *LossScaler) ScaleGrad(grad *tensor.Tensor) {
	if !s.enabled {
		return
	}
	factor := float32(s.scale)
	for i := range grad.Data {
		grad.Data[i] *= factor
	}
}

// UnscaleAndCheck divides all parameter gradients by the current scale and
// reports whether every gradient is finite. On false the caller must skip
// the optimizer step and call Update(false).
func (s *LossScaler) UnscaleAndCheck(parameters []*tensor.Tensor) bool {
	if !s.enabled {
		return true
	}
	inv := float32(1.0 / s.scale)
	finite := true
	for _, param := range parameters {
		grad := param.Grad()
		if grad == nil {
			continue
		}
		for i := range grad.Data {
			grad.Data[i] *= inv
		}
		if !grad.IsFinite() {
			finite = false
		}
	}
	return finite
}

// Update adjusts the scale after a step attempt. stepped is true when the
// optimizer step was applied.
func (s *LossScaler) Update(stepped bool) {
	if !s.enabled {
		return
	}
	if !stepped {
		s.scale *= scaleBackoffFactor
		if s.scale < 1 {
			s.scale = 1
		}
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps >= scaleGrowthInterval {
		s.scale *= scaleGrowthFactor
		s.goodSteps = 0
	}
}

// State returns the scale and good-step counter for checkpointing.
func (s *LossScaler) State() (scale float64, goodSteps int) {
	return s.scale, s.goodSteps
}

// SetState restores scaler state from a checkpoint.
func (s *LossScaler) SetState(scale float64, goodSteps int) {
	if scale > 0 {
		s.scale = scale
	}
	if goodSteps >= 0 {
		s.goodSteps = goodSteps
	}
}
