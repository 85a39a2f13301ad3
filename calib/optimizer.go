package calib

import (
	"fmt"
	"math"
)

// PitchSearchConfig holds configuration for the 1-D pitch refinement.
// Angles are in degrees.
type PitchSearchConfig struct {
	RangeDeg       float64 // Search window half-width around the starting pitch
	MinStepDeg     float64 // Stop refining once the step drops below this
	MaxEvaluations int     // Hard cap on cost evaluations
}

// DefaultPitchSearchConfig returns sensible defaults for the pitch search.
func DefaultPitchSearchConfig() PitchSearchConfig {
	return PitchSearchConfig{
		RangeDeg:       15,   // Mounting error is well under 15 degrees in practice
		MinStepDeg:     0.01, // Final resolution, far below the 0.5 degree acceptance band
		MaxEvaluations: 2000,
	}
}

// PitchResult contains the outcome of a pitch search.
type PitchResult struct {
	Pitch       float64 // Refined pitch (degrees)
	InitialCost float64 // Cost at the starting pitch
	FinalCost   float64 // Cost at the refined pitch
	Evaluations int     // Number of cost evaluations performed
	Converged   bool    // False when the evaluation cap cut the search short
}

// SearchPitch refines the camera pitch against annotated point pairs by a
// coarse sweep over the search window followed by step-halving descent.
// Only the pitch moves; every other camera parameter is held fixed. The
// returned pitch never leaves the window, and its cost never exceeds the
// starting cost.
//
// A single pair, or pairs that all share one batch and one radar depth,
// cannot separate pitch from annotation error; those inputs are rejected
// with ErrUnderdeterminedOptimization.
func SearchPitch(pairs []PointPair, cam CameraParams, cfg PitchSearchConfig) (PitchResult, error) {
	if err := checkPitchObservability(pairs); err != nil {
		return PitchResult{}, err
	}
	if cfg.RangeDeg <= 0 || cfg.MinStepDeg <= 0 {
		return PitchResult{}, fmt.Errorf("invalid search config (range=%v, minStep=%v)", cfg.RangeDeg, cfg.MinStepDeg)
	}
	if cfg.MaxEvaluations <= 0 {
		cfg.MaxEvaluations = DefaultPitchSearchConfig().MaxEvaluations
	}

	evals := 0
	cost := func(pitchDeg float64) float64 {
		evals++
		c := cam
		c.Pitch = pitchDeg
		var sum float64
		for _, pair := range pairs {
			u, v, ok := ProjectRadarToImage(pair.RadarX, pair.RadarY, c)
			if !ok {
				sum += degeneratePenalty
				continue
			}
			du := u - pair.PixelU
			dv := v - pair.PixelV
			sum += du*du + dv*dv
		}
		return sum
	}

	lo := cam.Pitch - cfg.RangeDeg
	hi := cam.Pitch + cfg.RangeDeg

	bestPitch := cam.Pitch
	bestCost := cost(cam.Pitch)
	initialCost := bestCost

	// Coarse sweep across the whole window.
	coarseStep := cfg.RangeDeg / 30
	if coarseStep < cfg.MinStepDeg {
		coarseStep = cfg.MinStepDeg
	}
	for p := lo; p <= hi+coarseStep/2 && evals < cfg.MaxEvaluations; p += coarseStep {
		if c := cost(p); c < bestCost {
			bestCost = c
			bestPitch = p
		}
	}

	// Halve the step around the best candidate until the resolution
	// floor is reached.
	step := coarseStep / 2
	for step >= cfg.MinStepDeg && evals < cfg.MaxEvaluations {
		moved := false
		for _, p := range []float64{bestPitch - step, bestPitch + step} {
			if p < lo || p > hi {
				continue
			}
			if c := cost(p); c < bestCost {
				bestCost = c
				bestPitch = p
				moved = true
			}
		}
		if !moved {
			step /= 2
		}
	}

	return PitchResult{
		Pitch:       bestPitch,
		InitialCost: initialCost,
		FinalCost:   bestCost,
		Evaluations: evals,
		Converged:   step < cfg.MinStepDeg,
	}, nil
}

// checkPitchObservability rejects pair sets that cannot constrain pitch:
// fewer than two pairs, or pairs confined to a single batch at a single
// radar depth.
func checkPitchObservability(pairs []PointPair) error {
	if len(pairs) < 2 {
		return fmt.Errorf("need at least 2 point pairs, got %d: %w",
			len(pairs), ErrUnderdeterminedOptimization)
	}

	batches := map[int]struct{}{}
	multiDepth := false
	for _, p := range pairs {
		batches[p.Batch] = struct{}{}
		if math.Abs(p.RadarY-pairs[0].RadarY) > 1e-6 {
			multiDepth = true
		}
	}
	if len(batches) < 2 && !multiDepth {
		return fmt.Errorf("pairs span one batch at one depth: %w", ErrUnderdeterminedOptimization)
	}
	return nil
}

// EffectiveSearch returns the pitch search settings with any config file
// overrides applied over the defaults.
func (c *Config) EffectiveSearch() PitchSearchConfig {
	cfg := DefaultPitchSearchConfig()
	if c.Search.RangeDeg > 0 {
		cfg.RangeDeg = c.Search.RangeDeg
	}
	if c.Search.MinStepDeg > 0 {
		cfg.MinStepDeg = c.Search.MinStepDeg
	}
	return cfg
}
