package calib

import "errors"

// Sentinel errors for the calibration pipeline. Expected per-point and
// per-click conditions (degenerate projection, capacity reached, click out
// of bounds, nothing to undo) are reported through boolean results instead;
// these errors cover the cases where an operation cannot produce a result
// at all.
var (
	// ErrParse marks a malformed coarse file or radar/sync JSON. Wrapped
	// with file and line context at the parse site.
	ErrParse = errors.New("parse error")

	// ErrInsufficientCorrespondences is returned when fewer than the
	// minimum four point correspondences are supplied to a homography fit
	// or a coarse calibration load.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")

	// ErrDegenerateConfiguration is returned when correspondences are
	// collinear or otherwise rank-deficient so no homography exists.
	ErrDegenerateConfiguration = errors.New("degenerate configuration")

	// ErrUnderdeterminedOptimization is returned when the pair set cannot
	// constrain the pitch search (too few pairs, or no depth/batch spread).
	ErrUnderdeterminedOptimization = errors.New("underdetermined optimization")
)
