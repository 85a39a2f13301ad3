package calib

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MinCorrespondences is the smallest number of point pairs that determines
// a planar homography.
const MinCorrespondences = 4

// rankTolerance is the relative singular-value floor below which the DLT
// system is treated as rank-deficient (collinear or duplicated points).
const rankTolerance = 1e-9

// EstimateHomography fits the 3x3 projective transform H with dst ~ H*src
// from at least four correspondences, solving the homogeneous DLT system
// in a least-squares sense via SVD. Points are Hartley-normalized before
// the solve for conditioning. The result is scaled so H[2][2] == 1.
func EstimateHomography(src, dst []Point) (Matrix3, error) {
	if len(src) != len(dst) {
		return Matrix3{}, fmt.Errorf("mismatched correspondence counts %d and %d: %w",
			len(src), len(dst), ErrInsufficientCorrespondences)
	}
	if len(src) < MinCorrespondences {
		return Matrix3{}, fmt.Errorf("need at least %d correspondences, got %d: %w",
			MinCorrespondences, len(src), ErrInsufficientCorrespondences)
	}

	normSrc, tSrc := normalizePoints(src)
	normDst, tDst := normalizePoints(dst)

	n := len(src)
	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		x, y := normSrc[i].X, normSrc[i].Y
		u, v := normDst[i].X, normDst[i].Y

		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y, -u})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y, -v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return Matrix3{}, fmt.Errorf("svd factorization failed: %w", ErrDegenerateConfiguration)
	}

	values := svd.Values(nil)
	// The solution is V column 8. With four pairs the system is 8x9 and
	// that column is the exact null space; with more pairs it carries the
	// least-squares residual. Either way the fit is ambiguous when the
	// eighth singular value also vanishes.
	if values[0] <= 0 || values[7] < rankTolerance*values[0] {
		return Matrix3{}, fmt.Errorf("correspondences are rank-deficient: %w", ErrDegenerateConfiguration)
	}

	var v mat.Dense
	svd.VTo(&v)

	var hn Matrix3
	for i := 0; i < 9; i++ {
		hn[i/3][i%3] = v.At(i, 8)
	}

	// Undo the normalization: H = Tdst^-1 * Hn * Tsrc.
	tDstInv, ok := tDst.Inverse()
	if !ok {
		return Matrix3{}, fmt.Errorf("degenerate normalization: %w", ErrDegenerateConfiguration)
	}
	h := tDstInv.Mul(hn).Mul(tSrc)

	scale := h[2][2]
	if math.Abs(scale) < 1e-12 {
		return Matrix3{}, fmt.Errorf("homography scale collapsed: %w", ErrDegenerateConfiguration)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h[r][c] /= scale
		}
	}
	return h, nil
}

// normalizePoints returns the points translated to their centroid and
// scaled so the mean distance from the origin is sqrt(2), along with the
// similarity transform that performs that mapping.
func normalizePoints(pts []Point) ([]Point, Matrix3) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	var meanDist float64
	for _, p := range pts {
		meanDist += math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist /= float64(len(pts))

	scale := 1.0
	if meanDist > 1e-12 {
		scale = math.Sqrt2 / meanDist
	}

	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{X: (p.X - cx) * scale, Y: (p.Y - cy) * scale}
	}

	t := Matrix3{
		{scale, 0, -scale * cx},
		{0, scale, -scale * cy},
		{0, 0, 1},
	}
	return out, t
}

// Inverse returns the matrix inverse via the adjugate. ok is false for a
// singular matrix.
func (m Matrix3) Inverse() (Matrix3, bool) {
	det := m.Det()
	if math.Abs(det) < 1e-15 {
		return Matrix3{}, false
	}
	inv := Matrix3{
		{
			(m[1][1]*m[2][2] - m[1][2]*m[2][1]) / det,
			(m[0][2]*m[2][1] - m[0][1]*m[2][2]) / det,
			(m[0][1]*m[1][2] - m[0][2]*m[1][1]) / det,
		},
		{
			(m[1][2]*m[2][0] - m[1][0]*m[2][2]) / det,
			(m[0][0]*m[2][2] - m[0][2]*m[2][0]) / det,
			(m[0][2]*m[1][0] - m[0][0]*m[1][2]) / det,
		},
		{
			(m[1][0]*m[2][1] - m[1][1]*m[2][0]) / det,
			(m[0][1]*m[2][0] - m[0][0]*m[2][1]) / det,
			(m[0][0]*m[1][1] - m[0][1]*m[1][0]) / det,
		},
	}
	return inv, true
}
