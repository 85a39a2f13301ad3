package calib

import "math"

// DepthEpsilon is the minimum camera-frame depth for a projection to be
// usable. Points at or below it are behind (or grazing) the image plane
// and must be skipped by callers.
const DepthEpsilon = 1e-6

// degToRad converts degrees to radians.
func degToRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// cameraRotation builds the row-major world-to-camera rotation from the
// camera's yaw, pitch and roll (degrees). The base axis mapping places
// camera x right, y down, z forward over a radar frame with X lateral,
// Y forward, Z up; yaw is applied first, then pitch, then roll.
func cameraRotation(pitchDeg, rollDeg, yawDeg float64) [9]float64 {
	pitch := degToRad(pitchDeg)
	roll := degToRad(rollDeg)
	yaw := degToRad(yawDeg)

	sp, cp := math.Sincos(pitch)
	sr, cr := math.Sincos(roll)
	sy, cy := math.Sincos(yaw)

	// Yaw about the camera y (vertical) axis.
	ryaw := [9]float64{
		cy, 0, -sy,
		0, 1, 0,
		sy, 0, cy,
	}
	// Pitch about the camera x (lateral) axis; positive tilts down.
	rpitch := [9]float64{
		1, 0, 0,
		0, cp, -sp,
		0, sp, cp,
	}
	// Roll about the camera z (optical) axis.
	rroll := [9]float64{
		cr, -sr, 0,
		sr, cr, 0,
		0, 0, 1,
	}

	return mul3x3(rroll, mul3x3(rpitch, ryaw))
}

// mul3x3 multiplies two row-major 3x3 matrices.
func mul3x3(a, b [9]float64) [9]float64 {
	var out [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = a[r*3]*b[c] + a[r*3+1]*b[3+c] + a[r*3+2]*b[6+c]
		}
	}
	return out
}

// ProjectRadarToImage maps a radar ground point (rx lateral, ry forward,
// meters) to image pixels under the given camera parameters. ok is false
// when the point lands at or behind the image plane (depth <= DepthEpsilon);
// callers skip such points and keep projecting the rest of the batch.
func ProjectRadarToImage(rx, ry float64, cam CameraParams) (u, v float64, ok bool) {
	// Base mapping: camera at (0, 0, Height) looking along +Y.
	// Camera frame before rotation: x right, y down, z forward.
	x := rx
	y := cam.Height
	z := ry

	r := cameraRotation(cam.Pitch, cam.Roll, cam.Yaw)
	xc := r[0]*x + r[1]*y + r[2]*z
	yc := r[3]*x + r[4]*y + r[5]*z
	zc := r[6]*x + r[7]*y + r[8]*z

	if zc <= DepthEpsilon {
		return 0, 0, false
	}

	u = cam.Fx*xc/zc + cam.Cx
	v = cam.Fy*yc/zc + cam.Cy
	return u, v, true
}

// RadarToBEV maps a radar ground point into the BEV plane by applying the
// radar mount yaw and metric offsets. Both frames are in meters.
func RadarToBEV(rx, ry float64, rp RadarParams) (bx, by float64) {
	s, c := math.Sincos(degToRad(rp.Yaw))
	bx = c*rx - s*ry + rp.XOffset
	by = s*rx + c*ry + rp.YOffset
	return bx, by
}

// ImageToBEV maps an image pixel into the BEV plane through the
// camera-to-BEV homography. ok is false when the homogeneous scale
// collapses (point maps to the line at infinity).
func ImageToBEV(u, v float64, h Matrix3) (bx, by float64, ok bool) {
	return h.Apply(u, v)
}

// Apply multiplies the projective matrix with (x, y, 1) and dehomogenizes.
// ok is false when the homogeneous w is ~0.
func (m Matrix3) Apply(x, y float64) (float64, float64, bool) {
	w := m[2][0]*x + m[2][1]*y + m[2][2]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	px := (m[0][0]*x + m[0][1]*y + m[0][2]) / w
	py := (m[1][0]*x + m[1][1]*y + m[1][2]) / w
	return px, py, true
}

// Mul returns the matrix product m * n.
func (m Matrix3) Mul(n Matrix3) Matrix3 {
	var out Matrix3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = m[r][0]*n[0][c] + m[r][1]*n[1][c] + m[r][2]*n[2][c]
		}
	}
	return out
}

// Det returns the determinant.
func (m Matrix3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// ReprojectionError returns the pixel distance between a pair's clicked
// position and the radar point projected under cam. ok is false for a
// degenerate projection.
func ReprojectionError(pair PointPair, cam CameraParams) (float64, bool) {
	u, v, ok := ProjectRadarToImage(pair.RadarX, pair.RadarY, cam)
	if !ok {
		return 0, false
	}
	du := u - pair.PixelU
	dv := v - pair.PixelV
	return math.Hypot(du, dv), true
}
