package calib

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// DefaultLaneClusterDistance is the maximum distance (in pixels) between
// lane midpoints for them to be grouped into the same cluster.
const DefaultLaneClusterDistance = 40.0

// DefaultLaneClusterAngle is the maximum heading difference (degrees)
// between lanes in one cluster.
const DefaultLaneClusterAngle = 10.0

// LaneLineString returns the lane as an orb line in image coordinates.
func LaneLineString(l Lane) orb.LineString {
	return orb.LineString{{l.StartU, l.StartV}, {l.EndU, l.EndV}}
}

// UnifyLanes clusters near-duplicate lane annotations (the same painted
// line marked across several batches) and returns one median lane per
// cluster, in first-seen order.
func UnifyLanes(lanes []Lane) []Lane {
	return UnifyLanesWithOptions(lanes, DefaultLaneClusterDistance, DefaultLaneClusterAngle)
}

// UnifyLanesWithOptions is like UnifyLanes but accepts custom clustering
// distance (pixels) and heading tolerance (degrees).
func UnifyLanesWithOptions(lanes []Lane, clusterDist, maxAngleDeg float64) []Lane {
	if len(lanes) == 0 {
		return nil
	}

	// Orient every lane the same way before comparing or merging, so
	// start/end ordering chosen while clicking does not matter.
	oriented := make([]Lane, len(lanes))
	for i, l := range lanes {
		oriented[i] = orientLane(l)
	}

	var clusters [][]Lane
	for _, l := range oriented {
		placed := false
		for i, cluster := range clusters {
			if laneMidDistance(cluster[0], l) <= clusterDist &&
				laneAngleDiff(cluster[0], l) <= maxAngleDeg {
				clusters[i] = append(cluster, l)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []Lane{l})
		}
	}

	merged := make([]Lane, 0, len(clusters))
	for _, cluster := range clusters {
		merged = append(merged, medianLane(cluster))
	}
	return merged
}

// EstimatePitchFromLanes recovers the camera pitch from annotated lane
// lines. Parallel road lanes meet at the image vanishing point, whose
// row fixes the horizon: pitch = atan((cy - v_vp) / fy). At least two
// lanes with distinct image headings are required.
func EstimatePitchFromLanes(lanes []Lane, cam CameraParams) (float64, error) {
	if len(lanes) < 2 {
		return 0, fmt.Errorf("need at least 2 lane lines, got %d: %w",
			len(lanes), ErrUnderdeterminedOptimization)
	}

	vp, ok := vanishingPoint(lanes)
	if !ok {
		return 0, fmt.Errorf("lane lines are parallel in the image: %w",
			ErrUnderdeterminedOptimization)
	}

	pitch := math.Atan2(cam.Cy-vp[1], cam.Fy) * 180 / math.Pi
	return pitch, nil
}

// vanishingPoint intersects every pair of lane lines and returns the
// coordinate-wise median of the intersections. ok is false when no pair
// of lanes crosses.
func vanishingPoint(lanes []Lane) (orb.Point, bool) {
	var xs, ys []float64
	for i := 0; i < len(lanes); i++ {
		for j := i + 1; j < len(lanes); j++ {
			p, ok := intersectLanes(lanes[i], lanes[j])
			if !ok {
				continue
			}
			xs = append(xs, p[0])
			ys = append(ys, p[1])
		}
	}
	if len(xs) == 0 {
		return orb.Point{}, false
	}

	sort.Float64s(xs)
	sort.Float64s(ys)
	return orb.Point{median(xs), median(ys)}, true
}

// intersectLanes intersects the infinite lines through two lane segments
// using homogeneous coordinates. ok is false for (near-)parallel lines
// or degenerate zero-length segments.
func intersectLanes(a, b Lane) (orb.Point, bool) {
	la := homogeneousLine(a)
	lb := homogeneousLine(b)

	// Cross product of the two lines is their intersection point.
	x := la[1]*lb[2] - la[2]*lb[1]
	y := la[2]*lb[0] - la[0]*lb[2]
	w := la[0]*lb[1] - la[1]*lb[0]

	norm := math.Max(math.Abs(x), math.Abs(y))
	if math.Abs(w) < 1e-9*math.Max(norm, 1) {
		return orb.Point{}, false
	}
	return orb.Point{x / w, y / w}, true
}

// homogeneousLine returns the line through the lane's endpoints as
// (a, b, c) with ax + by + c = 0.
func homogeneousLine(l Lane) [3]float64 {
	return [3]float64{
		l.StartV - l.EndV,
		l.EndU - l.StartU,
		l.StartU*l.EndV - l.StartV*l.EndU,
	}
}

// orientLane flips a lane if needed so the start is the lower (nearer)
// image point.
func orientLane(l Lane) Lane {
	if l.StartV < l.EndV {
		l.StartU, l.EndU = l.EndU, l.StartU
		l.StartV, l.EndV = l.EndV, l.StartV
	}
	return l
}

func laneMidDistance(a, b Lane) float64 {
	am := orb.Point{(a.StartU + a.EndU) / 2, (a.StartV + a.EndV) / 2}
	bm := orb.Point{(b.StartU + b.EndU) / 2, (b.StartV + b.EndV) / 2}
	return planar.Distance(am, bm)
}

// laneAngleDiff returns the unsigned heading difference in degrees,
// ignoring direction (a lane and its reverse have zero difference).
func laneAngleDiff(a, b Lane) float64 {
	aa := math.Atan2(a.EndV-a.StartV, a.EndU-a.StartU)
	ba := math.Atan2(b.EndV-b.StartV, b.EndU-b.StartU)
	diff := math.Abs(aa-ba) * 180 / math.Pi
	for diff > 180 {
		diff = math.Abs(diff - 360)
	}
	if diff > 90 {
		diff = 180 - diff
	}
	return diff
}

// medianLane merges a cluster into its coordinate-wise median lane. The
// batch tag of the first (earliest) member is kept.
func medianLane(cluster []Lane) Lane {
	if len(cluster) == 1 {
		return cluster[0]
	}

	su := make([]float64, len(cluster))
	sv := make([]float64, len(cluster))
	eu := make([]float64, len(cluster))
	ev := make([]float64, len(cluster))
	for i, l := range cluster {
		su[i] = l.StartU
		sv[i] = l.StartV
		eu[i] = l.EndU
		ev[i] = l.EndV
	}
	sort.Float64s(su)
	sort.Float64s(sv)
	sort.Float64s(eu)
	sort.Float64s(ev)

	return Lane{
		Batch:  cluster[0].Batch,
		StartU: median(su),
		StartV: median(sv),
		EndU:   median(eu),
		EndV:   median(ev),
	}
}

// median of a sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
