package calib

import (
	"errors"
	"math"
	"testing"
)

// projectLane builds an image lane by projecting a metric ground segment.
func projectLane(t *testing.T, cam CameraParams, x float64, yNear, yFar float64) Lane {
	t.Helper()
	su, sv, ok := ProjectRadarToImage(x, yNear, cam)
	if !ok {
		t.Fatalf("near endpoint (%v, %v) does not project", x, yNear)
	}
	eu, ev, ok := ProjectRadarToImage(x, yFar, cam)
	if !ok {
		t.Fatalf("far endpoint (%v, %v) does not project", x, yFar)
	}
	return Lane{StartU: su, StartV: sv, EndU: eu, EndV: ev}
}

func TestEstimatePitchFromLanes(t *testing.T) {
	cam := DefaultCameraParams()
	cam.Pitch = 5

	// Two painted lane edges 3.6 m apart, running straight ahead.
	lanes := []Lane{
		projectLane(t, cam, -1.8, 10, 50),
		projectLane(t, cam, 1.8, 12, 45),
	}

	pitch, err := EstimatePitchFromLanes(lanes, cam)
	if err != nil {
		t.Fatalf("EstimatePitchFromLanes: %v", err)
	}
	if !almostEqual(pitch, 5, 1e-6) {
		t.Errorf("pitch = %v, want 5", pitch)
	}
}

func TestEstimatePitchFromLanesThreeLanes(t *testing.T) {
	cam := DefaultCameraParams()
	cam.Pitch = -2.5

	lanes := []Lane{
		projectLane(t, cam, -5.4, 15, 55),
		projectLane(t, cam, -1.8, 10, 50),
		projectLane(t, cam, 1.8, 18, 40),
	}

	pitch, err := EstimatePitchFromLanes(lanes, cam)
	if err != nil {
		t.Fatalf("EstimatePitchFromLanes: %v", err)
	}
	if !almostEqual(pitch, -2.5, 1e-6) {
		t.Errorf("pitch = %v, want -2.5", pitch)
	}
}

func TestEstimatePitchFromLanesKnownVanishingPoint(t *testing.T) {
	cam := DefaultCameraParams()

	// Two segments whose infinite lines cross at (640, 300).
	lanes := []Lane{
		{StartU: 400, StartV: 900, EndU: 520, EndV: 600},
		{StartU: 1000, StartV: 900, EndU: 820, EndV: 600},
	}

	pitch, err := EstimatePitchFromLanes(lanes, cam)
	if err != nil {
		t.Fatalf("EstimatePitchFromLanes: %v", err)
	}
	want := math.Atan2(cam.Cy-300, cam.Fy) * 180 / math.Pi
	if !almostEqual(pitch, want, 1e-9) {
		t.Errorf("pitch = %v, want %v", pitch, want)
	}
}

func TestEstimatePitchFromLanesErrors(t *testing.T) {
	cam := DefaultCameraParams()

	t.Run("single lane", func(t *testing.T) {
		lanes := []Lane{{StartU: 100, StartV: 900, EndU: 300, EndV: 500}}
		_, err := EstimatePitchFromLanes(lanes, cam)
		if !errors.Is(err, ErrUnderdeterminedOptimization) {
			t.Errorf("error = %v, want ErrUnderdeterminedOptimization", err)
		}
	})

	t.Run("parallel lanes", func(t *testing.T) {
		lanes := []Lane{
			{StartU: 100, StartV: 900, EndU: 100, EndV: 500},
			{StartU: 400, StartV: 900, EndU: 400, EndV: 500},
		}
		_, err := EstimatePitchFromLanes(lanes, cam)
		if !errors.Is(err, ErrUnderdeterminedOptimization) {
			t.Errorf("error = %v, want ErrUnderdeterminedOptimization", err)
		}
	})

	t.Run("zero-length lane", func(t *testing.T) {
		lanes := []Lane{
			{StartU: 100, StartV: 900, EndU: 100, EndV: 900},
			{StartU: 400, StartV: 900, EndU: 420, EndV: 500},
		}
		_, err := EstimatePitchFromLanes(lanes, cam)
		if !errors.Is(err, ErrUnderdeterminedOptimization) {
			t.Errorf("error = %v, want ErrUnderdeterminedOptimization", err)
		}
	})
}

func TestUnifyLanesMergesDuplicates(t *testing.T) {
	// The same painted line annotated in three batches with small
	// jitter, plus one clearly separate lane.
	lanes := []Lane{
		{Batch: 0, StartU: 400, StartV: 900, EndU: 520, EndV: 600},
		{Batch: 1, StartU: 403, StartV: 897, EndU: 523, EndV: 603},
		{Batch: 2, StartU: 398, StartV: 902, EndU: 518, EndV: 598},
		{Batch: 0, StartU: 1000, StartV: 900, EndU: 820, EndV: 600},
	}

	merged := UnifyLanes(lanes)
	if len(merged) != 2 {
		t.Fatalf("got %d merged lanes, want 2", len(merged))
	}

	m := merged[0]
	if m.Batch != 0 {
		t.Errorf("merged batch = %d, want 0 (first member)", m.Batch)
	}
	if !almostEqual(m.StartU, 400, 1e-9) || !almostEqual(m.StartV, 900, 1e-9) {
		t.Errorf("merged start = (%v, %v), want (400, 900)", m.StartU, m.StartV)
	}
	if !almostEqual(m.EndU, 520, 1e-9) || !almostEqual(m.EndV, 600, 1e-9) {
		t.Errorf("merged end = (%v, %v), want (520, 600)", m.EndU, m.EndV)
	}
}

func TestUnifyLanesDirectionAgnostic(t *testing.T) {
	lanes := []Lane{
		{StartU: 400, StartV: 900, EndU: 520, EndV: 600},
		{StartU: 520, StartV: 600, EndU: 400, EndV: 900}, // same lane, reversed
	}

	merged := UnifyLanes(lanes)
	if len(merged) != 1 {
		t.Fatalf("got %d merged lanes, want 1", len(merged))
	}
	// Canonical orientation: start is the lower image point.
	if merged[0].StartV < merged[0].EndV {
		t.Errorf("merged lane not oriented bottom-up: %+v", merged[0])
	}
}

func TestUnifyLanesKeepsDistinctHeadings(t *testing.T) {
	// Same midpoint, very different headings: never merge.
	lanes := []Lane{
		{StartU: 600, StartV: 800, EndU: 680, EndV: 500},
		{StartU: 500, StartV: 660, EndU: 780, EndV: 640},
	}

	merged := UnifyLanes(lanes)
	if len(merged) != 2 {
		t.Fatalf("got %d merged lanes, want 2", len(merged))
	}
}

func TestUnifyLanesEmpty(t *testing.T) {
	if got := UnifyLanes(nil); got != nil {
		t.Errorf("UnifyLanes(nil) = %+v, want nil", got)
	}
}

func TestLaneLineString(t *testing.T) {
	ls := LaneLineString(Lane{StartU: 1, StartV: 2, EndU: 3, EndV: 4})
	if len(ls) != 2 || ls[0][0] != 1 || ls[0][1] != 2 || ls[1][0] != 3 || ls[1][1] != 4 {
		t.Errorf("line string = %+v", ls)
	}
}
