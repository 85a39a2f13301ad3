package calib

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
)

// timestampLayout is the compact timestamp used in calibration records
// and export filenames.
const timestampLayout = "20060102_150405"

// degeneratePenalty is added to the fit cost for every record that
// projects behind the image plane, steering the search back to poses
// that see all survey points.
const degeneratePenalty = 1e6

// ProjectedTarget is a radar target together with its image projection.
type ProjectedTarget struct {
	Target RadarTarget `json:"target"`
	U      float64     `json:"u"`
	V      float64     `json:"v"`
}

// CalibrationStore holds the current camera and radar parameters and
// lazily derives the radar-to-BEV and camera-to-BEV homographies from
// the loaded coarse correspondences. Safe for concurrent use.
type CalibrationStore struct {
	mu     sync.RWMutex
	camera CameraParams
	radar  RadarParams
	coarse []CoarseRecord

	// Homography cache, rebuilt on demand after any parameter or
	// correspondence change.
	dirty       bool
	radarToBEV  *Matrix3
	cameraToBEV *Matrix3
}

// NewCalibrationStore creates a store seeded with the given parameters.
func NewCalibrationStore(cam CameraParams, rad RadarParams) *CalibrationStore {
	return &CalibrationStore{
		camera: cam,
		radar:  rad,
		dirty:  true,
	}
}

// Camera returns the current camera parameters.
func (s *CalibrationStore) Camera() CameraParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.camera
}

// Radar returns the current radar mount parameters.
func (s *CalibrationStore) Radar() RadarParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.radar
}

// SetCamera replaces the camera parameters and invalidates the
// homography cache.
func (s *CalibrationStore) SetCamera(cam CameraParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera = cam
	s.dirty = true
}

// SetRadar replaces the radar mount parameters and invalidates the
// homography cache.
func (s *CalibrationStore) SetRadar(rad RadarParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.radar = rad
	s.dirty = true
}

// SetPitch updates only the camera pitch (degrees). Used by the pitch
// search to apply a refined value.
func (s *CalibrationStore) SetPitch(pitchDeg float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera.Pitch = pitchDeg
	s.dirty = true
}

// Records returns a copy of the loaded coarse correspondences.
func (s *CalibrationStore) Records() []CoarseRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CoarseRecord, len(s.coarse))
	copy(out, s.coarse)
	return out
}

// LoadCoarse reads a coarse correspondence file, fits the camera pitch
// and height to it, and installs both the fitted parameters and the
// records. On any error the store is left untouched.
func (s *CalibrationStore) LoadCoarse(path string) error {
	records, err := LoadCoarseFile(path)
	if err != nil {
		return err
	}

	fitted, err := fitPitchHeight(records, s.Camera())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera = fitted
	s.coarse = records
	s.dirty = true
	return nil
}

// Project maps a radar ground point to image pixels under the current
// camera parameters. ok is false for a degenerate projection.
func (s *CalibrationStore) Project(rx, ry float64) (u, v float64, ok bool) {
	return ProjectRadarToImage(rx, ry, s.Camera())
}

// ProjectTargets projects a batch of radar targets, dropping the ones
// that land behind the image plane.
func (s *CalibrationStore) ProjectTargets(targets []RadarTarget) []ProjectedTarget {
	cam := s.Camera()
	out := make([]ProjectedTarget, 0, len(targets))
	for _, tgt := range targets {
		u, v, ok := ProjectRadarToImage(tgt.X, tgt.Y, cam)
		if !ok {
			continue
		}
		out = append(out, ProjectedTarget{Target: tgt, U: u, V: v})
	}
	return out
}

// Homographies returns the radar-to-BEV and camera-to-BEV transforms,
// recomputing them if parameters or records changed since the last call.
func (s *CalibrationStore) Homographies() (HomographySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshHomographiesLocked(); err != nil {
		return HomographySet{}, err
	}
	rh := *s.radarToBEV
	ch := *s.cameraToBEV
	return HomographySet{RadarToBEV: &rh, CameraToBEV: &ch}, nil
}

// ImageToBEV maps an image pixel into the BEV plane. ok is false when no
// homography is available or the point maps to infinity.
func (s *CalibrationStore) ImageToBEV(u, v float64) (bx, by float64, ok bool) {
	hs, err := s.Homographies()
	if err != nil {
		return 0, 0, false
	}
	return hs.CameraToBEV.Apply(u, v)
}

// BEVToImage maps a BEV ground point back to image pixels through the
// inverted camera homography. ok is false when no coarse calibration is
// loaded or the homography cannot be inverted.
func (s *CalibrationStore) BEVToImage(bx, by float64) (u, v float64, ok bool) {
	hs, err := s.Homographies()
	if err != nil {
		return 0, 0, false
	}
	inv, ok := hs.CameraToBEV.Inverse()
	if !ok {
		return 0, 0, false
	}
	return inv.Apply(bx, by)
}

// Snapshot captures the current calibration as an exportable record.
// The homography fields are nil when no coarse data has been loaded.
func (s *CalibrationStore) Snapshot() CalibrationRecord {
	hs, _ := s.Homographies()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CalibrationRecord{
		Camera:     s.camera,
		Radar:      s.radar,
		Homography: hs,
		Timestamp:  time.Now().Format(time.RFC3339),
	}
}

func (s *CalibrationStore) refreshHomographiesLocked() error {
	if !s.dirty && s.radarToBEV != nil && s.cameraToBEV != nil {
		return nil
	}
	if len(s.coarse) < MinCorrespondences {
		return fmt.Errorf("no coarse calibration loaded: %w", ErrInsufficientCorrespondences)
	}

	// Both homographies are anchored to the same BEV positions so the
	// radar and camera views agree on where the road plane sits.
	radarPts := make([]Point, len(s.coarse))
	pixelPts := make([]Point, len(s.coarse))
	bevPts := make([]Point, len(s.coarse))
	for i, rec := range s.coarse {
		radarPts[i] = Point{X: rec.RadarX, Y: rec.RadarY}
		pixelPts[i] = Point{X: rec.PixelU, Y: rec.PixelV}
		bx, by := RadarToBEV(rec.RadarX, rec.RadarY, s.radar)
		bevPts[i] = Point{X: bx, Y: by}
	}

	rh, err := EstimateHomography(radarPts, bevPts)
	if err != nil {
		return fmt.Errorf("radar-to-bev homography: %w", err)
	}
	ch, err := EstimateHomography(pixelPts, bevPts)
	if err != nil {
		return fmt.Errorf("camera-to-bev homography: %w", err)
	}

	s.radarToBEV = &rh
	s.cameraToBEV = &ch
	s.dirty = false
	return nil
}

// fitPitchHeight refines the camera pitch and mount height against the
// coarse correspondences by gradient descent on the mean squared pixel
// error. All other camera parameters are held fixed.
func fitPitchHeight(records []CoarseRecord, cam CameraParams) (CameraParams, error) {
	fcn := func(p []float64) float64 {
		c := cam
		c.Pitch = p[0]
		c.Height = p[1]
		var sum float64
		for _, rec := range records {
			u, v, ok := ProjectRadarToImage(rec.RadarX, rec.RadarY, c)
			if !ok {
				sum += degeneratePenalty
				continue
			}
			du := u - rec.PixelU
			dv := v - rec.PixelV
			sum += du*du + dv*dv
		}
		return sum / float64(len(records))
	}
	grad := func(g, x []float64) {
		fd.Gradient(g, fcn, x, nil)
	}
	problem := optimize.Problem{Func: fcn, Grad: grad}

	method := &optimize.GradientDescent{
		StepSizer:         &optimize.FirstOrderStepSize{},
		GradStopThreshold: 1e-8,
	}
	settings := &optimize.Settings{
		GradientThreshold: 0,
		Converger: &optimize.FunctionConverge{
			Relative:   1e-6,
			Absolute:   1e-9,
			Iterations: 200,
		},
	}

	res, err := optimize.Minimize(problem, []float64{cam.Pitch, cam.Height}, settings, method)
	if err != nil {
		return cam, fmt.Errorf("coarse fit failed: %w", err)
	}

	pitch, height := res.X[0], res.X[1]
	if math.IsNaN(pitch) || math.IsInf(pitch, 0) || math.IsNaN(height) || height <= 0 {
		return cam, fmt.Errorf("coarse fit produced implausible pose (pitch=%.3f, height=%.3f): %w",
			pitch, height, ErrDegenerateConfiguration)
	}

	out := cam
	out.Pitch = pitch
	out.Height = height
	return out, nil
}
