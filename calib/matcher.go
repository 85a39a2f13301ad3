package calib

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

const (
	// DefaultMatchDistance is the gating mean BEV distance in meters for
	// associating a radar track with a camera track.
	DefaultMatchDistance = 3.0

	// DefaultMatchMinOverlap is the minimum number of shared frames two
	// tracks need before they are considered for matching.
	DefaultMatchMinOverlap = 3

	// stationaryThreshold is the speed (m/s) and drift (m) below which a
	// track counts as stationary for the velocity-sign check.
	stationaryThreshold = 0.1
)

// MatchConfig bounds the automatic radar/camera track association.
type MatchConfig struct {
	// MaxDistance is the largest acceptable mean BEV distance between
	// the two tracks over their shared frames, in meters.
	MaxDistance float64

	// MinOverlap is the minimum number of shared frames.
	MinOverlap int
}

// DefaultMatchConfig returns the matching bounds used by the service.
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		MaxDistance: DefaultMatchDistance,
		MinOverlap:  DefaultMatchMinOverlap,
	}
}

// TrackMatch is one accepted radar/camera track association.
type TrackMatch struct {
	RadarID      int
	CameraID     int
	SharedFrames int
	MeanDistance float64
}

// MatchTrajectories associates radar tracks with camera tracks by mean
// BEV distance over their shared frames. Radar points are moved into the
// BEV plane with rad before comparison. Tracks whose motion directions
// disagree are rejected, and each track is used at most once; ties
// resolve toward the closer pair. Results are ordered best first.
func MatchTrajectories(radar map[int][]TrajectoryPoint, camera map[int][]CameraPoint, rad RadarParams, cfg MatchConfig) []TrackMatch {
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = DefaultMatchDistance
	}
	if cfg.MinOverlap <= 0 {
		cfg.MinOverlap = DefaultMatchMinOverlap
	}

	radarIDs := make([]int, 0, len(radar))
	for id := range radar {
		radarIDs = append(radarIDs, id)
	}
	sort.Ints(radarIDs)
	cameraIDs := make([]int, 0, len(camera))
	for id := range camera {
		cameraIDs = append(cameraIDs, id)
	}
	sort.Ints(cameraIDs)

	var cands []TrackMatch
	for _, rid := range radarIDs {
		rByFrame := make(map[int]TrajectoryPoint, len(radar[rid]))
		for _, p := range radar[rid] {
			rByFrame[p.FrameID] = p
		}

		for _, cid := range cameraIDs {
			m, ok := scoreTracks(rByFrame, camera[cid], rad, cfg)
			if !ok {
				continue
			}
			m.RadarID = rid
			m.CameraID = cid
			cands = append(cands, m)
		}
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].MeanDistance != cands[j].MeanDistance {
			return cands[i].MeanDistance < cands[j].MeanDistance
		}
		if cands[i].RadarID != cands[j].RadarID {
			return cands[i].RadarID < cands[j].RadarID
		}
		return cands[i].CameraID < cands[j].CameraID
	})

	usedRadar := make(map[int]bool)
	usedCamera := make(map[int]bool)
	var matches []TrackMatch
	for _, c := range cands {
		if usedRadar[c.RadarID] || usedCamera[c.CameraID] {
			continue
		}
		usedRadar[c.RadarID] = true
		usedCamera[c.CameraID] = true
		matches = append(matches, c)
	}
	return matches
}

// scoreTracks computes overlap and mean BEV distance for one track pair
// and applies the gates. The returned match has no IDs filled in.
func scoreTracks(rByFrame map[int]TrajectoryPoint, ctraj []CameraPoint, rad RadarParams, cfg MatchConfig) (TrackMatch, bool) {
	var (
		overlap  int
		distSum  float64
		velSum   float64
		firstY   float64
		lastY    float64
		haveSpan bool
	)
	for _, cp := range ctraj {
		rp, ok := rByFrame[cp.FrameID]
		if !ok {
			continue
		}
		bx, by := RadarToBEV(rp.X, rp.Y, rad)
		distSum += planar.Distance(orb.Point{bx, by}, orb.Point{cp.BEVX, cp.BEVY})
		velSum += rp.Velocity
		if !haveSpan {
			firstY = cp.BEVY
			haveSpan = true
		}
		lastY = cp.BEVY
		overlap++
	}

	if overlap < cfg.MinOverlap {
		return TrackMatch{}, false
	}
	meanDist := distSum / float64(overlap)
	if meanDist > cfg.MaxDistance {
		return TrackMatch{}, false
	}
	if !velocityConsistent(velSum/float64(overlap), lastY-firstY) {
		return TrackMatch{}, false
	}

	return TrackMatch{SharedFrames: overlap, MeanDistance: meanDist}, true
}

// velocityConsistent reports whether the radar range rate and the camera
// forward drift agree in sign. Near-stationary tracks always pass; an
// approaching target has negative range rate and shrinking forward
// distance.
func velocityConsistent(meanVel, deltaY float64) bool {
	if math.Abs(meanVel) < stationaryThreshold || math.Abs(deltaY) < stationaryThreshold {
		return true
	}
	return (meanVel < 0) == (deltaY < 0)
}

// AutoMatch associates the stored radar and camera tracks and records
// the accepted matches in the database.
func AutoMatch(db *TrajectoryDB, rad RadarParams, cfg MatchConfig) ([]TrackMatch, error) {
	radar, err := db.AllTrajectories()
	if err != nil {
		return nil, err
	}
	camera, err := db.AllCameraTrajectories()
	if err != nil {
		return nil, err
	}

	matches := MatchTrajectories(radar, camera, rad, cfg)
	for _, m := range matches {
		if err := db.AddMatchedPair(m.RadarID, m.CameraID); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

// SeedFromMatches pre-populates the session with one candidate pair per
// matched track, sampled at the middle shared frame. Session capacity
// and bounds rules still apply: seeding stops once the session refuses
// another pair, and off-frame camera detections are skipped. Returns
// the number of pairs seeded.
func SeedFromMatches(s *Session, db *TrajectoryDB, store *CalibrationStore, matches []TrackMatch, bounds ImageBounds) (int, error) {
	s.StartPairSelection()

	seeded := 0
	for _, m := range matches {
		rtraj, err := db.Trajectory(m.RadarID)
		if err != nil {
			return seeded, err
		}
		ctraj, err := db.CameraTrajectory(m.CameraID)
		if err != nil {
			return seeded, err
		}

		frames := sharedFrames(rtraj, ctraj)
		if len(frames) == 0 {
			continue
		}
		frameID := frames[len(frames)/2]

		var rp TrajectoryPoint
		for _, p := range rtraj {
			if p.FrameID == frameID {
				rp = p
				break
			}
		}
		var cp CameraPoint
		for _, p := range ctraj {
			if p.FrameID == frameID {
				cp = p
				break
			}
		}

		target := RadarTarget{
			ID:       m.RadarID,
			X:        rp.X,
			Y:        rp.Y,
			Range:    rp.Range,
			Velocity: rp.Velocity,
			RCS:      rp.RCS,
		}
		u, v, ok := store.Project(target.X, target.Y)
		if !ok {
			continue
		}

		if !s.SelectRadarPoint(target, u, v) {
			break
		}
		if !s.SelectImagePoint(cp.U, cp.V, bounds) {
			s.UndoPending()
			continue
		}
		seeded++
	}
	return seeded, nil
}

// sharedFrames lists the frame IDs both tracks cover, in track order.
func sharedFrames(radar []TrajectoryPoint, camera []CameraPoint) []int {
	camFrames := make(map[int]bool, len(camera))
	for _, p := range camera {
		camFrames[p.FrameID] = true
	}

	var frames []int
	for _, p := range radar {
		if camFrames[p.FrameID] {
			frames = append(frames, p.FrameID)
		}
	}
	return frames
}

// TrackLineString returns a radar track as a BEV polyline, in frame
// order.
func TrackLineString(points []TrajectoryPoint, rad RadarParams) orb.LineString {
	ls := make(orb.LineString, len(points))
	for i, p := range points {
		bx, by := RadarToBEV(p.X, p.Y, rad)
		ls[i] = orb.Point{bx, by}
	}
	return ls
}

// CameraTrackLineString returns a camera track as a BEV polyline, in
// frame order.
func CameraTrackLineString(points []CameraPoint) orb.LineString {
	ls := make(orb.LineString, len(points))
	for i, p := range points {
		ls[i] = orb.Point{p.BEVX, p.BEVY}
	}
	return ls
}

// SimplifyTrack reduces a track polyline with Douglas-Peucker while
// keeping its shape within tolerance meters. Tracks recorded at frame
// rate are mostly collinear, so this trims them down for rendering and
// export.
func SimplifyTrack(ls orb.LineString, tolerance float64) orb.LineString {
	if len(ls) < 3 || tolerance <= 0 {
		return ls
	}
	simplified := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone())
	result, ok := simplified.(orb.LineString)
	if !ok {
		return ls
	}
	return result
}
