package calib

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// DefaultNearestDistance is the pick radius in meters for NearestPoint
// when the caller has no better value.
const DefaultNearestDistance = 5.0

// TrajectoryPoint is one stored radar detection of a tracked target.
type TrajectoryPoint struct {
	FrameID  int
	X        float64
	Y        float64
	Range    float64
	Velocity float64
	RCS      float64
}

// CameraPoint is one stored camera detection of a tracked target: pixel
// position plus its back-projected BEV estimate.
type CameraPoint struct {
	FrameID    int
	U          float64
	V          float64
	BEVX       float64
	BEVY       float64
	Confidence float64
}

// CameraDetection is one detection as published in a camera frame file.
type CameraDetection struct {
	ID         int     `json:"id"`
	U          float64 `json:"u"`
	V          float64 `json:"v"`
	BEVX       float64 `json:"x_bev"`
	BEVY       float64 `json:"y_bev"`
	Confidence float64 `json:"confidence"`
}

// CameraFrame mirrors one camera JSON file from a recording.
type CameraFrame struct {
	FrameID    int               `json:"frame_id,omitempty"`
	Detections []CameraDetection `json:"detections"`
}

// MatchedPair links a radar track ID to a camera track ID.
type MatchedPair struct {
	RadarID  int `json:"radar_id"`
	CameraID int `json:"camera_id"`
}

// TrajectoryHit identifies the stored radar point returned by a
// nearest-point query.
type TrajectoryHit struct {
	TargetID int
	FrameID  int
	X        float64
	Y        float64
}

// TrajectoryDB stores radar and camera trajectories from a recording,
// operator-confirmed track matches, and persisted calibration state.
type TrajectoryDB struct {
	*sql.DB
}

// OpenTrajectoryDB opens the trajectory database at path, creating the
// schema if needed. An empty path opens an in-memory database.
func OpenTrajectoryDB(path string) (*TrajectoryDB, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trajectory db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS radar_trajectories (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id  INTEGER,
			frame_id   INTEGER,
			x          REAL,
			y          REAL,
			range_val  REAL,
			velocity   REAL,
			rcs        REAL
		);
		CREATE INDEX IF NOT EXISTS idx_radar_target ON radar_trajectories(target_id);
		CREATE INDEX IF NOT EXISTS idx_radar_frame ON radar_trajectories(frame_id);
		CREATE TABLE IF NOT EXISTS camera_trajectories (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id  INTEGER,
			frame_id   INTEGER,
			u          REAL,
			v          REAL,
			x_bev      REAL,
			y_bev      REAL,
			confidence REAL
		);
		CREATE INDEX IF NOT EXISTS idx_camera_target ON camera_trajectories(target_id);
		CREATE INDEX IF NOT EXISTS idx_camera_frame ON camera_trajectories(frame_id);
		CREATE TABLE IF NOT EXISTS matched_pairs (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			radar_id  INTEGER,
			camera_id INTEGER,
			UNIQUE(radar_id, camera_id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating trajectory schema: %w", err)
	}

	return &TrajectoryDB{db}, nil
}

// AddRadarPoint stores one radar detection under the target's track.
func (db *TrajectoryDB) AddRadarPoint(frameID int, t RadarTarget) error {
	_, err := db.Exec(
		`INSERT INTO radar_trajectories (target_id, frame_id, x, y, range_val, velocity, rcs)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, frameID, t.X, t.Y, t.Range, t.Velocity, t.RCS,
	)
	return err
}

// AddCameraPoint stores one camera detection under the target's track.
func (db *TrajectoryDB) AddCameraPoint(frameID int, d CameraDetection) error {
	_, err := db.Exec(
		`INSERT INTO camera_trajectories (target_id, frame_id, u, v, x_bev, y_bev, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, frameID, d.U, d.V, d.BEVX, d.BEVY, d.Confidence,
	)
	return err
}

// LoadDataDir clears the trajectory tables and reloads them from a
// recording directory laid out as root/radar/NNNN.json and (optionally)
// root/camera/NNNN.json, with the numeric file stem as the frame ID.
// Files that fail to parse are skipped. Returns the number of radar
// points loaded.
func (db *TrajectoryDB) LoadDataDir(root string) (int, error) {
	if err := db.Clear(); err != nil {
		return 0, err
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting trajectory load: %w", err)
	}
	defer tx.Rollback()

	count := 0
	for _, f := range frameFiles(filepath.Join(root, "radar")) {
		frame, err := LoadRadarFrame(f.path)
		if err != nil {
			log.Printf("trajectory load: skipping %s: %v", f.path, err)
			continue
		}
		for _, t := range frame.Targets {
			if _, err := tx.Exec(
				`INSERT INTO radar_trajectories (target_id, frame_id, x, y, range_val, velocity, rcs)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				t.ID, f.id, t.X, t.Y, t.Range, t.Velocity, t.RCS,
			); err != nil {
				return 0, fmt.Errorf("inserting radar point: %w", err)
			}
			count++
		}
	}

	for _, f := range frameFiles(filepath.Join(root, "camera")) {
		data, err := os.ReadFile(f.path)
		if err != nil {
			log.Printf("trajectory load: skipping %s: %v", f.path, err)
			continue
		}
		var frame CameraFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("trajectory load: skipping %s: %v", f.path, err)
			continue
		}
		for _, d := range frame.Detections {
			if _, err := tx.Exec(
				`INSERT INTO camera_trajectories (target_id, frame_id, u, v, x_bev, y_bev, confidence)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				d.ID, f.id, d.U, d.V, d.BEVX, d.BEVY, d.Confidence,
			); err != nil {
				return 0, fmt.Errorf("inserting camera point: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing trajectory load: %w", err)
	}
	return count, nil
}

type frameFile struct {
	id   int
	path string
}

// frameFiles lists the JSON frame files in dir ordered by frame ID.
// Files whose stem is not an integer are ignored; a missing dir yields
// an empty list.
func frameFiles(dir string) []frameFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var files []frameFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		frameID, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		files = append(files, frameFile{id: frameID, path: filepath.Join(dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })
	return files
}

// Clear deletes the trajectory tables. Matched pairs survive a clear.
func (db *TrajectoryDB) Clear() error {
	if _, err := db.Exec(`DELETE FROM radar_trajectories`); err != nil {
		return fmt.Errorf("clearing radar trajectories: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM camera_trajectories`); err != nil {
		return fmt.Errorf("clearing camera trajectories: %w", err)
	}
	return nil
}

// TargetIDs returns the distinct radar track IDs in ascending order.
func (db *TrajectoryDB) TargetIDs() ([]int, error) {
	rows, err := db.Query(`SELECT DISTINCT target_id FROM radar_trajectories ORDER BY target_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Trajectory returns the radar track for a target ordered by frame.
func (db *TrajectoryDB) Trajectory(targetID int) ([]TrajectoryPoint, error) {
	rows, err := db.Query(
		`SELECT frame_id, x, y, range_val, velocity, rcs FROM radar_trajectories
		 WHERE target_id = ? ORDER BY frame_id`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []TrajectoryPoint
	for rows.Next() {
		var p TrajectoryPoint
		if err := rows.Scan(&p.FrameID, &p.X, &p.Y, &p.Range, &p.Velocity, &p.RCS); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// CameraTrajectory returns the camera track for a target ordered by frame.
func (db *TrajectoryDB) CameraTrajectory(targetID int) ([]CameraPoint, error) {
	rows, err := db.Query(
		`SELECT frame_id, u, v, x_bev, y_bev, confidence FROM camera_trajectories
		 WHERE target_id = ? ORDER BY frame_id`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []CameraPoint
	for rows.Next() {
		var p CameraPoint
		if err := rows.Scan(&p.FrameID, &p.U, &p.V, &p.BEVX, &p.BEVY, &p.Confidence); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// AllTrajectories returns every radar track grouped by target ID.
func (db *TrajectoryDB) AllTrajectories() (map[int][]TrajectoryPoint, error) {
	rows, err := db.Query(
		`SELECT target_id, frame_id, x, y, range_val, velocity, rcs
		 FROM radar_trajectories ORDER BY target_id, frame_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int][]TrajectoryPoint)
	for rows.Next() {
		var id int
		var p TrajectoryPoint
		if err := rows.Scan(&id, &p.FrameID, &p.X, &p.Y, &p.Range, &p.Velocity, &p.RCS); err != nil {
			return nil, err
		}
		result[id] = append(result[id], p)
	}
	return result, rows.Err()
}

// AllCameraTrajectories returns every camera track grouped by target ID.
func (db *TrajectoryDB) AllCameraTrajectories() (map[int][]CameraPoint, error) {
	rows, err := db.Query(
		`SELECT target_id, frame_id, u, v, x_bev, y_bev, confidence
		 FROM camera_trajectories ORDER BY target_id, frame_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int][]CameraPoint)
	for rows.Next() {
		var id int
		var p CameraPoint
		if err := rows.Scan(&id, &p.FrameID, &p.U, &p.V, &p.BEVX, &p.BEVY, &p.Confidence); err != nil {
			return nil, err
		}
		result[id] = append(result[id], p)
	}
	return result, rows.Err()
}

// PointAt returns the radar point for a target at one frame. The bool
// reports whether the track has a point there.
func (db *TrajectoryDB) PointAt(targetID, frameID int) (TrajectoryPoint, bool, error) {
	var p TrajectoryPoint
	p.FrameID = frameID
	err := db.QueryRow(
		`SELECT x, y, range_val, velocity, rcs FROM radar_trajectories
		 WHERE target_id = ? AND frame_id = ?`, targetID, frameID,
	).Scan(&p.X, &p.Y, &p.Range, &p.Velocity, &p.RCS)
	if err == sql.ErrNoRows {
		return TrajectoryPoint{}, false, nil
	}
	if err != nil {
		return TrajectoryPoint{}, false, err
	}
	return p, true, nil
}

// CameraPointAt returns the camera point for a target at one frame.
func (db *TrajectoryDB) CameraPointAt(targetID, frameID int) (CameraPoint, bool, error) {
	var p CameraPoint
	p.FrameID = frameID
	err := db.QueryRow(
		`SELECT u, v, x_bev, y_bev, confidence FROM camera_trajectories
		 WHERE target_id = ? AND frame_id = ?`, targetID, frameID,
	).Scan(&p.U, &p.V, &p.BEVX, &p.BEVY, &p.Confidence)
	if err == sql.ErrNoRows {
		return CameraPoint{}, false, nil
	}
	if err != nil {
		return CameraPoint{}, false, err
	}
	return p, true, nil
}

// FrameCount returns the number of distinct radar frames stored.
func (db *TrajectoryDB) FrameCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(DISTINCT frame_id) FROM radar_trajectories`).Scan(&n)
	return n, err
}

// TargetCount returns the number of distinct radar tracks stored.
func (db *TrajectoryDB) TargetCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(DISTINCT target_id) FROM radar_trajectories`).Scan(&n)
	return n, err
}

// NearestPoint finds the stored radar point closest to the given ground
// position. The bool is false when no point lies within maxDist meters.
func (db *TrajectoryDB) NearestPoint(x, y, maxDist float64) (TrajectoryHit, bool, error) {
	var hit TrajectoryHit
	var distSq float64
	err := db.QueryRow(
		`SELECT target_id, frame_id, x, y,
		        ((x - ?) * (x - ?) + (y - ?) * (y - ?)) AS dist_sq
		 FROM radar_trajectories
		 ORDER BY dist_sq
		 LIMIT 1`, x, x, y, y,
	).Scan(&hit.TargetID, &hit.FrameID, &hit.X, &hit.Y, &distSq)
	if err == sql.ErrNoRows {
		return TrajectoryHit{}, false, nil
	}
	if err != nil {
		return TrajectoryHit{}, false, err
	}
	if distSq > maxDist*maxDist {
		return TrajectoryHit{}, false, nil
	}
	return hit, true, nil
}

// AddMatchedPair records an operator-confirmed radar/camera track match.
// Duplicate matches are ignored.
func (db *TrajectoryDB) AddMatchedPair(radarID, cameraID int) error {
	_, err := db.Exec(
		`INSERT OR IGNORE INTO matched_pairs (radar_id, camera_id) VALUES (?, ?)`,
		radarID, cameraID)
	return err
}

// RemoveMatchedPair deletes a track match.
func (db *TrajectoryDB) RemoveMatchedPair(radarID, cameraID int) error {
	_, err := db.Exec(
		`DELETE FROM matched_pairs WHERE radar_id = ? AND camera_id = ?`,
		radarID, cameraID)
	return err
}

// MatchedPairs returns all confirmed track matches in insertion order.
func (db *TrajectoryDB) MatchedPairs() ([]MatchedPair, error) {
	rows, err := db.Query(`SELECT radar_id, camera_id FROM matched_pairs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []MatchedPair
	for rows.Next() {
		var p MatchedPair
		if err := rows.Scan(&p.RadarID, &p.CameraID); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// SavePairsToDisk writes the confirmed track matches to a JSON file.
func (db *TrajectoryDB) SavePairsToDisk(path string) error {
	pairs, err := db.MatchedPairs()
	if err != nil {
		return err
	}
	if pairs == nil {
		pairs = []MatchedPair{}
	}

	data, err := json.MarshalIndent(pairs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling matched pairs: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing matched pairs: %w", err)
	}
	return nil
}

// LoadPairsFromDisk merges track matches from a JSON file into the
// database. A missing file is not an error. Returns the number of
// entries read.
func (db *TrajectoryDB) LoadPairsFromDisk(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading matched pairs: %w", err)
	}

	var pairs []MatchedPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return 0, fmt.Errorf("invalid matched pairs %s: %v: %w", path, err, ErrParse)
	}

	for _, p := range pairs {
		if err := db.AddMatchedPair(p.RadarID, p.CameraID); err != nil {
			return 0, err
		}
	}
	return len(pairs), nil
}

