package calib

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SavePointPairs writes every captured point pair to a timestamped text
// file under dir and returns the path. The first line is a comment header
// naming the columns; each pair follows as one comma-separated row.
func SavePointPairs(pairs []PointPair, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# pixel_u, pixel_v, radar_id, radar_x, radar_y, range, velocity, rcs, batch\n")
	for _, p := range pairs {
		fmt.Fprintf(&b, "%.2f, %.2f, %d, %.2f, %.2f, %.2f, %.2f, %.2f, %d\n",
			p.PixelU, p.PixelV, p.RadarID, p.RadarX, p.RadarY,
			p.Range, p.Velocity, p.RCS, p.Batch)
	}

	path := filepath.Join(dir, fmt.Sprintf("point_pairs_%s.txt", time.Now().Format(timestampLayout)))
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing point pairs: %w", err)
	}
	return path, nil
}

// SaveAllLanes writes every lane to a single timestamped text file under
// dir and returns the path. Lane IDs in the file are 1-based and follow
// capture order.
func SaveAllLanes(lanes []Lane, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Lane lines: lane_id, start_u, start_v, end_u, end_v\n")
	for i, l := range lanes {
		fmt.Fprintf(&b, "%d, %.2f, %.2f, %.2f, %.2f\n",
			i+1, l.StartU, l.StartV, l.EndU, l.EndV)
	}

	path := filepath.Join(dir, fmt.Sprintf("all_lanes_%s.txt", time.Now().Format(timestampLayout)))
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing lanes: %w", err)
	}
	return path, nil
}

// SaveLane writes a single lane to its own timestamped text file under
// dir and returns the path. laneID only names the file; the row holds
// just the endpoints.
func SaveLane(lane Lane, laneID int, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Lane line: start_u, start_v, end_u, end_v\n")
	fmt.Fprintf(&b, "%.2f, %.2f, %.2f, %.2f\n", lane.StartU, lane.StartV, lane.EndU, lane.EndV)

	path := filepath.Join(dir, fmt.Sprintf("lane_%d_%s.txt", laneID, time.Now().Format(timestampLayout)))
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing lane: %w", err)
	}
	return path, nil
}

// SaveCalibration writes a calibration record as indented JSON to a
// timestamped file under dir and returns the path.
func SaveCalibration(rec CalibrationRecord, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling calibration record: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("camera_params_%s.json", time.Now().Format(timestampLayout)))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing calibration record: %w", err)
	}
	return path, nil
}

// LoadCalibration reads a calibration record previously written by
// SaveCalibration.
func LoadCalibration(path string) (CalibrationRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CalibrationRecord{}, fmt.Errorf("reading calibration record: %w", err)
	}

	var rec CalibrationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CalibrationRecord{}, fmt.Errorf("invalid calibration record %s: %v: %w", path, err, ErrParse)
	}
	return rec, nil
}
