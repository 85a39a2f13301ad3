package calib

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParseCoarseRecords reads whitespace-separated correspondence lines of
// the form "radar_x radar_y pixel_u pixel_v". Blank lines and lines
// starting with '#' are skipped. Any malformed line aborts the parse
// with an error wrapping ErrParse that names the offending line.
func ParseCoarseRecords(r io.Reader) ([]CoarseRecord, error) {
	var records []CoarseRecord

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("coarse line %d: expected 4 fields, got %d: %w",
				lineNo, len(fields), ErrParse)
		}

		var vals [4]float64
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("coarse line %d: bad number %q: %w",
					lineNo, field, ErrParse)
			}
			vals[i] = v
		}

		records = append(records, CoarseRecord{
			RadarX: vals[0],
			RadarY: vals[1],
			PixelU: vals[2],
			PixelV: vals[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading coarse data: %w", err)
	}

	return records, nil
}

// LoadCoarseFile parses a coarse correspondence file and enforces the
// minimum record count a calibration fit needs.
func LoadCoarseFile(path string) ([]CoarseRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open coarse file %s: %w", path, err)
	}
	defer f.Close()

	records, err := ParseCoarseRecords(f)
	if err != nil {
		return nil, fmt.Errorf("coarse file %s: %w", path, err)
	}
	if len(records) < MinCorrespondences {
		return nil, fmt.Errorf("coarse file %s has %d records, need at least %d: %w",
			path, len(records), MinCorrespondences, ErrInsufficientCorrespondences)
	}
	return records, nil
}

// ParsePointPairs reads rows previously written by SavePointPairs:
// "pixel_u, pixel_v, radar_id, radar_x, radar_y, range, velocity, rcs,
// batch", comma-separated. Blank lines and '#' comments are skipped. Any
// malformed row aborts the parse with an error wrapping ErrParse.
func ParsePointPairs(r io.Reader) ([]PointPair, error) {
	var pairs []PointPair

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != 9 {
			return nil, fmt.Errorf("pair line %d: expected 9 fields, got %d: %w",
				lineNo, len(fields), ErrParse)
		}

		var vals [9]float64
		for i, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("pair line %d: bad number %q: %w",
					lineNo, strings.TrimSpace(field), ErrParse)
			}
			vals[i] = v
		}

		pairs = append(pairs, PointPair{
			PixelU:   vals[0],
			PixelV:   vals[1],
			RadarID:  int(vals[2]),
			RadarX:   vals[3],
			RadarY:   vals[4],
			Range:    vals[5],
			Velocity: vals[6],
			RCS:      vals[7],
			Batch:    int(vals[8]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading point pairs: %w", err)
	}

	return pairs, nil
}

// LoadPointPairs reads a point-pair export file back into memory. The
// projected positions (RadarU/RadarV) are not part of the export format
// and come back zero.
func LoadPointPairs(path string) ([]PointPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pairs file %s: %w", path, err)
	}
	defer f.Close()

	pairs, err := ParsePointPairs(f)
	if err != nil {
		return nil, fmt.Errorf("pairs file %s: %w", path, err)
	}
	return pairs, nil
}

// ParseRadarFrame decodes one radar detection frame. Both the envelope
// form {"targets": [...]} and the bare-array form are accepted.
func ParseRadarFrame(data []byte) (RadarFrame, error) {
	var frame RadarFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return RadarFrame{}, fmt.Errorf("invalid radar frame: %v: %w", err, ErrParse)
	}
	return frame, nil
}

// LoadRadarFrame reads and decodes a radar frame file.
func LoadRadarFrame(path string) (RadarFrame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RadarFrame{}, fmt.Errorf("failed to read radar file %s: %w", path, err)
	}
	frame, err := ParseRadarFrame(data)
	if err != nil {
		return RadarFrame{}, fmt.Errorf("radar file %s: %w", path, err)
	}
	return frame, nil
}

// ParseSyncRecords decodes the capture-session sync descriptor, a JSON
// array pairing each image with its radar frame file. Entries missing
// either path are rejected.
func ParseSyncRecords(data []byte) ([]SyncRecord, error) {
	var records []SyncRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("invalid sync descriptor: %v: %w", err, ErrParse)
	}
	for i, rec := range records {
		if rec.ImagePath == "" {
			return nil, fmt.Errorf("sync entry %d: missing image path: %w", i, ErrParse)
		}
		if rec.RadarJSON == "" {
			return nil, fmt.Errorf("sync entry %d: missing radar path: %w", i, ErrParse)
		}
	}
	return records, nil
}

// LoadSyncFile reads and decodes a sync descriptor file.
func LoadSyncFile(path string) ([]SyncRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync file %s: %w", path, err)
	}
	records, err := ParseSyncRecords(data)
	if err != nil {
		return nil, fmt.Errorf("sync file %s: %w", path, err)
	}
	return records, nil
}
