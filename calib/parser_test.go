package calib

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
	return path
}

func TestParseCoarseRecords(t *testing.T) {
	input := `# radar_x radar_y pixel_u pixel_v
-3.5 20.0 412.7 551.2

0.0 35.5 640.0 522.3
	4.25	48.0	771.5	511.0
# trailing comment
1e1 6e1 6.4e2 5e2
`
	records, err := ParseCoarseRecords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseCoarseRecords: %v", err)
	}

	want := []CoarseRecord{
		{RadarX: -3.5, RadarY: 20.0, PixelU: 412.7, PixelV: 551.2},
		{RadarX: 0.0, RadarY: 35.5, PixelU: 640.0, PixelV: 522.3},
		{RadarX: 4.25, RadarY: 48.0, PixelU: 771.5, PixelV: 511.0},
		{RadarX: 10, RadarY: 60, PixelU: 640, PixelV: 500},
	}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, rec := range records {
		if rec != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, rec, want[i])
		}
	}
}

func TestParseCoarseRecordsEmptyInput(t *testing.T) {
	records, err := ParseCoarseRecords(strings.NewReader("# only comments\n\n"))
	if err != nil {
		t.Fatalf("ParseCoarseRecords: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestParseCoarseRecordsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "too few fields", input: "1.0 2.0 3.0\n"},
		{name: "too many fields", input: "1 2 3 4 5\n"},
		{name: "non-numeric field", input: "1.0 2.0 x 4.0\n"},
		{name: "bad line after good line", input: "1 2 3 4\n1 2 3 oops\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCoarseRecords(strings.NewReader(tt.input))
			if !errors.Is(err, ErrParse) {
				t.Errorf("error = %v, want ErrParse", err)
			}
		})
	}
}

func TestLoadCoarseFile_Valid(t *testing.T) {
	path := writeFixture(t, "coarse.txt", `-3.5 20.0 412.7 551.2
0.0 35.5 640.0 522.3
4.25 48.0 771.5 511.0
2.0 55.0 676.4 507.3
`)

	records, err := LoadCoarseFile(path)
	if err != nil {
		t.Fatalf("LoadCoarseFile: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("got %d records, want 4", len(records))
	}
	if records[3].PixelU != 676.4 {
		t.Errorf("records[3].PixelU = %v, want 676.4", records[3].PixelU)
	}
}

func TestLoadCoarseFile_TooFewRecords(t *testing.T) {
	path := writeFixture(t, "coarse.txt", "1 2 3 4\n5 6 7 8\n9 10 11 12\n")

	_, err := LoadCoarseFile(path)
	if !errors.Is(err, ErrInsufficientCorrespondences) {
		t.Errorf("error = %v, want ErrInsufficientCorrespondences", err)
	}
}

func TestLoadCoarseFile_NotExists(t *testing.T) {
	_, err := LoadCoarseFile(filepath.Join(t.TempDir(), "nope.txt"))
	if err == nil {
		t.Fatal("expected error for missing coarse file, got nil")
	}
	if errors.Is(err, ErrParse) {
		t.Error("missing file should not report a parse error")
	}
}

func TestParsePointPairs(t *testing.T) {
	input := `# pixel_u, pixel_v, radar_id, radar_x, radar_y, range, velocity, rcs, batch
412.70, 551.20, 3, -3.50, 20.00, 20.30, -12.40, 9.50, 0

640.00, 522.30, 7, 0.00, 35.50, 35.50, 0.00, 4.00, 2
`
	pairs, err := ParsePointPairs(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParsePointPairs: %v", err)
	}

	want := []PointPair{
		{PixelU: 412.7, PixelV: 551.2, RadarID: 3, RadarX: -3.5, RadarY: 20, Range: 20.3, Velocity: -12.4, RCS: 9.5, Batch: 0},
		{PixelU: 640, PixelV: 522.3, RadarID: 7, RadarY: 35.5, Range: 35.5, RCS: 4, Batch: 2},
	}
	if len(pairs) != len(want) {
		t.Fatalf("got %d pairs, want %d", len(pairs), len(want))
	}
	for i, p := range pairs {
		if p != want[i] {
			t.Errorf("pair %d = %+v, want %+v", i, p, want[i])
		}
	}
}

func TestParsePointPairsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "too few fields", input: "1, 2, 3, 4, 5, 6, 7, 8\n"},
		{name: "too many fields", input: "1, 2, 3, 4, 5, 6, 7, 8, 9, 10\n"},
		{name: "non-numeric field", input: "1, 2, x, 4, 5, 6, 7, 8, 9\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePointPairs(strings.NewReader(tt.input))
			if !errors.Is(err, ErrParse) {
				t.Errorf("error = %v, want ErrParse", err)
			}
		})
	}
}

func TestLoadPointPairs_RoundTrip(t *testing.T) {
	saved := []PointPair{
		{Batch: 0, RadarID: 3, RadarX: -3.5, RadarY: 20, RadarU: 412.7, RadarV: 551.2,
			PixelU: 410.25, PixelV: 550.5, Range: 20.3, Velocity: -12.4, RCS: 9.5},
		{Batch: 1, RadarID: 9, RadarX: 4.25, RadarY: 48, PixelU: 771.5, PixelV: 511},
	}

	dir := t.TempDir()
	path, err := SavePointPairs(saved, dir)
	if err != nil {
		t.Fatalf("SavePointPairs: %v", err)
	}

	loaded, err := LoadPointPairs(path)
	if err != nil {
		t.Fatalf("LoadPointPairs: %v", err)
	}
	if len(loaded) != len(saved) {
		t.Fatalf("got %d pairs, want %d", len(loaded), len(saved))
	}
	for i, p := range loaded {
		want := saved[i]
		// Projected positions are not exported.
		want.RadarU = 0
		want.RadarV = 0
		if p != want {
			t.Errorf("pair %d = %+v, want %+v", i, p, want)
		}
	}
}

func TestLoadPointPairs_NotExists(t *testing.T) {
	_, err := LoadPointPairs(filepath.Join(t.TempDir(), "pairs.txt"))
	if err == nil {
		t.Fatal("expected error for missing pairs file, got nil")
	}
}

func TestParseRadarFrame(t *testing.T) {
	t.Run("envelope form", func(t *testing.T) {
		data := `{"frame_id": 7, "timestamp": 1718000000123,
			"targets": [{"id": 3, "x": -2.5, "y": 41.0, "range": 41.08, "velocity": -12.4, "rcs": 9.5}]}`

		frame, err := ParseRadarFrame([]byte(data))
		if err != nil {
			t.Fatalf("ParseRadarFrame: %v", err)
		}
		if frame.FrameID != 7 {
			t.Errorf("FrameID = %d, want 7", frame.FrameID)
		}
		if len(frame.Targets) != 1 {
			t.Fatalf("got %d targets, want 1", len(frame.Targets))
		}
		tgt := frame.Targets[0]
		if tgt.ID != 3 || tgt.X != -2.5 || tgt.Y != 41.0 {
			t.Errorf("target = %+v", tgt)
		}
		if tgt.Velocity != -12.4 || tgt.RCS != 9.5 {
			t.Errorf("target kinematics = %+v", tgt)
		}
	})

	t.Run("bare array form", func(t *testing.T) {
		data := `[{"id": 1, "x": 0, "y": 10, "range": 10, "velocity": 0, "rcs": 4}]`

		frame, err := ParseRadarFrame([]byte(data))
		if err != nil {
			t.Fatalf("ParseRadarFrame: %v", err)
		}
		if len(frame.Targets) != 1 || frame.Targets[0].Y != 10 {
			t.Errorf("frame = %+v", frame)
		}
	})

	t.Run("empty targets", func(t *testing.T) {
		frame, err := ParseRadarFrame([]byte(`{"targets": []}`))
		if err != nil {
			t.Fatalf("ParseRadarFrame: %v", err)
		}
		if len(frame.Targets) != 0 {
			t.Errorf("got %d targets, want 0", len(frame.Targets))
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := ParseRadarFrame([]byte(`{"targets": [`))
		if !errors.Is(err, ErrParse) {
			t.Errorf("error = %v, want ErrParse", err)
		}
	})
}

func TestParseSyncRecords(t *testing.T) {
	t.Run("current keys", func(t *testing.T) {
		data := `[
			{"image_path": "frames/0001.jpg", "radar_json": "radar/0001.json"},
			{"image_path": "frames/0002.jpg", "radar_json": "radar/0002.json"}
		]`

		records, err := ParseSyncRecords([]byte(data))
		if err != nil {
			t.Fatalf("ParseSyncRecords: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("got %d records, want 2", len(records))
		}
		if records[0].ImagePath != "frames/0001.jpg" || records[1].RadarJSON != "radar/0002.json" {
			t.Errorf("records = %+v", records)
		}
	})

	t.Run("legacy keys", func(t *testing.T) {
		data := `[{"image": "a.jpg", "radar": "a.json"}]`

		records, err := ParseSyncRecords([]byte(data))
		if err != nil {
			t.Fatalf("ParseSyncRecords: %v", err)
		}
		if records[0].ImagePath != "a.jpg" || records[0].RadarJSON != "a.json" {
			t.Errorf("records = %+v", records)
		}
	})

	t.Run("missing image path", func(t *testing.T) {
		_, err := ParseSyncRecords([]byte(`[{"radar_json": "a.json"}]`))
		if !errors.Is(err, ErrParse) {
			t.Errorf("error = %v, want ErrParse", err)
		}
	})

	t.Run("missing radar path", func(t *testing.T) {
		_, err := ParseSyncRecords([]byte(`[{"image_path": "a.jpg"}]`))
		if !errors.Is(err, ErrParse) {
			t.Errorf("error = %v, want ErrParse", err)
		}
	})

	t.Run("not an array", func(t *testing.T) {
		_, err := ParseSyncRecords([]byte(`{"image_path": "a.jpg"}`))
		if !errors.Is(err, ErrParse) {
			t.Errorf("error = %v, want ErrParse", err)
		}
	})
}

func TestLoadRadarFrame_File(t *testing.T) {
	path := writeFixture(t, "frame.json",
		`{"targets": [{"id": 2, "x": 1.5, "y": 22.0, "range": 22.05, "velocity": 3.1, "rcs": 7.0}]}`)

	frame, err := LoadRadarFrame(path)
	if err != nil {
		t.Fatalf("LoadRadarFrame: %v", err)
	}
	if len(frame.Targets) != 1 || frame.Targets[0].ID != 2 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestLoadSyncFile_NotExists(t *testing.T) {
	_, err := LoadSyncFile(filepath.Join(t.TempDir(), "sync.json"))
	if err == nil {
		t.Fatal("expected error for missing sync file, got nil")
	}
}
