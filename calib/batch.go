package calib

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Batch is one synchronized capture: a camera frame on disk plus its
// decoded radar detections.
type Batch struct {
	Index     int        `json:"index"`
	ImagePath string     `json:"imagePath"`
	Radar     RadarFrame `json:"radar"`
}

// BatchProvider serves the captures listed in a sync descriptor, loading
// and caching radar frames on first access. Safe for concurrent use.
type BatchProvider struct {
	mu      sync.Mutex
	baseDir string
	records []SyncRecord
	frames  map[int]RadarFrame
}

// NewBatchProvider wraps already-parsed sync records. Relative paths in
// the records are resolved against baseDir.
func NewBatchProvider(records []SyncRecord, baseDir string) *BatchProvider {
	return &BatchProvider{
		baseDir: baseDir,
		records: records,
		frames:  make(map[int]RadarFrame),
	}
}

// LoadBatchProvider reads a sync descriptor file and serves its batches,
// resolving relative paths against the descriptor's directory.
func LoadBatchProvider(syncPath string) (*BatchProvider, error) {
	records, err := LoadSyncFile(syncPath)
	if err != nil {
		return nil, err
	}
	return NewBatchProvider(records, filepath.Dir(syncPath)), nil
}

// NumBatches returns how many captures the descriptor lists.
func (p *BatchProvider) NumBatches() int {
	return len(p.records)
}

// Get returns the capture at the given index, reading its radar frame
// from disk the first time.
func (p *BatchProvider) Get(index int) (Batch, error) {
	if index < 0 || index >= len(p.records) {
		return Batch{}, fmt.Errorf("batch %d out of range [0, %d)", index, len(p.records))
	}
	rec := p.records[index]

	p.mu.Lock()
	defer p.mu.Unlock()
	frame, ok := p.frames[index]
	if !ok {
		var err error
		frame, err = LoadRadarFrame(p.resolve(rec.RadarJSON))
		if err != nil {
			return Batch{}, err
		}
		p.frames[index] = frame
	}

	return Batch{
		Index:     index,
		ImagePath: p.resolve(rec.ImagePath),
		Radar:     frame,
	}, nil
}

func (p *BatchProvider) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || p.baseDir == "" {
		return path
	}
	return filepath.Join(p.baseDir, path)
}
