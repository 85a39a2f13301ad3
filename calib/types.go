package calib

import "encoding/json"

// RadarTarget is a single radar detection in the ego ground frame.
// X is lateral (meters, right positive), Y is forward (meters).
type RadarTarget struct {
	ID       int     `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Range    float64 `json:"range"`
	Velocity float64 `json:"velocity"`
	RCS      float64 `json:"rcs"`
}

// RadarFrame is one frame of radar detections as published by a rig.
type RadarFrame struct {
	FrameID   int           `json:"frame_id,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Targets   []RadarTarget `json:"targets"`
}

// UnmarshalJSON accepts both the envelope form {"targets": [...]} and the
// legacy bare-array form [...] that older rig firmware publishes.
func (f *RadarFrame) UnmarshalJSON(data []byte) error {
	// Probe for the bare-array form first.
	for _, b := range data {
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		if b == '[' {
			return json.Unmarshal(data, &f.Targets)
		}
		break
	}

	var envelope struct {
		FrameID   int           `json:"frame_id"`
		Timestamp int64         `json:"timestamp"`
		Targets   []RadarTarget `json:"targets"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	f.FrameID = envelope.FrameID
	f.Timestamp = envelope.Timestamp
	f.Targets = envelope.Targets
	return nil
}

// Point represents a 2D coordinate in whichever plane the caller is
// working in (radar ground, image pixels, or BEV).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Matrix3 is a row-major 3x3 projective transform. It serializes as a
// plain nested numeric array, matching the calibration record format.
type Matrix3 [3][3]float64

// Identity3 returns the 3x3 identity matrix.
func Identity3() Matrix3 {
	return Matrix3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// CameraParams holds the camera intrinsics and extrinsics. Height is the
// mount height above the ground plane in meters; pitch/roll/yaw are in
// degrees (pitch positive tilting down toward the road).
type CameraParams struct {
	Height float64 `yaml:"height" json:"height"`
	Pitch  float64 `yaml:"pitch" json:"pitch"`
	Roll   float64 `yaml:"roll" json:"roll"`
	Yaw    float64 `yaml:"yaw" json:"yaw"`
	Fx     float64 `yaml:"fx" json:"fx"`
	Fy     float64 `yaml:"fy" json:"fy"`
	Cx     float64 `yaml:"cx" json:"cx"`
	Cy     float64 `yaml:"cy" json:"cy"`
}

// DefaultCameraParams returns the rig-survey defaults used before any
// coarse calibration has been loaded.
func DefaultCameraParams() CameraParams {
	return CameraParams{
		Height: 1.5,
		Fx:     1000,
		Fy:     1000,
		Cx:     640,
		Cy:     480,
	}
}

// RadarParams places the radar in the BEV ground plane: a mount yaw in
// degrees plus metric x/y offsets from the BEV origin.
type RadarParams struct {
	Yaw     float64 `yaml:"yaw" json:"yaw"`
	XOffset float64 `yaml:"xOffset" json:"x_offset"`
	YOffset float64 `yaml:"yOffset" json:"y_offset"`
}

// DefaultRadarParams returns the survey defaults for the radar mount.
func DefaultRadarParams() RadarParams {
	return RadarParams{Yaw: 0, XOffset: 3.5, YOffset: 0}
}

// HomographySet carries the two derived plane-to-plane transforms of a
// calibration record. Nil means the transform has not been computed.
type HomographySet struct {
	RadarToBEV  *Matrix3 `json:"radar_to_bev"`
	CameraToBEV *Matrix3 `json:"camera_to_bev"`
}

// CalibrationRecord is the exported snapshot of a full calibration:
// camera and radar parameters plus the derived homographies.
type CalibrationRecord struct {
	Camera     CameraParams  `json:"camera"`
	Radar      RadarParams   `json:"radar"`
	Homography HomographySet `json:"homography"`
	Timestamp  string        `json:"timestamp"`
}

// PointPair is one completed correspondence: a radar ground point, its
// projected image position at capture time, and the user-clicked pixel.
// Range/Velocity/RCS are copied from the radar target for export.
type PointPair struct {
	Batch    int     `json:"batch"`
	RadarID  int     `json:"radarId"`
	RadarX   float64 `json:"radarX"`
	RadarY   float64 `json:"radarY"`
	RadarU   float64 `json:"radarU"`
	RadarV   float64 `json:"radarV"`
	PixelU   float64 `json:"pixelU"`
	PixelV   float64 `json:"pixelV"`
	Range    float64 `json:"range"`
	Velocity float64 `json:"velocity"`
	RCS      float64 `json:"rcs"`
}

// Lane is a completed lane segment annotated in image coordinates.
type Lane struct {
	Batch  int     `json:"batch"`
	StartU float64 `json:"startU"`
	StartV float64 `json:"startV"`
	EndU   float64 `json:"endU"`
	EndV   float64 `json:"endV"`
}

// ImageBounds is the valid click region for image-point selection.
// Callers supply it explicitly; the session never assumes a frame size.
type ImageBounds struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether (u, v) falls inside the bounds. The right and
// bottom edges are exclusive, matching pixel indexing.
func (b ImageBounds) Contains(u, v float64) bool {
	return u >= 0 && u < b.Width && v >= 0 && v < b.Height
}

// CoarseRecord is one line of the coarse calibration file: a radar ground
// point and the image pixel it was surveyed to.
type CoarseRecord struct {
	RadarX float64
	RadarY float64
	PixelU float64
	PixelV float64
}

// SyncRecord pairs an image frame with its radar JSON file.
type SyncRecord struct {
	ImagePath string `json:"image_path"`
	RadarJSON string `json:"radar_json"`
}

// UnmarshalJSON accepts the current keys (image_path/radar_json) and the
// legacy short keys (image/radar) written by earlier capture scripts.
func (r *SyncRecord) UnmarshalJSON(data []byte) error {
	var probe struct {
		ImagePath string `json:"image_path"`
		RadarJSON string `json:"radar_json"`
		Image     string `json:"image"`
		Radar     string `json:"radar"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	r.ImagePath = probe.ImagePath
	if r.ImagePath == "" {
		r.ImagePath = probe.Image
	}
	r.RadarJSON = probe.RadarJSON
	if r.RadarJSON == "" {
		r.RadarJSON = probe.Radar
	}
	return nil
}

// BEVConfig defines the rendered bird's-eye viewport: forward/lateral
// extents in meters and the pixel scale.
type BEVConfig struct {
	ForwardMin float64 `yaml:"forwardMin" json:"forwardMin"`
	ForwardMax float64 `yaml:"forwardMax" json:"forwardMax"`
	LateralMin float64 `yaml:"lateralMin" json:"lateralMin"`
	LateralMax float64 `yaml:"lateralMax" json:"lateralMax"`
	Scale      float64 `yaml:"scale" json:"scale"` // pixels per meter
}

// DefaultBEVConfig covers 60 m of road ahead and 15 m to each side at
// 10 px/m.
func DefaultBEVConfig() BEVConfig {
	return BEVConfig{
		ForwardMin: 0,
		ForwardMax: 60,
		LateralMin: -15,
		LateralMax: 15,
		Scale:      10,
	}
}

// RigConfig defines one radar-camera rig from the config file.
type RigConfig struct {
	ID          string  `yaml:"id" json:"id"`
	Topic       string  `yaml:"topic" json:"topic"`
	ImageWidth  float64 `yaml:"imageWidth,omitempty" json:"imageWidth,omitempty"`
	ImageHeight float64 `yaml:"imageHeight,omitempty" json:"imageHeight,omitempty"`
	ApiURL      *string `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"` // Optional API URL for fetching the sync descriptor
}

// Bounds returns the rig's image bounds, falling back to the default
// 1280x960 frame when the config does not specify a size.
func (rc *RigConfig) Bounds() ImageBounds {
	b := ImageBounds{Width: rc.ImageWidth, Height: rc.ImageHeight}
	if b.Width <= 0 {
		b.Width = 1280
	}
	if b.Height <= 0 {
		b.Height = 960
	}
	return b
}

// SearchConfig holds the pitch-search overrides exposed in the config
// file. Zero values fall back to DefaultPitchSearchConfig.
type SearchConfig struct {
	RangeDeg   float64 `yaml:"rangeDeg,omitempty" json:"rangeDeg,omitempty"`
	MinStepDeg float64 `yaml:"minStepDeg,omitempty" json:"minStepDeg,omitempty"`
}

// Config represents the full configuration file.
type Config struct {
	MQTT         MQTTConfig   `yaml:"mqtt" json:"mqtt"`
	Camera       CameraParams `yaml:"camera" json:"camera"`
	Radar        RadarParams  `yaml:"radar" json:"radar"`
	BEV          BEVConfig    `yaml:"bev,omitempty" json:"bev,omitempty"`
	Search       SearchConfig `yaml:"search,omitempty" json:"search,omitempty"`
	Rigs         []RigConfig  `yaml:"rigs" json:"rigs"`
	SyncFile     string       `yaml:"syncFile,omitempty" json:"syncFile,omitempty"`
	CoarseFile   string       `yaml:"coarseFile,omitempty" json:"coarseFile,omitempty"`
	DataDir      string       `yaml:"dataDir,omitempty" json:"dataDir,omitempty"`
	TrajectoryDB string       `yaml:"trajectoryDb,omitempty" json:"trajectoryDb,omitempty"`
}

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetRigByID returns the rig config for the given ID.
func (c *Config) GetRigByID(id string) *RigConfig {
	for i := range c.Rigs {
		if c.Rigs[i].ID == id {
			return &c.Rigs[i]
		}
	}
	return nil
}

// EffectiveBEV returns the configured BEV viewport or the default when the
// config leaves the block empty.
func (c *Config) EffectiveBEV() BEVConfig {
	if c.BEV.Scale <= 0 || c.BEV.ForwardMax <= c.BEV.ForwardMin {
		return DefaultBEVConfig()
	}
	return c.BEV
}
