package calib

import (
	"encoding/json"

	"github.com/paulmach/orb"
)

// GeometryType represents the GeoJSON geometry type
type GeometryType string

const (
	GeometryPoint           GeometryType = "Point"
	GeometryLineString      GeometryType = "LineString"
	GeometryPolygon         GeometryType = "Polygon"
	GeometryMultiPoint      GeometryType = "MultiPoint"
	GeometryMultiLineString GeometryType = "MultiLineString"
	GeometryMultiPolygon    GeometryType = "MultiPolygon"
)

// Geometry represents a GeoJSON geometry object
type Geometry struct {
	Type        GeometryType    `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Feature represents a GeoJSON feature with geometry and properties
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   *Geometry              `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
	ID         interface{}            `json:"id,omitempty"`
}

// FeatureCollection represents a GeoJSON FeatureCollection
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// NewFeatureCollection creates a new empty FeatureCollection
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]*Feature, 0),
	}
}

// AddFeature appends a feature to the collection
func (fc *FeatureCollection) AddFeature(f *Feature) {
	fc.Features = append(fc.Features, f)
}

// NewFeature creates a Feature with the given geometry and properties
func NewFeature(geom *Geometry, props map[string]interface{}) *Feature {
	if props == nil {
		props = make(map[string]interface{})
	}
	return &Feature{
		Type:       "Feature",
		Geometry:   geom,
		Properties: props,
	}
}

// PointGeometry converts a BEV ground point to a GeoJSON Point geometry.
// Coordinates are in BEV meters (x lateral, y forward).
func PointGeometry(x, y float64) *Geometry {
	coordsJSON, _ := json.Marshal([2]float64{x, y})
	return &Geometry{
		Type:        GeometryPoint,
		Coordinates: coordsJSON,
	}
}

// LineStringGeometry converts a BEV polyline to a GeoJSON LineString
// geometry. Coordinates are in BEV meters (x lateral, y forward).
func LineStringGeometry(ls orb.LineString) *Geometry {
	coords := make([][2]float64, len(ls))
	for i, p := range ls {
		coords[i] = [2]float64{p[0], p[1]}
	}

	coordsJSON, _ := json.Marshal(coords)
	return &Geometry{
		Type:        GeometryLineString,
		Coordinates: coordsJSON,
	}
}

// PairFeature converts a completed point pair to a Point feature at the
// radar target's BEV position. The projected and clicked image positions
// ride along as properties so a viewer can show the residual.
func PairFeature(p PointPair, rad RadarParams) *Feature {
	bx, by := RadarToBEV(p.RadarX, p.RadarY, rad)

	props := map[string]interface{}{
		"kind":    "pair",
		"batch":   p.Batch,
		"radarId": p.RadarID,
		"radarU":  p.RadarU,
		"radarV":  p.RadarV,
		"pixelU":  p.PixelU,
		"pixelV":  p.PixelV,
	}
	if p.Range > 0 {
		props["range"] = p.Range
	}
	if p.Velocity != 0 {
		props["velocity"] = p.Velocity
	}
	if p.RCS != 0 {
		props["rcs"] = p.RCS
	}

	return NewFeature(PointGeometry(bx, by), props)
}

// LaneFeature converts an annotated lane segment to a LineString feature
// in BEV coordinates. Lanes are drawn in image space, so both endpoints
// go through the camera-to-BEV homography; nil is returned when no
// coarse calibration is loaded or an endpoint maps to infinity.
func LaneFeature(l Lane, store *CalibrationStore) *Feature {
	sx, sy, ok := store.ImageToBEV(l.StartU, l.StartV)
	if !ok {
		return nil
	}
	ex, ey, ok := store.ImageToBEV(l.EndU, l.EndV)
	if !ok {
		return nil
	}

	props := map[string]interface{}{
		"kind":  "lane",
		"batch": l.Batch,
	}
	return NewFeature(LineStringGeometry(orb.LineString{{sx, sy}, {ex, ey}}), props)
}

// DefaultTrackTolerance is the Douglas-Peucker tolerance in meters
// applied to track polylines before export.
const DefaultTrackTolerance = 0.25

// TrackFeature converts a BEV track polyline to a LineString feature,
// simplified to DefaultTrackTolerance. Returns nil for tracks with
// fewer than two points.
func TrackFeature(ls orb.LineString, props map[string]interface{}) *Feature {
	if len(ls) < 2 {
		return nil
	}
	return NewFeature(LineStringGeometry(SimplifyTrack(ls, DefaultTrackTolerance)), props)
}

// AnnotationFeatureCollection converts the session's completed
// annotations to a GeoJSON FeatureCollection in BEV coordinates. Pairs
// become Point features; lanes become LineString features and are
// skipped while no coarse calibration is loaded.
func AnnotationFeatureCollection(snap SessionSnapshot, store *CalibrationStore) *FeatureCollection {
	fc := NewFeatureCollection()
	rad := store.Radar()

	for _, p := range snap.Pairs {
		fc.AddFeature(PairFeature(p, rad))
	}
	for _, l := range snap.Lanes {
		if f := LaneFeature(l, store); f != nil {
			fc.AddFeature(f)
		}
	}
	return fc
}

// MatchedTrackFeatures converts every matched radar/camera track pair in
// the database to LineString features, two per match, tied together by a
// shared match index property.
func MatchedTrackFeatures(db *TrajectoryDB, rad RadarParams) ([]*Feature, error) {
	pairs, err := db.MatchedPairs()
	if err != nil {
		return nil, err
	}

	var features []*Feature
	for i, mp := range pairs {
		rtraj, err := db.Trajectory(mp.RadarID)
		if err != nil {
			return nil, err
		}
		ctraj, err := db.CameraTrajectory(mp.CameraID)
		if err != nil {
			return nil, err
		}

		if f := TrackFeature(TrackLineString(rtraj, rad), map[string]interface{}{
			"kind":    "radar_track",
			"trackId": mp.RadarID,
			"match":   i,
		}); f != nil {
			features = append(features, f)
		}
		if f := TrackFeature(CameraTrackLineString(ctraj), map[string]interface{}{
			"kind":    "camera_track",
			"trackId": mp.CameraID,
			"match":   i,
		}); f != nil {
			features = append(features, f)
		}
	}
	return features, nil
}
