package main

import (
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/radarcam/calib"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// newTestServer builds a handler over a fresh session and default-parameter
// store, with no batches, trajectory store, config or publisher attached.
func newTestServer() (http.Handler, *calib.Session, *calib.CalibrationStore) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	return newHTTPServer(session, store, nil, nil, nil, nil, ""), session, store
}

// testProvider writes two radar capture frames into dir and returns a
// provider over them. The image files deliberately do not exist so the
// overlay endpoint falls back to a blank frame.
func testProvider(t *testing.T, dir string) *calib.BatchProvider {
	t.Helper()

	frames := []calib.RadarFrame{
		{Targets: []calib.RadarTarget{
			{ID: 1, X: 0, Y: 20, Range: 20},
			{ID: 2, X: 2, Y: 35, Range: 35.06},
		}},
		{Targets: []calib.RadarTarget{
			{ID: 7, X: -3, Y: 50, Range: 50.09},
		}},
	}

	var records []calib.SyncRecord
	for i, frame := range frames {
		data, err := json.Marshal(frame)
		if err != nil {
			t.Fatalf("Failed to marshal radar frame: %v", err)
		}
		name := fmt.Sprintf("radar%d.json", i)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatalf("Failed to write radar frame: %v", err)
		}
		records = append(records, calib.SyncRecord{
			ImagePath: fmt.Sprintf("frame%d.png", i),
			RadarJSON: name,
		})
	}
	return calib.NewBatchProvider(records, dir)
}

func getPath(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) calib.SessionSnapshot {
	t.Helper()
	var snap calib.SessionSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("failed to decode session snapshot: %v", err)
	}
	return snap
}

// completePair drives the radar-then-image flow over HTTP, clicking the
// image exactly at the target's projected position.
func completePair(t *testing.T, handler http.Handler, id int, x, y float64) {
	t.Helper()
	w := postJSON(t, handler, "/annotate/radar", fmt.Sprintf(`{"id": %d}`, id))
	if w.Code != http.StatusOK {
		t.Fatalf("/annotate/radar status = %d, body=%q", w.Code, w.Body.String())
	}
	u, v, ok := calib.ProjectRadarToImage(x, y, calib.DefaultCameraParams())
	if !ok {
		t.Fatalf("target (%g, %g) does not project", x, y)
	}
	w = postJSON(t, handler, "/annotate/image", fmt.Sprintf(`{"u": %f, "v": %f}`, u, v))
	if w.Code != http.StatusOK {
		t.Fatalf("/annotate/image status = %d, body=%q", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealth_Empty(t *testing.T) {
	handler, _, _ := newTestServer()
	w := getPath(t, handler, "/health")

	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status        string `json:"status"`
		Batches       int    `json:"batches"`
		PairCount     int    `json:"pairCount"`
		HasHomography bool   `json:"hasHomography"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Batches != 0 {
		t.Errorf("batches = %d, want 0", body.Batches)
	}
	if body.PairCount != 0 {
		t.Errorf("pairCount = %d, want 0", body.PairCount)
	}
	if body.HasHomography {
		t.Error("hasHomography = true, want false without a coarse survey")
	}
}

func TestHealth_WithBatches(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	w := getPath(t, handler, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Batches int `json:"batches"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Batches != 2 {
		t.Errorf("batches = %d, want 2", body.Batches)
	}
}

// ---------------------------------------------------------------------------
// /session and /params
// ---------------------------------------------------------------------------

func TestSessionEndpoint(t *testing.T) {
	handler, _, _ := newTestServer()
	w := getPath(t, handler, "/session")

	if w.Code != http.StatusOK {
		t.Fatalf("/session status = %d, want %d", w.Code, http.StatusOK)
	}
	snap := decodeSnapshot(t, w)
	if snap.State != "normal" {
		t.Errorf("state = %q, want %q", snap.State, "normal")
	}
	if snap.Batch != 0 || snap.PairCount != 0 || snap.LaneCount != 0 {
		t.Errorf("unexpected initial snapshot: %+v", snap)
	}
	if snap.ID == "" {
		t.Error("session id is empty")
	}
}

func TestParamsEndpoint(t *testing.T) {
	handler, _, _ := newTestServer()
	w := getPath(t, handler, "/params")

	if w.Code != http.StatusOK {
		t.Fatalf("/params status = %d, want %d", w.Code, http.StatusOK)
	}
	var rec calib.CalibrationRecord
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("failed to decode /params response: %v", err)
	}
	if rec.Camera.Fx != 1000 || rec.Camera.Height != 1.5 {
		t.Errorf("unexpected camera params: %+v", rec.Camera)
	}
	if rec.Radar.XOffset != 3.5 {
		t.Errorf("radar xOffset = %g, want 3.5", rec.Radar.XOffset)
	}
}

// ---------------------------------------------------------------------------
// image endpoints
// ---------------------------------------------------------------------------

func TestBEVEndpoints(t *testing.T) {
	handler, _, _ := newTestServer()

	t.Run("svg", func(t *testing.T) {
		w := getPath(t, handler, "/bev.svg")
		if w.Code != http.StatusOK {
			t.Fatalf("/bev.svg status = %d, want %d, body=%q", w.Code, http.StatusOK, w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
			t.Errorf("Content-Type = %q, want %q", ct, "image/svg+xml")
		}
		if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
			t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
		}
		if !strings.Contains(w.Body.String(), "<svg") {
			t.Error("response does not look like SVG")
		}
	})

	t.Run("png", func(t *testing.T) {
		w := getPath(t, handler, "/bev.png")
		if w.Code != http.StatusOK {
			t.Fatalf("/bev.png status = %d, want %d", w.Code, http.StatusOK)
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("Content-Type = %q, want %q", ct, "image/png")
		}
		if _, err := png.Decode(w.Body); err != nil {
			t.Errorf("response is not a PNG: %v", err)
		}
	})
}

func TestOverlayPNG_BlankFallback(t *testing.T) {
	handler, _, _ := newTestServer()
	w := getPath(t, handler, "/overlay.png")

	if w.Code != http.StatusOK {
		t.Fatalf("/overlay.png status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want %q", ct, "image/png")
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatalf("response is not a PNG: %v", err)
	}
	// No rig config attached: the blank frame uses the default bounds.
	if img.Bounds().Dx() != 1280 || img.Bounds().Dy() != 960 {
		t.Errorf("blank frame size = %dx%d, want 1280x960", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

// ---------------------------------------------------------------------------
// pair annotation flow
// ---------------------------------------------------------------------------

func TestAnnotatePairFlow(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	w := postJSON(t, handler, "/annotate/radar", `{"id": 1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("/annotate/radar status = %d, body=%q", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if snap.State != "select_image" {
		t.Errorf("state after radar pick = %q, want %q", snap.State, "select_image")
	}
	if snap.Pending == nil || snap.Pending.Kind != "radar" {
		t.Errorf("pending = %+v, want a radar mark", snap.Pending)
	}

	w = postJSON(t, handler, "/annotate/image", `{"u": 640, "v": 555}`)
	if w.Code != http.StatusOK {
		t.Fatalf("/annotate/image status = %d, body=%q", w.Code, w.Body.String())
	}
	snap = decodeSnapshot(t, w)
	if snap.State != "select_radar" {
		t.Errorf("state after image click = %q, want %q", snap.State, "select_radar")
	}
	if snap.PairCount != 1 {
		t.Errorf("pairCount = %d, want 1", snap.PairCount)
	}
	if len(snap.Pairs) != 1 || snap.Pairs[0].RadarID != 1 {
		t.Errorf("unexpected pairs: %+v", snap.Pairs)
	}
}

func TestAnnotateRadar_ByPosition(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	// Close to target 2 at (2, 35), well inside the matching radius.
	w := postJSON(t, handler, "/annotate/radar", `{"x": 1.8, "y": 34.7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("/annotate/radar status = %d, body=%q", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if snap.State != "select_image" {
		t.Errorf("state = %q, want %q", snap.State, "select_image")
	}
}

func TestAnnotateRadar_UnknownTarget(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	w := postJSON(t, handler, "/annotate/radar", `{"id": 99}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("/annotate/radar unknown id status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAnnotateRadar_NoBatches(t *testing.T) {
	handler, _, _ := newTestServer()

	w := postJSON(t, handler, "/annotate/radar", `{"id": 1}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/annotate/radar without batches status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAnnotateImage_OutOfBounds(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	postJSON(t, handler, "/annotate/radar", `{"id": 1}`)

	w := postJSON(t, handler, "/annotate/image", `{"u": -5, "v": 100}`)
	if w.Code != http.StatusConflict {
		t.Errorf("out-of-bounds click status = %d, want %d", w.Code, http.StatusConflict)
	}

	// The pending radar mark survives a rejected click.
	snap := decodeSnapshot(t, getPath(t, handler, "/session"))
	if snap.State != "select_image" {
		t.Errorf("state = %q, want %q", snap.State, "select_image")
	}
}

// ---------------------------------------------------------------------------
// lane annotation flow
// ---------------------------------------------------------------------------

func TestAnnotateLaneFlow(t *testing.T) {
	handler, _, _ := newTestServer()

	w := postJSON(t, handler, "/annotate/lane-start", `{"u": 100, "v": 700}`)
	if w.Code != http.StatusOK {
		t.Fatalf("/annotate/lane-start status = %d, body=%q", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if snap.State != "lane_end" {
		t.Errorf("state = %q, want %q", snap.State, "lane_end")
	}

	w = postJSON(t, handler, "/annotate/lane-end", `{"u": 400, "v": 500}`)
	if w.Code != http.StatusOK {
		t.Fatalf("/annotate/lane-end status = %d, body=%q", w.Code, w.Body.String())
	}
	snap = decodeSnapshot(t, w)
	if snap.State != "lane_start" {
		t.Errorf("state = %q, want %q", snap.State, "lane_start")
	}
	if snap.LaneCount != 1 {
		t.Errorf("laneCount = %d, want 1", snap.LaneCount)
	}

	var undoResp struct {
		Undone  string                `json:"undone"`
		Session calib.SessionSnapshot `json:"session"`
	}
	w = postJSON(t, handler, "/annotate/undo", ``)
	if err := json.NewDecoder(w.Body).Decode(&undoResp); err != nil {
		t.Fatalf("failed to decode undo response: %v", err)
	}
	if undoResp.Undone != "lane" {
		t.Errorf("undone = %q, want %q", undoResp.Undone, "lane")
	}
	if undoResp.Session.LaneCount != 0 {
		t.Errorf("laneCount after undo = %d, want 0", undoResp.Session.LaneCount)
	}
}

// ---------------------------------------------------------------------------
// undo, cancel, clear
// ---------------------------------------------------------------------------

func TestAnnotateUndo_Pending(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	postJSON(t, handler, "/annotate/radar", `{"id": 1}`)

	var resp struct {
		Undone  string                `json:"undone"`
		Session calib.SessionSnapshot `json:"session"`
	}
	w := postJSON(t, handler, "/annotate/undo", ``)
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode undo response: %v", err)
	}
	if resp.Undone != "pending" {
		t.Errorf("undone = %q, want %q", resp.Undone, "pending")
	}
	if resp.Session.State != "select_radar" {
		t.Errorf("state = %q, want %q", resp.Session.State, "select_radar")
	}
}

func TestAnnotateUndo_Empty(t *testing.T) {
	handler, _, _ := newTestServer()

	var resp struct {
		Undone string `json:"undone"`
	}
	w := postJSON(t, handler, "/annotate/undo", ``)
	if w.Code != http.StatusOK {
		t.Fatalf("/annotate/undo status = %d, want %d", w.Code, http.StatusOK)
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode undo response: %v", err)
	}
	if resp.Undone != "none" {
		t.Errorf("undone = %q, want %q", resp.Undone, "none")
	}
}

func TestAnnotateUndo_ByKind(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	completePair(t, handler, 1, 0, 20)
	postJSON(t, handler, "/annotate/cancel", ``)
	postJSON(t, handler, "/annotate/lane-start", `{"u": 100, "v": 700}`)
	postJSON(t, handler, "/annotate/lane-end", `{"u": 400, "v": 500}`)

	// The lane is newest, but an explicit kind reaches past it.
	var resp struct {
		Undone  string                `json:"undone"`
		Session calib.SessionSnapshot `json:"session"`
	}
	w := postJSON(t, handler, "/annotate/undo", `{"kind": "pair"}`)
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode undo response: %v", err)
	}
	if resp.Undone != "pair" {
		t.Errorf("undone = %q, want %q", resp.Undone, "pair")
	}
	if resp.Session.PairCount != 0 || resp.Session.LaneCount != 1 {
		t.Errorf("counts after undo = %d pairs, %d lanes, want 0, 1",
			resp.Session.PairCount, resp.Session.LaneCount)
	}

	w = postJSON(t, handler, "/annotate/undo", `{"kind": "bogus"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAnnotateCancel(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	postJSON(t, handler, "/annotate/radar", `{"id": 1}`)

	w := postJSON(t, handler, "/annotate/cancel", ``)
	if w.Code != http.StatusOK {
		t.Fatalf("/annotate/cancel status = %d, want %d", w.Code, http.StatusOK)
	}
	snap := decodeSnapshot(t, w)
	if snap.State != "normal" {
		t.Errorf("state after cancel = %q, want %q", snap.State, "normal")
	}
	if snap.Pending != nil {
		t.Errorf("pending after cancel = %+v, want nil", snap.Pending)
	}
}

func TestAnnotateClear(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	completePair(t, handler, 1, 0, 20)

	w := postJSON(t, handler, "/annotate/clear", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("/annotate/clear status = %d, want %d", w.Code, http.StatusOK)
	}
	snap := decodeSnapshot(t, w)
	if snap.PairCount != 0 {
		t.Errorf("pairCount after clear = %d, want 0", snap.PairCount)
	}
}

// ---------------------------------------------------------------------------
// /batch
// ---------------------------------------------------------------------------

func TestBatchSwitch(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	w := postJSON(t, handler, "/batch", `{"batch": 1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("/batch status = %d, body=%q", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if snap.Batch != 1 {
		t.Errorf("batch = %d, want 1", snap.Batch)
	}

	w = postJSON(t, handler, "/batch", `{"batch": 5}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("/batch out of range status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestBatchSwitch_NoBatches(t *testing.T) {
	handler, _, _ := newTestServer()

	w := postJSON(t, handler, "/batch", `{"batch": 1}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/batch without provider status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------------------------------------------------------------------------
// /optimize
// ---------------------------------------------------------------------------

func TestOptimize(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	// Two pairs at different depths, clicked exactly at their
	// projections under zero pitch.
	completePair(t, handler, 1, 0, 20)
	completePair(t, handler, 2, 2, 35)

	w := postJSON(t, handler, "/optimize", ``)
	if w.Code != http.StatusOK {
		t.Fatalf("/optimize status = %d, body=%q", w.Code, w.Body.String())
	}

	var resp struct {
		Pitch       float64 `json:"pitch"`
		InitialCost float64 `json:"initialCost"`
		FinalCost   float64 `json:"finalCost"`
		Converged   bool    `json:"converged"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode optimize response: %v", err)
	}
	if resp.Pitch > 0.1 || resp.Pitch < -0.1 {
		t.Errorf("pitch = %.4f, want near 0", resp.Pitch)
	}
	if !resp.Converged {
		t.Error("expected the search to converge")
	}
	if store.Camera().Pitch != resp.Pitch {
		t.Errorf("store pitch = %.4f, response pitch = %.4f", store.Camera().Pitch, resp.Pitch)
	}
}

func TestOptimize_NoPairs(t *testing.T) {
	handler, _, _ := newTestServer()

	w := postJSON(t, handler, "/optimize", ``)
	if w.Code != http.StatusConflict {
		t.Errorf("/optimize without pairs status = %d, want %d", w.Code, http.StatusConflict)
	}
}

// ---------------------------------------------------------------------------
// /export
// ---------------------------------------------------------------------------

func TestExportEndpoint(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	dataDir := t.TempDir()
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, dataDir)

	completePair(t, handler, 1, 0, 20)

	w := postJSON(t, handler, "/export", ``)
	if w.Code != http.StatusOK {
		t.Fatalf("/export status = %d, body=%q", w.Code, w.Body.String())
	}

	var resp struct {
		Pairs       string `json:"pairs"`
		Calibration string `json:"calibration"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode export response: %v", err)
	}
	if resp.Pairs == "" || resp.Calibration == "" {
		t.Fatalf("incomplete export response: %+v", resp)
	}
	for _, path := range []string{resp.Pairs, resp.Calibration} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("exported file missing: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// /annotations.geojson and /report.html
// ---------------------------------------------------------------------------

func TestAnnotationsGeoJSON(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	completePair(t, handler, 1, 0, 20)

	w := getPath(t, handler, "/annotations.geojson")
	if w.Code != http.StatusOK {
		t.Fatalf("/annotations.geojson status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/geo+json")
	}

	var fc calib.FeatureCollection
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("failed to decode feature collection: %v", err)
	}
	if fc.Type != "FeatureCollection" {
		t.Errorf("type = %q, want FeatureCollection", fc.Type)
	}
	if len(fc.Features) != 1 {
		t.Errorf("features = %d, want 1", len(fc.Features))
	}
}

func TestReportHTML(t *testing.T) {
	session := calib.NewSession()
	store := calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams())
	provider := testProvider(t, t.TempDir())
	handler := newHTTPServer(session, store, provider, nil, nil, nil, "")

	completePair(t, handler, 1, 0, 20)
	completePair(t, handler, 2, 2, 35)

	w := getPath(t, handler, "/report.html")
	if w.Code != http.StatusOK {
		t.Fatalf("/report.html status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(w.Body.String(), "echarts") {
		t.Error("report does not embed the chart library")
	}
}

func TestReportHTML_NoPairs(t *testing.T) {
	handler, _, _ := newTestServer()

	w := getPath(t, handler, "/report.html")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/report.html without pairs status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------------------------------------------------------------------------
// index page and method guards
// ---------------------------------------------------------------------------

func TestIndexPage(t *testing.T) {
	handler, _, _ := newTestServer()

	w := getPath(t, handler, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("/ status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(w.Body.String(), "radarcam") {
		t.Error("index page missing title")
	}

	w = getPath(t, handler, "/no-such-page")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestPostEndpoints_RejectGET(t *testing.T) {
	handler, _, _ := newTestServer()

	endpoints := []string{
		"/annotate/radar",
		"/annotate/image",
		"/annotate/lane-start",
		"/annotate/lane-end",
		"/annotate/undo",
		"/annotate/cancel",
		"/annotate/clear",
		"/batch",
		"/optimize",
		"/export",
	}
	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			w := getPath(t, handler, ep)
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("GET %s status = %d, want %d", ep, w.Code, http.StatusMethodNotAllowed)
			}
		})
	}
}
