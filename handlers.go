package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/kwv/radarcam/calib"
)

// echartsAssetsHost serves the echarts javascript for /report.html.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// writeJSON encodes v as the JSON response body.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// decodeBody enforces POST and decodes the JSON request body into dst.
// An empty body is accepted; endpoints with no parameters pass a struct
// of optional fields. Reports whether the request may proceed.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// newHTTPServer creates an HTTP server with all endpoints. provider,
// trajdb and publisher may be nil; the endpoints that need them degrade
// to 503 or skip the publish. dataDir is where POST /export writes.
func newHTTPServer(session *calib.Session, store *calib.CalibrationStore, provider *calib.BatchProvider, trajdb *calib.TrajectoryDB, config *calib.Config, publisher *calib.Publisher, dataDir string) http.Handler {
	viewport := calib.DefaultBEVConfig()
	searchCfg := calib.DefaultPitchSearchConfig()
	if config != nil {
		viewport = config.EffectiveBEV()
		searchCfg = config.EffectiveSearch()
	}

	// Click bounds for image-point selection come from the first rig.
	clickBounds := func() calib.ImageBounds {
		if config != nil && len(config.Rigs) > 0 {
			return config.Rigs[0].Bounds()
		}
		var rig calib.RigConfig
		return rig.Bounds()
	}

	currentBatch := func() (calib.Batch, bool) {
		if provider == nil {
			return calib.Batch{}, false
		}
		b, err := provider.Get(session.Batch())
		if err != nil {
			return calib.Batch{}, false
		}
		return b, true
	}

	publishStatus := func() {
		if publisher == nil {
			return
		}
		if err := publisher.PublishAnnotationStatus(session.Snapshot()); err != nil {
			log.Printf("[MQTT] annotation status publish failed: %v", err)
		}
	}

	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		_, homErr := store.Homographies()
		batches := 0
		if provider != nil {
			batches = provider.NumBatches()
		}
		frames := 0
		if trajdb != nil {
			if n, err := trajdb.FrameCount(); err == nil {
				frames = n
			}
		}
		status := struct {
			Status           string    `json:"status"`
			Timestamp        time.Time `json:"timestamp"`
			Batches          int       `json:"batches"`
			PairCount        int       `json:"pairCount"`
			LaneCount        int       `json:"laneCount"`
			HasHomography    bool      `json:"hasHomography"`
			TrajectoryFrames int       `json:"trajectoryFrames"`
		}{
			Status:           "ok",
			Timestamp:        time.Now(),
			Batches:          batches,
			PairCount:        session.PairCount(),
			LaneCount:        session.LaneCount(),
			HasHomography:    homErr == nil,
			TrajectoryFrames: frames,
		}
		writeJSON(w, status)
	})

	// Annotation session state
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, session.Snapshot())
	})

	// Current calibration parameters and homographies
	mux.HandleFunc("/params", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, store.Snapshot())
	})

	// Bird's-eye view of the current batch with pairs and lanes
	renderBEV := func(w http.ResponseWriter, asPNG bool) {
		bev := calib.NewBEVRenderer(store, viewport)
		if batch, ok := currentBatch(); ok {
			bev.Targets = batch.Radar.Targets
		}
		bev.Pairs = session.Pairs()
		bev.Lanes = session.Lanes()

		var buf bytes.Buffer
		var err error
		if asPNG {
			err = bev.RenderToPNG(&buf)
		} else {
			err = bev.RenderToSVG(&buf)
		}
		if err != nil {
			log.Printf("Error rendering BEV: %v", err)
			http.Error(w, "Failed to render BEV view", http.StatusInternalServerError)
			return
		}
		if asPNG {
			w.Header().Set("Content-Type", "image/png")
		} else {
			w.Header().Set("Content-Type", "image/svg+xml")
		}
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	}
	mux.HandleFunc("/bev.svg", func(w http.ResponseWriter, r *http.Request) {
		renderBEV(w, false)
	})
	mux.HandleFunc("/bev.png", func(w http.ResponseWriter, r *http.Request) {
		renderBEV(w, true)
	})

	// Camera frame with projected targets, pairs, lanes and the pending
	// mark. Without a loadable batch frame the markers go on a blank
	// canvas so the annotation UI keeps working.
	mux.HandleFunc("/overlay.png", func(w http.ResponseWriter, r *http.Request) {
		snap := session.Snapshot()
		overlay := calib.NewOverlayRenderer(store)
		overlay.Pairs = session.PairsForBatch(snap.Batch)
		overlay.Lanes = session.LanesForBatch(snap.Batch)
		overlay.Pending = snap.Pending

		var buf bytes.Buffer
		batch, ok := currentBatch()
		if ok {
			overlay.Targets = batch.Radar.Targets
			if err := overlay.RenderFile(batch.ImagePath, &buf); err != nil {
				log.Printf("Warning: overlay render from %s failed: %v", batch.ImagePath, err)
				buf.Reset()
				ok = false
			}
		}
		if !ok {
			if err := overlay.RenderBlank(clickBounds(), &buf); err != nil {
				log.Printf("Error rendering overlay: %v", err)
				http.Error(w, "Failed to render overlay", http.StatusInternalServerError)
				return
			}
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	})

	// Annotations as GeoJSON in the BEV ground plane, plus matched
	// trajectory tracks when a trajectory database is attached
	mux.HandleFunc("/annotations.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := calib.AnnotationFeatureCollection(session.Snapshot(), store)
		if trajdb != nil {
			feats, err := calib.MatchedTrackFeatures(trajdb, store.Radar())
			if err != nil {
				log.Printf("Warning: matched track features unavailable: %v", err)
			}
			for _, f := range feats {
				fc.AddFeature(f)
			}
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			log.Printf("Error encoding annotations: %v", err)
		}
	})

	// Calibration quality report: reprojection residual scatter and the
	// cost curve across the pitch search window
	mux.HandleFunc("/report.html", func(w http.ResponseWriter, r *http.Request) {
		pairs := session.Pairs()
		if len(pairs) == 0 {
			http.Error(w, "No point pairs annotated", http.StatusServiceUnavailable)
			return
		}
		cam := store.Camera()

		residuals := make([]opts.ScatterData, 0, len(pairs))
		maxAbs := 0.0
		for _, p := range pairs {
			u, v, ok := store.Project(p.RadarX, p.RadarY)
			if !ok {
				continue
			}
			du := p.PixelU - u
			dv := p.PixelV - v
			if math.Abs(du) > maxAbs {
				maxAbs = math.Abs(du)
			}
			if math.Abs(dv) > maxAbs {
				maxAbs = math.Abs(dv)
			}
			residuals = append(residuals, opts.ScatterData{Value: []interface{}{du, dv, math.Hypot(du, dv)}})
		}
		pad := maxAbs * 1.05
		if pad == 0 {
			pad = 1.0
		}

		scatter := charts.NewScatter()
		scatter.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: "radarcam report", Theme: "dark", Width: "900px", Height: "600px"}),
			charts.WithTitleOpts(opts.Title{Title: "Reprojection Residuals", Subtitle: fmt.Sprintf("pairs=%d pitch=%.3f deg height=%.2f m", len(pairs), cam.Pitch, cam.Height)}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "du (px)", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "dv (px)", NameLocation: "middle", NameGap: 30}),
		)
		scatter.AddSeries("residuals", residuals, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

		// Mean pixel error sampled across the search window. The refined
		// pitch should sit at the minimum of this curve.
		steps := 120
		labels := make([]string, 0, steps+1)
		costs := make([]opts.LineData, 0, steps+1)
		for i := 0; i <= steps; i++ {
			pitch := cam.Pitch - searchCfg.RangeDeg + 2*searchCfg.RangeDeg*float64(i)/float64(steps)
			trial := cam
			trial.Pitch = pitch
			sum, n := 0.0, 0
			for _, p := range pairs {
				if e, ok := calib.ReprojectionError(p, trial); ok {
					sum += e
					n++
				}
			}
			if n == 0 {
				continue
			}
			labels = append(labels, fmt.Sprintf("%.2f", pitch))
			costs = append(costs, opts.LineData{Value: sum / float64(n)})
		}

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "900px", Height: "400px"}),
			charts.WithTitleOpts(opts.Title{Title: "Pitch Sweep", Subtitle: fmt.Sprintf("mean reprojection error over a %.1f deg window", 2*searchCfg.RangeDeg)}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Name: "pitch (deg)"}),
			charts.WithYAxisOpts(opts.YAxis{Name: "mean error (px)"}),
		)
		line.SetXAxis(labels).AddSeries("mean error", costs)

		page := components.NewPage()
		page.SetAssetsHost(echartsAssetsHost)
		page.AddCharts(scatter, line)

		var buf bytes.Buffer
		if err := page.Render(&buf); err != nil {
			log.Printf("Error rendering report: %v", err)
			http.Error(w, "Failed to render report", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})

	// Pick a radar target from the current batch, by id or by nearest
	// ground position. Entering from idle starts pair selection.
	mux.HandleFunc("/annotate/radar", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID *int     `json:"id"`
			X  *float64 `json:"x"`
			Y  *float64 `json:"y"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		batch, ok := currentBatch()
		if !ok {
			http.Error(w, "No capture batches available", http.StatusServiceUnavailable)
			return
		}

		var target calib.RadarTarget
		found := false
		switch {
		case req.ID != nil:
			for _, t := range batch.Radar.Targets {
				if t.ID == *req.ID {
					target, found = t, true
					break
				}
			}
		case req.X != nil && req.Y != nil:
			best := 3.0 // meters; clicks further than this match nothing
			for _, t := range batch.Radar.Targets {
				d := math.Hypot(t.X-*req.X, t.Y-*req.Y)
				if d < best {
					best, target, found = d, t, true
				}
			}
		default:
			http.Error(w, "Target id or x/y required", http.StatusBadRequest)
			return
		}
		if !found {
			http.Error(w, "No matching radar target in current batch", http.StatusNotFound)
			return
		}

		u, v, ok := store.Project(target.X, target.Y)
		if !ok {
			http.Error(w, "Target projects behind the image plane", http.StatusConflict)
			return
		}

		if session.State() == calib.StateNormal {
			session.StartPairSelection()
		}
		if !session.SelectRadarPoint(target, u, v) {
			http.Error(w, "Radar selection rejected in current state", http.StatusConflict)
			return
		}
		publishStatus()
		writeJSON(w, session.Snapshot())
	})

	// Image click completing the pending pair
	mux.HandleFunc("/annotate/image", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			U *float64 `json:"u"`
			V *float64 `json:"v"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.U == nil || req.V == nil {
			http.Error(w, "u and v required", http.StatusBadRequest)
			return
		}
		if !session.SelectImagePoint(*req.U, *req.V, clickBounds()) {
			http.Error(w, "Image point rejected", http.StatusConflict)
			return
		}
		publishStatus()
		writeJSON(w, session.Snapshot())
	})

	// Lane endpoints. Entering from idle starts lane drawing.
	mux.HandleFunc("/annotate/lane-start", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			U *float64 `json:"u"`
			V *float64 `json:"v"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.U == nil || req.V == nil {
			http.Error(w, "u and v required", http.StatusBadRequest)
			return
		}
		if session.State() == calib.StateNormal {
			session.StartLaneDrawing()
		}
		if !session.SetLaneStart(*req.U, *req.V) {
			http.Error(w, "Lane start rejected in current state", http.StatusConflict)
			return
		}
		publishStatus()
		writeJSON(w, session.Snapshot())
	})

	mux.HandleFunc("/annotate/lane-end", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			U *float64 `json:"u"`
			V *float64 `json:"v"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.U == nil || req.V == nil {
			http.Error(w, "u and v required", http.StatusBadRequest)
			return
		}
		if !session.SetLaneEnd(*req.U, *req.V) {
			http.Error(w, "Lane end rejected in current state", http.StatusConflict)
			return
		}
		publishStatus()
		writeJSON(w, session.Snapshot())
	})

	// Undo pops the most recent capture-log entry. An explicit kind
	// undoes the latest entry of that kind instead.
	mux.HandleFunc("/annotate/undo", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Kind string `json:"kind"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		undone := "none"
		switch req.Kind {
		case "":
			undone = session.Undo()
		case "pending":
			if session.UndoPending() {
				undone = "pending"
			}
		case "pair":
			if _, ok := session.UndoLastPair(); ok {
				undone = "pair"
			}
		case "lane":
			if _, ok := session.UndoLastLane(); ok {
				undone = "lane"
			}
		default:
			http.Error(w, "Unknown undo kind", http.StatusBadRequest)
			return
		}
		publishStatus()
		writeJSON(w, struct {
			Undone  string                `json:"undone"`
			Session calib.SessionSnapshot `json:"session"`
		}{undone, session.Snapshot()})
	})

	// Cancel drops the pending half-capture and returns to idle
	mux.HandleFunc("/annotate/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req struct{}
		if !decodeBody(w, r, &req) {
			return
		}
		session.Cancel()
		publishStatus()
		writeJSON(w, session.Snapshot())
	})

	// Clear completed annotations, for one batch or for all of them
	mux.HandleFunc("/annotate/clear", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Batch *int `json:"batch"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Batch != nil {
			session.ClearBatch(*req.Batch)
		} else {
			session.ClearAll()
		}
		publishStatus()
		writeJSON(w, session.Snapshot())
	})

	// Switch the session to another capture batch
	mux.HandleFunc("/batch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Batch *int `json:"batch"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Batch == nil {
			http.Error(w, "batch required", http.StatusBadRequest)
			return
		}
		if provider == nil {
			http.Error(w, "No capture batches available", http.StatusServiceUnavailable)
			return
		}
		if *req.Batch < 0 || *req.Batch >= provider.NumBatches() {
			http.Error(w, fmt.Sprintf("Batch %d out of range [0, %d)", *req.Batch, provider.NumBatches()), http.StatusBadRequest)
			return
		}
		session.SwitchBatch(*req.Batch)
		publishStatus()
		writeJSON(w, session.Snapshot())
	})

	// Refine the camera pitch against the annotated pairs. Without a
	// coarse survey the search is seeded from the lane vanishing point
	// when enough lanes are annotated.
	mux.HandleFunc("/optimize", func(w http.ResponseWriter, r *http.Request) {
		var req struct{}
		if !decodeBody(w, r, &req) {
			return
		}
		cam := store.Camera()
		if len(store.Records()) == 0 {
			if lanes := calib.UnifyLanes(session.Lanes()); len(lanes) >= 2 {
				if seed, err := calib.EstimatePitchFromLanes(lanes, cam); err == nil {
					log.Printf("[HTTP] seeding pitch %.2f deg from %d lane line(s)", seed, len(lanes))
					cam.Pitch = seed
				}
			}
		}
		res, err := calib.SearchPitch(session.Pairs(), cam, searchCfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		store.SetPitch(res.Pitch)
		log.Printf("[HTTP] pitch refined to %.4f deg (cost %.4f -> %.4f over %d evaluations)", res.Pitch, res.InitialCost, res.FinalCost, res.Evaluations)
		if publisher != nil {
			if err := publisher.PublishCalibration(store.Snapshot()); err != nil {
				log.Printf("[MQTT] calibration publish failed: %v", err)
			}
		}
		writeJSON(w, struct {
			Pitch       float64 `json:"pitch"`
			InitialCost float64 `json:"initialCost"`
			FinalCost   float64 `json:"finalCost"`
			Evaluations int     `json:"evaluations"`
			Converged   bool    `json:"converged"`
		}{res.Pitch, res.InitialCost, res.FinalCost, res.Evaluations, res.Converged})
	})

	// Write pairs, lanes and the calibration record to the data dir
	mux.HandleFunc("/export", func(w http.ResponseWriter, r *http.Request) {
		var req struct{}
		if !decodeBody(w, r, &req) {
			return
		}
		dir := dataDir
		if dir == "" {
			dir = "."
		}

		var resp struct {
			Pairs       string `json:"pairs,omitempty"`
			Lanes       string `json:"lanes,omitempty"`
			Calibration string `json:"calibration"`
		}
		if pairs := session.Pairs(); len(pairs) > 0 {
			p, err := calib.SavePointPairs(pairs, dir)
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to export pairs: %v", err), http.StatusInternalServerError)
				return
			}
			resp.Pairs = p
		}
		if lanes := session.Lanes(); len(lanes) > 0 {
			p, err := calib.SaveAllLanes(lanes, dir)
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to export lanes: %v", err), http.StatusInternalServerError)
				return
			}
			resp.Lanes = p
		}
		p, err := calib.SaveCalibration(store.Snapshot(), dir)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to export calibration: %v", err), http.StatusInternalServerError)
			return
		}
		resp.Calibration = p
		log.Printf("[HTTP] exported annotations to %s", dir)
		writeJSON(w, resp)
	})

	// Default route serves HTML page embedding the overlay and BEV views
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>radarcam</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#1a1a1a}
body{display:grid;grid-template-columns:1fr 1fr}
img{display:block;width:100%;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/overlay.png" alt="Camera Overlay">
<img src="/bev.svg" alt="Bird's-Eye View">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}
