package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/kwv/radarcam/calib"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *calib.Config
	Store      *calib.CalibrationStore
	Session    *calib.Session
	Batches    *calib.BatchProvider
	TrajDB     *calib.TrajectoryDB
	MQTTClient *calib.MQTTClient
	Publisher  *calib.Publisher

	// CLI Flags (effectively dependencies)
	DataDir    string
	ConfigFile string
	CoarseFile string
	SyncFile   string
	PairsFile  string
	OutputFile string
	RigID      string
	Batch      int
	HttpPort   int
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Session: calib.NewSession(),
		Store:   calib.NewCalibrationStore(calib.DefaultCameraParams(), calib.DefaultRadarParams()),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.DataDir = opts.DataDir
	a.ConfigFile = opts.ConfigFile
	a.CoarseFile = opts.CoarseFile
	a.SyncFile = opts.SyncFile
	a.PairsFile = opts.PairsFile
	a.OutputFile = opts.OutputFile
	a.RigID = opts.RigID
	a.Batch = opts.Batch
	a.HttpPort = opts.HttpPort
}

// resolvedConfigPath points the default config name into the data
// directory when one is given. Explicit -config paths are used as-is.
func (a *App) resolvedConfigPath() string {
	if a.DataDir != "." && a.ConfigFile == "config.yaml" {
		return filepath.Join(a.DataDir, "config.yaml")
	}
	return a.ConfigFile
}

// resolveDataPath resolves a config-relative path against the data dir.
func (a *App) resolveDataPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(a.DataDir, path)
}

func (a *App) loadConfig() (*calib.Config, error) {
	path := a.resolvedConfigPath()
	config, err := calib.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	a.Config = config
	log.Printf("Loaded config from %s", path)
	return config, nil
}

// configureStore applies the configured camera and radar parameters and
// loads the coarse survey when one is available. A missing survey is a
// warning, not an error: projection works from the configured parameters
// alone, only the BEV homographies need survey correspondences.
func (a *App) configureStore(config *calib.Config) {
	a.Store.SetCamera(config.Camera)
	a.Store.SetRadar(config.Radar)

	coarsePath := a.CoarseFile
	if coarsePath == "" {
		coarsePath = a.resolveDataPath(config.CoarseFile)
	}
	if coarsePath == "" {
		log.Printf("Warning: no coarse survey configured; BEV mapping unavailable")
		return
	}
	if err := a.Store.LoadCoarse(coarsePath); err != nil {
		log.Printf("Warning: failed to load coarse survey %s: %v", coarsePath, err)
		return
	}
	cam := a.Store.Camera()
	log.Printf("Loaded coarse survey from %s (seeded pitch %.2f deg, height %.2f m)",
		coarsePath, cam.Pitch, cam.Height)
}

// applyLatestCalibration merges the newest exported calibration record
// over the configured parameters. Serve and render modes pick up the last
// -calibrate result this way; the config file itself is never rewritten.
func (a *App) applyLatestCalibration(config *calib.Config) {
	files, err := filepath.Glob(filepath.Join(a.DataDir, "camera_params_*.json"))
	if err != nil || len(files) == 0 {
		return
	}
	// Timestamped names sort chronologically.
	sort.Strings(files)
	latest := files[len(files)-1]

	rec, err := calib.LoadCalibration(latest)
	if err != nil {
		log.Printf("Warning: ignoring unreadable calibration record %s: %v", latest, err)
		return
	}
	calib.MergeRecordIntoConfig(config, &rec)
	a.Store.SetCamera(rec.Camera)
	a.Store.SetRadar(rec.Radar)
	log.Printf("Applied calibration record %s (pitch %.2f deg)", latest, rec.Camera.Pitch)
}

// loadBatches builds the capture provider from the sync descriptor, or
// from a rig's HTTP endpoint when the config gives one.
func (a *App) loadBatches(config *calib.Config) (*calib.BatchProvider, error) {
	if a.Batches != nil {
		return a.Batches, nil
	}

	syncPath := a.SyncFile
	if syncPath == "" {
		syncPath = a.resolveDataPath(config.SyncFile)
	}

	if syncPath == "" && a.RigID != "" {
		if rc := config.GetRigByID(a.RigID); rc != nil && rc.ApiURL != nil {
			records, err := calib.FetchSyncFromAPI(*rc.ApiURL)
			if err != nil {
				return nil, fmt.Errorf("fetching sync descriptor from %s: %w", *rc.ApiURL, err)
			}
			log.Printf("Fetched %d capture record(s) from %s", len(records), *rc.ApiURL)
			a.Batches = calib.NewBatchProvider(records, a.DataDir)
			return a.Batches, nil
		}
	}

	if syncPath == "" {
		return nil, fmt.Errorf("no sync descriptor: set -sync or syncFile in config")
	}
	provider, err := calib.LoadBatchProvider(syncPath)
	if err != nil {
		return nil, fmt.Errorf("loading sync descriptor: %w", err)
	}
	log.Printf("Loaded %d capture batch(es) from %s", provider.NumBatches(), syncPath)
	a.Batches = provider
	return provider, nil
}

// loadBatch returns the capture selected by -batch.
func (a *App) loadBatch(config *calib.Config) (calib.Batch, error) {
	provider, err := a.loadBatches(config)
	if err != nil {
		return calib.Batch{}, err
	}
	return provider.Get(a.Batch)
}

// openTrajectoryDB opens the trajectory store and seeds it from the
// recording directory when it holds no frames yet. Streamed data from
// earlier runs is never cleared at startup.
func (a *App) openTrajectoryDB(config *calib.Config) (*calib.TrajectoryDB, error) {
	if a.TrajDB != nil {
		return a.TrajDB, nil
	}

	path := a.resolveDataPath(config.TrajectoryDB)
	if path == "" {
		path = filepath.Join(a.DataDir, "trajectories.db")
	}
	db, err := calib.OpenTrajectoryDB(path)
	if err != nil {
		return nil, fmt.Errorf("opening trajectory store %s: %w", path, err)
	}
	a.TrajDB = db

	pairsPath := filepath.Join(a.DataDir, "matched_pairs.json")
	if n, err := db.LoadPairsFromDisk(pairsPath); err != nil {
		log.Printf("Warning: loading matched pairs from %s: %v", pairsPath, err)
	} else if n > 0 {
		log.Printf("[DB] Merged %d matched pair(s) from %s", n, pairsPath)
	}

	frames, err := db.FrameCount()
	if err != nil {
		log.Printf("Warning: querying trajectory store: %v", err)
		return db, nil
	}
	if frames > 0 {
		log.Printf("[DB] Trajectory store %s holds %d frame(s)", path, frames)
		return db, nil
	}

	dataRoot := a.resolveDataPath(config.DataDir)
	if dataRoot == "" {
		dataRoot = a.DataDir
	}
	n, err := db.LoadDataDir(dataRoot)
	if err != nil {
		log.Printf("Warning: loading recorded frames from %s: %v", dataRoot, err)
	} else if n > 0 {
		log.Printf("[DB] Loaded %d recorded radar point(s) from %s", n, dataRoot)
	}
	return db, nil
}

// rigBounds returns the image bounds of the selected rig, falling back to
// the first configured rig.
func (a *App) rigBounds(config *calib.Config) calib.ImageBounds {
	if a.RigID != "" {
		if rc := config.GetRigByID(a.RigID); rc != nil {
			return rc.Bounds()
		}
		log.Printf("Warning: rig %q not in config, using default bounds", a.RigID)
	}
	if len(config.Rigs) > 0 {
		return config.Rigs[0].Bounds()
	}
	var rc calib.RigConfig
	return rc.Bounds()
}

// collectPairs gathers point pairs for the optimizer: an explicit export
// file when one is given, otherwise pairs auto-seeded from matched radar
// and camera trajectories.
func (a *App) collectPairs(config *calib.Config) ([]calib.PointPair, error) {
	if a.PairsFile != "" {
		pairs, err := calib.LoadPointPairs(a.PairsFile)
		if err != nil {
			return nil, err
		}
		log.Printf("Loaded %d pair(s) from %s", len(pairs), a.PairsFile)
		return pairs, nil
	}

	db, err := a.openTrajectoryDB(config)
	if err != nil {
		return nil, err
	}
	matches, err := calib.AutoMatch(db, a.Store.Radar(), calib.DefaultMatchConfig())
	if err != nil {
		return nil, fmt.Errorf("matching trajectories: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no point pairs available: pass -pairs or record trajectory data first")
	}
	if err := db.SavePairsToDisk(filepath.Join(a.DataDir, "matched_pairs.json")); err != nil {
		log.Printf("Warning: saving matched pairs: %v", err)
	}

	session := calib.NewSession()
	seeded, err := calib.SeedFromMatches(session, db, a.Store, matches, a.rigBounds(config))
	if err != nil {
		return nil, fmt.Errorf("seeding pairs from matches: %w", err)
	}
	log.Printf("Auto-matched %d track pair(s), seeded %d point pair(s)", len(matches), seeded)
	return session.Pairs(), nil
}

// RunCalibrate performs the one-shot calibration flow: coarse seeding,
// pair collection, pitch refinement, and a calibration record export.
func (a *App) RunCalibrate() error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.configureStore(config)

	pairs, err := a.collectPairs(config)
	if err != nil {
		return err
	}
	fmt.Printf("Optimizing pitch against %d point pair(s)\n", len(pairs))

	result, err := calib.SearchPitch(pairs, a.Store.Camera(), config.EffectiveSearch())
	if err != nil {
		return fmt.Errorf("pitch search: %w", err)
	}
	a.Store.SetPitch(result.Pitch)

	fmt.Printf("Refined pitch: %.4f deg\n", result.Pitch)
	fmt.Printf("Cost: %.4f -> %.4f px over %d evaluation(s)\n",
		result.InitialCost, result.FinalCost, result.Evaluations)
	if !result.Converged {
		log.Printf("Warning: pitch search hit the evaluation cap before converging")
	}

	path, err := calib.SaveCalibration(a.Store.Snapshot(), a.DataDir)
	if err != nil {
		return fmt.Errorf("saving calibration record: %w", err)
	}
	fmt.Printf("Calibration record written to %s\n", path)
	return nil
}

// RunRenderBEV renders the bird's-eye scene for the selected batch to
// OutputFile, picking SVG or PNG from the file extension.
func (a *App) RunRenderBEV() error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.configureStore(config)
	a.applyLatestCalibration(config)

	renderer := calib.NewBEVRenderer(a.Store, config.EffectiveBEV())
	if batch, err := a.loadBatch(config); err == nil {
		renderer.Targets = batch.Radar.Targets
		log.Printf("Rendering %d radar target(s) from batch %d", len(batch.Radar.Targets), batch.Index)
	} else {
		log.Printf("Warning: rendering without radar targets: %v", err)
	}
	if a.PairsFile != "" {
		pairs, err := calib.LoadPointPairs(a.PairsFile)
		if err != nil {
			return err
		}
		renderer.Pairs = pairs
	}

	out := a.OutputFile
	if out == "" {
		out = "bev.svg"
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating output file %s: %w", out, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("Warning: error closing output file %s: %v", out, err)
		}
	}()

	if strings.EqualFold(filepath.Ext(out), ".png") {
		err = renderer.RenderToPNG(f)
	} else {
		err = renderer.RenderToSVG(f)
	}
	if err != nil {
		return fmt.Errorf("rendering BEV scene: %w", err)
	}
	fmt.Printf("Created %s\n", out)
	return nil
}

// RunRenderOverlay renders the selected capture frame with projected
// radar targets to OutputFile. Without a capture batch a dark placeholder
// frame of the rig's size is rendered instead.
func (a *App) RunRenderOverlay() error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.configureStore(config)
	a.applyLatestCalibration(config)

	renderer := calib.NewOverlayRenderer(a.Store)
	if a.PairsFile != "" {
		pairs, err := calib.LoadPointPairs(a.PairsFile)
		if err != nil {
			return err
		}
		renderer.Pairs = pairs
	}

	out := a.OutputFile
	if out == "" {
		out = "overlay.png"
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating output file %s: %w", out, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("Warning: error closing output file %s: %v", out, err)
		}
	}()

	batch, batchErr := a.loadBatch(config)
	if batchErr == nil {
		renderer.Targets = batch.Radar.Targets
		err = renderer.RenderFile(batch.ImagePath, f)
	} else {
		log.Printf("Warning: no capture batch, rendering placeholder frame: %v", batchErr)
		err = renderer.RenderBlank(a.rigBounds(config), f)
	}
	if err != nil {
		return fmt.Errorf("rendering overlay: %w", err)
	}
	fmt.Printf("Created %s\n", out)
	return nil
}

// exportAll writes the session's pairs and lanes plus the current
// calibration record to the data directory and returns the paths.
func (a *App) exportAll() ([]string, error) {
	var paths []string
	if pairs := a.Session.Pairs(); len(pairs) > 0 {
		p, err := calib.SavePointPairs(pairs, a.DataDir)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	if lanes := a.Session.Lanes(); len(lanes) > 0 {
		p, err := calib.SaveAllLanes(lanes, a.DataDir)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	p, err := calib.SaveCalibration(a.Store.Snapshot(), a.DataDir)
	if err != nil {
		return paths, err
	}
	return append(paths, p), nil
}

// RunExport writes the current calibration record (and any captured
// annotations) to the data directory.
func (a *App) RunExport() error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.configureStore(config)
	a.applyLatestCalibration(config)

	paths, err := a.exportAll()
	if err != nil {
		return fmt.Errorf("exporting: %w", err)
	}
	for _, p := range paths {
		fmt.Printf("Created %s\n", p)
	}
	return nil
}

// RunServe starts the combined MQTT and HTTP annotation service.
func (a *App) RunServe() error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.configureStore(config)
	a.applyLatestCalibration(config)

	// Capture batches are optional: annotation needs them, live
	// projection does not.
	if _, err := a.loadBatches(config); err != nil {
		log.Printf("Warning: %v", err)
	}

	if _, err := a.openTrajectoryDB(config); err != nil {
		log.Printf("Warning: %v", err)
	}

	// Radar frames stream in over MQTT: record them for auto-matching
	// and republish their projected image positions.
	messageHandler := func(rigID string, rawPayload []byte, frame *calib.RadarFrame, err error) {
		if err != nil {
			log.Printf("[MQTT] %s: bad radar frame (%d bytes): %v", rigID, len(rawPayload), err)
			return
		}

		if a.TrajDB != nil {
			for _, tgt := range frame.Targets {
				if dbErr := a.TrajDB.AddRadarPoint(frame.FrameID, tgt); dbErr != nil {
					log.Printf("[DB] %s: storing radar point: %v", rigID, dbErr)
					break
				}
			}
		}

		if a.Publisher != nil {
			if pubErr := a.Publisher.PublishRadarFrame(rigID, *frame, a.Store); pubErr != nil {
				log.Printf("[MQTT] %s: publishing projected frame: %v", rigID, pubErr)
			}
		}
	}

	mqttClient, err := calib.InitMQTT(config, messageHandler)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	a.MQTTClient = mqttClient

	if mqttClient != nil {
		mqttClient.SetDetectionHandler(func(rigID string, frame *calib.CameraFrame) {
			if a.TrajDB == nil {
				return
			}
			for _, det := range frame.Detections {
				if dbErr := a.TrajDB.AddCameraPoint(frame.FrameID, det); dbErr != nil {
					log.Printf("[DB] %s: storing camera point: %v", rigID, dbErr)
					break
				}
			}
		})

		a.Publisher = calib.NewPublisher(mqttClient.GetClient(), config.MQTT.PublishPrefix)
		fmt.Println("MQTT projected-target publisher initialized")
	}

	httpServer := newHTTPServer(a.Session, a.Store, a.Batches, a.TrajDB, config, a.Publisher, a.DataDir)
	go func() {
		addr := fmt.Sprintf("0.0.0.0:%d", a.HttpPort)
		log.Printf("[HTTP] Starting server on %s", addr)
		if err := http.ListenAndServe(addr, httpServer); err != nil {
			log.Fatalf("[HTTP] Server error: %v", err)
		}
	}()

	fmt.Println("\nService Running")
	fmt.Println("===============")

	fmt.Println("\nMQTT:")
	if mqttClient != nil {
		fmt.Println("  Subscribed topics:")
		for _, rc := range config.Rigs {
			fmt.Printf("    - %s (%s)\n", rc.Topic, rc.ID)
		}
		prefix := config.MQTT.PublishPrefix
		if prefix == "" {
			prefix = "radarcam"
		}
		fmt.Printf("  Projected frames: %s/{rigID}/projected\n", prefix)
		fmt.Printf("  Calibration updates: %s/calibration\n", prefix)
		fmt.Printf("  Annotation status: %s/annotations\n", prefix)
	} else {
		fmt.Println("  Disabled (no broker configured)")
	}

	fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
	fmt.Println("  GET  /health               - Health check")
	fmt.Println("  GET  /session              - Annotation session state")
	fmt.Println("  GET  /params               - Current calibration record")
	fmt.Println("  GET  /bev.svg, /bev.png    - Bird's-eye scene")
	fmt.Println("  GET  /overlay.png          - Camera frame overlay")
	fmt.Println("  GET  /annotations.geojson  - Annotations in BEV coordinates")
	fmt.Println("  GET  /report.html          - Residual report")
	fmt.Println("  POST /annotate/*           - Annotation workflow")
	fmt.Println("  POST /batch, /optimize, /export")

	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
	return nil
}
