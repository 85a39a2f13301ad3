package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries parsed CLI flags into the application
type AppOptions struct {
	ConfigFile string
	DataDir    string
	CoarseFile string
	SyncFile   string
	PairsFile  string
	OutputFile string
	RigID      string
	Batch      int
	HttpPort   int

	CalibrateOnly bool
	RenderBEV     bool
	RenderOverlay bool
	ExportOnly    bool
}

// AppRunner is the mode surface run dispatches to
type AppRunner interface {
	ApplyOptions(opts AppOptions)
	RunCalibrate() error
	RunRenderBEV() error
	RunRenderOverlay() error
	RunExport() error
	RunServe() error
}

func run(args []string, out io.Writer, app AppRunner) error {
	fs := flag.NewFlagSet("radarcam", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory holding captures, exports, and the trajectory store")
	fs.StringVar(&opts.CoarseFile, "coarse", "", "Coarse survey file (overrides coarseFile in config)")
	fs.StringVar(&opts.SyncFile, "sync", "", "Capture sync descriptor (overrides syncFile in config)")
	fs.StringVar(&opts.PairsFile, "pairs", "", "Point-pair export to load for calibration and render modes")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for render modes")
	fs.StringVar(&opts.RigID, "rig", "", "Rig ID for image bounds and sync fetching")
	fs.IntVar(&opts.Batch, "batch", 0, "Capture batch index for render modes")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")

	fs.BoolVar(&opts.CalibrateOnly, "calibrate", false, "Run the one-shot calibration flow and exit")
	fs.BoolVar(&opts.RenderBEV, "render-bev", false, "Render the bird's-eye scene and exit")
	fs.BoolVar(&opts.RenderOverlay, "render-overlay", false, "Render the camera overlay and exit")
	fs.BoolVar(&opts.ExportOnly, "export", false, "Write annotation and calibration exports and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "radarcam version: %s\n", Version)

	app.ApplyOptions(opts)

	switch {
	case opts.CalibrateOnly:
		return app.RunCalibrate()
	case opts.RenderBEV:
		return app.RunRenderBEV()
	case opts.RenderOverlay:
		return app.RunRenderOverlay()
	case opts.ExportOnly:
		return app.RunExport()
	}

	fmt.Fprintln(out, "radarcam service starting...")
	return app.RunServe()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("radarcam: %v", err)
	}
}
