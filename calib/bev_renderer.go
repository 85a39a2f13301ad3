package calib

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// canvasRenderer is the surface both the svg and rasterizer backends
// implement.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// BEVRenderer draws the bird's-eye scene: a metric grid over the
// configured viewport, live radar targets, annotated pair positions and
// lane segments mapped down from the image through the camera-to-BEV
// homography. Canvas units are BEV pixels (meters times Viewport.Scale)
// with the forward axis pointing up.
type BEVRenderer struct {
	Store       *CalibrationStore
	Viewport    BEVConfig
	Targets     []RadarTarget
	Pairs       []PointPair
	Lanes       []Lane
	Resolution  canvas.Resolution // raster density for PNG output
	GridSpacing float64           // grid line spacing in meters; 0 disables
}

// NewBEVRenderer creates a renderer over the given store and viewport
// with a 5 m grid and one raster pixel per canvas unit.
func NewBEVRenderer(store *CalibrationStore, viewport BEVConfig) *BEVRenderer {
	return &BEVRenderer{
		Store:       store,
		Viewport:    viewport,
		Resolution:  canvas.DPMM(1.0),
		GridSpacing: 5.0,
	}
}

// RenderToSVG writes the scene as an SVG to the provided writer.
func (r *BEVRenderer) RenderToSVG(w io.Writer) error {
	width, height := r.viewportSize()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the scene as a PNG to the provided writer.
func (r *BEVRenderer) RenderToPNG(w io.Writer) error {
	width, height := r.viewportSize()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, width, height)
	return png.Encode(w, rast)
}

// viewportSize returns the canvas dimensions for the configured extents.
func (r *BEVRenderer) viewportSize() (width, height float64) {
	width = (r.Viewport.LateralMax - r.Viewport.LateralMin) * r.Viewport.Scale
	height = (r.Viewport.ForwardMax - r.Viewport.ForwardMin) * r.Viewport.Scale
	return width, height
}

// toCanvas maps a BEV ground point (meters) to canvas coordinates.
// Canvas y runs upward, matching the forward axis.
func (r *BEVRenderer) toCanvas(bx, by float64) (float64, float64) {
	cx := (bx - r.Viewport.LateralMin) * r.Viewport.Scale
	cy := (by - r.Viewport.ForwardMin) * r.Viewport.Scale
	return cx, cy
}

// inViewport reports whether a BEV point falls inside the configured
// extents.
func (r *BEVRenderer) inViewport(bx, by float64) bool {
	return bx >= r.Viewport.LateralMin && bx <= r.Viewport.LateralMax &&
		by >= r.Viewport.ForwardMin && by <= r.Viewport.ForwardMax
}

// renderToCanvas draws the scene onto a canvas renderer (shared logic
// for SVG and PNG).
func (r *BEVRenderer) renderToCanvas(renderer canvasRenderer, width, height float64) {
	// White background.
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	r.renderGrid(renderer)
	r.renderLanes(renderer)
	r.renderTargets(renderer)
	r.renderPairs(renderer)
}

// renderGrid draws dashed metric grid lines plus a solid centerline at
// zero lateral offset.
func (r *BEVRenderer) renderGrid(renderer canvasRenderer) {
	if r.GridSpacing <= 0 {
		return
	}

	gridStyle := canvas.DefaultStyle
	gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	gridStyle.Stroke = canvas.Paint{Color: color.RGBA{R: 200, G: 200, B: 200, A: 255}}
	gridStyle.StrokeWidth = 0.5
	gridStyle.Dashes = []float64{4.0, 4.0}

	// Vertical lines at each lateral multiple of the spacing.
	startX := math.Ceil(r.Viewport.LateralMin/r.GridSpacing) * r.GridSpacing
	for x := startX; x <= r.Viewport.LateralMax; x += r.GridSpacing {
		gridPath := &canvas.Path{}
		x1, y1 := r.toCanvas(x, r.Viewport.ForwardMin)
		x2, y2 := r.toCanvas(x, r.Viewport.ForwardMax)
		gridPath.MoveTo(x1, y1)
		gridPath.LineTo(x2, y2)
		renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
	}

	// Horizontal lines at each forward multiple of the spacing.
	startY := math.Ceil(r.Viewport.ForwardMin/r.GridSpacing) * r.GridSpacing
	for y := startY; y <= r.Viewport.ForwardMax; y += r.GridSpacing {
		gridPath := &canvas.Path{}
		x1, y1 := r.toCanvas(r.Viewport.LateralMin, y)
		x2, y2 := r.toCanvas(r.Viewport.LateralMax, y)
		gridPath.MoveTo(x1, y1)
		gridPath.LineTo(x2, y2)
		renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
	}

	// Solid centerline marking zero lateral offset.
	if r.Viewport.LateralMin <= 0 && r.Viewport.LateralMax >= 0 {
		axisStyle := canvas.DefaultStyle
		axisStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		axisStyle.Stroke = canvas.Paint{Color: color.RGBA{R: 120, G: 120, B: 120, A: 255}}
		axisStyle.StrokeWidth = 1.0

		axisPath := &canvas.Path{}
		x1, y1 := r.toCanvas(0, r.Viewport.ForwardMin)
		x2, y2 := r.toCanvas(0, r.Viewport.ForwardMax)
		axisPath.MoveTo(x1, y1)
		axisPath.LineTo(x2, y2)
		renderer.RenderPath(axisPath, axisStyle, canvas.Identity)
	}
}

// renderTargets draws live radar targets as filled circles. Targets
// outside the viewport are skipped.
func (r *BEVRenderer) renderTargets(renderer canvasRenderer) {
	rad := r.Store.Radar()

	targetStyle := canvas.DefaultStyle
	targetStyle.Fill = canvas.Paint{Color: color.RGBA{R: 70, G: 130, B: 180, A: 255}}
	targetStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

	radius := 0.35 * r.Viewport.Scale
	for _, t := range r.Targets {
		bx, by := RadarToBEV(t.X, t.Y, rad)
		if !r.inViewport(bx, by) {
			continue
		}
		cx, cy := r.toCanvas(bx, by)
		p := canvas.Circle(radius)
		p = p.Translate(cx, cy)
		renderer.RenderPath(p, targetStyle, canvas.Identity)
	}
}

// renderPairs draws the radar positions of annotated pairs as outlined
// squares so they read differently from live targets.
func (r *BEVRenderer) renderPairs(renderer canvasRenderer) {
	rad := r.Store.Radar()

	pairStyle := canvas.DefaultStyle
	pairStyle.Fill = canvas.Paint{Color: color.RGBA{R: 230, G: 126, B: 34, A: 255}}
	pairStyle.Stroke = canvas.Paint{Color: canvas.Black}
	pairStyle.StrokeWidth = 0.5

	side := 0.6 * r.Viewport.Scale
	for _, p := range r.Pairs {
		bx, by := RadarToBEV(p.RadarX, p.RadarY, rad)
		if !r.inViewport(bx, by) {
			continue
		}
		cx, cy := r.toCanvas(bx, by)
		sq := canvas.Rectangle(side, side)
		sq = sq.Translate(cx-side/2, cy-side/2)
		renderer.RenderPath(sq, pairStyle, canvas.Identity)
	}
}

// renderLanes maps lane endpoints from image pixels to the BEV plane
// and draws them as stroked segments. Lanes whose endpoints fail the
// homography mapping are skipped.
func (r *BEVRenderer) renderLanes(renderer canvasRenderer) {
	if len(r.Lanes) == 0 {
		return
	}

	laneStyle := canvas.DefaultStyle
	laneStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	laneStyle.Stroke = canvas.Paint{Color: color.RGBA{R: 39, G: 174, B: 96, A: 255}}
	laneStyle.StrokeWidth = 0.2 * r.Viewport.Scale

	for _, l := range r.Lanes {
		sx, sy, ok := r.Store.ImageToBEV(l.StartU, l.StartV)
		if !ok {
			continue
		}
		ex, ey, ok := r.Store.ImageToBEV(l.EndU, l.EndV)
		if !ok {
			continue
		}
		lanePath := &canvas.Path{}
		x1, y1 := r.toCanvas(sx, sy)
		x2, y2 := r.toCanvas(ex, ey)
		lanePath.MoveTo(x1, y1)
		lanePath.LineTo(x2, y2)
		renderer.RenderPath(lanePath, laneStyle, canvas.Identity)
	}
}
