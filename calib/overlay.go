package calib

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// OverlayRenderer draws calibration annotations over a camera frame:
// projected radar targets with ID labels, completed pair markers with
// their reprojection offset under the current calibration, the pending
// half-capture, and lane segments. Markers landing off the frame are
// clipped by the drawing helpers.
type OverlayRenderer struct {
	Store   *CalibrationStore
	Targets []RadarTarget
	Pairs   []PointPair
	Lanes   []Lane
	Pending *PendingMark

	Labels   bool // draw target IDs next to markers
	MaxWidth int  // Lanczos-downscale wider frames; 0 keeps full size
}

// NewOverlayRenderer creates a renderer over the given store with
// labels enabled and no downscaling.
func NewOverlayRenderer(store *CalibrationStore) *OverlayRenderer {
	return &OverlayRenderer{Store: store, Labels: true}
}

// RenderFile opens the frame at path, draws the overlay, and writes the
// result as PNG.
func (r *OverlayRenderer) RenderFile(path string, w io.Writer) error {
	frame, err := imaging.Open(path)
	if err != nil {
		return fmt.Errorf("open frame %s: %w", path, err)
	}
	return r.Render(frame, w)
}

// RenderBlank draws the overlay on a dark canvas of the given size, for
// batches that carry no frame image.
func (r *OverlayRenderer) RenderBlank(bounds ImageBounds, w io.Writer) error {
	frame := imaging.New(int(bounds.Width), int(bounds.Height), color.NRGBA{R: 24, G: 24, B: 24, A: 255})
	return r.Render(frame, w)
}

// Render draws the overlay onto a copy of the frame and writes it as
// PNG, downscaling first when the frame exceeds MaxWidth.
func (r *OverlayRenderer) Render(frame image.Image, w io.Writer) error {
	img := imaging.Clone(frame)

	r.drawLanes(img)
	r.drawTargets(img)
	r.drawPairs(img)
	r.drawPending(img)

	out := image.Image(img)
	if r.MaxWidth > 0 && img.Bounds().Dx() > r.MaxWidth {
		out = imaging.Resize(img, r.MaxWidth, 0, imaging.Lanczos)
	}
	return imaging.Encode(w, out, imaging.PNG)
}

// drawTargets projects the live radar targets and marks each with a
// filled circle. Degenerate projections are dropped by ProjectTargets.
func (r *OverlayRenderer) drawTargets(img *image.NRGBA) {
	targetColor := color.RGBA{R: 70, G: 130, B: 180, A: 255}
	labelColor := color.RGBA{R: 255, G: 215, B: 0, A: 255}

	for _, pt := range r.Store.ProjectTargets(r.Targets) {
		cx, cy := pixel(pt.U), pixel(pt.V)
		drawCircle(img, cx, cy, 5, targetColor)
		if r.Labels {
			drawLabel(img, cx+8, cy-6, fmt.Sprintf("%d", pt.Target.ID), labelColor)
		}
	}
}

// drawPairs marks each completed pair: a cross at the clicked pixel, a
// square at the radar point's projection under the current calibration,
// and a thin line joining them so the residual is visible on the frame.
func (r *OverlayRenderer) drawPairs(img *image.NRGBA) {
	clickColor := color.RGBA{R: 230, G: 126, B: 34, A: 255}
	reprojColor := color.RGBA{R: 155, G: 89, B: 182, A: 255}

	for _, p := range r.Pairs {
		cx, cy := pixel(p.PixelU), pixel(p.PixelV)
		drawCross(img, cx, cy, 6, clickColor)

		u, v, ok := r.Store.Project(p.RadarX, p.RadarY)
		if !ok {
			continue
		}
		px, py := pixel(u), pixel(v)
		drawSquare(img, px, py, 6, reprojColor)
		drawSegment(img, cx, cy, px, py, 1, reprojColor)
	}
}

// drawPending highlights an in-progress capture with a ring.
func (r *OverlayRenderer) drawPending(img *image.NRGBA) {
	if r.Pending == nil {
		return
	}
	pendingColor := color.RGBA{R: 231, G: 76, B: 60, A: 255}
	drawRing(img, pixel(r.Pending.U), pixel(r.Pending.V), 10, 2, pendingColor)
}

// drawLanes draws annotated lane segments.
func (r *OverlayRenderer) drawLanes(img *image.NRGBA) {
	laneColor := color.RGBA{R: 39, G: 174, B: 96, A: 255}
	for _, l := range r.Lanes {
		drawSegment(img, pixel(l.StartU), pixel(l.StartV), pixel(l.EndU), pixel(l.EndV), 3, laneColor)
	}
}

// pixel rounds a subpixel coordinate to the nearest raster position.
func pixel(v float64) int {
	return int(math.Round(v))
}

// drawCircle draws a filled circle, clipped to the image.
func drawCircle(img *image.NRGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawRing draws a circle outline of the given thickness.
func drawRing(img *image.NRGBA, cx, cy, radius, thickness int, c color.RGBA) {
	outer := radius * radius
	in := radius - thickness
	inner := in * in
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			d := dx*dx + dy*dy
			if d <= outer && d >= inner {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawSquare draws a filled square centered on (cx, cy).
func drawSquare(img *image.NRGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			setPixel(img, cx+dx, cy+dy, c)
		}
	}
}

// drawCross draws a plus-shaped marker centered on (cx, cy).
func drawCross(img *image.NRGBA, cx, cy, arm int, c color.RGBA) {
	for d := -arm; d <= arm; d++ {
		setPixel(img, cx+d, cy, c)
		setPixel(img, cx, cy+d, c)
	}
}

// drawSegment draws a line by stamping a small square at each Bresenham
// step. thickness is the dab size in pixels.
func drawSegment(img *image.NRGBA, x0, y0, x1, y1, thickness int, c color.RGBA) {
	dx := absInt(x1 - x0)
	dy := -absInt(y1 - y0)
	sx := 1
	if x0 >= x1 {
		sx = -1
	}
	sy := 1
	if y0 >= y1 {
		sy = -1
	}
	err := dx + dy
	for {
		drawSquare(img, x0, y0, thickness, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

// drawLabel renders text at the given baseline position.
func drawLabel(img *image.NRGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// setPixel writes one pixel, ignoring positions outside the image.
func setPixel(img *image.NRGBA, x, y int, c color.RGBA) {
	if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
		img.Set(x, y, c)
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
