// Package segment burns annotation shapes into an image, producing the overlay
// the classifier is run on.
package segment

import (
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/Brownie44l1/cardio-api/internal/annotation"
	"github.com/Brownie44l1/cardio-api/internal/imaging"
)

var ErrNothingToRender = errors.New("no renderable shapes")

// Options controls how shapes are drawn.
type Options struct {
	FillAlpha    uint8
	StrokeWidth  float64
	PointRadius  float64
	CirclePoints int
}

func DefaultOptions() Options {
	return Options{
		FillAlpha:    96,
		StrokeWidth:  2,
		PointRadius:  3,
		CirclePoints: 64,
	}
}

// Renderer draws LabelMe shapes: polygon, rectangle, circle, line, linestrip, point.
type Renderer struct {
	opts Options
}

func NewRenderer(opts Options) *Renderer {
	return &Renderer{opts: opts}
}

// Render returns a new RGBA overlay; img is not modified. Shape coordinates are
// mapped from the annotated image size to the (possibly resized) buffer.
func (r *Renderer) Render(doc annotation.Document, img imaging.RawImage) (image.Image, error) {
	b := img.Image.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img.Image, b.Min, draw.Src)

	sx, sy := scaleFactors(doc, img)
	cv := newCanvas(dst)

	drawn := 0
	var skipped []error
	for i, s := range doc.Parsed {
		pts := make([]point, len(s.Points))
		for j, p := range s.Points {
			pts[j] = point{p[0] * sx, p[1] * sy}
		}
		if err := r.drawShape(cv, s.Type(), s.Label, pts); err != nil {
			skipped = append(skipped, fmt.Errorf("shape %d (%s): %w", i, s.Label, err))
			continue
		}
		drawn++
	}

	if drawn == 0 {
		return nil, errors.Join(append([]error{ErrNothingToRender}, skipped...)...)
	}
	return dst, nil
}

// scaleFactors prefers the dimensions recorded in the annotation file and falls
// back to the image size before bounding.
func scaleFactors(doc annotation.Document, img imaging.RawImage) (float64, float64) {
	srcW, srcH := doc.ImageWidth, doc.ImageHeight
	if srcW <= 0 || srcH <= 0 {
		srcW, srcH = img.SourceWidth, img.SourceHeight
	}
	if srcW <= 0 || srcH <= 0 {
		return 1, 1
	}
	return float64(img.Width()) / float64(srcW), float64(img.Height()) / float64(srcH)
}

type point struct{ X, Y float64 }

// canvas reuses one rasterizer across every path drawn on an overlay.
type canvas struct {
	dst *image.RGBA
	z   *vector.Rasterizer
}

func newCanvas(dst *image.RGBA) *canvas {
	b := dst.Bounds()
	return &canvas{dst: dst, z: vector.NewRasterizer(b.Dx(), b.Dy())}
}

// paint fills the union of closed paths with c.
func (cv *canvas) paint(paths [][]point, c color.Color) {
	b := cv.dst.Bounds()
	cv.z.Reset(b.Dx(), b.Dy())
	cv.z.DrawOp = draw.Over
	for _, pts := range paths {
		if len(pts) == 0 {
			continue
		}
		cv.z.MoveTo(float32(pts[0].X), float32(pts[0].Y))
		for _, p := range pts[1:] {
			cv.z.LineTo(float32(p.X), float32(p.Y))
		}
		cv.z.ClosePath()
	}
	cv.z.Draw(cv.dst, b, image.NewUniform(c), image.Point{})
}

func (r *Renderer) drawShape(cv *canvas, kind, label string, pts []point) error {
	c := LabelColor(label)
	fill := color.NRGBA{R: c.R, G: c.G, B: c.B, A: r.opts.FillAlpha}

	switch kind {
	case "polygon":
		if len(pts) < 3 {
			return fmt.Errorf("polygon needs 3 points, got %d", len(pts))
		}
		cv.paint([][]point{pts}, fill)
		cv.paint(r.outline(pts, true), c)
	case "rectangle":
		if len(pts) < 2 {
			return fmt.Errorf("rectangle needs 2 points, got %d", len(pts))
		}
		a, b := pts[0], pts[1]
		corners := []point{{a.X, a.Y}, {b.X, a.Y}, {b.X, b.Y}, {a.X, b.Y}}
		cv.paint([][]point{corners}, fill)
		cv.paint(r.outline(corners, true), c)
	case "circle":
		if len(pts) < 2 {
			return fmt.Errorf("circle needs 2 points, got %d", len(pts))
		}
		radius := math.Hypot(pts[1].X-pts[0].X, pts[1].Y-pts[0].Y)
		ring := circle(pts[0], radius, r.opts.CirclePoints)
		cv.paint([][]point{ring}, fill)
		cv.paint(r.outline(ring, true), c)
	case "line", "linestrip":
		if len(pts) < 2 {
			return fmt.Errorf("%s needs 2 points, got %d", kind, len(pts))
		}
		cv.paint(r.outline(pts, false), c)
	case "point":
		if len(pts) < 1 {
			return errors.New("point needs 1 point")
		}
		cv.paint([][]point{circle(pts[0], r.opts.PointRadius, 16)}, c)
	default:
		return fmt.Errorf("unsupported shape type %q", kind)
	}
	return nil
}

// outline turns each segment into a quad of the configured stroke width. All quads
// share one winding direction so overlaps at joints do not cancel out.
func (r *Renderer) outline(pts []point, closed bool) [][]point {
	half := r.opts.StrokeWidth / 2
	n := len(pts) - 1
	if closed {
		n = len(pts)
	}
	quads := make([][]point, 0, n)
	for i := 0; i < n; i++ {
		a, b := pts[i], pts[(i+1)%len(pts)]
		dx, dy := b.X-a.X, b.Y-a.Y
		l := math.Hypot(dx, dy)
		if l == 0 {
			continue
		}
		nx, ny := -dy/l*half, dx/l*half
		quads = append(quads, []point{
			{a.X + nx, a.Y + ny},
			{b.X + nx, b.Y + ny},
			{b.X - nx, b.Y - ny},
			{a.X - nx, a.Y - ny},
		})
	}
	return quads
}

func circle(center point, radius float64, n int) []point {
	if n < 8 {
		n = 8
	}
	pts := make([]point, n)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = point{center.X + radius*math.Cos(a), center.Y + radius*math.Sin(a)}
	}
	return pts
}

// LabelColor maps a label to a stable, saturated color.
func LabelColor(label string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(label))
	hue := float64(h.Sum32()%360) / 60
	x := uint8(255 * (1 - math.Abs(math.Mod(hue, 2)-1)))
	switch int(hue) {
	case 0:
		return color.RGBA{255, x, 0, 255}
	case 1:
		return color.RGBA{x, 255, 0, 255}
	case 2:
		return color.RGBA{0, 255, x, 255}
	case 3:
		return color.RGBA{0, x, 255, 255}
	case 4:
		return color.RGBA{x, 0, 255, 255}
	default:
		return color.RGBA{255, 0, x, 255}
	}
}
