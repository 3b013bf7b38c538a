package viewer

import (
	"fmt"
	"image"
	"math"

	"github.com/seaview-tiles/server/internal/pyramid"
)

// Surface is the host canvas the engine draws into.
type Surface struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ViewState is the viewport exposed to the UI. Zoom is log2 of canvas
// pixels per full-resolution image pixel; Target is the view centre in
// image pixels. Center repeats Target in normalized units where the image
// height is 1.
type ViewState struct {
	Zoom   float64    `json:"zoom"`
	Target [2]float64 `json:"target"`
	Center [2]float64 `json:"center"`
}

// EngineConfig mirrors the pan/zoom options of the viewer.
type EngineConfig struct {
	// MaxZoomPixelRatio caps canvas pixels per image pixel.
	MaxZoomPixelRatio float64
	// VisibilityRatio is the share of the image that must stay in view.
	VisibilityRatio float64
	// FetchConcurrency bounds concurrent tile fetches per draw.
	FetchConcurrency int
	// MaxSurface caps each side of the surface in pixels.
	MaxSurface int
}

// DefaultEngineConfig returns the viewer defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxZoomPixelRatio: 10,
		VisibilityRatio:   0.9,
		FetchConcurrency:  8,
		MaxSurface:        8192,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.MaxZoomPixelRatio <= 0 {
		c.MaxZoomPixelRatio = d.MaxZoomPixelRatio
	}
	if c.VisibilityRatio <= 0 || c.VisibilityRatio > 1 {
		c.VisibilityRatio = d.VisibilityRatio
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = d.FetchConcurrency
	}
	if c.MaxSurface <= 0 {
		c.MaxSurface = d.MaxSurface
	}
	return c
}

// checkSurface rejects empty surfaces and surfaces past MaxSurface.
func (c EngineConfig) checkSurface(s Surface) error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("viewer: invalid surface %dx%d", s.Width, s.Height)
	}
	if s.Width > c.MaxSurface || s.Height > c.MaxSurface {
		return fmt.Errorf("%w: %dx%d exceeds %d", ErrSurfaceTooLarge, s.Width, s.Height, c.MaxSurface)
	}
	return nil
}

// HomeView shows the whole image at the coarsest level.
func HomeView(img pyramid.ImageSource) ViewState {
	return withCenter(img, ViewState{
		Zoom:   -float64(img.MaxLevel),
		Target: [2]float64{float64(img.Width) / 2, float64(img.Height) / 2},
	})
}

func withCenter(img pyramid.ImageSource, v ViewState) ViewState {
	if img.Height > 0 {
		v.Center = [2]float64{v.Target[0] / float64(img.Height), v.Target[1] / float64(img.Height)}
	}
	return v
}

func (c EngineConfig) zoomRange(img pyramid.ImageSource) (lo, hi float64) {
	return -float64(img.MaxLevel), math.Log2(c.MaxZoomPixelRatio)
}

// constrain clamps zoom to the pyramid range and pans so that the
// configured share of the image stays visible.
func (c EngineConfig) constrain(img pyramid.ImageSource, s Surface, v ViewState) ViewState {
	lo, hi := c.zoomRange(img)
	if math.IsNaN(v.Zoom) {
		v.Zoom = lo
	}
	v.Zoom = math.Min(math.Max(v.Zoom, lo), hi)

	scale := math.Exp2(v.Zoom)
	extents := [2]float64{float64(img.Width), float64(img.Height)}
	view := [2]float64{float64(s.Width) / scale, float64(s.Height) / scale}
	for i := range v.Target {
		keep := c.VisibilityRatio * math.Min(extents[i], view[i])
		minT := keep - view[i]/2
		maxT := extents[i] + view[i]/2 - keep
		if math.IsNaN(v.Target[i]) {
			v.Target[i] = extents[i] / 2
		}
		v.Target[i] = math.Min(math.Max(v.Target[i], minT), maxT)
	}
	return withCenter(img, v)
}

// levelForView picks the pyramid level whose resolution is closest above
// the view scale.
func levelForView(img pyramid.ImageSource, v ViewState) int {
	level := int(math.Floor(-v.Zoom))
	return max(0, min(level, img.MaxLevel))
}

// viewRect returns the image-space rectangle shown on the surface.
func viewRect(s Surface, v ViewState) (minX, minY, scale float64) {
	scale = math.Exp2(v.Zoom)
	minX = v.Target[0] - float64(s.Width)/scale/2
	minY = v.Target[1] - float64(s.Height)/scale/2
	return minX, minY, scale
}

// canvasRect maps an image-space rectangle onto surface pixels.
func canvasRect(r image.Rectangle, minX, minY, scale float64) image.Rectangle {
	return image.Rect(
		int(math.Round((float64(r.Min.X)-minX)*scale)),
		int(math.Round((float64(r.Min.Y)-minY)*scale)),
		int(math.Round((float64(r.Max.X)-minX)*scale)),
		int(math.Round((float64(r.Max.Y)-minY)*scale)),
	)
}
