// Package render encodes composited frames using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"github.com/mdouchement/hdr/codec/rgbe"

	"github.com/seaview-tiles/server/internal/gpu"
)

// Config contains renderer configuration.
type Config struct {
	// Background is painted under every frame. Zero means opaque black.
	Background color.Color
}

// FrameRenderer turns float frames into PNG or Radiance HDR bytes.
type FrameRenderer struct {
	config     Config
	mu         sync.Mutex
	contexts   map[image.Point]*sync.Pool
	bufferPool sync.Pool
}

// NewFrameRenderer creates a new frame renderer.
func NewFrameRenderer(cfg Config) *FrameRenderer {
	if cfg.Background == nil {
		cfg.Background = color.Black
	}
	return &FrameRenderer{
		config:   cfg,
		contexts: make(map[image.Point]*sync.Pool),
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// contextPool returns the pool of drawing contexts of one size. Viewport
// frames and pyramid tiles come in a handful of sizes.
func (r *FrameRenderer) contextPool(w, h int) *sync.Pool {
	key := image.Pt(w, h)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.contexts[key]
	if !ok {
		p = &sync.Pool{
			New: func() interface{} {
				return gg.NewContext(w, h)
			},
		}
		r.contexts[key] = p
	}
	return p
}

// RenderPNG flattens frame over the background and encodes it as PNG.
// Accumulated values above 1 saturate.
func (r *FrameRenderer) RenderPNG(frame *gpu.Frame) ([]byte, error) {
	if frame == nil || frame.W <= 0 || frame.H <= 0 {
		return nil, fmt.Errorf("render: empty frame")
	}
	pool := r.contextPool(frame.W, frame.H)
	dc := pool.Get().(*gg.Context)
	defer pool.Put(dc)

	dc.SetColor(r.config.Background)
	dc.Clear()
	dc.DrawImage(frame, 0, 0)

	return r.encodeContext(dc)
}

// RenderHDR encodes the unclamped frame as Radiance RGBE.
func (r *FrameRenderer) RenderHDR(frame *gpu.Frame) ([]byte, error) {
	if frame == nil || frame.W <= 0 || frame.H <= 0 {
		return nil, fmt.Errorf("render: empty frame")
	}
	var buf bytes.Buffer
	if err := rgbe.Encode(&buf, frame); err != nil {
		return nil, fmt.Errorf("failed to encode hdr: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *FrameRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile creates a transparent tile, served for pyramid tiles
// with no visible channel.
func (r *FrameRenderer) CreateEmptyTile(w, h int) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
