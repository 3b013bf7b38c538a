package gpu

import (
	"fmt"
	"image"
	"log"
	"sync"
	"sync/atomic"

	"github.com/seaview-tiles/server/pkg/colormap"
)

// TintMode selects where the channel weight enters the pipeline.
type TintMode int

const (
	// ConstantTint blends CONSTANT_COLOR × source into the destination,
	// with the channel weight as blend colour.
	ConstantTint TintMode = iota
	// UniformTint multiplies the texel by the weight in the program and
	// blends ONE × source.
	UniformTint
)

// CompositorConfig contains compositor configuration.
type CompositorConfig struct {
	// TileShape is the initial framebuffer and u_tile_shape value.
	TileShape [2]int
	Tint      colormap.TintStrategy
	Mode      TintMode
}

// Compositor owns one GL context and turns grayscale tiles into tinted
// frames. Every texture upload, uniform update and draw happens inside a
// single critical section.
type Compositor struct {
	mu   sync.Mutex
	gl   *Context
	prog *Program
	tex  TextureID
	tint colormap.TintStrategy
	mode TintMode

	composites atomic.Uint64
}

// NewCompositor creates the context, program and the reusable tile texture.
func NewCompositor(cfg CompositorConfig) (*Compositor, error) {
	shape := cfg.TileShape
	if shape[0] <= 0 || shape[1] <= 0 {
		return nil, fmt.Errorf("invalid tile shape %v", shape)
	}
	tint := cfg.Tint
	if tint == nil {
		tint = colormap.Plain{}
	}

	gl := NewContext(shape[0], shape[1])
	prog, err := gl.CreateProgram(tint)
	if err != nil {
		return nil, err
	}
	if err := gl.UseProgram(prog); err != nil {
		return nil, err
	}
	if err := gl.Uniform2i(UniformTileShape, shape); err != nil {
		return nil, err
	}
	tex, err := gl.CreateTexture()
	if err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case ConstantTint:
		err = gl.BlendFunc(BlendConstantColor, BlendOne)
	case UniformTint:
		err = gl.BlendFunc(BlendOne, BlendOne)
	default:
		err = fmt.Errorf("unknown tint mode %d", cfg.Mode)
	}
	if err != nil {
		gl.Destroy()
		return nil, err
	}

	log.Printf("[Compositor] context %d ready: tile shape %dx%d, tint=%s", gl.ID(), shape[0], shape[1], tint.Name())
	return &Compositor{gl: gl, prog: prog, tex: tex, tint: tint, mode: cfg.Mode}, nil
}

// Tint returns the active tint strategy.
func (c *Compositor) Tint() colormap.TintStrategy { return c.tint }

// ContextID identifies the underlying GL context.
func (c *Compositor) ContextID() uint64 { return c.gl.ID() }

// Composites returns the number of tiles composited so far.
func (c *Compositor) Composites() uint64 { return c.composites.Load() }

// Composite uploads tile, tints it with weight and returns a copy of the
// resulting frame. The shape uniform is set from the tile itself on every
// call so edge tiles never reuse a stale shape.
func (c *Compositor) Composite(tile *image.Gray, weight colormap.Weight) (*Frame, error) {
	if tile == nil {
		return nil, fmt.Errorf("%w: nil tile", ErrInvalidTexture)
	}
	shape := [2]int{tile.Bounds().Dx(), tile.Bounds().Dy()}
	u := c.tint.Uniform(weight)

	c.mu.Lock()
	defer c.mu.Unlock()

	gl := c.gl
	if err := gl.Viewport(shape[0], shape[1]); err != nil {
		return nil, err
	}
	if err := gl.TexImage(c.tex, tile); err != nil {
		return nil, err
	}
	if err := gl.BindTexture(c.tex); err != nil {
		return nil, err
	}
	if err := gl.UseProgram(c.prog); err != nil {
		return nil, err
	}
	if err := gl.Uniform2i(UniformTileShape, shape); err != nil {
		return nil, err
	}
	switch c.mode {
	case ConstantTint:
		if err := gl.Uniform4f(UniformColor, colormap.Weight{1, 1, 1, 1}); err != nil {
			return nil, err
		}
		if err := gl.BlendColor(u); err != nil {
			return nil, err
		}
	case UniformTint:
		if err := gl.Uniform4f(UniformColor, u); err != nil {
			return nil, err
		}
	}
	if err := gl.Clear(); err != nil {
		return nil, err
	}
	if err := gl.DrawQuad(); err != nil {
		return nil, err
	}
	frame, err := gl.ReadPixels()
	if err != nil {
		return nil, err
	}
	c.composites.Add(1)
	return frame, nil
}

// Release destroys the GL context. Only the first call releases anything;
// later calls return ErrContextLost.
func (c *Compositor) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gl.Destroy(); err != nil {
		return err
	}
	log.Printf("[Compositor] context %d released after %d composites", c.gl.ID(), c.composites.Load())
	return nil
}
