// Package gpu implements the tile compositing stage: a software GL-style
// context holding program, texture and blend state, and a compositor that
// tints grayscale tiles into additive colour contributions.
package gpu

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/seaview-tiles/server/pkg/colormap"
)

var (
	// ErrContextLost is returned by every call on a destroyed context.
	ErrContextLost = errors.New("gpu context lost")
	// ErrInvalidTexture is returned when binding or drawing with a texture
	// handle that was never created, was deleted, or holds no image.
	ErrInvalidTexture = errors.New("invalid texture")
	// ErrNoProgram is returned when drawing without an active program.
	ErrNoProgram = errors.New("no active program")
)

// Uniform names understood by the tile program.
const (
	UniformColor     = "u_color"
	UniformTileShape = "u_tile_shape"
)

// BlendFactor scales a term of the blend equation.
type BlendFactor uint8

const (
	BlendZero BlendFactor = iota
	BlendOne
	BlendConstantColor
)

func (f BlendFactor) String() string {
	switch f {
	case BlendZero:
		return "ZERO"
	case BlendOne:
		return "ONE"
	case BlendConstantColor:
		return "CONSTANT_COLOR"
	default:
		return fmt.Sprintf("BlendFactor(%d)", uint8(f))
	}
}

// TextureID is a texture handle owned by a Context.
type TextureID uint32

// Program is the tile shader: it samples a luminance texture through
// u_tile_shape and multiplies the texel by u_color.
type Program struct {
	tint  colormap.TintStrategy
	color colormap.Weight
	shape [2]int
}

var nextContextID atomic.Uint64

// Context is a single-threaded GL-style state machine. Callers serialize
// access; Compositor does so with a mutex.
type Context struct {
	id       uint64
	fb       *Frame
	textures map[TextureID]*image.Gray
	nextTex  TextureID
	bound    TextureID
	program  *Program

	srcFactor  BlendFactor
	dstFactor  BlendFactor
	blendColor colormap.Weight

	lost bool
}

// NewContext creates a context with a w×h framebuffer.
func NewContext(w, h int) *Context {
	return &Context{
		id:        nextContextID.Add(1),
		fb:        NewFrame(w, h),
		textures:  make(map[TextureID]*image.Gray),
		srcFactor: BlendOne,
		dstFactor: BlendZero,
	}
}

// ID identifies the context for logging.
func (c *Context) ID() uint64 { return c.id }

// Lost reports whether the context has been destroyed.
func (c *Context) Lost() bool { return c.lost }

// CreateProgram builds a tile program using tint for texel transfer.
func (c *Context) CreateProgram(tint colormap.TintStrategy) (*Program, error) {
	if c.lost {
		return nil, ErrContextLost
	}
	if tint == nil {
		tint = colormap.Plain{}
	}
	return &Program{tint: tint, color: colormap.Weight{1, 1, 1, 1}}, nil
}

// UseProgram makes p the active program.
func (c *Context) UseProgram(p *Program) error {
	if c.lost {
		return ErrContextLost
	}
	c.program = p
	return nil
}

// Uniform4f sets a vec4 uniform on the active program.
func (c *Context) Uniform4f(name string, v colormap.Weight) error {
	if c.lost {
		return ErrContextLost
	}
	if c.program == nil {
		return ErrNoProgram
	}
	if name != UniformColor {
		return fmt.Errorf("unknown vec4 uniform %q", name)
	}
	c.program.color = v
	return nil
}

// Uniform2i sets an ivec2 uniform on the active program.
func (c *Context) Uniform2i(name string, v [2]int) error {
	if c.lost {
		return ErrContextLost
	}
	if c.program == nil {
		return ErrNoProgram
	}
	if name != UniformTileShape {
		return fmt.Errorf("unknown ivec2 uniform %q", name)
	}
	if v[0] <= 0 || v[1] <= 0 {
		return fmt.Errorf("invalid tile shape %v", v)
	}
	c.program.shape = v
	return nil
}

// CreateTexture allocates an empty texture handle.
func (c *Context) CreateTexture() (TextureID, error) {
	if c.lost {
		return 0, ErrContextLost
	}
	c.nextTex++
	c.textures[c.nextTex] = nil
	return c.nextTex, nil
}

// TexImage uploads img into texture id.
func (c *Context) TexImage(id TextureID, img *image.Gray) error {
	if c.lost {
		return ErrContextLost
	}
	if _, ok := c.textures[id]; !ok {
		return fmt.Errorf("%w: upload to %d", ErrInvalidTexture, id)
	}
	c.textures[id] = img
	return nil
}

// BindTexture binds id to the only texture unit.
func (c *Context) BindTexture(id TextureID) error {
	if c.lost {
		return ErrContextLost
	}
	if _, ok := c.textures[id]; !ok {
		return fmt.Errorf("%w: bind %d", ErrInvalidTexture, id)
	}
	c.bound = id
	return nil
}

// DeleteTexture releases a texture handle.
func (c *Context) DeleteTexture(id TextureID) error {
	if c.lost {
		return ErrContextLost
	}
	if _, ok := c.textures[id]; !ok {
		return fmt.Errorf("%w: delete %d", ErrInvalidTexture, id)
	}
	delete(c.textures, id)
	if c.bound == id {
		c.bound = 0
	}
	return nil
}

// BlendFunc sets the source and destination factors of the additive
// blend equation: dst = src*srcFactor + dst*dstFactor.
func (c *Context) BlendFunc(src, dst BlendFactor) error {
	if c.lost {
		return ErrContextLost
	}
	c.srcFactor, c.dstFactor = src, dst
	return nil
}

// BlendColor sets the constant used by BlendConstantColor.
func (c *Context) BlendColor(w colormap.Weight) error {
	if c.lost {
		return ErrContextLost
	}
	c.blendColor = w
	return nil
}

// Viewport resizes the framebuffer when the size changes.
func (c *Context) Viewport(w, h int) error {
	if c.lost {
		return ErrContextLost
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", w, h)
	}
	if c.fb.W != w || c.fb.H != h {
		c.fb = NewFrame(w, h)
	}
	return nil
}

// Clear zeroes the framebuffer.
func (c *Context) Clear() error {
	if c.lost {
		return ErrContextLost
	}
	c.fb.Clear()
	return nil
}

// DrawQuad rasterizes a full-viewport quad with the active program and
// the bound texture, blending into the framebuffer.
func (c *Context) DrawQuad() error {
	if c.lost {
		return ErrContextLost
	}
	p := c.program
	if p == nil {
		return ErrNoProgram
	}
	tex, ok := c.textures[c.bound]
	if !ok || tex == nil {
		return fmt.Errorf("%w: draw with %d", ErrInvalidTexture, c.bound)
	}
	if p.shape[0] <= 0 || p.shape[1] <= 0 {
		return fmt.Errorf("tile shape uniform not set")
	}

	samples := c.sample(p, tex)
	planes := c.fb.planes()
	for k, plane := range planes {
		switch c.dstFactor {
		case BlendZero:
			clear(plane)
		case BlendConstantColor:
			floats.Scale(c.blendColor[k], plane)
		}
		f := c.factor(c.srcFactor, k) * p.color[k]
		if f == 0 {
			continue
		}
		if k == 3 {
			// The fragment alpha is u_color.a.
			floats.AddConst(f, plane)
			continue
		}
		floats.AddScaled(plane, f, samples)
	}
	return nil
}

func (c *Context) factor(f BlendFactor, k int) float64 {
	switch f {
	case BlendOne:
		return 1
	case BlendConstantColor:
		return c.blendColor[k]
	default:
		return 0
	}
}

// sample evaluates the fragment stage for every framebuffer pixel.
// Fragment coordinates map to texture space through u_tile_shape, so a
// shape that disagrees with the texture size stretches the tile.
func (c *Context) sample(p *Program, tex *image.Gray) []float64 {
	w, h := c.fb.W, c.fb.H
	tw, th := tex.Bounds().Dx(), tex.Bounds().Dy()
	out := make([]float64, w*h)

	var lut [256]float64
	for i := range lut {
		lut[i] = p.tint.Sample(float64(i) / 255)
	}

	cols := make([]int, w)
	for x := range cols {
		u := (float64(x) + 0.5) / float64(p.shape[0])
		cols[x] = clampIndex(int(u*float64(tw)), tw)
	}
	for y := 0; y < h; y++ {
		v := (float64(y) + 0.5) / float64(p.shape[1])
		ty := clampIndex(int(v*float64(th)), th)
		row := tex.Pix[ty*tex.Stride:]
		o := out[y*w : (y+1)*w]
		for x, tx := range cols {
			o[x] = lut[row[tx]]
		}
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// ReadPixels copies the framebuffer.
func (c *Context) ReadPixels() (*Frame, error) {
	if c.lost {
		return nil, ErrContextLost
	}
	return c.fb.Clone(), nil
}

// Destroy releases every texture and the framebuffer. Destroying a
// context twice returns ErrContextLost.
func (c *Context) Destroy() error {
	if c.lost {
		return ErrContextLost
	}
	c.lost = true
	c.textures = nil
	c.program = nil
	c.fb = nil
	c.bound = 0
	return nil
}
