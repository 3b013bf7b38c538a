package gpu

import (
	"image"
	"image/color"
	"math"

	"github.com/mdouchement/hdr/hdrcolor"
	"gonum.org/v1/gonum/floats"
)

// Frame is a floating point RGBA framebuffer stored as four planes.
// Values are linear and may exceed 1 after additive accumulation.
type Frame struct {
	W, H       int
	R, G, B, A []float64
}

// NewFrame allocates a cleared w×h frame.
func NewFrame(w, h int) *Frame {
	n := w * h
	return &Frame{
		W: w,
		H: h,
		R: make([]float64, n),
		G: make([]float64, n),
		B: make([]float64, n),
		A: make([]float64, n),
	}
}

func (f *Frame) planes() [4][]float64 {
	return [4][]float64{f.R, f.G, f.B, f.A}
}

// Clear zeroes every plane.
func (f *Frame) Clear() {
	for _, p := range f.planes() {
		clear(p)
	}
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := NewFrame(f.W, f.H)
	copy(c.R, f.R)
	copy(c.G, f.G)
	copy(c.B, f.B)
	copy(c.A, f.A)
	return c
}

// Equal reports whether both frames hold bit-identical pixels.
func (f *Frame) Equal(o *Frame) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.W != o.W || f.H != o.H {
		return false
	}
	fp, op := f.planes(), o.planes()
	for k := range fp {
		for i := range fp[k] {
			if math.Float64bits(fp[k][i]) != math.Float64bits(op[k][i]) {
				return false
			}
		}
	}
	return true
}

// Add accumulates a frame of the same size into f.
func (f *Frame) Add(o *Frame) {
	if f.W != o.W || f.H != o.H {
		panic("gpu: frame size mismatch")
	}
	fp, op := f.planes(), o.planes()
	for k := range fp {
		floats.Add(fp[k], op[k])
	}
}

// Blit additively draws src scaled into dst (in f's pixel space) with
// nearest-neighbour sampling. Parts of dst outside f are skipped.
func (f *Frame) Blit(src *Frame, dst image.Rectangle) {
	if src == nil || src.W == 0 || src.H == 0 || dst.Empty() {
		return
	}
	clip := dst.Intersect(image.Rect(0, 0, f.W, f.H))
	if clip.Empty() {
		return
	}
	sx := float64(src.W) / float64(dst.Dx())
	sy := float64(src.H) / float64(dst.Dy())

	cols := make([]int, clip.Dx())
	for i := range cols {
		x := int((float64(clip.Min.X+i-dst.Min.X) + 0.5) * sx)
		cols[i] = min(x, src.W-1)
	}
	fp, sp := f.planes(), src.planes()
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		ty := min(int((float64(y-dst.Min.Y)+0.5)*sy), src.H-1)
		row := y*f.W + clip.Min.X
		srow := ty * src.W
		for k := range fp {
			d := fp[k][row : row+len(cols)]
			s := sp[k]
			for i, tx := range cols {
				d[i] += s[srow+tx]
			}
		}
	}
}

// Pixel returns the accumulated value at (x, y).
func (f *Frame) Pixel(x, y int) [4]float64 {
	i := y*f.W + x
	return [4]float64{f.R[i], f.G[i], f.B[i], f.A[i]}
}

// ColorModel implements image.Image.
func (f *Frame) ColorModel() color.Model { return color.RGBA64Model }

// Bounds implements image.Image.
func (f *Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.W, f.H) }

// At implements image.Image. Channels are clamped to [0, 1] and the
// composite is shown opaque over black.
func (f *Frame) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(f.Bounds())) {
		return color.RGBA64{}
	}
	i := y*f.W + x
	return color.RGBA64{
		R: to16(f.R[i]),
		G: to16(f.G[i]),
		B: to16(f.B[i]),
		A: 0xffff,
	}
}

// HDRAt implements hdr.Image with the unclamped accumulation.
func (f *Frame) HDRAt(x, y int) hdrcolor.Color {
	i := y*f.W + x
	return hdrcolor.RGB{R: f.R[i], G: f.G[i], B: f.B[i]}
}

// Size implements hdr.Image.
func (f *Frame) Size() int { return f.W * f.H }

func to16(v float64) uint16 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 0xffff
	}
	return uint16(v*0xffff + 0.5)
}
