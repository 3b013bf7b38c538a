// Package colormap converts channel colours into blend weights for compositing.
package colormap

import (
	"fmt"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Weight is a linear blend weight (r, g, b, a), each component in [0, 1].
// It is a GPU blend constant, not a display colour.
type Weight [4]float64

// HSV is a UI-facing colour: hue in degrees [0, 360), saturation and
// value in percent [0, 100].
type HSV struct {
	H float64 `json:"h" yaml:"h"`
	S float64 `json:"s" yaml:"s"`
	V float64 `json:"v" yaml:"v"`
}

// Opaque black; contributes nothing when used as a weight.
var Black = Weight{0, 0, 0, 1}

// FromHue returns a fully saturated, full-value colour for hue h.
func FromHue(h float64) HSV {
	return HSV{H: h, S: 100, V: 100}
}

// Weight converts the colour with the six-sector HSV decomposition.
func (c HSV) Weight() Weight {
	h := math.Mod(c.H, 360)
	if math.IsNaN(h) {
		h = 0
	}
	if h < 0 {
		h += 360
	}
	s := clamp(c.S, 0, 100) / 100
	v := clamp(c.V, 0, 100) / 100

	h = h * 6 / 360
	sector := math.Floor(h)
	f := h - sector

	b := v * (1 - s)
	cc := v * (1 - f*s)
	d := v * (1 - (1-f)*s)

	switch int(sector) % 6 {
	case 0:
		return Weight{v, d, b, 1}
	case 1:
		return Weight{cc, v, b, 1}
	case 2:
		return Weight{b, v, d, 1}
	case 3:
		return Weight{b, cc, v, 1}
	case 4:
		return Weight{d, b, v, 1}
	default:
		return Weight{v, b, cc, 1}
	}
}

// HSV returns the weight's colour as a UI-facing HSV triple.
func (w Weight) HSV() HSV {
	h, s, v := colorful.Color{R: w[0], G: w[1], B: w[2]}.Hsv()
	return HSV{H: h, S: s * 100, V: v * 100}
}

// Scale multiplies the colour components by k, keeping alpha.
func (w Weight) Scale(k float64) Weight {
	return Weight{w[0] * k, w[1] * k, w[2] * k, w[3]}
}

// Valid reports whether every component is a finite value in [0, 1].
func (w Weight) Valid() bool {
	for _, c := range w {
		if math.IsNaN(c) || c < 0 || c > 1 {
			return false
		}
	}
	return true
}

// ParseHex parses "#rrggbb" into a weight with alpha 1.
func ParseHex(s string) (Weight, error) {
	c, err := colorful.Hex(s)
	if err != nil {
		return Weight{}, fmt.Errorf("invalid channel colour %q: %w", s, err)
	}
	return Weight{c.R, c.G, c.B, 1}, nil
}

// Hex formats the weight as "#rrggbb".
func (w Weight) Hex() string {
	return colorful.Color{R: w[0], G: w[1], B: w[2]}.Clamped().Hex()
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
