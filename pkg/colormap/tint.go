package colormap

import (
	"fmt"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// TintStrategy decides how a channel weight and its grayscale texels are
// turned into a colour contribution. Every strategy feeds the same two
// shader inputs: the u_color uniform and the sampled texel value.
type TintStrategy interface {
	Name() string
	// Uniform returns the value bound to u_color for weight w.
	Uniform(w Weight) Weight
	// Sample maps a normalized texel value in [0, 1].
	Sample(v float64) float64
}

// Plain tints texels linearly by the weight.
type Plain struct{}

func (Plain) Name() string { return "plain" }
func (Plain) Uniform(w Weight) Weight { return w }
func (Plain) Sample(v float64) float64 { return v }

// Gamma treats weights and texels as sRGB-encoded and linearizes both
// before blending.
type Gamma struct{}

func (Gamma) Name() string { return "gamma" }

func (Gamma) Uniform(w Weight) Weight {
	r, g, b := colorful.Color{R: w[0], G: w[1], B: w[2]}.LinearRgb()
	return Weight{r, g, b, w[3]}
}

func (Gamma) Sample(v float64) float64 {
	l, _, _ := colorful.Color{R: v, G: v, B: v}.LinearRgb()
	return l
}

// StrategyByName resolves a configured strategy; "" means plain.
func StrategyByName(name string) (TintStrategy, error) {
	switch name {
	case "", "plain":
		return Plain{}, nil
	case "gamma":
		return Gamma{}, nil
	default:
		return nil, fmt.Errorf("unknown tint strategy: %s", name)
	}
}
