// Package pyramid describes deep-zoom tile pyramids and resolves tile
// addresses for each channel of a slide.
package pyramid

import (
	"fmt"
	"image"
	"math/bits"
	"strings"
)

// DefaultExt is the tile file extension used when a slide does not set one.
const DefaultExt = "jpg"

// ImageSource describes one full-resolution image and its pyramid depth.
// Level 0 is full resolution and MaxLevel is the coarsest level.
type ImageSource struct {
	Width    int    `json:"width" yaml:"width"`
	Height   int    `json:"height" yaml:"height"`
	TileSize int    `json:"tile_size" yaml:"tile_size"`
	MaxLevel int    `json:"max_level" yaml:"max_level"`
	Path     string `json:"path" yaml:"path"`
	Ext      string `json:"ext,omitempty" yaml:"ext"`
}

// Validate checks that the geometry can be tiled.
func (s ImageSource) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", s.Width, s.Height)
	}
	if s.TileSize <= 0 {
		return fmt.Errorf("invalid tile size %d", s.TileSize)
	}
	// Levels past the bit length of the image size hold a single pixel and
	// overflow the tile span.
	limit := bits.Len(uint(max(s.Width, s.Height)))
	if s.MaxLevel < 0 || s.MaxLevel > limit {
		return fmt.Errorf("invalid max level %d for a %dx%d image (at most %d)", s.MaxLevel, s.Width, s.Height, limit)
	}
	if s.TileSize<<s.MaxLevel>>s.MaxLevel != s.TileSize {
		return fmt.Errorf("tile size %d overflows at level %d", s.TileSize, s.MaxLevel)
	}
	return nil
}

// Aspect is the width of the image in normalized (height = 1) units.
func (s ImageSource) Aspect() float64 {
	if s.Height == 0 {
		return 0
	}
	return float64(s.Width) / float64(s.Height)
}

// TileKey identifies one fetchable tile of one channel.
type TileKey struct {
	Channel int
	Subpath string
	Level   int
	X, Y    int
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s@%d/%d/%d", k.Subpath, k.Level, k.X, k.Y)
}

// Addresser maps pyramid coordinates to tile identifiers for one image.
type Addresser struct {
	img ImageSource
}

// NewAddresser creates an addresser for img.
func NewAddresser(img ImageSource) Addresser {
	if img.Ext == "" {
		img.Ext = DefaultExt
	}
	return Addresser{img: img}
}

// Image returns the geometry the addresser resolves against.
func (a Addresser) Image() ImageSource {
	return a.img
}

// LevelForEngineLevel translates an engine level (0 = coarsest) into a
// pyramid level (0 = full resolution).
func (a Addresser) LevelForEngineLevel(engineLevel int) int {
	return a.img.MaxLevel - engineLevel
}

// LevelForZoom translates a view zoom in [-MaxLevel, 0], where 0 shows the
// image at full resolution, into a pyramid level.
func (a Addresser) LevelForZoom(zoom int) int {
	return a.LevelForEngineLevel(zoom + a.img.MaxLevel)
}

// Grid returns the number of tile columns and rows at a pyramid level.
func (a Addresser) Grid(level int) (cols, rows int) {
	if level < 0 || level > a.img.MaxLevel {
		return 0, 0
	}
	span := a.img.TileSize << level
	if span <= 0 || a.img.Width <= 0 || a.img.Height <= 0 {
		return 0, 0
	}
	cols = (a.img.Width-1)/span + 1
	rows = (a.img.Height-1)/span + 1
	return cols, rows
}

// Contains reports whether (level, x, y) names a tile that overlaps the
// image. Edge tiles that only partially overlap are included.
func (a Addresser) Contains(level, x, y int) bool {
	if x < 0 || y < 0 {
		return false
	}
	cols, rows := a.Grid(level)
	return x < cols && y < rows
}

// Key builds the tile key for a channel, or reports false for a
// coordinate that has no tile.
func (a Addresser) Key(channel int, subpath string, level, x, y int) (TileKey, bool) {
	if !a.Contains(level, x, y) {
		return TileKey{}, false
	}
	return TileKey{Channel: channel, Subpath: subpath, Level: level, X: x, Y: y}, true
}

// TileName returns the tile path relative to the image base path.
func (a Addresser) TileName(k TileKey) string {
	return fmt.Sprintf("%s/%d_%d_%d.%s", k.Subpath, k.Level, k.X, k.Y, a.img.Ext)
}

// URL returns "{path}/{subpath}/{level}_{x}_{y}.{ext}" for a key.
func (a Addresser) URL(k TileKey) string {
	base := strings.TrimRight(a.img.Path, "/")
	if base == "" {
		return a.TileName(k)
	}
	return base + "/" + a.TileName(k)
}

// TileURL resolves a coordinate straight to its URL. Coordinates outside
// the pyramid return false and no URL is built.
func (a Addresser) TileURL(subpath string, level, x, y int) (string, bool) {
	k, ok := a.Key(-1, subpath, level, x, y)
	if !ok {
		return "", false
	}
	return a.URL(k), true
}

// TileBounds returns the full-resolution pixel rectangle covered by a
// tile, clipped to the image.
func (a Addresser) TileBounds(level, x, y int) image.Rectangle {
	span := a.img.TileSize << level
	r := image.Rect(x*span, y*span, (x+1)*span, (y+1)*span)
	return r.Intersect(image.Rect(0, 0, a.img.Width, a.img.Height))
}

// TileShape returns the expected pixel size of a tile at a level. Edge
// tiles are smaller than TileSize.
func (a Addresser) TileShape(level, x, y int) [2]int {
	b := a.TileBounds(level, x, y)
	w := (b.Dx() + (1 << level) - 1) >> level
	h := (b.Dy() + (1 << level) - 1) >> level
	return [2]int{w, h}
}
