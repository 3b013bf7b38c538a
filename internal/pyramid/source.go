package pyramid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrTileUnavailable marks a tile that is out of range, missing or
// undecodable. Callers render it as blank and carry on.
var ErrTileUnavailable = errors.New("tile unavailable")

// Source presents one slide as a tile pyramid shared by all channels.
type Source interface {
	Addresser() Addresser
	// Fetch returns the decoded grayscale tile for k. It is safe for
	// concurrent use; tiles may complete in any order.
	Fetch(ctx context.Context, k TileKey) (*image.Gray, error)
}

// HTTPSource fetches tiles from an image server.
type HTTPSource struct {
	addr   Addresser
	client *http.Client
}

// NewHTTPSource creates a source that GETs tiles below img.Path.
func NewHTTPSource(img ImageSource, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{addr: NewAddresser(img), client: client}
}

// Addresser implements Source.
func (s *HTTPSource) Addresser() Addresser { return s.addr }

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, k TileKey) (*image.Gray, error) {
	if !s.addr.Contains(k.Level, k.X, k.Y) {
		return nil, ErrTileUnavailable
	}
	url := s.addr.URL(k)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tile request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrTileUnavailable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s: status %d", ErrTileUnavailable, url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTileUnavailable, url, err)
	}
	return decodeGray(data, url)
}

// DirSource reads tiles from a pyramid stored on the local filesystem.
// img.Path is the directory holding one sub-directory per channel.
type DirSource struct {
	addr Addresser
	root string
}

// NewDirSource creates a source rooted at img.Path.
func NewDirSource(img ImageSource) *DirSource {
	return &DirSource{addr: NewAddresser(img), root: img.Path}
}

// Addresser implements Source.
func (s *DirSource) Addresser() Addresser { return s.addr }

// Root returns the pyramid directory.
func (s *DirSource) Root() string { return s.root }

// Fetch implements Source.
func (s *DirSource) Fetch(ctx context.Context, k TileKey) (*image.Gray, error) {
	if !s.addr.Contains(k.Level, k.X, k.Y) {
		return nil, ErrTileUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.root, filepath.FromSlash(s.addr.TileName(k)))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTileUnavailable, path, err)
	}
	return decodeGray(data, path)
}

func decodeGray(data []byte, name string) (*image.Gray, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrTileUnavailable, name, err)
	}
	return ToGray(img), nil
}

// ToGray returns img as an 8-bit grayscale image anchored at (0, 0).
// Multi-band images are reduced to luminance.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}
