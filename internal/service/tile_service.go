// Package service provides business logic for the tile server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/seaview-tiles/server/internal/cache"
	"github.com/seaview-tiles/server/internal/config"
	"github.com/seaview-tiles/server/internal/gpu"
	"github.com/seaview-tiles/server/internal/pyramid"
	"github.com/seaview-tiles/server/internal/render"
	"github.com/seaview-tiles/server/internal/settings"
	"github.com/seaview-tiles/server/internal/viewer"
	"github.com/seaview-tiles/server/pkg/colormap"
)

var (
	// ErrInvalidChannel is returned for a channel index outside the legend.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrInvalidTile is returned for malformed raw tile requests.
	ErrInvalidTile = errors.New("invalid tile")
)

// SlideServiceConfig contains slide service configuration.
type SlideServiceConfig struct {
	SlideID    string
	Slide      config.SlideConfig
	Render     config.RenderConfig
	Cache      cache.Config
	Renderer   *render.FrameRenderer
	HTTPClient *http.Client
}

// ChannelInfo describes one channel and its current colour.
type ChannelInfo struct {
	Index   int             `json:"index"`
	Name    string          `json:"name"`
	Subpath string          `json:"subpath"`
	Color   string          `json:"color"`
	HSV     colormap.HSV    `json:"hsv"`
	Weight  colormap.Weight `json:"weight"`
	Visible bool            `json:"visible"`
}

// SlideInfo is the metadata served for a slide.
type SlideInfo struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	TileSize  int           `json:"tile_size"`
	MaxLevel  int           `json:"max_level"`
	Source    string        `json:"source"`
	TileShape [2]int        `json:"tile_shape"`
	Version   uint64        `json:"version"`
	Channels  []ChannelInfo `json:"channels"`
}

// SlideService wires one slide's tile source, settings, composite cache
// and viewer context together.
type SlideService struct {
	slideID  string
	render   config.RenderConfig
	client   *http.Client
	cache    *cache.Manager
	renderer *render.FrameRenderer
	store    *settings.Store
	viewer   *viewer.Context

	slide    atomic.Pointer[config.SlideConfig]
	source   atomic.Pointer[pyramid.Source]
	lastView atomic.Pointer[viewer.ViewState]
}

// NewSlideService creates the slide's caches and mounts its viewer.
func NewSlideService(cfg SlideServiceConfig) (*SlideService, error) {
	slide := cfg.Slide
	slide.ApplyDefaults()
	if err := slide.Validate(); err != nil {
		return nil, fmt.Errorf("slide %q: %w", cfg.SlideID, err)
	}
	snap, err := initialSettings(slide)
	if err != nil {
		return nil, err
	}
	store, err := settings.NewStore(snap)
	if err != nil {
		return nil, err
	}
	cm, err := cache.NewManager(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	renderer := cfg.Renderer
	if renderer == nil {
		renderer = render.NewFrameRenderer(render.Config{})
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	s := &SlideService{
		slideID:  cfg.SlideID,
		render:   cfg.Render,
		client:   client,
		cache:    cm,
		renderer: renderer,
		store:    store,
	}
	s.viewer = viewer.New(store, cm, func(v viewer.ViewState) { s.lastView.Store(&v) })

	opts, err := s.options(slide, nil)
	if err != nil {
		cm.Close()
		return nil, err
	}
	surface := viewer.Surface{Width: cfg.Render.SurfaceWidth, Height: cfg.Render.SurfaceHeight}
	if err := s.viewer.Mount(surface, opts); err != nil {
		cm.Close()
		return nil, fmt.Errorf("failed to mount viewer: %w", err)
	}
	s.slide.Store(&slide)
	src := opts.Source
	s.source.Store(&src)
	if v, err := s.viewer.ViewState(); err == nil {
		s.lastView.Store(&v)
	}
	log.Printf("[Slide] %s ready: %dx%d, %d channels, source=%s", cfg.SlideID, slide.Width, slide.Height, len(slide.Channels), slide.Source)
	return s, nil
}

func initialSettings(slide config.SlideConfig) (settings.Snapshot, error) {
	snap := settings.Snapshot{
		Weights:   make([]colormap.Weight, len(slide.Channels)),
		Visible:   make([]bool, len(slide.Channels)),
		TileShape: [2]int{slide.TileSize, slide.TileSize},
	}
	for i, ch := range slide.Channels {
		w, err := ch.Weight()
		if err != nil {
			return settings.Snapshot{}, err
		}
		snap.Weights[i] = w
		snap.Visible[i] = ch.Visible
	}
	return snap, nil
}

// options builds the viewer options for slide. legend, when set, replaces
// the settings together with the engine.
func (s *SlideService) options(slide config.SlideConfig, legend *settings.Snapshot) (viewer.Options, error) {
	img := slide.Image()
	var src pyramid.Source
	switch slide.Source {
	case "http":
		src = pyramid.NewHTTPSource(img, s.client)
	case "dir":
		src = pyramid.NewDirSource(img)
	default:
		return viewer.Options{}, fmt.Errorf("unknown source %q", slide.Source)
	}

	tint, err := colormap.StrategyByName(s.render.Tint)
	if err != nil {
		return viewer.Options{}, err
	}
	mode, err := ParseTintMode(s.render.Mode)
	if err != nil {
		return viewer.Options{}, err
	}

	channels := make([]viewer.Channel, len(slide.Channels))
	for i, ch := range slide.Channels {
		channels[i] = viewer.Channel{Name: ch.Name, Subpath: ch.Subpath}
	}
	return viewer.Options{
		Source:   src,
		Channels: channels,
		Tint:     tint,
		Mode:     mode,
		Config: viewer.EngineConfig{
			MaxZoomPixelRatio: s.render.MaxZoomPixelRatio,
			VisibilityRatio:   s.render.VisibilityRatio,
			FetchConcurrency:  s.render.FetchConcurrency,
			MaxSurface:        s.render.MaxSurface,
		},
		Settings: legend,
	}, nil
}

// ParseTintMode maps a config name to a compositor tint mode.
func ParseTintMode(name string) (gpu.TintMode, error) {
	switch name {
	case "", "constant":
		return gpu.ConstantTint, nil
	case "uniform":
		return gpu.UniformTint, nil
	default:
		return 0, fmt.Errorf("unknown tint mode %q", name)
	}
}

// ID returns the slide id.
func (s *SlideService) ID() string { return s.slideID }

// Slide returns the slide descriptor.
func (s *SlideService) Slide() config.SlideConfig { return *s.slide.Load() }

// Viewer returns the slide's viewer context.
func (s *SlideService) Viewer() *viewer.Context { return s.viewer }

// Info returns slide metadata with the current legend.
func (s *SlideService) Info() SlideInfo {
	slide := s.Slide()
	snap := s.store.Load()
	info := SlideInfo{
		ID:        s.slideID,
		Title:     slide.Title,
		Width:     slide.Width,
		Height:    slide.Height,
		TileSize:  slide.TileSize,
		MaxLevel:  slide.MaxLevel,
		Source:    slide.Source,
		TileShape: snap.TileShape,
		Version:   snap.Version,
		Channels:  make([]ChannelInfo, 0, len(slide.Channels)),
	}
	for i, ch := range slide.Channels {
		if i >= snap.Channels() {
			break
		}
		w := snap.Weight(i)
		info.Channels = append(info.Channels, ChannelInfo{
			Index:   i,
			Name:    ch.Name,
			Subpath: ch.Subpath,
			Color:   w.Hex(),
			HSV:     w.HSV(),
			Weight:  w,
			Visible: snap.IsVisible(i),
		})
	}
	return info
}

func (s *SlideService) checkChannel(i int) error {
	if i < 0 || i >= s.store.Load().Channels() {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, i)
	}
	return nil
}

// SetChannelColor recolours channel i.
func (s *SlideService) SetChannelColor(i int, hsv colormap.HSV) (*settings.Snapshot, error) {
	if err := s.checkChannel(i); err != nil {
		return nil, err
	}
	return s.viewer.SetColorWeight(i, hsv)
}

// ToggleChannel shows or hides channel i.
func (s *SlideService) ToggleChannel(i int) (*settings.Snapshot, error) {
	if err := s.checkChannel(i); err != nil {
		return nil, err
	}
	return s.viewer.ToggleVisible(i)
}

// SetTileShape changes the active tile shape.
func (s *SlideService) SetTileShape(shape [2]int) (*settings.Snapshot, error) {
	return s.viewer.SetTileShape(shape)
}

// SetView moves the viewport.
func (s *SlideService) SetView(zoom float64, target [2]float64) (viewer.ViewState, error) {
	return s.viewer.SetViewState(zoom, target)
}

// View returns the last viewport reported by the viewer.
func (s *SlideService) View() (viewer.ViewState, error) {
	if v := s.lastView.Load(); v != nil {
		return *v, nil
	}
	return s.viewer.ViewState()
}

// Resize changes the viewer surface.
func (s *SlideService) Resize(surface viewer.Surface) error {
	return s.viewer.Resize(surface)
}

// RenderViewPNG draws the current viewport and encodes it as PNG.
func (s *SlideService) RenderViewPNG(ctx context.Context) ([]byte, error) {
	frame, _, err := s.viewer.Render(ctx)
	if err != nil {
		return nil, err
	}
	return s.renderer.RenderPNG(frame)
}

// RenderViewHDR draws the current viewport and encodes the unclamped
// framebuffer as Radiance HDR.
func (s *SlideService) RenderViewHDR(ctx context.Context) ([]byte, error) {
	frame, _, err := s.viewer.Render(ctx)
	if err != nil {
		return nil, err
	}
	return s.renderer.RenderHDR(frame)
}

// GetCompositeTile returns one pyramid tile composited across the visible
// channels as PNG.
func (s *SlideService) GetCompositeTile(ctx context.Context, level, x, y int) ([]byte, error) {
	// Check cache (prefix with slide ID)
	cacheKey := s.slideID + ":" + cache.CompositeTileKey(s.store.Load().Version, level, x, y)
	if data, ok := s.cache.GetTile(cacheKey); ok {
		return data, nil
	}

	frame, snap, err := s.viewer.ComposeTile(ctx, level, x, y)
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.RenderPNG(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to render tile: %w", err)
	}

	// Cache result
	cacheKey = s.slideID + ":" + cache.CompositeTileKey(snap.Version, level, x, y)
	if err := s.cache.SetTile(cacheKey, data); err != nil {
		log.Printf("[Slide] %s: tile %d/%d_%d not cached: %v", s.slideID, level, x, y, err)
	}
	return data, nil
}

// GetEmptyTile returns a transparent tile of the given size.
func (s *SlideService) GetEmptyTile(w, h int) ([]byte, error) {
	return s.renderer.CreateEmptyTile(w, h)
}

var tileNamePattern = regexp.MustCompile(`^\d+_\d+_\d+\.[A-Za-z]+$`)

// RawTilePath resolves a raw tile of a directory-backed slide to a file.
func (s *SlideService) RawTilePath(subpath, name string) (string, error) {
	src, ok := (*s.source.Load()).(*pyramid.DirSource)
	if !ok {
		return "", fmt.Errorf("%w: slide %s is not served from a directory", ErrInvalidTile, s.slideID)
	}
	if !tileNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTile, name)
	}
	for _, ch := range s.Slide().Channels {
		if ch.Subpath == subpath {
			return filepath.Join(src.Root(), subpath, name), nil
		}
	}
	return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidTile, subpath)
}

// Reload swaps in a new descriptor for the slide. The engine is rebuilt
// and the legend is reset to the descriptor's colours.
func (s *SlideService) Reload(slide config.SlideConfig) error {
	slide.ApplyDefaults()
	if err := slide.Validate(); err != nil {
		return fmt.Errorf("slide %q: %w", s.slideID, err)
	}
	snap, err := initialSettings(slide)
	if err != nil {
		return err
	}
	opts, err := s.options(slide, &snap)
	if err != nil {
		return err
	}
	if err := s.viewer.Reset(opts); err != nil {
		return err
	}
	// Published only once the new engine serves the slide.
	s.slide.Store(&slide)
	src := opts.Source
	s.source.Store(&src)
	log.Printf("[Slide] %s reloaded: %d channels", s.slideID, len(slide.Channels))
	return nil
}

// CacheStats returns cache statistics for the slide.
func (s *SlideService) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Close destroys the viewer and closes the cache.
func (s *SlideService) Close() error {
	if err := s.viewer.Destroy(); err != nil {
		log.Printf("[Slide] %s: %v", s.slideID, err)
	}
	return s.cache.Close()
}
