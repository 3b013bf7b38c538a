// Package config handles configuration loading for the seaview tile server.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seaview-tiles/server/internal/pyramid"
	"github.com/seaview-tiles/server/pkg/colormap"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Render  RenderConfig  `yaml:"render"`
	Catalog CatalogConfig `yaml:"catalog"`
	Slides  SlidesConfig  `yaml:"slides"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// CacheConfig contains caching settings. Every slide gets its own cache of
// this size.
type CacheConfig struct {
	SnapshotSizeMB     int `yaml:"snapshot_size_mb"`
	OutputSizeMB       int `yaml:"output_size_mb"`
	SnapshotTTLMinutes int `yaml:"snapshot_ttl_minutes"`
	MaxTiles           int `yaml:"max_tiles"`
}

// RenderConfig contains compositing and viewer settings.
type RenderConfig struct {
	Tint              string  `yaml:"tint"`
	Mode              string  `yaml:"mode"`
	MaxZoomPixelRatio float64 `yaml:"max_zoom_pixel_ratio"`
	VisibilityRatio   float64 `yaml:"visibility_ratio"`
	SurfaceWidth      int     `yaml:"surface_width"`
	SurfaceHeight     int     `yaml:"surface_height"`
	FetchConcurrency  int     `yaml:"fetch_concurrency"`
	// MaxSurface caps each side of the viewer surface in pixels.
	MaxSurface int `yaml:"max_surface"`
}

// CatalogConfig points at the SQLite slide catalog. An empty path
// disables it.
type CatalogConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// ChannelConfig describes one channel of a slide. Color takes precedence
// over Hue.
type ChannelConfig struct {
	Name    string   `yaml:"name" json:"name"`
	Subpath string   `yaml:"subpath" json:"subpath"`
	Hue     *float64 `yaml:"hue,omitempty" json:"hue,omitempty"`
	Color   string   `yaml:"color,omitempty" json:"color,omitempty"`
	Visible bool     `yaml:"visible" json:"visible"`
}

// Weight returns the channel's initial colour weight.
func (c ChannelConfig) Weight() (colormap.Weight, error) {
	switch {
	case c.Color != "":
		w, err := colormap.ParseHex(c.Color)
		if err != nil {
			return colormap.Weight{}, fmt.Errorf("channel %q: %w", c.Name, err)
		}
		return w, nil
	case c.Hue != nil:
		return colormap.FromHue(*c.Hue).Weight(), nil
	default:
		return colormap.Weight{1, 1, 1, 1}, nil
	}
}

// SlideConfig describes one multi-channel tile pyramid.
type SlideConfig struct {
	Title    string          `yaml:"title" json:"title"`
	Width    int             `yaml:"width" json:"width"`
	Height   int             `yaml:"height" json:"height"`
	TileSize int             `yaml:"tile_size" json:"tile_size"`
	MaxLevel int             `yaml:"max_level" json:"max_level"`
	Path     string          `yaml:"path" json:"path"`
	Ext      string          `yaml:"ext" json:"ext"`
	Source   string          `yaml:"source" json:"source"` // "http" or "dir"
	Channels []ChannelConfig `yaml:"channels" json:"channels"`
}

// Image returns the pyramid geometry of the slide.
func (s SlideConfig) Image() pyramid.ImageSource {
	return pyramid.ImageSource{
		Width:    s.Width,
		Height:   s.Height,
		TileSize: s.TileSize,
		MaxLevel: s.MaxLevel,
		Path:     s.Path,
		Ext:      s.Ext,
	}
}

// Validate checks the slide descriptor.
func (s SlideConfig) Validate() error {
	if err := s.Image().Validate(); err != nil {
		return err
	}
	if s.Path == "" {
		return fmt.Errorf("missing path")
	}
	if s.Source != "http" && s.Source != "dir" {
		return fmt.Errorf("unknown source %q", s.Source)
	}
	if len(s.Channels) == 0 {
		return fmt.Errorf("no channels")
	}
	for _, ch := range s.Channels {
		if ch.Subpath == "" {
			return fmt.Errorf("channel %q has no subpath", ch.Name)
		}
		if _, err := ch.Weight(); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDefaults fills the optional slide fields.
func (s *SlideConfig) ApplyDefaults() {
	if s.Ext == "" {
		s.Ext = "jpg"
	}
	if s.Source == "" {
		if strings.HasPrefix(s.Path, "http://") || strings.HasPrefix(s.Path, "https://") {
			s.Source = "http"
		} else {
			s.Source = "dir"
		}
	}
	for i := range s.Channels {
		if s.Channels[i].Name == "" {
			s.Channels[i].Name = s.Channels[i].Subpath
		}
	}
}

// SlidesConfig holds slides keyed by id, remembering YAML order. The first
// slide is the default.
type SlidesConfig struct {
	DefaultSlide string
	Slides       map[string]SlideConfig
	order        []string
}

// UnmarshalYAML keeps the mapping order of the slides section.
func (s *SlidesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("slides: expected a mapping, got %v", node.Tag)
	}
	s.Slides = make(map[string]SlideConfig, len(node.Content)/2)
	s.order = s.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var slide SlideConfig
		if err := node.Content[i+1].Decode(&slide); err != nil {
			return fmt.Errorf("slide %q: %w", id, err)
		}
		if _, dup := s.Slides[id]; !dup {
			s.order = append(s.order, id)
		}
		s.Slides[id] = slide
	}
	if len(s.order) > 0 {
		s.DefaultSlide = s.order[0]
	}
	return nil
}

// Add appends a slide, replacing any slide with the same id.
func (s *SlidesConfig) Add(id string, slide SlideConfig) {
	if s.Slides == nil {
		s.Slides = make(map[string]SlideConfig)
	}
	if _, ok := s.Slides[id]; !ok {
		s.order = append(s.order, id)
	}
	s.Slides[id] = slide
	if s.DefaultSlide == "" {
		s.DefaultSlide = id
	}
}

// SlideIDs returns slide ids in config order.
func (s *SlidesConfig) SlideIDs() []string {
	return append([]string(nil), s.order...)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	for _, id := range cfg.Slides.SlideIDs() {
		if err := cfg.Slides.Slides[id].Validate(); err != nil {
			return nil, fmt.Errorf("slide %q: %w", id, err)
		}
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "seaview",
		},
		Cache: CacheConfig{
			SnapshotSizeMB:     512,
			OutputSizeMB:       64,
			SnapshotTTLMinutes: 10,
			MaxTiles:           4096,
		},
		Render: RenderConfig{
			Tint:              "plain",
			Mode:              "constant",
			MaxZoomPixelRatio: 10,
			VisibilityRatio:   0.9,
			SurfaceWidth:      1024,
			SurfaceHeight:     768,
			FetchConcurrency:  8,
			MaxSurface:        8192,
		},
	}
	cfg.Slides.Add("tonsil", TonsilSlide())
	return cfg
}

// TonsilSlide is the bundled demo: a 3500x2500 tonsil section with nine
// immunofluorescence channels.
func TonsilSlide() SlideConfig {
	names := []string{"DNA", "Ki-67", "Keratin", "CD3D", "CD4", "CD45", "CD8A", "-SMA", "CD20"}
	labels := []string{"DNA", "Ki-67", "Keratin", "CD3D", "CD4", "CD45", "CD8A", "αSMA", "CD20"}
	hues := []float64{240, 0, 40, 80, 120, 160, 200, 280, 320}
	visible := []bool{true, true, true, false, false, true, false, true, false}

	channels := make([]ChannelConfig, len(names))
	for i := range names {
		hue := hues[i]
		channels[i] = ChannelConfig{
			Name:    labels[i],
			Subpath: fmt.Sprintf("%s_%d__%s", names[i], i, names[i]),
			Hue:     &hue,
			Visible: visible[i],
		}
	}
	return SlideConfig{
		Title:    "Tonsil",
		Width:    3500,
		Height:   2500,
		TileSize: 1024,
		MaxLevel: 2,
		Path:     "data/tonsil",
		Ext:      "jpg",
		Source:   "dir",
		Channels: channels,
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Cache.SnapshotSizeMB == 0 {
		cfg.Cache.SnapshotSizeMB = defaults.Cache.SnapshotSizeMB
	}
	if cfg.Cache.OutputSizeMB == 0 {
		cfg.Cache.OutputSizeMB = defaults.Cache.OutputSizeMB
	}
	if cfg.Cache.SnapshotTTLMinutes == 0 {
		cfg.Cache.SnapshotTTLMinutes = defaults.Cache.SnapshotTTLMinutes
	}
	if cfg.Cache.MaxTiles == 0 {
		cfg.Cache.MaxTiles = defaults.Cache.MaxTiles
	}
	if cfg.Render.Tint == "" {
		cfg.Render.Tint = defaults.Render.Tint
	}
	if cfg.Render.Mode == "" {
		cfg.Render.Mode = defaults.Render.Mode
	}
	if cfg.Render.MaxZoomPixelRatio == 0 {
		cfg.Render.MaxZoomPixelRatio = defaults.Render.MaxZoomPixelRatio
	}
	if cfg.Render.VisibilityRatio == 0 {
		cfg.Render.VisibilityRatio = defaults.Render.VisibilityRatio
	}
	if cfg.Render.SurfaceWidth == 0 {
		cfg.Render.SurfaceWidth = defaults.Render.SurfaceWidth
	}
	if cfg.Render.SurfaceHeight == 0 {
		cfg.Render.SurfaceHeight = defaults.Render.SurfaceHeight
	}
	if cfg.Render.FetchConcurrency == 0 {
		cfg.Render.FetchConcurrency = defaults.Render.FetchConcurrency
	}
	if cfg.Render.MaxSurface == 0 {
		cfg.Render.MaxSurface = defaults.Render.MaxSurface
	}
	if len(cfg.Slides.Slides) == 0 {
		cfg.Slides = defaults.Slides
	}
	for _, id := range cfg.Slides.SlideIDs() {
		slide := cfg.Slides.Slides[id]
		slide.ApplyDefaults()
		cfg.Slides.Slides[id] = slide
	}
}
