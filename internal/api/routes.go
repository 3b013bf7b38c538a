// Package api provides HTTP handlers for the seaview tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/zstd"

	"github.com/seaview-tiles/server/internal/catalog"
	"github.com/seaview-tiles/server/internal/config"
	"github.com/seaview-tiles/server/internal/gpu"
	"github.com/seaview-tiles/server/internal/pyramid"
	"github.com/seaview-tiles/server/internal/service"
	"github.com/seaview-tiles/server/internal/viewer"
	"github.com/seaview-tiles/server/pkg/colormap"
)

// SlideFactory builds the service for a newly registered slide.
type SlideFactory func(slideID string, slide config.SlideConfig) (*service.SlideService, error)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *SlideRegistry
	CORSOrigins []string
	// Catalog and NewSlide enable runtime slide registration.
	Catalog  *catalog.Store
	NewSlide SlideFactory
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(newCompressor())

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global slide endpoints (not slide-scoped)
	r.Get("/api/slides", slidesHandler(cfg.Registry, cfg.Catalog))
	r.Post("/api/slides", registerSlideHandler(cfg))

	// Slide-scoped routes: /d/{slide}/...
	r.Route("/d/{slide}", func(r chi.Router) {
		r.Use(slideMiddleware(cfg.Registry))

		// Rendered output
		r.Get("/view.png", viewPNGHandler)
		r.Get("/view.hdr", viewHDRHandler)
		r.Get("/composite/{level}/{x}/{y}.png", compositeTileHandler)

		// Raw channel tiles of directory-backed slides
		r.Get("/tiles/{subpath}/{name}", rawTileHandler)

		// API endpoints
		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Get("/channels", channelsHandler)
			r.Put("/channels/{index}/color", channelColorHandler)
			r.Post("/channels/{index}/toggle", channelToggleHandler)
			r.Get("/view", getViewHandler)
			r.Put("/view", setViewHandler)
			r.Put("/tile_shape", tileShapeHandler)
			r.Put("/surface", surfaceHandler)
			r.Get("/stats", statsHandler)
		})
	})

	return r
}

// newCompressor compresses JSON and Radiance responses, preferring zstd
// when the client accepts it.
func newCompressor() func(http.Handler) http.Handler {
	c := middleware.NewCompressor(5, "application/json", "image/vnd.radiance")
	c.SetEncoder("zstd", func(w io.Writer, level int) io.Writer {
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil
		}
		return enc
	})
	return c.Handler
}

// Context key for slide service
type ctxKey string

const slideServiceKey ctxKey = "slideService"

// slideMiddleware resolves the slide from URL and injects the slide service into context.
func slideMiddleware(registry *SlideRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slideID := chi.URLParam(r, "slide")
			svc := registry.Get(slideID)
			if svc == nil {
				http.Error(w, "slide not found: "+slideID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), slideServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSlideService(r *http.Request) *service.SlideService {
	if svc, ok := r.Context().Value(slideServiceKey).(*service.SlideService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes. fallback is used for
// errors the caller caused, e.g. a rejected legend.
func writeError(w http.ResponseWriter, err error, fallback int) {
	status := fallback
	switch {
	case errors.Is(err, service.ErrInvalidChannel), errors.Is(err, service.ErrInvalidTile),
		errors.Is(err, viewer.ErrSurfaceTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, pyramid.ErrTileUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, viewer.ErrNotReady), errors.Is(err, viewer.ErrDestroyed), errors.Is(err, gpu.ErrContextLost):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}

// slidesHandler returns the list of available slides.
func slidesHandler(registry *SlideRegistry, store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default": registry.DefaultSlideID(),
			"slides":  registry.Slides(),
			"title":   registry.Title(),
		}
		if store != nil {
			entries, err := store.List()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			response["catalog"] = entries
		}
		writeJSON(w, http.StatusOK, response)
	}
}

type registerSlideRequest struct {
	ID    string             `json:"id"`
	Slide config.SlideConfig `json:"slide"`
}

// registerSlideHandler stores a slide in the catalog and serves it. A
// slide that is already served is reloaded in place.
func registerSlideHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Catalog == nil || cfg.NewSlide == nil {
			http.Error(w, "slide catalog is disabled", http.StatusNotImplemented)
			return
		}
		var req registerSlideRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		req.ID = strings.TrimSpace(req.ID)
		if req.ID == "" {
			http.Error(w, "missing slide id", http.StatusBadRequest)
			return
		}

		slide := req.Slide
		slide.ApplyDefaults()
		if err := slide.Validate(); err != nil {
			http.Error(w, fmt.Sprintf("slide %q: %v", req.ID, err), http.StatusBadRequest)
			return
		}

		// The catalog only records slides that are actually served.
		created, err := cfg.Registry.Upsert(req.ID,
			func() (*service.SlideService, error) { return cfg.NewSlide(req.ID, slide) },
			func(svc *service.SlideService) error { return svc.Reload(slide) },
		)
		if err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		entry, err := cfg.Catalog.Register(req.ID, slide)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		log.Printf("[API] slide %s registered", req.ID)
		writeJSON(w, status, entry)
	}
}

func viewPNGHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	data, err := svc.RenderViewPNG(r.Context())
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func viewHDRHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	data, err := svc.RenderViewHDR(r.Context())
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/vnd.radiance")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func compositeTileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		http.Error(w, "invalid level", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		http.Error(w, "invalid x", http.StatusBadRequest)
		return
	}
	y, err := strconv.Atoi(chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, "invalid y", http.StatusBadRequest)
		return
	}

	data, err := svc.GetCompositeTile(r.Context(), level, x, y)
	if errors.Is(err, pyramid.ErrTileUnavailable) {
		// Return empty tile outside the pyramid
		size := svc.Slide().TileSize
		data, err = svc.GetEmptyTile(size, size)
	}
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	// The legend can change at any time.
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

func rawTileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	path, err := svc.RawTilePath(chi.URLParam(r, "subpath"), chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, svc.Info())
}

func channelsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, svc.Info().Channels)
}

func channelIndex(r *http.Request) (int, error) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", service.ErrInvalidChannel, chi.URLParam(r, "index"))
	}
	return i, nil
}

// colorRequest carries either an HSV triple or a hex colour.
type colorRequest struct {
	H   *float64 `json:"h"`
	S   *float64 `json:"s"`
	V   *float64 `json:"v"`
	Hex string   `json:"hex"`
}

func (c colorRequest) hsv() (colormap.HSV, error) {
	if c.Hex != "" {
		w, err := colormap.ParseHex(c.Hex)
		if err != nil {
			return colormap.HSV{}, err
		}
		return w.HSV(), nil
	}
	if c.H == nil {
		return colormap.HSV{}, errors.New("missing hue")
	}
	hsv := colormap.FromHue(*c.H)
	if c.S != nil {
		hsv.S = *c.S
	}
	if c.V != nil {
		hsv.V = *c.V
	}
	return hsv, nil
}

func channelColorHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	i, err := channelIndex(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	var req colorRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	hsv, err := req.hsv()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := svc.SetChannelColor(i, hsv)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func channelToggleHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	i, err := channelIndex(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	snap, err := svc.ToggleChannel(i)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func getViewHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	v, err := svc.View()
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type viewRequest struct {
	Zoom   *float64    `json:"zoom"`
	Target *[2]float64 `json:"target"`
}

func setViewHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	var req viewRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	cur, err := svc.View()
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	// Omitted fields keep their current value.
	zoom, target := cur.Zoom, cur.Target
	if req.Zoom != nil {
		zoom = *req.Zoom
	}
	if req.Target != nil {
		target = *req.Target
	}
	v, err := svc.SetView(zoom, target)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func tileShapeHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	var req struct {
		Shape [2]int `json:"shape"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	snap, err := svc.SetTileShape(req.Shape)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func surfaceHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	var req viewer.Surface
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if err := svc.Resize(req); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	v, err := svc.View()
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":  svc.CacheStats(),
		"state":  svc.Viewer().State().String(),
		"resets": svc.Viewer().Resets(),
	})
}
