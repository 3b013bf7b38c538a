package api

import (
	"log"
	"sync"

	"github.com/seaview-tiles/server/internal/service"
)

// SlideInfo contains information about a slide for the API response.
type SlideInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Channels int    `json:"channels"`
}

// SlideRegistry holds slide services for all configured and registered
// slides.
type SlideRegistry struct {
	// regMu serializes Upsert so a slide id is built at most once.
	regMu        sync.Mutex
	mu           sync.RWMutex
	services     map[string]*service.SlideService
	defaultSlide string
	slideOrder   []string
	title        string
}

// NewSlideRegistry creates a new slide registry.
func NewSlideRegistry(defaultSlide string, title string) *SlideRegistry {
	return &SlideRegistry{
		services:     make(map[string]*service.SlideService),
		defaultSlide: defaultSlide,
		title:        title,
	}
}

// Register adds a slide service. The first registered slide becomes the
// default when none was configured. A different service already held
// under the same id is closed.
func (r *SlideRegistry) Register(slideID string, svc *service.SlideService) {
	r.mu.Lock()
	prev, ok := r.services[slideID]
	if !ok {
		r.slideOrder = append(r.slideOrder, slideID)
	}
	r.services[slideID] = svc
	if r.defaultSlide == "" {
		r.defaultSlide = slideID
	}
	r.mu.Unlock()

	if ok && prev != svc {
		if err := prev.Close(); err != nil {
			log.Printf("[Registry] failed to close replaced slide %s: %v", slideID, err)
		}
	}
}

// Upsert reloads the service held under slideID, or builds and registers
// a new one when none exists. Calls for the same registry are serialized,
// so concurrent registrations of a new id build a single service.
func (r *SlideRegistry) Upsert(
	slideID string,
	create func() (*service.SlideService, error),
	reload func(*service.SlideService) error,
) (created bool, err error) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	if svc := r.Get(slideID); svc != nil {
		return false, reload(svc)
	}
	svc, err := create()
	if err != nil {
		return false, err
	}
	r.Register(slideID, svc)
	return true, nil
}

// Get returns the slide service for a slide, or nil if not found.
func (r *SlideRegistry) Get(slideID string) *service.SlideService {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[slideID]
}

// Default returns the default slide's service.
func (r *SlideRegistry) Default() *service.SlideService {
	return r.Get(r.DefaultSlideID())
}

// DefaultSlideID returns the default slide ID.
func (r *SlideRegistry) DefaultSlideID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultSlide
}

// SlideIDs returns all slide IDs in registration order.
func (r *SlideRegistry) SlideIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.slideOrder...)
}

// Title returns the configured site title.
func (r *SlideRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "seaview"
}

// Slides returns slide info for all registered slides.
func (r *SlideRegistry) Slides() []SlideInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]SlideInfo, 0, len(r.slideOrder))
	for _, id := range r.slideOrder {
		slide := r.services[id].Slide()
		name := slide.Title
		if name == "" {
			name = id
		}
		infos = append(infos, SlideInfo{
			ID:       id,
			Name:     name,
			Channels: len(slide.Channels),
		})
	}
	return infos
}

// Close releases every slide service.
func (r *SlideRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.slideOrder {
		if err := r.services[id].Close(); err != nil {
			log.Printf("[Registry] failed to close slide %s: %v", id, err)
		}
	}
}
