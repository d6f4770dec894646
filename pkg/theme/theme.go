// Package theme holds the named color and logo bundles used to draw badges.
package theme

import (
	"errors"
	"fmt"
	"image/color"
	"path/filepath"
	"sort"
	"sync"
)

// ErrUnknownTheme is returned when a theme name is not registered
var ErrUnknownTheme = errors.New("unknown theme")

// Theme describes the colors and logo of one badge variant
type Theme struct {
	Name       string
	Background color.RGBA
	Username   color.RGBA
	Ranking    color.RGBA
	Title      color.RGBA
	Score      color.RGBA
	Logo       string // path to a PNG with an alpha channel
}

func rgb(r, g, b uint8) color.RGBA {
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

// Light is the white background variant.
func Light(assetDir string) Theme {
	return Theme{
		Name:       "light",
		Background: rgb(255, 255, 255),
		Username:   rgb(0, 0, 0),
		Ranking:    rgb(38, 38, 38),
		Title:      rgb(255, 172, 18),
		Score:      rgb(34, 186, 0),
		Logo:       filepath.Join(assetDir, "skull-black.png"),
	}
}

// Dark is the grey background variant.
func Dark(assetDir string) Theme {
	return Theme{
		Name:       "dark",
		Background: rgb(69, 69, 69),
		Username:   rgb(255, 255, 255),
		Ranking:    rgb(255, 241, 227),
		Title:      rgb(230, 120, 2),
		Score:      rgb(34, 186, 0),
		Logo:       filepath.Join(assetDir, "skull-white.png"),
	}
}

// Registry is a set of themes keyed by name. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	themes map[string]Theme
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{themes: make(map[string]Theme)}
}

// Default returns a registry holding the built-in light and dark themes whose
// logos live in assetDir.
func Default(assetDir string) *Registry {
	r := NewRegistry()
	r.MustRegister(Light(assetDir))
	r.MustRegister(Dark(assetDir))
	return r
}

// Register adds or replaces a theme
func (r *Registry) Register(t Theme) error {
	if t.Name == "" {
		return fmt.Errorf("theme name is required")
	}
	if t.Logo == "" {
		return fmt.Errorf("theme %q: logo path is required", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.themes[t.Name] = t
	return nil
}

// MustRegister is Register for static initialization
func (r *Registry) MustRegister(t Theme) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the theme registered under name
func (r *Registry) Get(name string) (Theme, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.themes[name]
	if !ok {
		return Theme{}, fmt.Errorf("%w: %s", ErrUnknownTheme, name)
	}
	return t, nil
}

// Names returns the registered theme names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.themes))
	for name := range r.themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered themes ordered by name
func (r *Registry) All() []Theme {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Theme, 0, len(names))
	for _, name := range names {
		out = append(out, r.themes[name])
	}
	return out
}
