package theme

import (
	"errors"
	"image/color"
	"path/filepath"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Run("defaults are sorted", func(t *testing.T) {
		r := Default("/assets")
		names := r.Names()
		if len(names) != 2 || names[0] != "dark" || names[1] != "light" {
			t.Fatalf("unexpected names: %v", names)
		}
	})

	t.Run("logo paths are rooted in the asset dir", func(t *testing.T) {
		r := Default("/assets")
		light, err := r.Get("light")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if light.Logo != filepath.Join("/assets", "skull-black.png") {
			t.Errorf("unexpected logo %q", light.Logo)
		}
	})

	t.Run("unknown theme", func(t *testing.T) {
		_, err := Default("").Get("solarized")
		if !errors.Is(err, ErrUnknownTheme) {
			t.Errorf("expected ErrUnknownTheme, got %v", err)
		}
	})

	t.Run("new variants need no renderer change", func(t *testing.T) {
		r := Default("/assets")
		err := r.Register(Theme{
			Name:       "hacker",
			Background: color.RGBA{A: 0xff},
			Username:   color.RGBA{G: 0xff, A: 0xff},
			Logo:       "/assets/skull-green.png",
		})
		if err != nil {
			t.Fatalf("register failed: %v", err)
		}
		all := r.All()
		if len(all) != 3 || all[1].Name != "hacker" {
			t.Errorf("expected hacker between dark and light, got %v", r.Names())
		}
	})

	t.Run("invalid themes are rejected", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(Theme{Logo: "x.png"}); err == nil {
			t.Error("expected error for missing name")
		}
		if err := r.Register(Theme{Name: "x"}); err == nil {
			t.Error("expected error for missing logo")
		}
	})
}
