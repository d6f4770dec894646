// Package badge draws profile badges.
//
// All offsets and font sizes derive from the badge height so that badges of
// any size share the same layout. Identical inputs produce byte-identical
// PNG files.
package badge

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/profile"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/theme"
)

const (
	DefaultWidth  = 500
	DefaultHeight = 200
)

// Renderer draws badges from assets read through Fs
type Renderer struct {
	Fs       afero.Fs
	FontPath string
	Width    int
	Height   int

	mu    sync.Mutex
	fonts map[string]*opentype.Font
}

// NewRenderer creates a renderer with the default badge size
func NewRenderer(fs afero.Fs, fontPath string) *Renderer {
	return &Renderer{Fs: fs, FontPath: fontPath, Width: DefaultWidth, Height: DefaultHeight}
}

func (r *Renderer) size() (int, int) {
	w, h := r.Width, r.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	return w, h
}

// loadFont parses the font file once per path
func (r *Renderer) loadFont() (*opentype.Font, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.fonts[r.FontPath]; ok {
		return f, nil
	}

	data, err := afero.ReadFile(r.Fs, r.FontPath)
	if err != nil {
		return nil, &AssetMissingError{Kind: "font", Path: r.FontPath, Err: err}
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing font %s: %w", r.FontPath, err)
	}
	if r.fonts == nil {
		r.fonts = make(map[string]*opentype.Font)
	}
	r.fonts[r.FontPath] = f
	return f, nil
}

func (r *Renderer) loadImage(kind, path string) (image.Image, error) {
	data, err := afero.ReadFile(r.Fs, path)
	if err != nil {
		return nil, &AssetMissingError{Kind: kind, Path: path, Err: err}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", kind, path, err)
	}
	return img, nil
}

// Render draws the badge of p with theme th. avatarPath is read through Fs.
func (r *Renderer) Render(p profile.Profile, avatarPath string, th theme.Theme) (image.Image, error) {
	f, err := r.loadFont()
	if err != nil {
		return nil, err
	}
	logo, err := r.loadImage("logo", th.Logo)
	if err != nil {
		return nil, err
	}
	avatar, err := r.loadImage("avatar", avatarPath)
	if err != nil {
		return nil, err
	}

	w, h := r.size()
	at := func(frac float64) int { return int(float64(h) * frac) }

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(th.Background), image.Point{}, draw.Src)

	// picture on the left, 2/3 of the height
	pic, inset := at(2.0/3.0), at(0.1)
	xdraw.CatmullRom.Scale(dst, image.Rect(inset, inset, inset+pic, inset+pic), avatar, avatar.Bounds(), xdraw.Over, nil)

	column := pic + at(0.2)
	type line struct {
		x, y, size int
		color      color.RGBA
		text       string
	}
	write := func(lines ...line) error {
		for _, l := range lines {
			if err := drawText(dst, f, l.size, l.x, l.y, l.color, l.text); err != nil {
				return err
			}
		}
		return nil
	}

	if err := write(
		line{column, at(0.1), at(0.15), th.Username, p.Name},
		line{column, at(0.35), at(0.10), th.Score, ScoreText(p.Score)},
	); err != nil {
		return nil, err
	}

	// logo in the top right corner, blended through its alpha channel and
	// stacked above a username long enough to reach it
	side := at(1.0 / 3.0)
	lx := int(float64(w) - float64(side) - float64(h)*0.1)
	xdraw.CatmullRom.Scale(dst, image.Rect(lx, inset, lx+side, inset+side), logo, logo.Bounds(), xdraw.Over, nil)

	if err := write(
		line{at(0.1), at(0.8), at(0.15), th.Title, p.RankTitle},
		line{column, at(0.5), at(0.10), th.Ranking, RankingText(p.Ranking, p.RankingTot)},
	); err != nil {
		return nil, err
	}
	return dst, nil
}

// drawText draws s with the top of its ascent at (x, y)
func drawText(dst draw.Image, f *opentype.Font, size, x, y int, c color.Color, s string) error {
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return fmt.Errorf("creating font face: %w", err)
	}
	defer face.Close()

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y) + face.Metrics().Ascent},
	}
	d.DrawString(s)
	return nil
}

// ScoreText is the score line of a badge
func ScoreText(score int) string {
	return fmt.Sprintf("%d pts", score)
}

// RankingText is "ranking/total", followed by the top percentage when both
// numbers are known. The percentage never drops below 0.01.
func RankingText(ranking, total int) string {
	text := fmt.Sprintf("%d/%d", ranking, total)
	if ranking != 0 && total != 0 {
		top := float64(ranking) / float64(total) * 100
		if top < 0.01 {
			top = 0.01
		}
		text += fmt.Sprintf(" (Top %.2f%%)", top)
	}
	return text
}

// Save encodes img as PNG at path. The parent directory must already exist.
func (r *Renderer) Save(img image.Image, path string) error {
	dir := filepath.Dir(path)
	info, err := r.Fs.Stat(dir)
	if err != nil {
		return &StorageError{Path: path, Err: err}
	}
	if !info.IsDir() {
		return &StorageError{Path: path, Err: fmt.Errorf("%s is not a directory", dir)}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encoding badge: %w", err)
	}
	if err := afero.WriteFile(r.Fs, path, buf.Bytes(), 0644); err != nil {
		return &StorageError{Path: path, Err: err}
	}
	return nil
}

// RenderFile renders the badge and saves it at path
func (r *Renderer) RenderFile(p profile.Profile, avatarPath string, th theme.Theme, path string) error {
	img, err := r.Render(p, avatarPath, th)
	if err != nil {
		return err
	}
	return r.Save(img, path)
}
