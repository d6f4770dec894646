// Package storage lays out the generated artifacts of each user in a folder
// named after the hash of their fullname:
//
//	<root>/<md5(fullname)>/avatar.<ext>
//	<root>/<md5(fullname)>/static_badge_<theme>.png
//	<root>/<md5(fullname)>/badge.js
//
// Folders are created on first use and never deleted.
package storage

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	golog "github.com/fclairamb/go-log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/logging"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/profile"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/theme"
)

const (
	avatarBase = "avatar"
	scriptName = "badge.js"
)

// Renderer draws one badge file. *badge.Renderer implements it.
type Renderer interface {
	RenderFile(p profile.Profile, avatarPath string, th theme.Theme, path string) error
}

// Artifact is a badge file written for one theme
type Artifact struct {
	Theme string
	Path  string
}

// Manager writes artifacts below Root
type Manager struct {
	fs       afero.Fs
	root     string
	renderer Renderer
	themes   *theme.Registry
	log      golog.Logger
}

// New creates a Manager
func New(fs afero.Fs, root string, renderer Renderer, themes *theme.Registry) *Manager {
	return &Manager{
		fs:       fs,
		root:     root,
		renderer: renderer,
		themes:   themes,
		log:      logging.App.With("component", "storage"),
	}
}

// Root returns the storage root
func (m *Manager) Root() string {
	return m.root
}

// FolderName is the hex md5 of fullname
func FolderName(fullname string) string {
	sum := md5.Sum([]byte(fullname))
	return hex.EncodeToString(sum[:])
}

// ResolveFolder returns the folder of fullname, creating it if needed. It is
// safe to call concurrently for the same fullname.
func (m *Manager) ResolveFolder(fullname string) (string, error) {
	folder := filepath.Join(m.root, FolderName(fullname))
	if err := m.fs.MkdirAll(folder, 0755); err != nil {
		return "", fmt.Errorf("creating folder for %s: %w", fullname, err)
	}
	return folder, nil
}

// AvatarExtension derives a file extension from the sniffed content type of
// data, e.g. "png" for image/png.
func AvatarExtension(data []byte) string {
	mime := mimetype.Detect(data).String()
	mime, _, _ = strings.Cut(mime, ";")
	if i := strings.LastIndex(mime, "/"); i >= 0 {
		mime = mime[i+1:]
	}
	return strings.TrimSpace(mime)
}

// PersistAvatar stores data as the avatar of folder. Avatars previously
// stored under another extension are removed.
func (m *Manager) PersistAvatar(folder string, data []byte) (string, error) {
	ext := AvatarExtension(data)
	path := filepath.Join(folder, avatarBase+"."+ext)

	if err := WriteFileAtomic(m.fs, path, data); err != nil {
		return "", fmt.Errorf("storing avatar: %w", err)
	}

	stale, err := afero.Glob(m.fs, filepath.Join(folder, avatarBase+".*"))
	if err != nil {
		return "", fmt.Errorf("listing avatars: %w", err)
	}
	for _, old := range stale {
		if old == path || strings.HasSuffix(old, ".tmp") {
			continue
		}
		if err := m.fs.Remove(old); err != nil {
			m.log.Warn("Could not remove stale avatar", "path", old, "error", err)
		}
	}

	m.log.Debug("Stored avatar", "path", path, "bytes", len(data))
	return path, nil
}

// BadgeFile is the file name of the badge of a theme
func BadgeFile(themeName string) string {
	return "static_badge_" + themeName + ".png"
}

// PersistBadges renders the badge of p for every registered theme, in theme
// name order.
func (m *Manager) PersistBadges(p profile.Profile, folder, avatarPath string) ([]Artifact, error) {
	themes := m.themes.All()
	artifacts := make([]Artifact, 0, len(themes))
	for _, th := range themes {
		path := filepath.Join(folder, BadgeFile(th.Name))
		if err := m.renderer.RenderFile(p, avatarPath, th, path); err != nil {
			return nil, fmt.Errorf("rendering %s badge of %s: %w", th.Name, p.Fullname, err)
		}
		artifacts = append(artifacts, Artifact{Theme: th.Name, Path: path})
	}
	return artifacts, nil
}

// EmbeddableScript wraps an HTML fragment in a script that decodes and
// writes it when loaded, so that it survives embedding contexts which
// sanitize raw markup.
func EmbeddableScript(fragment string) string {
	payload := base64.StdEncoding.EncodeToString([]byte(fragment))
	return `document.write(window.atob("` + payload + `"))`
}

// PersistEmbeddableScript writes the badge.js of folder
func (m *Manager) PersistEmbeddableScript(fragment, folder string) (string, error) {
	path := filepath.Join(folder, scriptName)
	if err := WriteFileAtomic(m.fs, path, []byte(EmbeddableScript(fragment))); err != nil {
		return "", fmt.Errorf("storing script: %w", err)
	}
	return path, nil
}
