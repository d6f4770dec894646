// Package generator runs the badge pipeline for one username: resolve,
// fetch, normalize, then persist avatar, badges and script.
package generator

import (
	"bytes"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"

	golog "github.com/fclairamb/go-log"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/logging"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/metrics"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/profile"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/storage"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/upstream"
)

// StoragePrefix is the URL path under which the storage root is served
const StoragePrefix = "/storage_clients"

// Upstream is the part of *upstream.Client the pipeline uses
type Upstream interface {
	Resolve(raw string) (upstream.Resolution, error)
	Profile(id upstream.Identity) (upstream.RawProfile, bool, error)
	Download(rawURL string) ([]byte, error)
}

// Link is a public URL to a generated artifact
type Link struct {
	Theme string `json:"theme,omitempty"`
	Path  string `json:"-"`
	URL   string `json:"url"`
}

// Result is the outcome of Generate. Only Status and Candidates are set
// unless Status is Resolved.
type Result struct {
	Status     upstream.Status
	Profile    profile.Profile
	AvatarURL  string
	Badges     []Link
	Script     Link
	Candidates []upstream.Candidate
}

// Config configures a Generator
type Config struct {
	PublicURL string // base of artifact links
	SiteURL   string // base of profile links
	Metrics   *metrics.Metrics
	Logger    golog.Logger
}

// Generator is safe for concurrent use
type Generator struct {
	upstream  Upstream
	details   upstream.DetailsSource
	counters  *upstream.CounterStore
	storage   *storage.Manager
	publicURL string
	siteURL   string
	metrics   *metrics.Metrics
	log       golog.Logger
}

// New creates a Generator
func New(up Upstream, details upstream.DetailsSource, counters *upstream.CounterStore, store *storage.Manager, cfg Config) *Generator {
	if cfg.Logger == nil {
		cfg.Logger = logging.App
	}
	return &Generator{
		upstream:  up,
		details:   details,
		counters:  counters,
		storage:   store,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		siteURL:   cfg.SiteURL,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
	}
}

var fragment = template.Must(template.New("badge").Parse(
	`<a href="{{.Profile.URL}}" target="_blank" rel="noopener" style="text-decoration:none;color:inherit">` +
		`<div style="display:inline-flex;align-items:center;font-family:sans-serif;border:1px solid #ccc;border-radius:6px;padding:8px">` +
		`<img src="{{.AvatarURL}}" alt="{{.Profile.Name}}" width="64" height="64">` +
		`<div style="margin-left:10px;line-height:1.4">` +
		`<strong>{{.Profile.Name}}</strong><br>` +
		`{{.Profile.Score}} pts - {{.Profile.RankTitle}}<br>` +
		`{{.Profile.Ranking}}/{{.Profile.RankingTot}} (Top {{.Profile.TopPercent}})<br>` +
		`{{.Profile.ChallengesSolved}}/{{.Profile.ChallengesTotal}} challenges` +
		`</div></div></a>`))

// Fragment renders the HTML embedded by badge.js, linking the locally
// stored avatar.
func Fragment(p profile.Profile, avatarURL string) (string, error) {
	var buf bytes.Buffer
	err := fragment.Execute(&buf, struct {
		Profile   profile.Profile
		AvatarURL string
	}{p, avatarURL})
	if err != nil {
		return "", fmt.Errorf("rendering fragment: %w", err)
	}
	return buf.String(), nil
}

// Generate runs the pipeline for a raw username. Unknown and ambiguous
// usernames are not errors: they come back as the Result status.
func (g *Generator) Generate(raw string) (*Result, error) {
	res, err := g.generate(raw)
	if err != nil {
		g.metrics.Badge("error")
		return nil, err
	}
	g.metrics.Badge(res.Status.String())
	return res, nil
}

func (g *Generator) generate(raw string) (*Result, error) {
	resolution, err := g.upstream.Resolve(raw)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", raw, err)
	}
	if resolution.Status != upstream.Resolved {
		g.log.Info("Username not resolved", "query", resolution.Query, "status", resolution.Status, "candidates", len(resolution.Candidates))
		return &Result{Status: resolution.Status, Candidates: resolution.Candidates}, nil
	}
	id := resolution.Identity

	counters, ok := g.counters.Load()
	if !ok {
		g.log.Warn("Counters not available yet, totals reported as 0")
	}

	rec, found, err := g.upstream.Profile(id)
	if err != nil {
		return nil, err
	}
	if !found {
		g.log.Debug("No record, using zero-score profile", "user", id.Label())
		rec = profile.Synthetic(id, counters)
	}
	if seeder, ok := g.details.(upstream.RecordSeeder); ok {
		seeder.Remember(id, rec)
	}

	p, err := profile.Normalize(rec, id, counters, g.details, g.siteURL)
	if err != nil {
		return nil, err
	}

	folder, err := g.storage.ResolveFolder(p.Fullname)
	if err != nil {
		return nil, err
	}
	avatar, err := g.upstream.Download(p.AvatarURL)
	if err != nil {
		return nil, err
	}
	avatarPath, err := g.storage.PersistAvatar(folder, avatar)
	if err != nil {
		return nil, err
	}
	artifacts, err := g.storage.PersistBadges(p, folder, avatarPath)
	if err != nil {
		return nil, err
	}

	result := &Result{Status: upstream.Resolved, Profile: p}
	if result.AvatarURL, err = g.link(avatarPath); err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		u, err := g.link(a.Path)
		if err != nil {
			return nil, err
		}
		result.Badges = append(result.Badges, Link{Theme: a.Theme, Path: a.Path, URL: u})
	}

	html, err := Fragment(p, result.AvatarURL)
	if err != nil {
		return nil, err
	}
	scriptPath, err := g.storage.PersistEmbeddableScript(html, folder)
	if err != nil {
		return nil, err
	}
	scriptURL, err := g.link(scriptPath)
	if err != nil {
		return nil, err
	}
	result.Script = Link{Path: scriptPath, URL: scriptURL}

	g.log.Info("Generated badge", "user", p.Fullname, "folder", filepath.Base(folder), "badges", len(artifacts))
	return result, nil
}

// link maps a path below the storage root to its public URL
func (g *Generator) link(path string) (string, error) {
	rel, err := filepath.Rel(g.storage.Root(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside the storage root", path)
	}
	return g.publicURL + StoragePrefix + "/" + filepath.ToSlash(rel), nil
}
