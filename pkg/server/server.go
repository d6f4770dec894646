// Package server exposes the badge pipeline over HTTP and serves the
// generated artifacts read-only.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	golog "github.com/fclairamb/go-log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/generator"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/logging"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/profile"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/upstream"
)

// Badger generates badges. *generator.Generator implements it.
type Badger interface {
	Generate(raw string) (*generator.Result, error)
}

// Config configures a Server
type Config struct {
	Fs          afero.Fs
	StorageRoot string
	Gatherer    prometheus.Gatherer // nil disables /metrics
	Logger      golog.Logger
}

// Server holds the HTTP handlers
type Server struct {
	badges      Badger
	fs          afero.Fs
	storageRoot string
	gatherer    prometheus.Gatherer
	log         golog.Logger
	started     time.Time
}

// New creates a Server. Artifacts are served through a read-only view of
// cfg.Fs.
func New(badges Badger, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.App
	}
	return &Server{
		badges:      badges,
		fs:          afero.NewReadOnlyFs(cfg.Fs),
		storageRoot: cfg.StorageRoot,
		gatherer:    cfg.Gatherer,
		log:         cfg.Logger,
		started:     time.Now(),
	}
}

// Router returns the route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/api/badge", s.handleBadge)
	r.Get(generator.StoragePrefix+"/{folder}/{file}", s.handleFile)
	return r
}

type ctxKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

type badgeRequest struct {
	Username string `json:"username"`
}

type badgeLink struct {
	Theme string `json:"theme"`
	URL   string `json:"url"`
}

type badgeResponse struct {
	Profile   profile.Profile `json:"profile"`
	AvatarURL string          `json:"avatar_url"`
	Badges    []badgeLink     `json:"badges"`
	ScriptURL string          `json:"script_url"`
}

type errorResponse struct {
	Error      string   `json:"error"`
	Candidates []string `json:"candidates,omitempty"`
}

func readUsername(w http.ResponseWriter, r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req badgeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			return "", err
		}
		return strings.TrimSpace(req.Username), nil
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	if _, ok := r.PostForm["username"]; !ok {
		return "", errors.New("missing username field")
	}
	return strings.TrimSpace(r.PostForm.Get("username")), nil
}

func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request) {
	log := s.log.With("request_id", requestIDFrom(r))

	username, err := readUsername(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "A wrong form has been sent."})
		return
	}
	if username == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Username is empty"})
		return
	}

	res, err := s.badges.Generate(username)
	if err != nil {
		log.Error("Badge generation failed", "username", username, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "The badge could not be generated, please try again later."})
		return
	}

	switch res.Status {
	case upstream.Unknown:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("%s is not a valid Root-Me username.", username)})
		return
	case upstream.Ambiguous:
		labels := make([]string, len(res.Candidates))
		for i, c := range res.Candidates {
			labels[i] = c.Label
		}
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:      fmt.Sprintf("Several users are named %s, pick one of them.", username),
			Candidates: labels,
		})
		return
	}

	resp := badgeResponse{Profile: res.Profile, AvatarURL: res.AvatarURL, ScriptURL: res.Script.URL}
	for _, b := range res.Badges {
		resp.Badges = append(resp.Badges, badgeLink{Theme: b.Theme, URL: b.URL})
	}
	log.Info("Badge generated", "user", res.Profile.Fullname)
	writeJSON(w, http.StatusOK, resp)
}

var (
	folderPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
	filePattern   = regexp.MustCompile(`^[A-Za-z0-9_+-]+\.[A-Za-z0-9+-]+$`)
)

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	folder, file := chi.URLParam(r, "folder"), chi.URLParam(r, "file")
	if !folderPattern.MatchString(folder) || !filePattern.MatchString(file) {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(s.storageRoot, folder, file)
	f, err := s.fs.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("Could not open artifact", "path", path, "error", err)
		}
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, file, info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.App.Warn("Failed to encode response", "error", err)
	}
}
