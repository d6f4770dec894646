// Package scheduler keeps the aggregate counters fresh in the background.
package scheduler

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/logging"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/metrics"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/storage"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/upstream"
)

// DefaultInterval is how often counters are re-estimated
const DefaultInterval = 24 * time.Hour

// Estimator computes the aggregate counters. *upstream.Client implements it.
type Estimator interface {
	EstimateChallengeCount() (int, error)
	EstimateUserCount() (int, error)
}

// Config configures a Refresher
type Config struct {
	Interval  time.Duration
	StatePath string // last snapshot, kept across restarts; empty disables it
}

// Refresher is the single writer of a CounterStore
type Refresher struct {
	estimator Estimator
	store     *upstream.CounterStore
	fs        afero.Fs
	interval  time.Duration
	statePath string
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.Mutex // serializes refreshes
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Refresher
func New(estimator Estimator, store *upstream.CounterStore, fs afero.Fs, cfg Config, m *metrics.Metrics) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Refresher{
		estimator: estimator,
		store:     store,
		fs:        fs,
		interval:  cfg.Interval,
		statePath: cfg.StatePath,
		metrics:   m,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Warm loads the snapshot persisted by a previous run. It reports whether a
// snapshot was found.
func (r *Refresher) Warm() (bool, error) {
	if r.statePath == "" {
		return false, nil
	}
	data, err := afero.ReadFile(r.fs, r.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading counter state: %w", err)
	}

	var c upstream.Counters
	if err := yaml.Unmarshal(data, &c); err != nil {
		return false, fmt.Errorf("decoding counter state %s: %w", r.statePath, err)
	}
	r.store.Store(c)
	r.metrics.Aggregates(c.Challenges, c.Users)
	logging.App.Info("Loaded counter state", "challenges", c.Challenges, "users", c.Users, "refreshed_at", c.RefreshedAt.Format(time.RFC3339))
	return true, nil
}

// RefreshNow estimates both counters and publishes them as one snapshot. On
// failure the previous snapshot stays in place.
func (r *Refresher) RefreshNow() (upstream.Counters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.now()
	challenges, err := r.estimator.EstimateChallengeCount()
	if err != nil {
		return upstream.Counters{}, fmt.Errorf("estimating challenges: %w", err)
	}
	users, err := r.estimator.EstimateUserCount()
	if err != nil {
		return upstream.Counters{}, fmt.Errorf("estimating users: %w", err)
	}

	c := upstream.Counters{Challenges: challenges, Users: users, RefreshedAt: r.now().UTC()}
	r.store.Store(c)
	r.metrics.Aggregates(challenges, users)
	logging.App.Info("Refreshed counters", "challenges", challenges, "users", users, "took", r.now().Sub(start))

	if err := r.persist(c); err != nil {
		logging.App.Warn("Failed to persist counter state", "path", r.statePath, "error", err)
	}
	return c, nil
}

func (r *Refresher) persist(c upstream.Counters) error {
	if r.statePath == "" {
		return nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(r.fs, r.statePath, data)
}

// Start refreshes immediately, then every interval until Stop
func (r *Refresher) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.refresh()
		for {
			select {
			case <-ticker.C:
				r.refresh()
			case <-r.stopCh:
				return
			}
		}
	}()

	logging.App.Info("Started counter refresh", "interval", r.interval)
}

func (r *Refresher) refresh() {
	if _, err := r.RefreshNow(); err != nil {
		logging.App.Error("Counter refresh failed, keeping previous values", "error", err)
	}
}

// Stop ends the refresh goroutine and waits for it. A refresh in progress
// completes first.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	logging.App.Info("Stopped counter refresh")
}
