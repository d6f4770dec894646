package status

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/logging"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/storage"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/upstream"
)

const humanTime = "Mon Jan 02 15:04:05 2006"

// Provider exposes the daemon state reported in the running file
type Provider interface {
	StartTime() time.Time
	Counters() (upstream.Counters, bool)
}

// StartInfo is the content of the last_start file
type StartInfo struct {
	TimestampUnix  int64  `yaml:"timestamp_unix"`
	TimestampHuman string `yaml:"timestamp_human"`
	PID            int    `yaml:"pid"`
	Version        string `yaml:"version"`
}

// StopInfo is the content of the last_stop file
type StopInfo struct {
	TimestampUnix  int64  `yaml:"timestamp_unix"`
	TimestampHuman string `yaml:"timestamp_human"`
	Reason         string `yaml:"reason"`
	UptimeSeconds  int64  `yaml:"uptime_seconds"`
}

// RunningInfo is the content of the running file
type RunningInfo struct {
	TimestampUnix     int64  `yaml:"timestamp_unix"`
	UptimeSeconds     int64  `yaml:"uptime_seconds"`
	ChallengesTotal   int    `yaml:"challenges_total"`
	UsersTotal        int    `yaml:"users_total"`
	CountersRefreshed string `yaml:"counters_refreshed,omitempty"`
	MemoryAllocMB     uint64 `yaml:"memory_alloc_mb"`
	Goroutines        int    `yaml:"goroutines"`
}

// Writer keeps status files in a directory so that external supervisors can
// tell when the daemon started, stopped, and whether it is still alive
type Writer struct {
	fs             afero.Fs
	dir            string
	updateInterval time.Duration
	pid            int
	version        string
	provider       Provider
	now            func() time.Time

	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates a status Writer, creating dir when needed
func New(fs afero.Fs, dir string, updateInterval time.Duration, version string, provider Provider) (*Writer, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create status directory: %w", err)
	}
	if updateInterval <= 0 {
		updateInterval = time.Minute
	}

	return &Writer{
		fs:             fs,
		dir:            dir,
		updateInterval: updateInterval,
		pid:            os.Getpid(),
		version:        version,
		provider:       provider,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}, nil
}

func (w *Writer) write(name string, v interface{}) error {
	content, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(w.fs, filepath.Join(w.dir, name), content); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// WriteStartFile records the startup in last_start
func (w *Writer) WriteStartFile() error {
	now := w.now()
	if err := w.write("last_start", StartInfo{
		TimestampUnix:  now.Unix(),
		TimestampHuman: now.Format(humanTime),
		PID:            w.pid,
		Version:        w.version,
	}); err != nil {
		return err
	}
	logging.App.Info("Wrote status file", "file", "last_start")
	return nil
}

// WriteStopFile records the shutdown in last_stop
func (w *Writer) WriteStopFile(reason string, uptime time.Duration) error {
	now := w.now()
	if err := w.write("last_stop", StopInfo{
		TimestampUnix:  now.Unix(),
		TimestampHuman: now.Format(humanTime),
		Reason:         reason,
		UptimeSeconds:  int64(uptime.Seconds()),
	}); err != nil {
		return err
	}
	logging.App.Info("Wrote status file", "file", "last_stop", "reason", reason)
	return nil
}

// StartHeartbeat rewrites the running file now and then every interval
func (w *Writer) StartHeartbeat() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.updateInterval)
		defer ticker.Stop()

		if err := w.writeRunningFile(); err != nil {
			logging.App.Error("Failed to write running file", "error", err)
		}
		for {
			select {
			case <-ticker.C:
				if err := w.writeRunningFile(); err != nil {
					logging.App.Error("Failed to write running file", "error", err)
				}
			case <-w.stopCh:
				return
			}
		}
	}()

	logging.App.Info("Started status heartbeat", "interval", w.updateInterval)
}

// Stop ends the heartbeat. It is safe to call more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		logging.App.Info("Stopped status heartbeat")
	})
}

// Shutdown stops the heartbeat and writes last_stop with the uptime reported
// by the provider. Only the first call has an effect.
func (w *Writer) Shutdown(reason string) error {
	var err error
	w.shutdownOnce.Do(func() {
		w.Stop()
		var uptime time.Duration
		if w.provider != nil {
			if start := w.provider.StartTime(); !start.IsZero() {
				uptime = w.now().Sub(start)
			}
		}
		err = w.WriteStopFile(reason, uptime)
	})
	return err
}

func (w *Writer) running() RunningInfo {
	now := w.now()
	info := RunningInfo{
		TimestampUnix: now.Unix(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if w.provider != nil {
		if start := w.provider.StartTime(); !start.IsZero() {
			info.UptimeSeconds = int64(now.Sub(start).Seconds())
		}
		if c, ok := w.provider.Counters(); ok {
			info.ChallengesTotal = c.Challenges
			info.UsersTotal = c.Users
			info.CountersRefreshed = c.RefreshedAt.UTC().Format(time.RFC3339)
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	info.MemoryAllocMB = memStats.Alloc / 1024 / 1024
	return info
}

func (w *Writer) writeRunningFile() error {
	info := w.running()
	if err := w.write("running", info); err != nil {
		return err
	}
	logging.App.Debug("Updated running file", "uptime", info.UptimeSeconds, "goroutines", info.Goroutines)
	return nil
}
