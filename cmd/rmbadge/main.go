package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/badge"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/generator"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/logging"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/metrics"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/scheduler"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/server"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/status"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/storage"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/theme"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/transport"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/upstream"
)

var (
	version     = "dev" // Will be set during build
	cfgFile     string
	showVersion bool
)

func main() {
	cobra.CheckErr(rootCmd.Execute())
}

var rootCmd = &cobra.Command{
	Use:           "rmbadge",
	Short:         "Root-Me profile badge generator",
	SilenceErrors: true,
	Long: `rmbadge renders profile badges for Root-Me users.

Settings are read from an optional YAML file, then from the environment
(API_URL, ROOTME_ACCOUNT_USERNAME, ROOTME_ACCOUNT_PASSWORD, URL,
STORAGE_FOLDER, LISTEN_ADDR, LOG_LEVEL):

api_url: https://api.www.root-me.org
site_url: https://www.root-me.org
login: badge-bot
password: secret
listen_addr: ":8080"
public_url: https://badges.example.org
storage_folder: storage_clients
asset_dir: storage_server
refresh_interval: 24h
requests_per_second: 20
log_level: info
access_log_path: log/upstream.log
status_dir: run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Printf("rmbadge %s\n", version)
			return nil
		}
		return cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the badge API and the generated artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}

		if found, err := a.refresher.Warm(); err != nil {
			logging.App.Warn("Ignoring counter state", "error", err)
		} else if !found {
			logging.App.Info("No counter state, totals are 0 until the first refresh")
		}
		a.refresher.Start()
		defer a.refresher.Stop()

		var statusWriter *status.Writer
		if a.config.StatusDir != "" {
			statusWriter, err = status.New(a.fs, a.config.StatusDir, a.config.StatusInterval, version, a)
			if err != nil {
				return err
			}
			if err := statusWriter.WriteStartFile(); err != nil {
				logging.App.Error("Failed to write start file", "error", err)
			}
			statusWriter.StartHeartbeat()
		}
		shutdownStatus := func(reason string) {
			if statusWriter == nil {
				return
			}
			if err := statusWriter.Shutdown(reason); err != nil {
				logging.App.Error("Failed to write stop file", "error", err)
			}
		}

		srv := server.New(a.generator, server.Config{
			Fs:          a.fs,
			StorageRoot: a.config.StorageFolder,
			Gatherer:    a.registry,
		})
		httpServer := &http.Server{
			Addr:              a.config.ListenAddr,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- httpServer.ListenAndServe()
		}()
		logging.App.Info("Starting rmbadge", "version", version, "addr", a.config.ListenAddr, "public_url", a.config.PublicURL)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				shutdownStatus("server_error")
				return fmt.Errorf("http server: %w", err)
			}
			shutdownStatus("server_closed")
			return nil
		case <-ctx.Done():
		}

		logging.App.Info("Shutting down")
		defer shutdownStatus("signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <username>",
	Short: "Generate the badges of one user and print their location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		if err := a.ensureCounters(); err != nil {
			return err
		}

		res, err := a.generator.Generate(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch res.Status {
		case upstream.Unknown:
			return fmt.Errorf("%s is not a valid Root-Me username", args[0])
		case upstream.Ambiguous:
			fmt.Fprintf(out, "Several users are named %s:\n", args[0])
			for _, c := range res.Candidates {
				fmt.Fprintf(out, "  %s (%d pts)\n", c.Label, c.Score)
			}
			return fmt.Errorf("ambiguous username, retry with one of the names above")
		}

		p := res.Profile
		fmt.Fprintf(out, "%s: %d pts, %s, %d/%d (top %s), %d/%d challenges\n",
			p.Fullname, p.Score, p.RankTitle, p.Ranking, p.RankingTot, p.TopPercent, p.ChallengesSolved, p.ChallengesTotal)
		for _, b := range res.Badges {
			fmt.Fprintf(out, "%-6s %s\n", b.Theme, b.Path)
		}
		fmt.Fprintf(out, "script %s\n", res.Script.Path)
		return nil
	},
}

var countersCmd = &cobra.Command{
	Use:   "counters",
	Short: "Estimate the upstream challenge and user totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		c, err := a.refresher.RefreshNow()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "challenges: %d\nusers: %d\n", c.Challenges, c.Users)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show version information")
	rootCmd.AddCommand(serveCmd, generateCmd, countersCmd)
}

// app is the wired component graph shared by the subcommands
type app struct {
	config    Config
	fs        afero.Fs
	registry  *prometheus.Registry
	started   time.Time
	counters  *upstream.CounterStore
	client    *upstream.Client
	refresher *scheduler.Refresher
	generator *generator.Generator
}

func setup() (*app, error) {
	if cfgFile != "" && !filepath.IsAbs(cfgFile) {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
		cfgFile = abs
	}

	var config Config
	if err := LoadConfig(cfgFile, &config); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if err := logging.Initialize(&logging.Config{
		AccessLogPath: config.AccessLogPath,
		AppLogPath:    config.AppLogPath,
		Level:         logging.ParseLevel(config.LogLevel),
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	retry := transport.DefaultRetryPolicy()
	if config.MaxAttempts > 0 {
		retry.MaxAttempts = config.MaxAttempts
	}
	if config.BackoffBase > 0 {
		retry.BackoffBase = config.BackoffBase
	}
	tr := transport.New(transport.Config{
		Timeout:           config.Timeout,
		UserAgent:         config.UserAgent,
		Retry:             retry,
		RequestsPerSecond: config.RequestsPerSecond,
		Burst:             config.Burst,
		Metrics:           m,
	})

	client, err := upstream.New(upstream.Config{
		APIURL:     config.APIURL,
		SiteURL:    config.SiteURL,
		Credential: upstream.Credential{Login: config.Login, Password: config.Password},
		Locales:    config.Locales,
		Estimator: upstream.EstimatorConfig{
			Step:             config.PageStep,
			ConvergenceWidth: config.ConvergenceWidth,
		},
		Metrics: m,
	}, tr)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}
	if err := client.Authenticate(); err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(config.StorageFolder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage folder: %w", err)
	}

	counters := upstream.NewCounterStore()
	refresher := scheduler.New(client, counters, fs, scheduler.Config{
		Interval:  config.RefreshInterval,
		StatePath: config.StatePath,
	}, m)

	renderer := &badge.Renderer{Fs: fs, FontPath: config.FontPath, Width: config.BadgeWidth, Height: config.BadgeHeight}
	store := storage.New(fs, config.StorageFolder, renderer, theme.Default(config.AssetDir))
	details := upstream.NewCachedDetails(
		upstream.ChainDetails{upstream.NewStructuredDetails(client), upstream.NewHTMLScraper(client)},
		config.DetailsCacheTime,
	)
	gen := generator.New(client, details, counters, store, generator.Config{
		PublicURL: config.PublicURL,
		SiteURL:   client.SiteURL(),
		Metrics:   m,
	})

	return &app{
		config:    config,
		fs:        fs,
		registry:  registry,
		started:   time.Now(),
		counters:  counters,
		client:    client,
		refresher: refresher,
		generator: gen,
	}, nil
}

// StartTime implements status.Provider
func (a *app) StartTime() time.Time {
	return a.started
}

// Counters implements status.Provider
func (a *app) Counters() (upstream.Counters, bool) {
	return a.counters.Load()
}

// ensureCounters loads the persisted counters, estimating them when none
// were saved yet
func (a *app) ensureCounters() error {
	found, err := a.refresher.Warm()
	if err == nil && found {
		return nil
	}
	if err != nil {
		logging.App.Warn("Ignoring counter state", "error", err)
	}
	_, err = a.refresher.RefreshNow()
	return err
}
