package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the rmbadge configuration
type Config struct {
	// Upstream REST endpoints, HTML site and service account
	APIURL   string `yaml:"api_url"`
	SiteURL  string `yaml:"site_url,omitempty"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	// Languages searched when resolving usernames
	Locales []string `yaml:"locales,omitempty"`

	// Public surface
	ListenAddr string `yaml:"listen_addr"`
	PublicURL  string `yaml:"public_url"` // Base of artifact links

	// Files
	StorageFolder string `yaml:"storage_folder"`
	AssetDir      string `yaml:"asset_dir"`
	// Defaults to BebasNeue-Regular.ttf in AssetDir
	FontPath string `yaml:"font_path,omitempty"`
	// Last counter snapshot, reloaded at startup
	StatePath   string `yaml:"state_path,omitempty"`
	BadgeWidth  int    `yaml:"badge_width,omitempty"`
	BadgeHeight int    `yaml:"badge_height,omitempty"`

	// Daemon status files, disabled when empty
	StatusDir      string        `yaml:"status_dir,omitempty"`
	StatusInterval time.Duration `yaml:"status_interval,omitempty"`

	// How long scraped avatar and rank are reused
	DetailsCacheTime time.Duration `yaml:"details_cache_time,omitempty"`

	// Counters
	RefreshInterval  time.Duration `yaml:"refresh_interval,omitempty"`
	PageStep         int           `yaml:"page_step,omitempty"`
	ConvergenceWidth int           `yaml:"convergence_width,omitempty"`

	// Transport
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	MaxAttempts       int           `yaml:"max_attempts,omitempty"`
	BackoffBase       time.Duration `yaml:"backoff_base,omitempty"`
	RequestsPerSecond float64       `yaml:"requests_per_second,omitempty"`
	Burst             int           `yaml:"burst,omitempty"`
	UserAgent         string        `yaml:"user_agent,omitempty"`

	// Logging. The application log goes to stdout when AppLogPath is empty.
	LogLevel      string `yaml:"log_level,omitempty"`
	AppLogPath    string `yaml:"app_log_path,omitempty"`
	AccessLogPath string `yaml:"access_log_path,omitempty"`
}

// envOverrides maps environment variables onto configuration fields
var envOverrides = map[string]func(*Config, string){
	"API_URL":                 func(c *Config, v string) { c.APIURL = v },
	"ROOTME_ACCOUNT_USERNAME": func(c *Config, v string) { c.Login = v },
	"ROOTME_ACCOUNT_PASSWORD": func(c *Config, v string) { c.Password = v },
	"URL":                     func(c *Config, v string) { c.PublicURL = v },
	"STORAGE_FOLDER":          func(c *Config, v string) { c.StorageFolder = v },
	"LISTEN_ADDR":             func(c *Config, v string) { c.ListenAddr = v },
	"LOG_LEVEL":               func(c *Config, v string) { c.LogLevel = v },
}

// LoadConfig loads the optional YAML file at path, applies environment
// overrides and fills defaults. Relative paths from the file are resolved
// against its directory.
func LoadConfig(path string, config *Config) error {
	configDir := ""
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
		configDir = filepath.Dir(path)
	}

	for name, apply := range envOverrides {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			apply(config, v)
		}
	}

	// Set defaults for optional settings
	if config.APIURL == "" {
		config.APIURL = "https://api.www.root-me.org"
	}
	if config.SiteURL == "" {
		config.SiteURL = "https://www.root-me.org"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.PublicURL == "" {
		config.PublicURL = "http://localhost" + config.ListenAddr
	}
	config.PublicURL = strings.TrimRight(config.PublicURL, "/")
	if config.StorageFolder == "" {
		config.StorageFolder = "storage_clients"
	}
	if config.AssetDir == "" {
		config.AssetDir = "storage_server"
	}
	if config.RefreshInterval == 0 {
		config.RefreshInterval = 24 * time.Hour
	}
	if config.DetailsCacheTime == 0 {
		config.DetailsCacheTime = time.Hour
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	if configDir != "" {
		for _, p := range []*string{&config.StorageFolder, &config.AssetDir, &config.FontPath, &config.StatePath, &config.StatusDir, &config.AppLogPath, &config.AccessLogPath} {
			if *p != "" && !filepath.IsAbs(*p) {
				*p = filepath.Join(configDir, *p)
			}
		}
	}
	if config.FontPath == "" {
		config.FontPath = filepath.Join(config.AssetDir, "BebasNeue-Regular.ttf")
	}
	if config.StatePath == "" {
		config.StatePath = filepath.Join(config.StorageFolder, ".counters.yaml")
	}

	return nil
}

// Validate reports the first missing required setting
func (c *Config) Validate() error {
	switch {
	case c.APIURL == "":
		return fmt.Errorf("api_url is required")
	case c.Login == "" || c.Password == "":
		return fmt.Errorf("upstream credential is required (login/password or ROOTME_ACCOUNT_USERNAME/ROOTME_ACCOUNT_PASSWORD)")
	case c.StorageFolder == "":
		return fmt.Errorf("storage_folder is required")
	}
	return nil
}
