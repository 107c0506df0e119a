// CLAUDE:SUMMARY flowctl configuration: YAML file with defaults, .env loading, DB_*/SPOTIFY_*/YOUTUBE_* overrides, per-source collection settings.
package pipeline

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JeanSilva08/data-flow-pipeline/extract"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Extraction modes.
const (
	ModeBrowser = "browser"
	ModeHTTP    = "http"
	ModeAPI     = "api"
)

// Config is the top-level flowctl configuration.
type Config struct {
	Database      DatabaseConfig          `yaml:"database"`
	Browser       BrowserConfig           `yaml:"browser"`
	Sources       map[string]SourceConfig `yaml:"sources"`
	Scheduler     SchedulerConfig         `yaml:"scheduler"`
	Spotify       SpotifyConfig           `yaml:"spotify"`
	YouTube       YouTubeConfig           `yaml:"youtube"`
	Redis         RedisConfig             `yaml:"redis"`
	NATS          NATSConfig              `yaml:"nats"`
	Meilisearch   MeilisearchConfig       `yaml:"meilisearch"`
	HTTP          HTTPConfig              `yaml:"http"`
	Observability ObservabilityConfig     `yaml:"observability"`
}

// DatabaseConfig selects the observation store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite | postgres
	Path     string `yaml:"path"`   // sqlite
	DSN      string `yaml:"dsn"`    // postgres; built from the fields below when empty
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// BrowserConfig controls the Chrome process used in browser mode.
type BrowserConfig struct {
	RemoteURL         string        `yaml:"remote_url"`
	Bin               string        `yaml:"bin"`
	Headless          *bool         `yaml:"headless"`
	NoSandbox         bool          `yaml:"no_sandbox"`
	Stealth           bool          `yaml:"stealth"`
	BlockResources    []string      `yaml:"block_resources"`
	DisableScripts    bool          `yaml:"disable_scripts"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
}

// SourceConfig tunes the collection of one source.
// MaxRetries is a pointer so that an explicit 0 disables retries.
type SourceConfig struct {
	Mode        string        `yaml:"mode"`
	BatchSize   int           `yaml:"batch_size"`
	MaxRetries  *int          `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// Retries returns the retry bound, 0 when unset.
func (s SourceConfig) Retries() int {
	if s.MaxRetries == nil {
		return 0
	}
	return *s.MaxRetries
}

// SchedulerConfig bounds concurrency inside a batch. A positive Interval
// makes flowctl serve collect every source on that period.
type SchedulerConfig struct {
	Workers  int           `yaml:"workers"`
	Interval time.Duration `yaml:"interval"`
}

// SpotifyConfig holds API credentials. APIURL and TokenURL override the
// public endpoints only when both are set.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	APIURL       string `yaml:"api_url"`
	TokenURL     string `yaml:"token_url"`
}

type YouTubeConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// RedisConfig enables the shared dedup guard when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// NATSConfig enables observation publishing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MeilisearchConfig enables media-kit indexing when Host is set.
type MeilisearchConfig struct {
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
	Index  string `yaml:"index"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ObservabilityConfig configures the metrics/events database.
type ObservabilityConfig struct {
	Path              string        `yaml:"path"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	BufferSize        int           `yaml:"buffer_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RetentionDays     int           `yaml:"retention_days"`
}

func intPtr(n int) *int { return &n }

// sourceDefaults are the per-source settings used when the file is silent.
var sourceDefaults = map[metric.Source]SourceConfig{
	metric.SpotifyStreams: {
		Mode: ModeBrowser, BatchSize: 3, MaxRetries: intPtr(20),
		RetryDelay: 5 * time.Second, WaitTimeout: 15 * time.Second,
	},
	metric.SpotifyMonthlyListeners: {
		Mode: ModeBrowser, BatchSize: 5, MaxRetries: intPtr(3),
		RetryDelay: 5 * time.Second, WaitTimeout: 10 * time.Second,
	},
	metric.YouTubeViews: {
		Mode: ModeBrowser, BatchSize: 5, MaxRetries: intPtr(3),
		RetryDelay: 5 * time.Second, WaitTimeout: 15 * time.Second,
	},
	metric.YouTubeMusicViews: {
		Mode: ModeBrowser, BatchSize: 5, MaxRetries: intPtr(3),
		RetryDelay: 5 * time.Second, WaitTimeout: 15 * time.Second,
	},
	metric.SpotifyFollowers: {
		Mode: ModeAPI, BatchSize: 20, MaxRetries: intPtr(3),
		RetryDelay: 5 * time.Second,
	},
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/flow.db"
	}
	if c.Database.Port == "" {
		c.Database.Port = "5432"
	}
	if c.Browser.Headless == nil {
		t := true
		c.Browser.Headless = &t
	}
	if c.Browser.NavigationTimeout <= 0 {
		c.Browser.NavigationTimeout = 30 * time.Second
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 1
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Observability.Path == "" {
		c.Observability.Path = "data/observability.db"
	}
	if c.Observability.FlushInterval <= 0 {
		c.Observability.FlushInterval = 5 * time.Second
	}
	if c.Observability.BufferSize <= 0 {
		c.Observability.BufferSize = 100
	}
	if c.Observability.HeartbeatInterval <= 0 {
		c.Observability.HeartbeatInterval = 15 * time.Second
	}
	if c.Observability.RetentionDays <= 0 {
		c.Observability.RetentionDays = 30
	}

	if c.Sources == nil {
		c.Sources = make(map[string]SourceConfig)
	}
	for src, def := range sourceDefaults {
		sc := c.Sources[string(src)]
		if sc.Mode == "" {
			sc.Mode = def.Mode
		}
		if sc.BatchSize <= 0 {
			sc.BatchSize = def.BatchSize
		}
		if sc.MaxRetries == nil {
			sc.MaxRetries = intPtr(*def.MaxRetries)
		}
		if sc.RetryDelay <= 0 {
			sc.RetryDelay = def.RetryDelay
		}
		if sc.WaitTimeout <= 0 {
			sc.WaitTimeout = def.WaitTimeout
		}
		c.Sources[string(src)] = sc
	}
}

// Source returns the settings of src.
func (c *Config) Source(src metric.Source) SourceConfig {
	if sc, ok := c.Sources[string(src)]; ok {
		return sc
	}
	return sourceDefaults[src]
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver))
	}
	for name, sc := range c.Sources {
		src, err := metric.ParseSource(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("sources: %w", err))
			continue
		}
		switch sc.Mode {
		case ModeBrowser, ModeHTTP:
			if !hasLocator(src, sc.Mode) {
				errs = append(errs, fmt.Errorf("sources.%s.mode %q: no page locator for this source, mode must be api", name, sc.Mode))
			}
		case ModeAPI:
			if !hasAPI(src) {
				errs = append(errs, fmt.Errorf("sources.%s: no API for this source", name))
			}
		default:
			errs = append(errs, fmt.Errorf("sources.%s.mode %q: want browser, http or api", name, sc.Mode))
		}
		if sc.Retries() < 0 {
			errs = append(errs, fmt.Errorf("sources.%s.max_retries must be >= 0", name))
		}
	}
	return errors.Join(errs...)
}

// hasLocator reports whether src can be read from its page in mode. The
// http mode only runs CSS selectors.
func hasLocator(src metric.Source, mode string) bool {
	st, err := extract.Lookup(src)
	if err != nil {
		return false
	}
	if mode == ModeHTTP {
		return st.Locator.CSS != ""
	}
	return !st.Locator.IsZero()
}

func hasAPI(src metric.Source) bool {
	switch src {
	case metric.SpotifyFollowers, metric.YouTubeViews, metric.YouTubeMusicViews:
		return true
	}
	return false
}

// ApplyEnv overrides file values with environment variables. lookup is
// os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Database.Host, "DB_HOST")
	set(&c.Database.Port, "DB_PORT")
	set(&c.Database.Name, "DB_NAME")
	set(&c.Database.User, "DB_USER")
	set(&c.Database.Password, "DB_PASSWORD")
	set(&c.Database.DSN, "DATABASE_URL")
	set(&c.Spotify.ClientID, "SPOTIFY_CLIENT_ID")
	set(&c.Spotify.ClientSecret, "SPOTIFY_CLIENT_SECRET")
	set(&c.YouTube.APIKey, "YOUTUBE_API_KEY")
	set(&c.Redis.Addr, "REDIS_ADDR")
	set(&c.NATS.URL, "NATS_URL")
	set(&c.Meilisearch.Host, "MEILI_HOST")
	set(&c.Meilisearch.APIKey, "MEILI_API_KEY")

	if v, ok := lookup("DB_HOST"); ok && v != "" && c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if v, ok := lookup("FLOW_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.Workers = n
		}
	}
}

// PostgresDSN returns database.dsn, or a URL built from the host, port,
// name, user and password fields.
func (c *Config) PostgresDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Database.Host, c.Database.Port),
		Path:   "/" + c.Database.Name,
	}
	if c.Database.User != "" {
		if c.Database.Password != "" {
			u.User = url.UserPassword(c.Database.User, c.Database.Password)
		} else {
			u.User = url.User(c.Database.User)
		}
	}
	u.RawQuery = "sslmode=disable"
	return u.String()
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("pipeline: load %s: %w", path, err)
	}
	return nil
}

// LoadConfigFile reads a YAML file, applies environment overrides and
// defaults, then validates. An empty path yields the defaults.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("pipeline: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("pipeline: parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}
	return &cfg, nil
}
