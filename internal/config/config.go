package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vjranagit/tsreport/pkg/fetch"
	"github.com/vjranagit/tsreport/pkg/plan"
	"github.com/vjranagit/tsreport/pkg/report"
	"github.com/vjranagit/tsreport/pkg/storage"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Report  ReportConfig  `yaml:"report"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Timeout    time.Duration `yaml:"timeout"`
	// MaintainEvery is the interval of value log garbage collection.
	MaintainEvery time.Duration `yaml:"maintain_every"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string `yaml:"path"`
	RetentionDays    int    `yaml:"retention_days"`
	CompressionLevel int    `yaml:"compression_level"`
	EnableWAL        bool   `yaml:"enable_wal"`
}

// ReportConfig holds the report pipeline settings.
type ReportConfig struct {
	Variant   string        `yaml:"variant"`
	Interval  time.Duration `yaml:"interval"`
	Tolerance time.Duration `yaml:"tolerance"`
	// Date resolves a bare #Date marker, formatted 2006-01-02.
	Date       string        `yaml:"date"`
	Location   string        `yaml:"location"`
	AxisStart  string        `yaml:"axis_start"`
	AxisEnd    string        `yaml:"axis_end"`
	Continuity time.Duration `yaml:"continuity"`
	MergeGap   time.Duration `yaml:"merge_gap"`

	CacheExpiry      time.Duration `yaml:"cache_expiry"`
	MaxFormulaPasses int           `yaml:"max_formula_passes"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	Decimals         int           `yaml:"decimals"`
}

// FetchConfig selects and configures the data source.
type FetchConfig struct {
	// Source is one of local, influx, http.
	Source      string        `yaml:"source"`
	CacheSize   int           `yaml:"cache_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Influx      InfluxConfig  `yaml:"influx"`
	HTTP        HTTPConfig    `yaml:"http"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// InfluxConfig holds the InfluxDB connection.
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
	Field       string `yaml:"field"`
	SeriesTag   string `yaml:"series_tag"`
}

// HTTPConfig points at a remote tsreport store.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
)

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:    ":9090",
			Timeout:       30 * time.Second,
			MaintainEvery: 10 * time.Minute,
		},
		Storage: StorageConfig{
			Path:             "./data",
			RetentionDays:    30,
			CompressionLevel: 3,
			EnableWAL:        true,
		},
		Report: ReportConfig{
			Variant:          "day",
			Interval:         time.Minute,
			Location:         "UTC",
			Continuity:       plan.DefaultContinuity,
			MergeGap:         plan.DefaultMergeGap,
			CacheExpiry:      time.Hour,
			MaxFormulaPasses: 5,
			ShutdownTimeout:  5 * time.Second,
			Decimals:         -1,
		},
		Fetch: FetchConfig{
			Source:      storage.Source,
			CacheSize:   256,
			CacheTTL:    time.Minute,
			HTTPTimeout: 30 * time.Second,
			Influx: InfluxConfig{
				Measurement: "telemetry",
				Field:       "value",
				SeriesTag:   "series",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultConfig returns default configuration with environment overrides
// applied.
func DefaultConfig() *Config {
	c := defaults()
	c.applyEnv()
	return c
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path yields DefaultConfig.
func Load(path string) (*Config, error) {
	c := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)
	c.Storage.RetentionDays = getEnvInt("RETENTION_DAYS", c.Storage.RetentionDays)
	c.Storage.CompressionLevel = getEnvInt("COMPRESSION_LEVEL", c.Storage.CompressionLevel)
	c.Storage.EnableWAL = getEnvBool("ENABLE_WAL", c.Storage.EnableWAL)

	c.Report.Variant = getEnv("REPORT_VARIANT", c.Report.Variant)
	c.Report.Location = getEnv("REPORT_LOCATION", c.Report.Location)
	c.Report.CacheExpiry = getEnvDuration("REPORT_CACHE_EXPIRY", c.Report.CacheExpiry)

	c.Fetch.Source = getEnv("FETCH_SOURCE", c.Fetch.Source)
	c.Fetch.Influx.URL = getEnv("INFLUX_URL", c.Fetch.Influx.URL)
	c.Fetch.Influx.Token = getEnv("INFLUX_TOKEN", c.Fetch.Influx.Token)
	c.Fetch.Influx.Org = getEnv("INFLUX_ORG", c.Fetch.Influx.Org)
	c.Fetch.Influx.Bucket = getEnv("INFLUX_BUCKET", c.Fetch.Influx.Bucket)
	c.Fetch.HTTP.BaseURL = getEnv("FETCH_BASE_URL", c.Fetch.HTTP.BaseURL)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() (*storage.Config, error) {
	loc, err := c.location()
	if err != nil {
		return nil, err
	}
	return &storage.Config{
		Path:             c.Storage.Path,
		RetentionDays:    c.Storage.RetentionDays,
		CompressionLevel: c.Storage.CompressionLevel,
		EnableWAL:        c.Storage.EnableWAL,
		Location:         loc,
	}, nil
}

// ToReportOptions converts the report section.
func (c *Config) ToReportOptions() (report.Options, error) {
	opts := report.DefaultOptions()

	kind, err := report.ParseKind(c.Report.Variant)
	if err != nil {
		return opts, err
	}
	loc, err := c.location()
	if err != nil {
		return opts, err
	}

	opts.Variant = report.Variant{Kind: kind, Interval: c.Report.Interval, Tolerance: c.Report.Tolerance}
	opts.Location = loc
	opts.CacheExpiry = c.Report.CacheExpiry
	opts.Thresholds = plan.Thresholds{Continuity: c.Report.Continuity, MergeGap: c.Report.MergeGap}
	opts.MaxFormulaPasses = c.Report.MaxFormulaPasses
	opts.ShutdownTimeout = c.Report.ShutdownTimeout
	opts.Source = c.Fetch.Source
	opts.Decimals = c.Report.Decimals

	if c.Report.Date != "" {
		if opts.ReportDate, err = time.ParseInLocation(dateLayout, c.Report.Date, loc); err != nil {
			return opts, fmt.Errorf("invalid report date %q: %w", c.Report.Date, err)
		}
	}
	if c.Report.AxisStart != "" {
		if opts.Axis.Start, err = time.ParseInLocation(dateTimeLayout, c.Report.AxisStart, loc); err != nil {
			return opts, fmt.Errorf("invalid axis start %q: %w", c.Report.AxisStart, err)
		}
	}
	if c.Report.AxisEnd != "" {
		if opts.Axis.End, err = time.ParseInLocation(dateTimeLayout, c.Report.AxisEnd, loc); err != nil {
			return opts, fmt.Errorf("invalid axis end %q: %w", c.Report.AxisEnd, err)
		}
	}
	opts.Axis.Interval = c.Report.Interval
	return opts, nil
}

// ToInfluxConfig converts the influx section.
func (c *Config) ToInfluxConfig() (fetch.InfluxConfig, error) {
	loc, err := c.location()
	if err != nil {
		return fetch.InfluxConfig{}, err
	}
	i := c.Fetch.Influx
	return fetch.InfluxConfig{
		URL:         i.URL,
		Token:       i.Token,
		Org:         i.Org,
		Bucket:      i.Bucket,
		Measurement: i.Measurement,
		Field:       i.Field,
		SeriesTag:   i.SeriesTag,
		Location:    loc,
	}, nil
}

// ToHTTPConfig converts the http section.
func (c *Config) ToHTTPConfig() fetch.HTTPConfig {
	return fetch.HTTPConfig{
		BaseURL:   c.Fetch.HTTP.BaseURL,
		Timeout:   c.Fetch.HTTPTimeout,
		RateLimit: c.Fetch.RateLimit,
		Burst:     c.Fetch.RateBurst,
	}
}

func (c *Config) location() (*time.Location, error) {
	if c.Report.Location == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Report.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", c.Report.Location, err)
	}
	return loc, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if _, err := report.ParseKind(c.Report.Variant); err != nil {
		return err
	}

	if c.Report.Interval <= 0 {
		return fmt.Errorf("report interval must be positive")
	}

	if c.Report.MaxFormulaPasses < 1 {
		return fmt.Errorf("max formula passes must be at least 1")
	}

	if _, err := c.location(); err != nil {
		return err
	}

	switch c.Fetch.Source {
	case storage.Source:
	case "influx":
		if c.Fetch.Influx.URL == "" || c.Fetch.Influx.Org == "" || c.Fetch.Influx.Bucket == "" {
			return fmt.Errorf("influx source requires url, org and bucket")
		}
	case "http":
		if c.Fetch.HTTP.BaseURL == "" {
			return fmt.Errorf("http source requires base_url")
		}
	default:
		return fmt.Errorf("unknown fetch source %q", c.Fetch.Source)
	}

	return nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
