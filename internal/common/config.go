package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Queue       QueueConfig      `toml:"queue"`
	Batch       BatchConfig      `toml:"batch"`
	Jellyfin    JellyfinConfig   `toml:"jellyfin"`
	Providers   ProvidersConfig  `toml:"providers"`
	Badges      BadgesConfig     `toml:"badges"`
	Review      ReviewConfig     `toml:"review"`
	Awards      AwardsConfig     `toml:"awards"`
	Logging     LoggingConfig    `toml:"logging"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
	Schedules   []ScheduleConfig `toml:"schedules"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often the dispatcher polls for jobs
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before it is dropped
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
}

// BatchConfig drives the batch processing core.
type BatchConfig struct {
	MaxConcurrentJobs              int           `toml:"max_concurrent_jobs" validate:"min=1"`
	PosterDownloadRetries          int           `toml:"poster_download_retries" validate:"min=0"`
	PosterDownloadBackoffInitialMs int           `toml:"poster_download_backoff_initial_ms" validate:"min=0"`
	InterPosterThrottleMs          int           `toml:"inter_poster_throttle_ms" validate:"min=0"`
	MaxRetriesPerPoster            int           `toml:"max_retries_per_poster" validate:"min=0"`
	ExternalCallTimeout            time.Duration `toml:"external_call_timeout"`
	StaleJobTimeout                time.Duration `toml:"stale_job_timeout"`
	CacheDir                       string        `toml:"cache_dir"`
	OutputDir                      string        `toml:"output_dir"`
}

// Throttle returns the inter-poster sleep as a duration.
func (b BatchConfig) Throttle() time.Duration {
	return time.Duration(b.InterPosterThrottleMs) * time.Millisecond
}

// DownloadBackoff returns the initial download retry backoff.
func (b BatchConfig) DownloadBackoff() time.Duration {
	return time.Duration(b.PosterDownloadBackoffInitialMs) * time.Millisecond
}

// JellyfinConfig holds the media server connection settings. The token
// is sent on every request; base URL and token are read once at startup.
type JellyfinConfig struct {
	URL            string        `toml:"url"`
	APIKey         string        `toml:"api_key"`
	UserID         string        `toml:"user_id"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// ProviderConfig is one external metadata provider (TMDB, OMDB, Fanart).
type ProviderConfig struct {
	APIKey         string        `toml:"api_key"`
	BaseURL        string        `toml:"base_url"`
	RateLimit      time.Duration `toml:"rate_limit"` // minimum time between requests
	RequestTimeout time.Duration `toml:"request_timeout"`
}

type ProvidersConfig struct {
	TMDB   ProviderConfig `toml:"tmdb"`
	OMDB   ProviderConfig `toml:"omdb"`
	Fanart ProviderConfig `toml:"fanart"`
}

// BadgesConfig groups the per-type style blocks.
type BadgesConfig struct {
	Audio      BadgeStyleConfig `toml:"audio"`
	Resolution BadgeStyleConfig `toml:"resolution"`
	Review     BadgeStyleConfig `toml:"review"`
	Awards     BadgeStyleConfig `toml:"awards"`
}

// BadgeStyleConfig controls placement and rendering for one badge type.
type BadgeStyleConfig struct {
	Enabled  bool   `toml:"enabled"`
	Position string `toml:"position" validate:"omitempty,oneof=top-left top-center top-right center-left center center-right bottom-left bottom-center bottom-right top-left-flush top-right-flush bottom-left-flush bottom-right-flush"`

	BaseSize      int  `toml:"base_size" validate:"min=0"` // badge edge in px at poster width 1000
	DynamicSizing bool `toml:"dynamic_sizing"`             // scale with poster width
	EdgePadding   int  `toml:"edge_padding" validate:"min=0"`
	Spacing       int  `toml:"spacing" validate:"min=0"` // gap between stacked badges

	BackgroundColor   string `toml:"background_color"`
	BackgroundOpacity int    `toml:"background_opacity" validate:"min=0,max=100"`
	CornerRadius      int    `toml:"corner_radius" validate:"min=0"`
	TextColor         string `toml:"text_color"`
	FontFile          string `toml:"font_file"`
	FallbackFontFile  string `toml:"fallback_font_file"`
	FontSize          int    `toml:"font_size" validate:"min=0"`
	FallbackToText    bool   `toml:"fallback_to_text"`

	Shadow ShadowConfig `toml:"shadow"`

	AssetDir     string            `toml:"asset_dir"`
	ImageMapping map[string]string `toml:"image_mapping"` // payload token -> asset filename
}

// ShadowConfig is an optional drop shadow behind a badge.
type ShadowConfig struct {
	Enabled bool    `toml:"enabled"`
	Blur    float64 `toml:"blur" validate:"min=0"`
	OffsetX int     `toml:"offset_x"`
	OffsetY int     `toml:"offset_y"`
}

// ReviewConfig shapes the review badge aggregation.
type ReviewConfig struct {
	SourcesEnabled []string `toml:"sources_enabled"`
	SourcePriority []string `toml:"source_priority"`
	MinVotes       int      `toml:"min_votes" validate:"min=0"`
	MaxBadges      int      `toml:"max_badges" validate:"min=1"`
}

// AwardsConfig shapes the awards badge lookup.
type AwardsConfig struct {
	ColorScheme    string   `toml:"color_scheme"`
	SourcesEnabled []string `toml:"sources_enabled"`
	DatasetFile    string   `toml:"dataset_file"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// WebSocketConfig controls log streaming to connected clients.
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level"`        // Minimum log level to broadcast
	ExcludePatterns []string `toml:"exclude_patterns"` // Log message patterns to exclude from broadcasting
}

// ScheduleConfig declares one recurring scheduled submission.
type ScheduleConfig struct {
	Name       string   `toml:"name"`
	Cron       string   `toml:"cron"`
	Enabled    bool     `toml:"enabled"`
	UserID     string   `toml:"user_id"`
	LibraryID  string   `toml:"library_id"`
	BadgeTypes []string `toml:"badge_types"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8585,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			VisibilityTimeout: "5m",
			MaxReceive:        3,
			QueueName:         "aphrodite_batch",
		},
		Batch: BatchConfig{
			MaxConcurrentJobs:              4,
			PosterDownloadRetries:          3,
			PosterDownloadBackoffInitialMs: 1000,
			InterPosterThrottleMs:          100,
			MaxRetriesPerPoster:            3,
			ExternalCallTimeout:            30 * time.Second,
			StaleJobTimeout:                15 * time.Minute,
			CacheDir:                       "./cache/posters",
			OutputDir:                      "./output/processed",
		},
		Jellyfin: JellyfinConfig{
			RequestTimeout: 30 * time.Second,
		},
		Providers: ProvidersConfig{
			TMDB: ProviderConfig{
				BaseURL:        "https://api.themoviedb.org/3",
				RateLimit:      250 * time.Millisecond,
				RequestTimeout: 15 * time.Second,
			},
			OMDB: ProviderConfig{
				BaseURL:        "https://www.omdbapi.com",
				RateLimit:      1 * time.Second,
				RequestTimeout: 15 * time.Second,
			},
			Fanart: ProviderConfig{
				BaseURL:        "https://webservice.fanart.tv/v3",
				RateLimit:      1 * time.Second,
				RequestTimeout: 15 * time.Second,
			},
		},
		Badges: BadgesConfig{
			Audio: BadgeStyleConfig{
				Enabled:           true,
				Position:          "top-right",
				BaseSize:          100,
				DynamicSizing:     true,
				EdgePadding:       30,
				Spacing:           15,
				BackgroundColor:   "#000000",
				BackgroundOpacity: 40,
				CornerRadius:      10,
				TextColor:         "#FFFFFF",
				FontSize:          60,
				FallbackToText:    true,
				AssetDir:          "./assets/audio",
			},
			Resolution: BadgeStyleConfig{
				Enabled:           true,
				Position:          "top-left",
				BaseSize:          100,
				DynamicSizing:     true,
				EdgePadding:       30,
				Spacing:           15,
				BackgroundColor:   "#000000",
				BackgroundOpacity: 40,
				CornerRadius:      10,
				TextColor:         "#FFFFFF",
				FontSize:          60,
				FallbackToText:    true,
				AssetDir:          "./assets/resolution",
			},
			Review: BadgeStyleConfig{
				Enabled:           true,
				Position:          "bottom-left",
				BaseSize:          85,
				DynamicSizing:     true,
				EdgePadding:       30,
				Spacing:           10,
				BackgroundColor:   "#2C2C2C",
				BackgroundOpacity: 60,
				CornerRadius:      10,
				TextColor:         "#FFFFFF",
				FontSize:          50,
				FallbackToText:    true,
				AssetDir:          "./assets/review",
			},
			Awards: BadgeStyleConfig{
				Enabled:       true,
				Position:      "bottom-right-flush",
				BaseSize:      120,
				DynamicSizing: true,
				// Flush badges sit on the poster edge.
				EdgePadding:    0,
				Spacing:        0,
				FallbackToText: false,
				AssetDir:       "./assets/awards",
			},
		},
		Review: ReviewConfig{
			SourcesEnabled: []string{"imdb", "tmdb", "rotten_tomatoes"},
			SourcePriority: []string{"imdb", "rotten_tomatoes", "metacritic", "tmdb"},
			MinVotes:       10,
			MaxBadges:      4,
		},
		Awards: AwardsConfig{
			ColorScheme:    "black",
			SourcesEnabled: []string{"oscars", "emmys", "golden", "bafta", "cannes", "crunchyroll"},
			DatasetFile:    "./assets/awards/awards.yaml",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files
// override earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the struct tags and cross-field constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("APHRODITE_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("APHRODITE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("APHRODITE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("APHRODITE_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Batch configuration
	if maxJobs := os.Getenv("APHRODITE_MAX_CONCURRENT_JOBS"); maxJobs != "" {
		if n, err := strconv.Atoi(maxJobs); err == nil {
			config.Batch.MaxConcurrentJobs = n
		}
	}
	if retries := os.Getenv("APHRODITE_MAX_RETRIES_PER_POSTER"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			config.Batch.MaxRetriesPerPoster = n
		}
	}

	// Jellyfin configuration
	if url := os.Getenv("APHRODITE_JELLYFIN_URL"); url != "" {
		config.Jellyfin.URL = url
	}
	if key := os.Getenv("APHRODITE_JELLYFIN_API_KEY"); key != "" {
		config.Jellyfin.APIKey = key
	}
	if user := os.Getenv("APHRODITE_JELLYFIN_USER_ID"); user != "" {
		config.Jellyfin.UserID = user
	}

	// Provider API keys
	if key := os.Getenv("APHRODITE_TMDB_API_KEY"); key != "" {
		config.Providers.TMDB.APIKey = key
	}
	if key := os.Getenv("APHRODITE_OMDB_API_KEY"); key != "" {
		config.Providers.OMDB.APIKey = key
	}
	if key := os.Getenv("APHRODITE_FANART_API_KEY"); key != "" {
		config.Providers.Fanart.APIKey = key
	}

	// Logging configuration
	if level := os.Getenv("APHRODITE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("APHRODITE_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}

// StyleFor returns the style block for a badge type name.
func (c *Config) StyleFor(badgeType string) BadgeStyleConfig {
	switch badgeType {
	case "audio":
		return c.Badges.Audio
	case "resolution":
		return c.Badges.Resolution
	case "review":
		return c.Badges.Review
	case "awards":
		return c.Badges.Awards
	}
	return BadgeStyleConfig{}
}
