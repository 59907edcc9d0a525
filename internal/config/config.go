package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Browser  BrowserConfig
	Search   SearchConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Jobs     JobsConfig
	Matcher  MatcherConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	UserAgent      string
	UserDataDir    string
	ExecutablePath string
	ProxyServer    string
	ExtraArgs      []string
}

// SearchConfig carries the timing budget of one visual search.
type SearchConfig struct {
	LandingURL           string
	GatePollInterval     time.Duration
	UploadControlTimeout time.Duration
	FileChooserTimeout   time.Duration
	ConfirmAttempts      int
	ConfirmInterval      time.Duration
	NewPageTimeout       time.Duration
	NetworkIdleTimeout   time.Duration
	ResultsTimeout       time.Duration
	CropControlTimeout   time.Duration
	CropStrategy         string
	ScoreFloor           float64
	ScrollCap            int
	DebugDir             string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

type JobsConfig struct {
	Enabled       bool
	PollInterval  time.Duration
	PaceMin       time.Duration
	PaceMax       time.Duration
	BreakEveryMin int
	BreakEveryMax int
	BreakMin      time.Duration
	BreakMax      time.Duration
}

type MatcherConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "3000"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", false),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "zh-CN,zh;q=0.9,en;q=0.8"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "Asia/Shanghai"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "zh-CN"),
			UserAgent:      getEnvOrDefault("BROWSER_USER_AGENT", ""),
			UserDataDir:    getEnvOrDefault("BROWSER_USER_DATA_DIR", "./1688_profile"),
			ExecutablePath: getEnvOrDefault("BROWSER_EXECUTABLE_PATH", ""),
			ProxyServer:    getEnvOrDefault("BROWSER_PROXY", ""),
			ExtraArgs:      getStringSliceOrDefault("BROWSER_EXTRA_ARGS", []string{}),
		},
		Search: SearchConfig{
			LandingURL:           getEnvOrDefault("SEARCH_LANDING_URL", "https://www.1688.com/"),
			GatePollInterval:     getDurationOrDefault("SEARCH_GATE_POLL_INTERVAL", time.Second),
			UploadControlTimeout: getDurationOrDefault("SEARCH_UPLOAD_CONTROL_TIMEOUT", 30*time.Second),
			FileChooserTimeout:   getDurationOrDefault("SEARCH_FILE_CHOOSER_TIMEOUT", 15*time.Second),
			ConfirmAttempts:      getIntOrDefault("SEARCH_CONFIRM_ATTEMPTS", 15),
			ConfirmInterval:      getDurationOrDefault("SEARCH_CONFIRM_INTERVAL", time.Second),
			NewPageTimeout:       getDurationOrDefault("SEARCH_NEW_PAGE_TIMEOUT", 30*time.Second),
			NetworkIdleTimeout:   getDurationOrDefault("SEARCH_NETWORK_IDLE_TIMEOUT", 15*time.Second),
			ResultsTimeout:       getDurationOrDefault("SEARCH_RESULTS_TIMEOUT", 15*time.Second),
			CropControlTimeout:   getDurationOrDefault("SEARCH_CROP_CONTROL_TIMEOUT", 15*time.Second),
			CropStrategy:         getEnvOrDefault("SEARCH_CROP_STRATEGY", "full-canvas"),
			ScoreFloor:           getFloatOrDefault("SEARCH_SCORE_FLOOR", 0.30),
			ScrollCap:            getIntOrDefault("SEARCH_SCROLL_CAP", 4000),
			DebugDir:             getEnvOrDefault("SEARCH_DEBUG_DIR", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "visual_search"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
			Stream:   getEnvOrDefault("REDIS_STREAM", "stream:visual_search"),
		},
		Jobs: JobsConfig{
			Enabled:       getBoolOrDefault("JOBS_ENABLED", false),
			PollInterval:  getDurationOrDefault("JOBS_POLL_INTERVAL", 10*time.Second),
			PaceMin:       getDurationOrDefault("JOBS_PACE_MIN", 8*time.Second),
			PaceMax:       getDurationOrDefault("JOBS_PACE_MAX", 16*time.Second),
			BreakEveryMin: getIntOrDefault("JOBS_BREAK_EVERY_MIN", 10),
			BreakEveryMax: getIntOrDefault("JOBS_BREAK_EVERY_MAX", 15),
			BreakMin:      getDurationOrDefault("JOBS_BREAK_MIN", time.Minute),
			BreakMax:      getDurationOrDefault("JOBS_BREAK_MAX", 3*time.Minute),
		},
		Matcher: MatcherConfig{
			URL:     getEnvOrDefault("MATCHER_URL", ""),
			Token:   getEnvOrDefault("MATCHER_TOKEN", ""),
			Timeout: getDurationOrDefault("MATCHER_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Search.LandingURL == "" {
		return fmt.Errorf("SEARCH_LANDING_URL is required")
	}

	if c.Search.GatePollInterval <= 0 {
		return fmt.Errorf("SEARCH_GATE_POLL_INTERVAL must be positive")
	}

	if c.Search.ConfirmAttempts < 1 {
		return fmt.Errorf("SEARCH_CONFIRM_ATTEMPTS must be at least 1")
	}

	if c.Search.ScoreFloor < 0 || c.Search.ScoreFloor > 1 {
		return fmt.Errorf("SEARCH_SCORE_FLOOR must be within [0,1]")
	}

	switch c.Search.CropStrategy {
	case "full-canvas", "handle-to-handle":
	default:
		return fmt.Errorf("unknown SEARCH_CROP_STRATEGY %q", c.Search.CropStrategy)
	}

	if c.Jobs.PaceMin > c.Jobs.PaceMax {
		return fmt.Errorf("JOBS_PACE_MIN cannot be greater than JOBS_PACE_MAX")
	}

	if c.Jobs.BreakEveryMin < 1 || c.Jobs.BreakEveryMin > c.Jobs.BreakEveryMax {
		return fmt.Errorf("JOBS_BREAK_EVERY_MIN must be at least 1 and not exceed JOBS_BREAK_EVERY_MAX")
	}

	if c.Jobs.BreakMin > c.Jobs.BreakMax {
		return fmt.Errorf("JOBS_BREAK_MIN cannot be greater than JOBS_BREAK_MAX")
	}

	if c.Jobs.Enabled && c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required when JOBS_ENABLED is set")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
