// Package config provides the process-wide settings for gridkeeper. Settings
// are resolved once at startup from a .env file (best-effort) overlaid with
// environment variables, validated, and passed explicitly to the components
// that need them. There is no mutable package-level state.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// defaultSymbolPattern is the required shape of the default symbol: the
// quote currency is fixed to USDC for this project.
var defaultSymbolPattern = regexp.MustCompile(`^[A-Z0-9\-]+/USDC$`)

// Settings is the immutable application configuration.
type Settings struct {
	// DefaultSymbol is used when a command does not specify --symbol.
	// Must match BASE/USDC.
	DefaultSymbol string

	// API credentials, only needed for authenticated endpoints.
	APIKey    string
	APISecret string

	EnableRateLimit bool
	TimeoutMS       int
	SandboxMode     bool

	Logging LoggingSettings
}

// LoggingSettings configures the structured logger.
type LoggingSettings struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, stderr, file
	FilePath string
	// Rotation policy, only used with file output.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load resolves settings from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (Settings, error) {
	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	s := Settings{
		DefaultSymbol:   strings.ToUpper(strings.TrimSpace(getEnv("DEFAULT_SYMBOL", "XRP/USDC"))),
		APIKey:          os.Getenv("BINANCE_API_KEY"),
		APISecret:       os.Getenv("BINANCE_API_SECRET"),
		EnableRateLimit: getEnvBool("ENABLE_RATE_LIMIT", true),
		TimeoutMS:       getEnvInt("TIMEOUT_MS", 20000),
		SandboxMode:     getEnvBool("SANDBOX_MODE", false),
		Logging: LoggingSettings{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "text"),
			Output:     getEnv("LOG_OUTPUT", "stderr"),
			FilePath:   os.Getenv("LOG_FILE_PATH"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE", 50),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE", 14),
			Compress:   getEnvBool("LOG_COMPRESS", false),
		},
	}

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if !defaultSymbolPattern.MatchString(s.DefaultSymbol) {
		return fmt.Errorf("invalid DEFAULT_SYMBOL %q: required format BASE/USDC", s.DefaultSymbol)
	}
	if s.TimeoutMS <= 0 {
		return fmt.Errorf("invalid TIMEOUT_MS %d: must be positive", s.TimeoutMS)
	}
	switch s.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if s.Logging.FilePath == "" {
			return fmt.Errorf("LOG_FILE_PATH is required when LOG_OUTPUT=file")
		}
	default:
		return fmt.Errorf("invalid LOG_OUTPUT %q: use stdout, stderr or file", s.Logging.Output)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
