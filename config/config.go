package config

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the reliability core - all settings from .env
type Config struct {
	Port string `json:"port"`

	// Redundancy cache settings
	CacheTTL         time.Duration `json:"cache_ttl"`            // Validity window of cached tool results
	RecencyWindow    time.Duration `json:"recency_window"`       // Recent-call fallback window for dedup
	SweepInterval    time.Duration `json:"sweep_interval"`       // Background expiry sweep cadence
	CacheDir         string        `json:"cache_dir"`            // Badger directory for the durable cache tier ("" = memory)
	EstSavedMsPerHit int64         `json:"est_saved_ms_per_hit"` // Time-saved estimate when origin latency is unknown

	// Correction settings
	CorrectionEnabled   bool          `json:"correction_enabled"`
	MaxCorrectionRounds int           `json:"max_correction_rounds"`
	CompletionEndpoint  string        `json:"completion_endpoint"`
	CompletionAPIKey    string        `json:"completion_api_key"`
	CorrectionModel     string        `json:"correction_model"`
	CompletionTimeout   time.Duration `json:"completion_timeout"`
	ReflectionContext   int           `json:"reflection_context"`   // Prior reflections fed to the correction agent
	ReflectionRetention time.Duration `json:"reflection_retention"` // Age bound of the reflection log
	RecoveryRateWindow  time.Duration `json:"recovery_rate_window"` // Trailing window for historical recovery rates

	// Calibration settings
	EfficiencyBaselineMs float64 `json:"efficiency_baseline_ms"` // Per-call latency baseline for the efficiency score

	// Persistence
	DatabaseURL string `json:"database_url"` // Postgres DSN ("" = in-memory stores)

	// Logging
	LogDir                   string `json:"log_dir"`
	DisableCorrectionLogging bool   `json:"disable_correction_logging"`

	// Override files (yaml, optional)
	ClassifierOverridesPath string `json:"classifier_overrides_path"`
	ToolTaxonomyPath        string `json:"tool_taxonomy_path"`
}

// DefaultConfig returns the defaults used when .env omits a setting.
func DefaultConfig() *Config {
	return &Config{
		Port:                 "3456",
		CacheTTL:             30 * time.Minute,
		RecencyWindow:        5 * time.Minute,
		SweepInterval:        10 * time.Minute,
		EstSavedMsPerHit:     1500,
		CorrectionEnabled:    true,
		MaxCorrectionRounds:  3,
		CompletionTimeout:    10 * time.Second,
		ReflectionContext:    3,
		ReflectionRetention:  30 * 24 * time.Hour,
		RecoveryRateWindow:   14 * 24 * time.Hour,
		EfficiencyBaselineMs: 1000,
		LogDir:               "logs",
	}
}

// LoadConfigWithEnv loads configuration from a .env file plus process env.
// The completion endpoint and model are required when correction is enabled.
func LoadConfigWithEnv() (*Config, error) {
	envVars, err := loadEnvFile()
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env file: %v", err)
	}

	lookup := func(key string) string {
		if v, exists := envVars[key]; exists && v != "" {
			return v
		}
		return os.Getenv(key)
	}

	cfg := DefaultConfig()

	if port := lookup("PORT"); port != "" {
		cfg.Port = port
	}
	if v := lookup("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CACHE_TTL %q: %v", v, err)
		}
		cfg.CacheTTL = d
	}
	if v := lookup("RECENCY_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RECENCY_WINDOW %q: %v", v, err)
		}
		cfg.RecencyWindow = d
	}
	if v := lookup("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL %q: %v", v, err)
		}
		cfg.SweepInterval = d
	}
	if v := lookup("COMPLETION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid COMPLETION_TIMEOUT %q: %v", v, err)
		}
		cfg.CompletionTimeout = d
	}
	if v := lookup("MAX_CORRECTION_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid MAX_CORRECTION_ROUNDS %q", v)
		}
		cfg.MaxCorrectionRounds = n
	}
	if v := lookup("REFLECTION_CONTEXT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REFLECTION_CONTEXT %q", v)
		}
		cfg.ReflectionContext = n
	}
	if v := lookup("EFFICIENCY_BASELINE_MS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid EFFICIENCY_BASELINE_MS %q", v)
		}
		cfg.EfficiencyBaselineMs = f
	}
	if v := lookup("CORRECTION_ENABLED"); v != "" {
		cfg.CorrectionEnabled = parseBool(v)
	}
	if v := lookup("DISABLE_CORRECTION_LOGGING"); v != "" {
		cfg.DisableCorrectionLogging = parseBool(v)
	}

	cfg.CompletionEndpoint = lookup("COMPLETION_ENDPOINT")
	cfg.CompletionAPIKey = lookup("COMPLETION_API_KEY")
	cfg.CorrectionModel = lookup("CORRECTION_MODEL")
	cfg.DatabaseURL = lookup("DATABASE_URL")
	cfg.CacheDir = lookup("CACHE_DIR")
	if v := lookup("LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	cfg.ClassifierOverridesPath = lookup("CLASSIFIER_OVERRIDES")
	cfg.ToolTaxonomyPath = lookup("TOOL_TAXONOMY")

	if cfg.CorrectionEnabled {
		if cfg.CompletionEndpoint == "" {
			return nil, fmt.Errorf("COMPLETION_ENDPOINT must be set when correction is enabled")
		}
		if cfg.CorrectionModel == "" {
			return nil, fmt.Errorf("CORRECTION_MODEL must be set when correction is enabled")
		}
		log.Printf("🔧 Configured CORRECTION_MODEL: %s", cfg.CorrectionModel)
		log.Printf("🔧 Configured COMPLETION_ENDPOINT: %s", cfg.CompletionEndpoint)
	}

	return cfg, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// loadEnvFile loads environment variables from .env file in current directory
func loadEnvFile() (map[string]string, error) {
	envVars := make(map[string]string)

	file, err := os.Open(".env")
	if err != nil {
		return envVars, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE format
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove comments from value
		if commentIndex := strings.Index(value, "#"); commentIndex != -1 {
			value = strings.TrimSpace(value[:commentIndex])
		}

		envVars[key] = value
	}

	return envVars, scanner.Err()
}
