package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "telegram-bag-bot"
	EnvFileName = "config.env"
)

// Config holds everything read from the environment at startup.
type Config struct {
	BotToken     string
	GeminiAPIKey string
	TokenKey     string
	BagBaseURL   string
	DBPath       string
	LogFile      string

	Debounce      time.Duration
	AdvisoryDelay time.Duration
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// FromEnv reads the configuration from environment variables. Required
// variables missing from the environment produce an error naming the
// variable.
func FromEnv() (Config, error) {
	cfg := Config{
		BotToken:     os.Getenv("BOT_TOKEN"),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		TokenKey:     os.Getenv("BAG_TOKEN_KEY"),
		BagBaseURL:   os.Getenv("BAG_API_URL"),
		DBPath:       os.Getenv("BAG_DB_PATH"),
		LogFile:      os.Getenv("BAG_LOG_FILE"),
	}

	for _, required := range []struct {
		name  string
		value string
	}{
		{"BOT_TOKEN", cfg.BotToken},
		{"GEMINI_API_KEY", cfg.GeminiAPIKey},
		{"BAG_TOKEN_KEY", cfg.TokenKey},
		{"BAG_API_URL", cfg.BagBaseURL},
	} {
		if required.value == "" {
			return Config{}, fmt.Errorf("%s is not set", required.name)
		}
	}

	if cfg.DBPath == "" {
		cfg.DBPath = "bagbot.db"
	}

	var err error
	cfg.Debounce, err = durationFromEnv("BAG_DEBOUNCE_MS")
	if err != nil {
		return Config{}, err
	}
	cfg.AdvisoryDelay, err = durationFromEnv("BAG_ADVISORY_DELAY_MS")
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// durationFromEnv parses an optional millisecond duration override. Unset
// means zero, which callers treat as "use the default".
func durationFromEnv(name string) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer (milliseconds)", name)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
