package chatsync

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables read by LoadEnv.
const (
	EnvAPIURL   = "CHATSYNC_API_URL"
	EnvToken    = "CHATSYNC_TOKEN"
	EnvUserID   = "CHATSYNC_USER_ID"
	EnvRole     = "CHATSYNC_ROLE"
	EnvLogLevel = "CHATSYNC_LOG_LEVEL"
)

// EnvConfig is the configuration taken from the process environment.
type EnvConfig struct {
	APIURL   string
	Token    string
	UserID   string
	Role     Role
	LogLevel slog.Level
}

// LoadEnv loads the given dotenv files (".env" when none are named; a
// missing default file is fine) without overriding variables already set,
// then reads the CHATSYNC_* variables.
func LoadEnv(files ...string) (EnvConfig, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return EnvConfig{}, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return EnvConfig{}, fmt.Errorf("load env files: %w", err)
	}

	cfg := EnvConfig{
		APIURL: strings.TrimSpace(os.Getenv(EnvAPIURL)),
		Token:  strings.TrimSpace(os.Getenv(EnvToken)),
		UserID: strings.TrimSpace(os.Getenv(EnvUserID)),
		Role:   Role(strings.ToUpper(strings.TrimSpace(os.Getenv(EnvRole)))),
	}
	level, err := ParseLogLevel(os.Getenv(EnvLogLevel))
	if err != nil {
		return EnvConfig{}, err
	}
	cfg.LogLevel = level
	return cfg, nil
}

// Identity returns the identity described by the environment.
func (e EnvConfig) Identity() Identity {
	return Identity{UserID: e.UserID, Role: e.Role, Token: e.Token}
}

// ParseLogLevel maps debug, info, warn and error to slog levels. Empty means
// info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
