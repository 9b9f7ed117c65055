package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/talenthub/chatsync"
)

// settings is the file config with CHATSYNC_* environment overrides applied.
type settings struct {
	APIURL      string
	DataDir     string
	MetricsAddr string
	Identity    chatsync.Identity
}

func loadSettings() (*settings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	s := &settings{
		APIURL:      valueOrDefault(envCfg.APIURL, cfg.Default.APIURL),
		DataDir:     cfg.Default.DataDir,
		MetricsAddr: cfg.Default.MetricsAddr,
		Identity: chatsync.Identity{
			UserID: valueOrDefault(envCfg.UserID, cfg.Auth.UserID),
			Role:   chatsync.Role(valueOrDefault(string(envCfg.Role), cfg.Auth.Role)),
			Token:  valueOrDefault(envCfg.Token, cfg.Auth.Token),
		},
	}
	if s.DataDir == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		s.DataDir = filepath.Join(dir, "data")
	}
	return s, nil
}

// getClient creates a REST client for the configured user.
func getClient() (*chatsync.Client, *settings, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	if s.APIURL == "" {
		return nil, nil, fmt.Errorf("no API URL. Run 'chatsync config set default.api_url <url>' or set %s", chatsync.EnvAPIURL)
	}
	if s.Identity.Token == "" {
		return nil, nil, fmt.Errorf("no token. Run 'chatsync config set auth.token <token>' or set %s", chatsync.EnvToken)
	}
	return chatsync.NewClient(s.APIURL, chatsync.WithToken(s.Identity.Token)), s, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newClientID correlates a sent message with its live echo.
func newClientID() string {
	return uuid.NewString()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
