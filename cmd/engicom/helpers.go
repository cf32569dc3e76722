package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	engicom "github.com/engicom/engicom/sdk/golang"
	"go.uber.org/zap"
)

// newLogger returns a development logger with --verbose, otherwise a no-op.
func newLogger() *zap.Logger {
	if !verboseFlag {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// getClient creates an Engicom client authenticated with the stored token.
func getClient() (*engicom.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'engicom login <token>' first.")
		os.Exit(1)
	}

	opts := []engicom.ClientOption{engicom.WithLogger(newLogger())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, engicom.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Default.Timeout); err == nil {
			opts = append(opts, engicom.WithTimeout(d))
		} else {
			fmt.Fprintf(os.Stderr, "Ignoring invalid timeout %q: %v\n", cfg.Default.Timeout, err)
		}
	}
	if cfg.Default.RateLimit > 0 {
		opts = append(opts, engicom.WithRateLimit(cfg.Default.RateLimit, 1))
	}

	return engicom.NewClient(cfg.Auth.Token, opts...), cfg
}

// startEngine logs an engine in with the stored token. A failed push
// connection is reported but not fatal: REST operations still work.
func startEngine(ctx context.Context) (*engicom.Engine, error) {
	client, cfg := getClient()
	eng, err := engicom.NewEngine(client, &engicom.EngineOptions{Logger: newLogger()})
	if err != nil {
		return nil, err
	}
	if err := eng.Login(ctx, cfg.Auth.Token); err != nil {
		if eng.Self() == "" {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Warning: live updates unavailable: %v\n", err)
	}
	return eng, nil
}

// ago renders t relative to now, or "-" for the zero time.
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
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
