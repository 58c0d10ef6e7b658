// ABOUTME: token command: issues an operator JWT signed with auth.jwt_secret
// ABOUTME: Every issued token is recorded in the audit log

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

const defaultTokenTTL = 30 * 24 * time.Hour

// parseTokenArgs reads NAME [DURATION].
func parseTokenArgs(args []string) (string, time.Duration, error) {
	if len(args) < 1 || args[0] == "" {
		return "", 0, fmt.Errorf("usage: coven-relay token NAME [DURATION]")
	}
	ttl := defaultTokenTTL
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("invalid duration %q: %w", args[1], err)
		}
		if d <= 0 {
			return "", 0, fmt.Errorf("duration must be positive, got %s", d)
		}
		ttl = d
	}
	return args[0], ttl, nil
}

func runToken(ctx context.Context, args []string) error {
	subject, ttl, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := issueToken(ctx, cfg, subject, ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

// issueToken signs a token and records the issue in the audit log.
func issueToken(ctx context.Context, cfg *config.Config, subject string, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", fmt.Errorf("auth.jwt_secret is not set; the operator API is open and needs no token")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return "", fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	err = s.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:  "cli",
		Action: store.AuditCreateToken,
		Detail: map[string]any{
			"subject":    subject,
			"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("recording token issue: %w", err)
	}
	return token, nil
}
