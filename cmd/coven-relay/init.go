// ABOUTME: init command: interactive config file generation
// ABOUTME: Prompts for backend, Zulip and Slack settings and writes relay.yaml with a fresh JWT secret

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-relay/internal/config"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	GRPCAddr, HTTPAddr string
	DBPath             string

	BackendURL, BackendToken string

	ZulipSite, ZulipEmail, ZulipAPIKey, ZulipStream string

	Mode          string
	SlackAppToken string

	Tailscale         bool
	TSHostname, TSKey string
	TSEphemeral       bool

	JWTSecret string

	LogLevel, LogFormat string
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.GRPCAddr = prompt(reader, "gRPC address", "localhost:50052")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8090")

	fmt.Println("\n--- Database Configuration ---")
	a.DBPath = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "relay.db"))

	fmt.Println("\n--- Backend ---")
	a.BackendURL = prompt(reader, "Backend base URL", "http://localhost:5000")
	a.BackendToken = prompt(reader, "Backend token (leave empty for none)", "")

	fmt.Println("\n--- Zulip ---")
	a.ZulipSite = prompt(reader, "Zulip site", "https://chat.zulip.org")
	a.ZulipEmail = prompt(reader, "Bot email", "")
	a.ZulipAPIKey = prompt(reader, "Bot API key (or ${ZULIP_API_KEY})", "${ZULIP_API_KEY}")
	a.ZulipStream = prompt(reader, "Stream", "Slack")

	fmt.Println("\n--- Negotiation ---")
	a.Mode = prompt(reader, "Who registers the socket and queue (backend/direct)", config.NegotiationBackend)
	if a.Mode == config.NegotiationDirect {
		a.SlackAppToken = prompt(reader, "Slack app-level token (or ${SLACK_APP_TOKEN})", "${SLACK_APP_TOKEN}")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, "Tailscale hostname", "coven-relay")
		a.TSKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.TSEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Operator Auth ---")
	if yes(prompt(reader, "Require operator tokens?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		a.JWTSecret = secret
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the relay:")
	fmt.Println("  coven-relay serve")
	if a.JWTSecret != "" {
		fmt.Println("\nTo issue an operator token:")
		fmt.Println("  coven-relay token <your-name>")
	}
	return nil
}

// generateSecret returns a random base64 HS256 secret.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

// renderConfig produces the YAML config file for the answers.
func renderConfig(a initAnswers) string {
	var b strings.Builder
	line := func(format string, args ...any) { fmt.Fprintf(&b, format+"\n", args...) }

	line("# coven-relay configuration")
	line("# Generated by coven-relay init")
	line("")
	line("server:")
	line("  grpc_addr: %q", a.GRPCAddr)
	line("  http_addr: %q", a.HTTPAddr)
	line("")
	line("database:")
	line("  path: %q", a.DBPath)
	line("")
	line("tailscale:")
	line("  enabled: %t", a.Tailscale)
	if a.Tailscale {
		line("  hostname: %q", a.TSHostname)
		if a.TSKey != "" {
			line("  auth_key: %q", a.TSKey)
		}
		line("  ephemeral: %t", a.TSEphemeral)
	}
	line("")
	if a.JWTSecret != "" {
		line("auth:")
		line("  jwt_secret: %q", a.JWTSecret)
		line("")
	}
	line("backend:")
	line("  url: %q", a.BackendURL)
	if a.BackendToken != "" {
		line("  token: %q", a.BackendToken)
	}
	line("")
	line("zulip:")
	line("  site: %q", a.ZulipSite)
	line("  email: %q", a.ZulipEmail)
	line("  api_key: %q", a.ZulipAPIKey)
	line("  stream: %q", a.ZulipStream)
	line("")
	line("negotiation:")
	line("  mode: %q", a.Mode)
	if a.SlackAppToken != "" {
		line("")
		line("slack:")
		line("  app_token: %q", a.SlackAppToken)
	}
	line("")
	line("relay:")
	line("  poll_timeout: \"90s\"")
	line("  forward_timeout: \"30s\"")
	line("  negotiate_timeout: \"30s\"")
	line("  retry_interval: \"1s\"")
	line("  dedupe_ttl: \"10m\"")
	line("  dedupe_size: 10000")
	line("")
	line("logging:")
	line("  level: %q", a.LogLevel)
	line("  format: %q", a.LogFormat)
	line("")
	line("metrics:")
	line("  enabled: true")
	line("  path: \"/metrics\"")
	return b.String()
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
