// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML files, or TOML files when the path ends
// in .toml, with environment variable expansion. Optional fields get defaults
// before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	zulip:
//	  api_key: "${ZULIP_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Configuration Sections
//
// Server and database:
//
//	server:
//	  grpc_addr: "localhost:50052"  # gRPC health
//	  http_addr: "localhost:8090"   # operator API
//	database:
//	  path: "~/.local/share/coven/relay.db"
//
// Backend and transports:
//
//	backend:
//	  url: "http://localhost:5000"
//	  token: "${BACKEND_TOKEN}"
//	zulip:
//	  site: "https://chat.example.com"
//	  email: "relay-bot@chat.example.com"
//	  api_key: "${ZULIP_API_KEY}"
//	  stream: "Slack"
//	slack:
//	  app_token: "${SLACK_APP_TOKEN}"  # direct mode only
//	negotiation:
//	  mode: "backend"                  # backend or direct
//
// Relay timing:
//
//	relay:
//	  poll_timeout: "90s"
//	  forward_timeout: "30s"
//	  negotiate_timeout: "30s"
//	  retry_interval: "1s"
//	  dedupe_ttl: "10m"
//	  dedupe_size: 10000
//
// Durations use time.ParseDuration syntax.
package config
