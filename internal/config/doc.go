// Package config handles configuration loading for jarvis-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from JARVIS_CONFIG environment variable
//  3. ~/.config/jarvis/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${JARVIS_JWT_SECRET}"
//
// JARVIS_JWT_SECRET, JARVIS_DB_PATH and JARVIS_DATABASE_URL also override the
// corresponding fields directly when set.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"            # sqlite or postgres
//	  path: "/var/lib/jarvis/gateway.db"
//	  dsn: "postgres://jarvis@localhost/jarvis"
//
//	auth:
//	  jwt_secret: "${JARVIS_JWT_SECRET}"  # at least 32 bytes
//	  cookie_name: "bonds"
//	  token_lifetime: "10h"
//
//	gateway:
//	  allowed_origins: ["app.example.com"]
//	  write_timeout: "5s"
//	  close_timeout: "1s"
//	  broadcast_concurrency: 16
//
//	inference:
//	  backend: "http"              # echo or http
//	  url: "http://localhost:11434/v1/chat/completions"
//	  model: "llama3"
//	  timeout: "2m"
//	  breaker_max_failures: 5
//	  breaker_reset: "30s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
