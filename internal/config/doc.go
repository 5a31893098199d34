// Package config handles configuration loading for devicelockd.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from DEVICELOCKD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/devicelockd/config.yaml
//  3. /etc/devicelockd/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token_secret: "${DEVICELOCKD_TOKEN_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_lifetime: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Client-protocol socket:
//
//	socket:
//	  path: "/run/devicelockd/devicelockd.sock"
//
// Database:
//
//	database:
//	  path: "/var/lib/devicelockd/devicelock.db"
//
// Credential backend:
//
//	backend:
//	  type: "native"                         # native, command
//	  manifest: "/etc/devicelockd/backend.toml"  # command backend only
//
// Authentication tokens:
//
//	auth:
//	  token_secret: "${DEVICELOCKD_TOKEN_SECRET}"  # random per-run if empty
//	  token_lifetime: "5m"
//
// Fingerprint subsystem:
//
//	fingerprint:
//	  enabled: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
