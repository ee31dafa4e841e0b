// Package config loads the orchestrator daemon configuration from a JSON or
// YAML file, applies environment overrides for credentials and port, and fills
// defaults relative to the configuration file directory.
package config
