// Package config loads stateflow's TOML configuration.
//
// Load applies defaults, decodes the file when present, expands paths and
// validates the result. Durations are integer seconds; accessor methods
// convert them to time.Duration.
package config
