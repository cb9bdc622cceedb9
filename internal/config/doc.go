// Package config provides configuration loading and validation for the ASR
// WebSocket bridge. It handles YAML-based configuration with per-section
// struct validation covering the server, audio segmentation, and backend
// connection parameters.
package config
