// Package config loads and validates the machine-readable YAML
// configuration: news servers, pipeline defaults, resource caps, and
// storage backend selection.
package config
