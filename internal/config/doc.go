// Package config loads the pipeline configuration from YAML, layers
// environment overrides on top and validates every section.
package config
