// Package config loads application settings from built-in defaults, a YAML
// settings file named by the MOGIN_SETTINGS environment variable, process
// environment variables and programmatic overrides. Later sources override
// earlier ones and keys are case-insensitive.
package config
