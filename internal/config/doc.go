// Package config loads the orchestrator configuration from a JSON file,
// applies environment overrides and fills in defaults for every section.
package config
