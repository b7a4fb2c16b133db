// Package config loads and validates the qq-adapter YAML configuration,
// expanding ${VAR} environment references so credentials can stay out of
// the config file itself.
package config
