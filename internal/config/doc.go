// Package config loads the vectord runtime configuration from a JSON or
// YAML file and overlays the environment surface used in deployments:
// provider selection, credentials, batch wait tuning and test mode.
package config
