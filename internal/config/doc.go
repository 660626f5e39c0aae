// Package config holds the daemon configuration and the per-run load
// configuration.
//
// The daemon configuration is read with viper from loadrunner.yaml (or the
// file given with --config) and may be overridden by LOADRUNNER_* environment
// variables. Load configurations are small YAML or JSON documents describing a
// single load test: the path to hit, the request rate, the concurrency and
// the duration.
package config
