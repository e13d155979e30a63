// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{LogLevel, Plugin, Outputs}: full config tree parsed from YAML
//   - Plugin: site, hostname, metrics filter, credentials, poll interval,
//     timeout, backfill and retry settings of one Kwollect source
//   - Outputs: HTTP exposition listener and optional MQTT forwarding
//
// Load(path) reads the YAML file, applies defaults (Grid'5000 stable API,
// 30s poll, 10s timeout), then validates fields with go-playground/validator
// and a few cross-field rules. Secrets are read from the environment when a
// *_env field is set.
//
// Watch(ctx, path, current, onChange) uses fsnotify to detect file changes
// and calls onChange with the newly parsed Config when it differs from the
// active one.
package config
