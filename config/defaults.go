// Package config carries the built-in configuration file.
package config

import _ "embed"

// Default is the embedded base configuration. conf.yaml and VOICE_*
// environment variables are merged on top of it.
//
//go:embed conf.default.yaml
var Default []byte
