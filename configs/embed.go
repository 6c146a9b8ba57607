// Package configs holds the configuration template written by
// `vecdest config init`. It is embedded at build time so every
// distribution carries it.
package configs

import _ "embed"

// ConfigTemplate is the commented starting configuration. Keys it leaves
// commented out keep the defaults from config.NewConfig.
//
//go:embed vecdest.example.yaml
var ConfigTemplate string
