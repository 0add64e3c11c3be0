// Package defaults embeds the example configuration written by the
// bbchat init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example config.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte
