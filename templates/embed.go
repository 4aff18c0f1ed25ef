// Package templates embeds the default configuration and quality rules.
package templates

import "embed"

//go:embed config.yaml quality
var FS embed.FS
