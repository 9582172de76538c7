package configs

import "embed"

// ToolDefaults contains the shipped tool profiles.
//
//go:embed tools/*.yaml
var ToolDefaults embed.FS
