// Package schemas provides embedded canonical documents shipped with the
// server binary. The default configuration lives here so that `veris-mcp
// init` and the in-process defaults always agree.
package schemas

import _ "embed"

// DefaultConfig is the canonical default configuration document.
//
//go:embed config/default.json
var DefaultConfig []byte
