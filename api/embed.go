// Package api holds the HTTP contract served by the engine.
package api

import _ "embed"

//go:embed openapi.yaml
var OpenAPI []byte
