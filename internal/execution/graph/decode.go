package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"gopkg.in/yaml.v3"
)

// Decode parses a graph document. YAML is chosen by content type; anything
// else is read as JSON.
func Decode(contentType string, body []byte) (domain.Graph, error) {
	var g domain.Graph
	if len(bytes.TrimSpace(body)) == 0 {
		return g, fmt.Errorf("graph document is empty")
	}
	if isYAML(contentType) {
		if err := yaml.Unmarshal(body, &g); err != nil {
			return domain.Graph{}, fmt.Errorf("parse yaml graph: %w", err)
		}
		return g, nil
	}
	if err := json.Unmarshal(body, &g); err != nil {
		return domain.Graph{}, fmt.Errorf("parse json graph: %w", err)
	}
	return g, nil
}

func isYAML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = contentType
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	return strings.HasSuffix(mt, "yaml") || strings.HasSuffix(mt, "yml")
}
