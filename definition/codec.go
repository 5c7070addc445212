package definition

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse decodes a JSON or YAML document. JSON is detected by a leading '{'.
func Parse(data []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ParseJSON(trimmed)
	}
	return ParseYAML(data)
}

// ParseJSON decodes a JSON document.
func ParseJSON(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode definition JSON: %w", err)
	}
	doc.normalize()
	return &doc, nil
}

// ParseYAML decodes a YAML document.
func ParseYAML(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode definition YAML: %w", err)
	}
	doc.normalize()
	return &doc, nil
}

// Encode encodes the document in its stored JSON form.
func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// EncodeYAML encodes the document as YAML.
func (d *Document) EncodeYAML() ([]byte, error) {
	return yaml.Marshal(d)
}

// normalize assigns connection IDs that the author left out.
func (d *Document) normalize() {
	for i := range d.Connections {
		if d.Connections[i].ID == "" {
			d.Connections[i].ID = fmt.Sprintf("%s->%s", d.Connections[i].Source, d.Connections[i].Target)
		}
	}
}
