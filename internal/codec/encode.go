package codec

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// EncodeYAML renders a document as YAML with two-space indentation.
func EncodeYAML(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeJSON renders a document as indented JSON with a trailing newline.
// Struct field order is fixed, so the output is deterministic and usable
// as a golden fixture.
func EncodeJSON(doc *Document) ([]byte, error) {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
