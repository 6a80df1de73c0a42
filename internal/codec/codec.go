// Package codec reads and writes rule documents. A document is a YAML or
// JSON file carrying groups and rules; incoming documents are checked
// against an embedded CUE schema before they are decoded, so shape errors
// are reported with a path into the document rather than as a Go
// unmarshalling failure.
package codec

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

//go:embed schema.cue
var schemaSource string

// Document is the on-disk rule document shape.
type Document struct {
	Version int          `json:"version,omitempty" yaml:"version,omitempty"`
	Groups  []rule.Group `json:"groups,omitempty" yaml:"groups,omitempty"`
	Rules   []*rule.Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Options controls decoding.
type Options struct {
	// Strict promotes unknown-field warnings to errors.
	Strict bool
}

// Warning is a non-fatal finding: an unknown field, or a warning-severity
// validation issue from the rule validator.
type Warning struct {
	Path    string `json:"path" yaml:"path"`
	Message string `json:"message" yaml:"message"`
}

func (w Warning) String() string {
	if w.Path == "" {
		return w.Message
	}
	return w.Path + ": " + w.Message
}

// DecodeYAML parses a YAML rule document. The raw document is validated
// against the schema first; unknown fields become warnings (errors under
// Options.Strict), everything else that fails the schema is an error.
func DecodeYAML(data []byte, opts Options) (*Document, []Warning, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, rule.NewInvalidArgument("parse yaml: %v", err)
	}
	warnings, err := checkSchema(raw, opts.Strict)
	if err != nil {
		return nil, warnings, err
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, warnings, rule.NewInvalidArgument("decode document: %v", err)
	}
	more, err := validate(&doc)
	warnings = append(warnings, more...)
	if err != nil {
		return nil, warnings, err
	}
	return &doc, warnings, nil
}

// DecodeJSON parses a JSON rule document. Same validation pipeline as
// DecodeYAML.
func DecodeJSON(data []byte, opts Options) (*Document, []Warning, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, rule.NewInvalidArgument("parse json: %v", err)
	}
	warnings, err := checkSchema(raw, opts.Strict)
	if err != nil {
		return nil, warnings, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, warnings, rule.NewInvalidArgument("decode document: %v", err)
	}
	more, err := validate(&doc)
	warnings = append(warnings, more...)
	if err != nil {
		return nil, warnings, err
	}
	return &doc, warnings, nil
}

// DecodeFile reads a document from disk, picking the format from the
// file extension (.json is JSON, everything else is YAML).
func DecodeFile(path string, opts Options) (*Document, []Warning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return DecodeJSON(data, opts)
	}
	return DecodeYAML(data, opts)
}

// checkSchema unifies the raw document with the embedded schema. Unknown
// fields come back as warnings unless strict; any other finding is fatal.
func checkSchema(raw any, strict bool) ([]Warning, error) {
	if raw == nil {
		return nil, nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue")).
		LookupPath(cue.ParsePath("#Document"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}

	val := ctx.Encode(raw)
	if err := val.Err(); err != nil {
		return nil, rule.NewInvalidArgument("document is not a mapping: %v", err)
	}

	err := schema.Unify(val).Validate(cue.Concrete(false))
	if err == nil {
		return nil, nil
	}

	var warnings []Warning
	var hard []string
	for _, e := range cueerrors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		msg := e.Error()
		if i := strings.Index(msg, ": "); i >= 0 && strings.HasPrefix(msg, path) {
			msg = msg[i+2:]
		}
		if strings.Contains(msg, "field not allowed") && !strict {
			warnings = append(warnings, Warning{Path: path, Message: "unknown field"})
			continue
		}
		hard = append(hard, fmt.Sprintf("%s: %s", path, msg))
	}
	if len(hard) > 0 {
		return warnings, rule.NewInvalidArgument("document does not match schema: %s", strings.Join(hard, "; "))
	}
	return warnings, nil
}

// validate runs the rule-level validators over a schema-clean document
// and rejects duplicate ids. Warning-severity issues are carried through
// as codec warnings.
func validate(doc *Document) ([]Warning, error) {
	var warnings []Warning
	var issues []rule.Issue

	prefix := func(field, path string) string {
		if field == "" {
			return path
		}
		return path + "." + field
	}

	groupIDs := make(map[string]bool, len(doc.Groups))
	for i := range doc.Groups {
		path := fmt.Sprintf("groups[%d]", i)
		g := &doc.Groups[i]
		if groupIDs[g.ID] && g.ID != "" {
			issues = append(issues, rule.Issue{
				Field:    path + ".id",
				Message:  fmt.Sprintf("duplicate group id %q", g.ID),
				Severity: rule.SeverityError,
			})
		}
		groupIDs[g.ID] = true
		for _, iss := range rule.ValidateGroup(g) {
			iss.Field = prefix(iss.Field, path)
			issues = append(issues, iss)
		}
	}

	ruleIDs := make(map[string]bool, len(doc.Rules))
	for i, r := range doc.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if r != nil && r.ID != "" {
			if ruleIDs[r.ID] {
				issues = append(issues, rule.Issue{
					Field:    path + ".id",
					Message:  fmt.Sprintf("duplicate rule id %q", r.ID),
					Severity: rule.SeverityError,
				})
			}
			ruleIDs[r.ID] = true
		}
		for _, iss := range rule.ValidateRule(r) {
			iss.Field = prefix(iss.Field, path)
			issues = append(issues, iss)
		}
		if r != nil && r.Group != "" && !groupIDs[r.Group] {
			warnings = append(warnings, Warning{
				Path:    path + ".group",
				Message: fmt.Sprintf("group %q is not defined in this document", r.Group),
			})
		}
	}

	var hard []rule.Issue
	for _, iss := range issues {
		if iss.Severity == rule.SeverityError {
			hard = append(hard, iss)
			continue
		}
		warnings = append(warnings, Warning{Path: iss.Field, Message: iss.Message})
	}
	if len(hard) > 0 {
		return warnings, rule.NewValidationError(hard)
	}
	return warnings, nil
}
