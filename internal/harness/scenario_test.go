package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(minimalRules), 0o644))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalRules = `
rules:
  - id: r1
    name: pass through
    enabled: true
    trigger:
      kind: event
      topic: ping
    actions:
      - kind: emit_event
        topic: pong
`

const minimalScenario = `
name: minimal
description: emits one event
documents:
  - rules.yaml
steps:
  - emit:
      topic: ping
assertions:
  - type: event_count
    topic: pong
    count: 1
`

func TestLoadScenario(t *testing.T) {
	path := writeScenario(t, minimalScenario)
	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Documents, 1)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "rules.yaml"), s.Documents[0],
		"document paths resolve relative to the scenario file")
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadScenario_UnknownFieldRejected(t *testing.T) {
	// Singular "assertion" is a typo for "assertions".
	path := writeScenario(t, `
name: typo
description: broken
documents:
  - rules.yaml
steps:
  - emit:
      topic: ping
assertion:
  - type: event_count
    topic: pong
    count: 1
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assertion")
}

func TestLoadScenario_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing name",
			content: `
description: nameless
documents: [rules.yaml]
steps:
  - emit: {topic: ping}
assertions:
  - {type: event_count, topic: pong, count: 1}
`,
			want: "name is required",
		},
		{
			name: "missing document",
			content: `
name: s
description: d
documents: [absent.yaml]
steps:
  - emit: {topic: ping}
assertions:
  - {type: event_count, topic: pong, count: 1}
`,
			want: "document not found",
		},
		{
			name: "two directives in one step",
			content: `
name: s
description: d
documents: [rules.yaml]
steps:
  - emit: {topic: ping}
    deleteFact: k
assertions:
  - {type: event_count, topic: pong, count: 1}
`,
			want: "exactly one directive",
		},
		{
			name: "bad advance duration",
			content: `
name: s
description: d
documents: [rules.yaml]
steps:
  - advance: soon
assertions:
  - {type: event_count, topic: pong, count: 1}
`,
			want: "advance",
		},
		{
			name: "unknown assertion type",
			content: `
name: s
description: d
documents: [rules.yaml]
steps:
  - emit: {topic: ping}
assertions:
  - {type: fact_matches, key: k}
`,
			want: "unknown assertion type",
		},
		{
			name: "no assertions",
			content: `
name: s
description: d
documents: [rules.yaml]
steps:
  - emit: {topic: ping}
`,
			want: "assertions list must not be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRun_MinimalScenario(t *testing.T) {
	s, err := LoadScenario(writeScenario(t, minimalScenario))
	require.NoError(t, err)

	res, err := Run(s)
	require.NoError(t, err)
	assert.True(t, res.Pass, "errors: %v", res.Errors)
	require.Len(t, res.Events, 2)
	assert.Equal(t, "ping", res.Events[0].Topic)
	assert.Equal(t, "pong", res.Events[1].Topic)
}

func TestRun_InvalidDocumentFails(t *testing.T) {
	dir := t.TempDir()
	broken := `
rules:
  - id: r1
    name: broken
    trigger:
      kind: event
    actions:
      - kind: emit_event
        topic: pong
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(broken), 0o644))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err, "document contents are checked at run time")
	_, err = Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load document")
}
