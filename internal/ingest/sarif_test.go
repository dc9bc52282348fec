package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/kiranshivaraju/findingdedup/internal/dedup"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{
  "version": "2.1.0",
  "runs": [{
    "tool": {"driver": {"name": "semgrep", "semanticVersion": "1.50.0",
      "rules": [{"id": "go.sqli", "defaultConfiguration": {"level": "error"}}]}},
    "results": [
      {"ruleId": "go.sqli", "level": "error", "message": {"text": "SQL built from input"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "file://./db/query.go"},
         "region": {"startLine": 10, "startColumn": 4, "endLine": 12, "endColumn": 9, "snippet": {"text": "db.Query(q)"}}}}]},
      {"ruleIndex": 0, "message": {"text": "SQL again"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "db/other.go"}, "region": {"startLine": 3}}}]},
      {"ruleId": "x.note", "level": "note", "message": {"text": "style"},
       "properties": {"severity": "critical"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "a.go"}, "region": {"startLine": 1}}}]},
      "not an object",
      {"ruleId": "x.bad", "level": "fatal", "message": {"text": "m"}}
    ]
  }, {
    "tool": {"driver": {"name": "gosec", "version": "2.18"}},
    "results": [
      {"ruleId": "G101", "level": "none", "message": {"text": "creds"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "cfg.go"}, "region": {"startLine": 7}}}]},
      {"ruleIndex": 3, "message": {"text": "m"}}
    ]
  }]
}`

func TestParseSARIF(t *testing.T) {
	res, err := ParseSARIF(strings.NewReader(sampleLog))
	require.NoError(t, err)
	require.Len(t, res.Findings, 4)

	first := res.Findings[0]
	assert.Equal(t, models.RawFinding{
		RuleID:      "go.sqli",
		FilePath:    "db/query.go",
		StartLine:   10,
		StartColumn: 4,
		EndLine:     12,
		EndColumn:   9,
		Message:     "SQL built from input",
		Snippet:     "db.Query(q)",
		Severity:    models.SeverityHigh,
		ToolName:    "semgrep",
		ToolVersion: "1.50.0",
	}, first)

	// rule resolved through ruleIndex, level from defaultConfiguration
	assert.Equal(t, "go.sqli", res.Findings[1].RuleID)
	assert.Equal(t, models.SeverityHigh, res.Findings[1].Severity)

	assert.Equal(t, models.SeverityCritical, res.Findings[2].Severity)

	assert.Equal(t, "gosec", res.Findings[3].ToolName)
	assert.Equal(t, "2.18", res.Findings[3].ToolVersion)
	assert.Equal(t, models.SeverityInfo, res.Findings[3].Severity)

	require.Len(t, res.Errors, 3)
	assert.Equal(t, 3, res.Errors[0].Index)
	assert.Equal(t, "result", res.Errors[0].Field)
	assert.Equal(t, 4, res.Errors[1].Index)
	assert.Equal(t, "level", res.Errors[1].Field)
	assert.Equal(t, 6, res.Errors[2].Index)
	assert.Equal(t, "ruleIndex", res.Errors[2].Field)
	assert.True(t, errors.Is(res.Errors[0], dedup.ErrInvalidFinding))
}

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		level string
		props map[string]any
		want  models.Severity
		err   bool
	}{
		{level: "error", want: models.SeverityHigh},
		{level: "WARNING", want: models.SeverityMedium},
		{level: "", want: models.SeverityMedium},
		{level: "note", want: models.SeverityLow},
		{level: "none", want: models.SeverityInfo},
		{level: "note", props: map[string]any{"severity": "moderate"}, want: models.SeverityMedium},
		{level: "error", props: map[string]any{"severity": 9}, want: models.SeverityHigh},
		{level: "error", props: map[string]any{"severity": "extreme"}, err: true},
		{level: "panic", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			got, err := severityOf(tt.level, tt.props)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSARIF_RejectsDocument(t *testing.T) {
	tests := map[string]string{
		"not json":      `{"runs": [`,
		"wrong version": `{"version": "1.0.0", "runs": []}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSARIF(strings.NewReader(input))
			assert.ErrorIs(t, err, ErrUnsupportedDocument)
		})
	}
}

func TestParseSARIF_Empty(t *testing.T) {
	res, err := ParseSARIF(strings.NewReader(`{"version": "2.1.0", "runs": []}`))
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Empty(t, res.Errors)
}
