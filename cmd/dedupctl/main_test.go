package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scanLog = `{
  "version": "2.1.0",
  "runs": [{
    "tool": {"driver": {"name": "semgrep", "semanticVersion": "1.50.0",
      "rules": [{"id": "py.sqli", "defaultConfiguration": {"level": "error"}}]}},
    "results": [
      {"ruleId": "py.sqli", "message": {"text": "user input reaches SQL query"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "app/users.py"}, "region": {"startLine": 12}}}]},
      {"ruleId": "py.sqli", "message": {"text": "user input reaches SQL query"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "app/orders.py"}, "region": {"startLine": 40}}}]},
      {"ruleId": "py.secret", "level": "warning", "message": {"text": "hardcoded token in settings module"},
       "locations": [{"physicalLocation": {"artifactLocation": {"uri": "app/settings.py"}, "region": {"startLine": 3}}}]},
      {"ruleId": "py.bad", "level": "fatal", "message": {"text": "m"}}
    ]
  }]
}`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeSARIF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.sarif")
	require.NoError(t, os.WriteFile(path, []byte(scanLog), 0o600))
	return path
}

func TestRunCmd_MemoryDryRun(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "hashing")
	t.Setenv("CONFIRM_PROVIDER", "none")

	out, err := execute(t, "run", "--memory",
		"--sarif", writeSARIF(t),
		"--org", uuid.NewString(),
		"--project", uuid.NewString(),
		"--branch", uuid.NewString(),
	)
	require.NoError(t, err, out)

	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "input 4, invalid 1, new 3")
	assert.Contains(t, out, "clusters 1, clustered 2, unclustered 1")
	assert.Contains(t, out, "ingest: ")
	assert.Contains(t, out, "cluster_")
	assert.Contains(t, out, "py.sqli")
}

func TestRunCmd_ParamOverrides(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "hashing")
	t.Setenv("CONFIRM_PROVIDER", "none")
	args := []string{"run", "--memory", "--sarif", writeSARIF(t),
		"--org", uuid.NewString(), "--project", uuid.NewString(), "--branch", uuid.NewString()}

	out, err := execute(t, append(args, "--algorithm", "agglomerative", "--threshold", "0.9")...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "hierarchical (threshold 0.90)")

	_, err = execute(t, append(args, "--algorithm", "kmeans")...)
	require.Error(t, err)

	_, err = execute(t, append(args, "--threshold", "2")...)
	require.Error(t, err)
}

func TestRunCmd_Validation(t *testing.T) {
	sarif := writeSARIF(t)
	tests := []struct {
		name string
		args []string
	}{
		{"missing flags", []string{"run", "--memory"}},
		{"bad org", []string{"run", "--memory", "--sarif", sarif, "--org", "x", "--project", uuid.NewString(), "--branch", uuid.NewString()}},
		{"bad scan", []string{"run", "--memory", "--sarif", sarif, "--org", uuid.NewString(), "--project", uuid.NewString(), "--branch", uuid.NewString(), "--scan", "nope"}},
		{"missing file", []string{"run", "--memory", "--sarif", filepath.Join(t.TempDir(), "none.sarif"), "--org", uuid.NewString(), "--project", uuid.NewString(), "--branch", uuid.NewString()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestKeysCreate_Validation(t *testing.T) {
	_, err := execute(t, "keys", "create", "--org", "not-a-uuid", "--name", "ci")
	assert.Error(t, err)

	_, err = execute(t, "keys", "create", "--org", uuid.NewString(), "--name", "ci", "--scopes", "read,root")
	assert.ErrorContains(t, err, "unknown scope")
}

func TestSplitScopes(t *testing.T) {
	assert.Equal(t, []string{"read", "write"}, splitScopes(" read, write ,"))
	assert.Nil(t, splitScopes(""))
}

func TestPrintRun_ShowsNotesAndErrors(t *testing.T) {
	msg := "run timed out after 1m0s"
	var buf bytes.Buffer
	printRun(&buf, &models.DedupRun{
		Status:       models.RunStatusFailed,
		ErrorMessage: &msg,
		Summary: models.RunSummary{
			EmbeddingFailures: 2,
			Notes:             []string{"2 findings skipped: embedding unavailable"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, msg)
	assert.Contains(t, out, "Degraded:")
	assert.Contains(t, out, "2 findings skipped")
}

func TestPrintClusters_MarksRepresentative(t *testing.T) {
	rep, other := uuid.New(), uuid.New()
	var buf bytes.Buffer
	printClusters(&buf, []*models.Cluster{{
		Label:                   "cluster_0",
		Size:                    2,
		PrimaryRuleID:           "py.sqli",
		PrimarySeverity:         models.SeverityHigh,
		RepresentativeFindingID: rep,
		ConfirmationStatus:      models.ConfirmationNotRequired,
		Members: []models.ClusterMembership{
			{FindingID: rep},
			{FindingID: other, DistanceToCentroid: 0.01},
		},
	}})

	out := buf.String()
	assert.Contains(t, out, "* "+rep.String())
	assert.Contains(t, out, "  "+other.String())
	assert.Contains(t, out, "not_required")
}
