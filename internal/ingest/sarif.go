// Package ingest converts scanner output into raw findings.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kiranshivaraju/findingdedup/internal/dedup"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// ErrUnsupportedDocument is returned when the input is not a SARIF 2.1 log.
var ErrUnsupportedDocument = errors.New("unsupported SARIF document")

// Result is the outcome of parsing one SARIF log. Errors hold results that
// could not be converted; Index counts results across all runs in file order.
type Result struct {
	Findings []models.RawFinding
	Errors   []*dedup.InputError
}

type sarifLog struct {
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool struct {
		Driver struct {
			Name            string      `json:"name"`
			Version         string      `json:"version"`
			SemanticVersion string      `json:"semanticVersion"`
			Rules           []sarifRule `json:"rules"`
		} `json:"driver"`
	} `json:"tool"`
	Results []json.RawMessage `json:"results"`
}

type sarifRule struct {
	ID                   string `json:"id"`
	DefaultConfiguration struct {
		Level string `json:"level"`
	} `json:"defaultConfiguration"`
}

type sarifResult struct {
	RuleID    string `json:"ruleId"`
	RuleIndex *int   `json:"ruleIndex"`
	Rule      struct {
		ID string `json:"id"`
	} `json:"rule"`
	Level   string `json:"level"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	Locations []struct {
		PhysicalLocation struct {
			ArtifactLocation struct {
				URI string `json:"uri"`
			} `json:"artifactLocation"`
			Region struct {
				StartLine   int `json:"startLine"`
				StartColumn int `json:"startColumn"`
				EndLine     int `json:"endLine"`
				EndColumn   int `json:"endColumn"`
				Snippet     struct {
					Text string `json:"text"`
				} `json:"snippet"`
			} `json:"region"`
		} `json:"physicalLocation"`
	} `json:"locations"`
	Properties map[string]any `json:"properties"`
}

// ParseSARIF reads a SARIF 2.1 log. A malformed result is recorded in
// Result.Errors and the rest of the file is still converted.
func ParseSARIF(r io.Reader) (*Result, error) {
	var doc sarifLog
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDocument, err)
	}
	if doc.Version != "" && !strings.HasPrefix(doc.Version, "2.1") {
		return nil, fmt.Errorf("%w: version %q", ErrUnsupportedDocument, doc.Version)
	}

	out := &Result{}
	index := 0
	for _, run := range doc.Runs {
		driver := run.Tool.Driver
		version := driver.SemanticVersion
		if version == "" {
			version = driver.Version
		}
		for _, msg := range run.Results {
			raw, ierr := convert(index, msg, run)
			index++
			if ierr != nil {
				out.Errors = append(out.Errors, ierr)
				continue
			}
			raw.ToolName = driver.Name
			raw.ToolVersion = version
			out.Findings = append(out.Findings, raw)
		}
	}
	return out, nil
}

func convert(i int, msg json.RawMessage, run sarifRun) (models.RawFinding, *dedup.InputError) {
	var res sarifResult
	if err := json.Unmarshal(msg, &res); err != nil {
		return models.RawFinding{}, &dedup.InputError{Index: i, Field: "result", Reason: err.Error()}
	}

	var rule *sarifRule
	if res.RuleIndex != nil {
		rules := run.Tool.Driver.Rules
		if *res.RuleIndex < 0 || *res.RuleIndex >= len(rules) {
			return models.RawFinding{}, &dedup.InputError{Index: i, Field: "ruleIndex", Reason: "out of range"}
		}
		rule = &rules[*res.RuleIndex]
	}

	raw := models.RawFinding{
		RuleID:  firstNonEmpty(res.RuleID, res.Rule.ID),
		Message: res.Message.Text,
	}
	if raw.RuleID == "" && rule != nil {
		raw.RuleID = rule.ID
	}

	if len(res.Locations) > 0 {
		loc := res.Locations[0].PhysicalLocation
		raw.FilePath = normalizeURI(loc.ArtifactLocation.URI)
		raw.StartLine = loc.Region.StartLine
		raw.StartColumn = loc.Region.StartColumn
		raw.EndLine = loc.Region.EndLine
		raw.EndColumn = loc.Region.EndColumn
		raw.Snippet = loc.Region.Snippet.Text
	}

	level := res.Level
	if level == "" && rule != nil {
		level = rule.DefaultConfiguration.Level
	}
	sev, err := severityOf(level, res.Properties)
	if err != nil {
		return models.RawFinding{}, &dedup.InputError{Index: i, Field: "level", Reason: err.Error()}
	}
	raw.Severity = sev
	return raw, nil
}

// severityOf maps a SARIF level to a severity. properties.severity wins when
// present.
func severityOf(level string, props map[string]any) (models.Severity, error) {
	if v, ok := props["severity"].(string); ok && v != "" {
		return models.ParseSeverity(v)
	}
	switch strings.ToLower(level) {
	case "error":
		return models.SeverityHigh, nil
	case "warning", "":
		return models.SeverityMedium, nil
	case "note":
		return models.SeverityLow, nil
	case "none":
		return models.SeverityInfo, nil
	default:
		return "", fmt.Errorf("unknown level %q", level)
	}
}

func normalizeURI(uri string) string {
	uri = strings.TrimPrefix(uri, "file://")
	return strings.TrimPrefix(uri, "./")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
