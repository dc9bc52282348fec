// Package prompt builds the duplicate-confirmation prompt shared by every
// reasoning provider and parses the model's JSON verdict.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/invopop/jsonschema"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

const snippetLimit = 1200

// Response is the JSON object the model must answer with.
type Response struct {
	Verdict    string  `json:"verdict" jsonschema:"enum=CONFIRMED_DUPLICATE,enum=DISTINCT,enum=UNCERTAIN" jsonschema_description:"Whether the candidate reports the same underlying issue as the representative."`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1" jsonschema_description:"Confidence in the verdict between 0 and 1."`
	Reasoning  string  `json:"reasoning,omitempty" jsonschema_description:"One or two sentences explaining the verdict."`
}

// Schema returns the JSON schema of Response, indented.
func Schema() string {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	b, err := json.MarshalIndent(reflector.Reflect(&Response{}), "", "  ")
	if err != nil {
		// Reflecting a fixed struct cannot fail.
		panic(err)
	}
	return string(b)
}

var schema = Schema()

// System is the instruction shared by all providers.
const System = "You review static-analysis findings that an embedding model grouped as near-duplicates. " +
	"Decide whether two findings describe the same underlying issue that one fix would resolve. " +
	"Answer with a single JSON object and nothing else."

// Build renders the user prompt for one representative/candidate pair.
func Build(req models.ConfirmRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Embedding cosine similarity: %.3f\n\n", req.Similarity)
	writeFinding(&b, "Representative finding", &req.Representative)
	writeFinding(&b, "Candidate finding", &req.Candidate)
	b.WriteString("Respond with JSON matching this schema:\n")
	b.WriteString(schema)
	b.WriteString("\n\nUse CONFIRMED_DUPLICATE only when both findings are the same issue, DISTINCT when they are different issues, and UNCERTAIN when the evidence is insufficient.\n")
	return b.String()
}

func writeFinding(b *strings.Builder, title string, f *models.Finding) {
	fmt.Fprintf(b, "## %s\n", title)
	fmt.Fprintf(b, "Rule: %s\n", f.RuleID)
	fmt.Fprintf(b, "Tool: %s\n", f.ToolName)
	fmt.Fprintf(b, "Severity: %s\n", f.Severity)
	fmt.Fprintf(b, "Location: %s:%d:%d\n", f.FilePath, f.StartLine, f.StartColumn)
	fmt.Fprintf(b, "Message: %s\n", f.Message)
	if f.Snippet != "" {
		fmt.Fprintf(b, "Code:\n```\n%s\n```\n", truncateString(f.Snippet, snippetLimit))
	}
	b.WriteString("\n")
}

// Parse extracts the verdict from a model reply. The reply may wrap the
// JSON object in prose or a code fence.
func Parse(text, model string) (models.ConfirmResult, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return models.ConfirmResult{}, fmt.Errorf("%w: no JSON object in reply", models.ErrInvalidResponse)
	}

	var resp Response
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return models.ConfirmResult{}, fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}
	verdict, err := models.ParseVerdict(resp.Verdict)
	if err != nil {
		return models.ConfirmResult{}, fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}

	return models.ConfirmResult{
		Verdict:    verdict,
		Confidence: clamp(resp.Confidence),
		Reasoning:  truncateString(resp.Reasoning, 2000),
		Model:      model,
	}, nil
}

func clamp(c float64) float64 {
	if c < 0 || c != c {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
