package models

import (
	"fmt"
	"strings"
)

// Verdict is the reasoning model's answer for one (representative, candidate) pair.
type Verdict string

const (
	VerdictConfirmedDuplicate Verdict = "CONFIRMED_DUPLICATE"
	VerdictDistinct           Verdict = "DISTINCT"
	VerdictUncertain          Verdict = "UNCERTAIN"
)

// ParseVerdict normalizes a model-produced verdict string.
func ParseVerdict(s string) (Verdict, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, " ", "_")
	switch v {
	case "CONFIRMED_DUPLICATE", "DUPLICATE":
		return VerdictConfirmedDuplicate, nil
	case "DISTINCT", "NOT_DUPLICATE":
		return VerdictDistinct, nil
	case "UNCERTAIN", "UNKNOWN":
		return VerdictUncertain, nil
	default:
		return "", fmt.Errorf("invalid verdict: %q", s)
	}
}

// ConfirmResult is the output of a single confirmation call.
type ConfirmResult struct {
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Model      string  `json:"model,omitempty"`
}
