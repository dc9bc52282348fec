package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// Text builds the provider input for a finding. The layout is fixed so that
// the same finding always hashes to the same cache key.
func Text(f *models.Finding, snippetMax int) string {
	var b strings.Builder
	b.WriteString("Rule: ")
	b.WriteString(f.RuleID)
	b.WriteString("\nFile type: ")
	b.WriteString(fileType(f.FilePath))
	b.WriteString("\nDescription: ")
	b.WriteString(f.Message)
	if f.Snippet != "" && snippetMax > 0 {
		b.WriteString("\nCode: ")
		b.WriteString(truncateRunes(f.Snippet, snippetMax))
	}
	return b.String()
}

// TextHash is the hex SHA-256 of an embedding text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func fileType(p string) string {
	base := path.Base(strings.ReplaceAll(p, `\`, "/"))
	if ext := path.Ext(base); len(ext) > 1 {
		return ext[1:]
	}
	return "unknown"
}

// truncateRunes keeps at most n runes of s.
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
