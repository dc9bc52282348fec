// Package fingerprint computes the deterministic identity hash of a finding.
//
// The output must stay byte-identical to every other implementation of the
// scheme, so the normalization and concatenation rules below are a contract:
//
//	sha256_hex( rule_id | normalized_path | line | column | sha256_hex(message)[:16] )
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// SchemeVersion identifies the hashing scheme. Stored fingerprints are only
// recomputed by an explicit migration when this changes.
const SchemeVersion = 1

const (
	delimiter       = "|"
	messageDigestLn = 16
	// Len is the length of a fingerprint without a collision suffix.
	Len = sha256.Size * 2
)

// Compute returns the fingerprint of a finding's identity fields.
// Missing (zero or negative) line and column numbers hash as "0".
func Compute(ruleID, filePath string, line, column int, message string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(ruleID))
	b.WriteString(delimiter)
	b.WriteString(NormalizePath(filePath))
	b.WriteString(delimiter)
	b.WriteString(strconv.Itoa(position(line)))
	b.WriteString(delimiter)
	b.WriteString(strconv.Itoa(position(column)))
	b.WriteString(delimiter)
	b.WriteString(MessageDigest(message))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// NormalizePath trims, lowercases, and converts backslashes to forward slashes.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ToLower(p)
	return strings.ReplaceAll(p, `\`, "/")
}

// MessageDigest returns the first 16 hex characters of the message's SHA-256.
func MessageDigest(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])[:messageDigestLn]
}

// Identity is the exact set of fields that feed the hash, in normalized form.
// Two findings with equal fingerprints but unequal identities are a collision.
type Identity struct {
	RuleID  string
	Path    string
	Line    int
	Column  int
	Message string
}

// NewIdentity normalizes the identity fields the same way Compute does.
func NewIdentity(ruleID, filePath string, line, column int, message string) Identity {
	return Identity{
		RuleID:  strings.TrimSpace(ruleID),
		Path:    NormalizePath(filePath),
		Line:    position(line),
		Column:  position(column),
		Message: message,
	}
}

// Fingerprint hashes the identity.
func (id Identity) Fingerprint() string {
	return Compute(id.RuleID, id.Path, id.Line, id.Column, id.Message)
}

// Base strips a collision suffix ("-N") from a stored fingerprint.
func Base(fp string) string {
	if len(fp) > Len && fp[Len] == '-' {
		return fp[:Len]
	}
	return fp
}

// WithSuffix returns the stored form of the n-th colliding fingerprint.
func WithSuffix(fp string, n int) string {
	if n <= 0 {
		return fp
	}
	return Base(fp) + "-" + strconv.Itoa(n)
}

func position(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
