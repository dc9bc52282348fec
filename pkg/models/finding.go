package models

import (
	"time"

	"github.com/google/uuid"
)

// RawFinding is one scanner result as delivered by the ingestion feed.
type RawFinding struct {
	RuleID      string   `json:"rule_id"`
	FilePath    string   `json:"file_path"`
	StartLine   int      `json:"start_line"`
	StartColumn int      `json:"start_column"`
	EndLine     int      `json:"end_line"`
	EndColumn   int      `json:"end_column"`
	Message     string   `json:"message"`
	Snippet     string   `json:"snippet,omitempty"`
	Severity    Severity `json:"severity,omitempty"`
	ToolName    string   `json:"tool_name"`
	ToolVersion string   `json:"tool_version,omitempty"`
}

// Finding is a stored occurrence of a potential issue on one branch.
// A finding is open until ResolvedAt is set; resolved rows are never reopened
// unless the revive policy is configured.
type Finding struct {
	ID              uuid.UUID  `db:"id"                 json:"id"`
	OrganizationID  uuid.UUID  `db:"organization_id"    json:"organization_id"`
	ProjectID       uuid.UUID  `db:"project_id"         json:"project_id"`
	BranchID        uuid.UUID  `db:"branch_id"          json:"branch_id"`
	Fingerprint     string     `db:"fingerprint"        json:"fingerprint"`
	RuleID          string     `db:"rule_id"            json:"rule_id"`
	FilePath        string     `db:"file_path"          json:"file_path"`
	StartLine       int        `db:"start_line"         json:"start_line"`
	StartColumn     int        `db:"start_column"       json:"start_column"`
	EndLine         int        `db:"end_line"           json:"end_line"`
	EndColumn       int        `db:"end_column"         json:"end_column"`
	Message         string     `db:"message"            json:"message"`
	Snippet         string     `db:"snippet"            json:"snippet,omitempty"`
	Severity        Severity   `db:"severity"           json:"severity"`
	ToolName        string     `db:"tool_name"          json:"tool_name"`
	ToolVersion     string     `db:"tool_version"       json:"tool_version,omitempty"`
	OccurrenceCount int        `db:"occurrence_count"   json:"occurrence_count"`
	FirstSeenScanID uuid.UUID  `db:"first_seen_scan_id" json:"first_seen_scan_id"`
	LastSeenScanID  uuid.UUID  `db:"last_seen_scan_id"  json:"last_seen_scan_id"`
	FirstSeenAt     time.Time  `db:"first_seen_at"      json:"first_seen_at"`
	LastSeenAt      time.Time  `db:"last_seen_at"       json:"last_seen_at"`
	ResolvedAt      *time.Time `db:"resolved_at"        json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"         json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"         json:"updated_at"`
}

// IsOpen reports whether the finding has not been resolved.
func (f *Finding) IsOpen() bool {
	return f.ResolvedAt == nil
}

// Scope returns the branch scope the finding belongs to.
func (f *Finding) Scope() Scope {
	return Scope{OrganizationID: f.OrganizationID, ProjectID: f.ProjectID, BranchID: f.BranchID}
}

// Embedding is the vector for one finding, tied to the text it was computed
// from. A changed TextHash means the vector is stale.
type Embedding struct {
	FindingID uuid.UUID `db:"finding_id" json:"finding_id"`
	Model     string    `db:"model"      json:"model"`
	TextHash  string    `db:"text_hash"  json:"text_hash"`
	Vector    []float32 `db:"vector"     json:"vector"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
