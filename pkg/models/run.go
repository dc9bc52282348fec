package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the state of a DeduplicationRun: pending -> running -> completed|failed.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// DedupRun is one execution of the deduplication pipeline for a scan.
// Finalized runs are immutable.
type DedupRun struct {
	ID             uuid.UUID     `db:"id"              json:"id"`
	ScanID         uuid.UUID     `db:"scan_id"         json:"scan_id"`
	OrganizationID uuid.UUID     `db:"organization_id" json:"organization_id"`
	ProjectID      uuid.UUID     `db:"project_id"      json:"project_id"`
	BranchID       uuid.UUID     `db:"branch_id"       json:"branch_id"`
	Status         RunStatus     `db:"status"          json:"status"`
	Params         ClusterParams `db:"params"          json:"params"`
	Summary        RunSummary    `db:"summary"         json:"summary"`
	ErrorMessage   *string       `db:"error_message"   json:"error_message,omitempty"`
	StartedAt      *time.Time    `db:"started_at"      json:"started_at,omitempty"`
	CompletedAt    *time.Time    `db:"completed_at"    json:"completed_at,omitempty"`
	CreatedAt      time.Time     `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"      json:"updated_at"`
}

// RunSummary holds the counters and degradation notes of a run.
type RunSummary struct {
	InputFindings          int      `json:"input_findings"`
	InvalidFindings        int      `json:"invalid_findings"`
	NewFindings            int      `json:"new_findings"`
	ReaffirmedFindings     int      `json:"reaffirmed_findings"`
	RevivedFindings        int      `json:"revived_findings"`
	ResolvedFindings       int      `json:"resolved_findings"`
	ExactDuplicates        int      `json:"exact_duplicates"`
	HashCollisions         int      `json:"hash_collisions"`
	OpenFindings           int      `json:"open_findings"`
	EmbeddedFindings       int      `json:"embedded_findings"`
	EmbeddingFailures      int      `json:"embedding_failures"`
	ClustersFormed         int      `json:"clusters_formed"`
	ClusteredFindings      int      `json:"clustered_findings"`
	UnclusteredFindings    int      `json:"unclustered_findings"`
	SilhouetteScore        *float64 `json:"silhouette_score,omitempty"`
	ConfirmationsRequested int      `json:"confirmations_requested"`
	ConfirmationsAccepted  int      `json:"confirmations_accepted"`
	MembersSplit           int      `json:"members_split"`
	ClustersFlagged        int      `json:"clusters_flagged"`
	ConfirmationDegraded   bool     `json:"confirmation_degraded"`
	Notes                  []string `json:"notes,omitempty"`
	InputErrors            []string `json:"input_errors,omitempty"`
}

// Degraded reports whether any stage ran in degraded mode.
func (s RunSummary) Degraded() bool {
	return s.EmbeddingFailures > 0 || s.ConfirmationDegraded || s.InvalidFindings > 0
}
