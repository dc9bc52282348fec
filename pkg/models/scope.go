package models

import "github.com/google/uuid"

// Scope identifies the branch a finding belongs to. The identifiers are
// foreign keys owned by the caller; this engine never creates them.
type Scope struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	ProjectID      uuid.UUID `json:"project_id"`
	BranchID       uuid.UUID `json:"branch_id"`
}

// Valid reports whether all three identifiers are set.
func (s Scope) Valid() bool {
	return s.OrganizationID != uuid.Nil && s.ProjectID != uuid.Nil && s.BranchID != uuid.Nil
}
