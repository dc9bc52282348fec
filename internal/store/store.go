package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrRunActive is returned by AcquireRunLock when the branch already has a
// non-terminal run holding the lock.
var ErrRunActive = errors.New("branch has an active dedup run")

// ErrLockLost is returned by ReplaceClusters when the run no longer holds
// its branch's run lock.
var ErrLockLost = errors.New("run no longer holds the branch lock")

// ErrInvalidTransition is returned when a run status change is not allowed.
var ErrInvalidTransition = errors.New("invalid run status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error

	ListOpenFindings(ctx context.Context, scope models.Scope) ([]*models.Finding, error)
	ListResolvedByFingerprints(ctx context.Context, scope models.Scope, fingerprints []string) ([]*models.Finding, error)
	ApplyFindingChanges(ctx context.Context, changes FindingChanges) error
	GetFinding(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Finding, error)

	GetEmbeddings(ctx context.Context, model string, findingIDs []uuid.UUID) (map[uuid.UUID]*models.Embedding, error)
	SaveEmbeddings(ctx context.Context, embeddings []*models.Embedding) error

	AcquireRunLock(ctx context.Context, scope models.Scope, runID uuid.UUID, staleAfter time.Duration) error
	ReleaseRunLock(ctx context.Context, branchID uuid.UUID, runID uuid.UUID) error

	CreateRun(ctx context.Context, run *models.DedupRun) error
	GetRun(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.DedupRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.DedupRun, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status models.RunStatus, opts ...RunUpdateOption) error

	// ReplaceClusters requires runID to hold the branch's run lock.
	ReplaceClusters(ctx context.Context, scope models.Scope, runID uuid.UUID, clusters []*models.Cluster) error
	ListClusters(ctx context.Context, scope ScopeFilter) ([]*models.Cluster, error)
	GetCluster(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Cluster, error)
}

// FindingChanges is one scan's lifecycle update for a branch. Touched rows
// carry new last-seen fields (and a cleared ResolvedAt when revived).
type FindingChanges struct {
	Scope      models.Scope
	Insert     []*models.Finding
	Touch      []*models.Finding
	Resolve    []uuid.UUID
	ResolvedAt time.Time
}

// Empty reports whether there is nothing to write.
func (c FindingChanges) Empty() bool {
	return len(c.Insert) == 0 && len(c.Touch) == 0 && len(c.Resolve) == 0
}

// RunFilter selects run history for a branch, newest first.
type RunFilter struct {
	OrganizationID uuid.UUID
	BranchID       uuid.UUID
	Limit          int
}

// ScopeFilter selects a branch within an organization.
type ScopeFilter struct {
	OrganizationID uuid.UUID
	BranchID       uuid.UUID
}

var validTransitions = map[models.RunStatus][]models.RunStatus{
	models.RunStatusPending: {models.RunStatusRunning, models.RunStatusFailed},
	models.RunStatusRunning: {models.RunStatusCompleted, models.RunStatusFailed},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to models.RunStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

type runUpdateParams struct {
	ErrorMessage *string
	Summary      *models.RunSummary
}

type RunUpdateOption func(*runUpdateParams)

func WithErrorMessage(msg string) RunUpdateOption {
	return func(p *runUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithSummary(summary models.RunSummary) RunUpdateOption {
	return func(p *runUpdateParams) {
		p.Summary = &summary
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
