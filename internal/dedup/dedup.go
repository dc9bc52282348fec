package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/fingerprint"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// FindingStore is the slice of the store the deduplicator needs.
type FindingStore interface {
	ListOpenFindings(ctx context.Context, scope models.Scope) ([]*models.Finding, error)
	ListResolvedByFingerprints(ctx context.Context, scope models.Scope, fingerprints []string) ([]*models.Finding, error)
	ApplyFindingChanges(ctx context.Context, changes store.FindingChanges) error
}

// Deduplicator runs the exact-match pass for one scan.
type Deduplicator struct {
	store  FindingStore
	policy ResolvedPolicy
	now    func() time.Time
	newID  func() uuid.UUID
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.now = now }
}

// WithIDGenerator overrides how new finding IDs are made.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(d *Deduplicator) { d.newID = fn }
}

// New creates a Deduplicator.
func New(st FindingStore, policy ResolvedPolicy, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		store:  st,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.New,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Apply matches raw against the branch's open findings and persists the
// resulting lifecycle changes in one transaction. Invalid records are
// returned in the plan, not as an error.
func (d *Deduplicator) Apply(ctx context.Context, scope models.Scope, scanID uuid.UUID, raw []models.RawFinding) (*Plan, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: scope identifiers are required", ErrInvalidFinding)
	}

	open, err := d.store.ListOpenFindings(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("listing open findings: %w", err)
	}

	var resolved []*models.Finding
	if d.policy == PolicyRevive {
		resolved, err = d.store.ListResolvedByFingerprints(ctx, scope, rawFingerprints(raw))
		if err != nil {
			return nil, fmt.Errorf("listing resolved findings: %w", err)
		}
	}

	now := d.now()
	plan := BuildPlan(PlanInput{
		Scope:    scope,
		ScanID:   scanID,
		Raw:      raw,
		Open:     open,
		Resolved: resolved,
		Policy:   d.policy,
		Now:      now,
		NewID:    d.newID,
	})

	changes := store.FindingChanges{
		Scope:      scope,
		Insert:     plan.New,
		ResolvedAt: now,
	}
	changes.Touch = append(changes.Touch, plan.Reaffirmed...)
	changes.Touch = append(changes.Touch, plan.Revived...)
	for _, f := range plan.Resolved {
		changes.Resolve = append(changes.Resolve, f.ID)
	}

	if !changes.Empty() {
		if err := d.store.ApplyFindingChanges(ctx, changes); err != nil {
			return nil, fmt.Errorf("applying finding changes: %w", err)
		}
	}

	for _, ierr := range plan.InputErrors {
		slog.Warn("rejected finding", "scan_id", scanID, "branch_id", scope.BranchID, "error", ierr)
	}
	slog.Info("exact-match pass complete",
		"scan_id", scanID,
		"branch_id", scope.BranchID,
		"new", len(plan.New),
		"reaffirmed", len(plan.Reaffirmed),
		"revived", len(plan.Revived),
		"resolved", len(plan.Resolved),
		"exact_duplicates", plan.ExactDuplicates,
		"collisions", len(plan.Collisions),
		"invalid", len(plan.InputErrors),
	)
	return plan, nil
}

func rawFingerprints(raw []models.RawFinding) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		fp := fingerprint.Compute(r.RuleID, r.FilePath, r.StartLine, r.StartColumn, r.Message)
		if !seen[fp] {
			seen[fp] = true
			out = append(out, fp)
		}
	}
	return out
}
