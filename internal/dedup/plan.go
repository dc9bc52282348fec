// Package dedup collapses a scan's raw findings onto the open findings
// already stored for the branch, using fingerprints plus a deep equality
// check on the fields that fed the hash.
package dedup

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/fingerprint"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// ResolvedPolicy decides what happens when a resolved finding reappears.
type ResolvedPolicy string

const (
	// PolicyNewRow inserts a fresh finding and leaves the resolved row alone.
	PolicyNewRow ResolvedPolicy = "new_row"
	// PolicyRevive reopens the most recent resolved row with the same identity.
	PolicyRevive ResolvedPolicy = "revive"
)

// ParseResolvedPolicy validates a policy name.
func ParseResolvedPolicy(s string) (ResolvedPolicy, error) {
	switch ResolvedPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyNewRow:
		return PolicyNewRow, nil
	case PolicyRevive:
		return PolicyRevive, nil
	default:
		return "", fmt.Errorf("invalid resolved policy: %q", s)
	}
}

// Collision is an audit record for a fingerprint match that failed deep equality.
type Collision struct {
	Fingerprint string
	Existing    uuid.UUID
	Incoming    fingerprint.Identity
	StoredAs    string
}

// PlanInput is everything BuildPlan needs. Open holds the branch's currently
// open findings; Resolved holds resolved candidates for PolicyRevive and may
// be empty otherwise.
type PlanInput struct {
	Scope    models.Scope
	ScanID   uuid.UUID
	Raw      []models.RawFinding
	Open     []*models.Finding
	Resolved []*models.Finding
	Policy   ResolvedPolicy
	Now      time.Time
	NewID    func() uuid.UUID
}

// Plan is the set of lifecycle changes a scan produces. It is computed
// without I/O and applied atomically by the store.
type Plan struct {
	New        []*models.Finding
	Reaffirmed []*models.Finding
	Revived    []*models.Finding
	Resolved   []*models.Finding
	// Untouched is non-empty only when resolution was skipped.
	Untouched []*models.Finding

	Collisions      []Collision
	InputErrors     []*InputError
	ExactDuplicates int
	ResolveSkipped  bool
}

// Open returns the branch's open findings once the plan is applied.
func (p *Plan) Open() []*models.Finding {
	out := make([]*models.Finding, 0, len(p.New)+len(p.Reaffirmed)+len(p.Revived)+len(p.Untouched))
	out = append(out, p.Reaffirmed...)
	out = append(out, p.Revived...)
	out = append(out, p.New...)
	out = append(out, p.Untouched...)
	return out
}

// planner holds the indexes used while walking the raw findings.
type planner struct {
	in   PlanInput
	plan *Plan

	openByBase     map[string][]*models.Finding
	pendingByBase  map[string][]*models.Finding
	resolvedByBase map[string][]*models.Finding
	usedFP         map[string]bool
	matched        map[uuid.UUID]bool
}

// BuildPlan matches raw findings against the open set and decides, for each,
// whether it is new, seen again, or a duplicate within the scan. Open findings
// that no raw finding matched are resolved.
func BuildPlan(in PlanInput) *Plan {
	if in.NewID == nil {
		in.NewID = uuid.New
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	if in.Policy == "" {
		in.Policy = PolicyNewRow
	}

	p := &planner{
		in:             in,
		plan:           &Plan{},
		openByBase:     make(map[string][]*models.Finding, len(in.Open)),
		pendingByBase:  make(map[string][]*models.Finding),
		resolvedByBase: make(map[string][]*models.Finding),
		usedFP:         make(map[string]bool, len(in.Open)),
		matched:        make(map[uuid.UUID]bool),
	}
	for _, f := range in.Open {
		base := fingerprint.Base(f.Fingerprint)
		p.openByBase[base] = append(p.openByBase[base], f)
		p.usedFP[f.Fingerprint] = true
	}
	if in.Policy == PolicyRevive {
		for _, f := range in.Resolved {
			base := fingerprint.Base(f.Fingerprint)
			p.resolvedByBase[base] = append(p.resolvedByBase[base], f)
		}
	}

	valid := 0
	for i, raw := range in.Raw {
		raw, ierr := normalize(i, raw)
		if ierr != nil {
			p.plan.InputErrors = append(p.plan.InputErrors, ierr)
			continue
		}
		valid++
		p.add(raw)
	}

	// A scan whose every finding was rejected says nothing about what exists
	// on the branch, so it must not resolve the open set.
	if valid == 0 && len(in.Raw) > 0 {
		p.plan.ResolveSkipped = true
		for _, f := range in.Open {
			p.plan.Untouched = append(p.plan.Untouched, f)
		}
		return p.plan
	}

	for _, f := range in.Open {
		if p.matched[f.ID] {
			continue
		}
		resolved := *f
		now := in.Now
		resolved.ResolvedAt = &now
		resolved.UpdatedAt = now
		p.plan.Resolved = append(p.plan.Resolved, &resolved)
	}
	return p.plan
}

func (p *planner) add(raw models.RawFinding) {
	id := fingerprint.NewIdentity(raw.RuleID, raw.FilePath, raw.StartLine, raw.StartColumn, raw.Message)
	fp := id.Fingerprint()

	// Already inserted or reaffirmed earlier in this scan.
	for _, f := range p.pendingByBase[fp] {
		if identityOf(f) == id {
			p.plan.ExactDuplicates++
			return
		}
	}

	collided := false
	for _, f := range p.openByBase[fp] {
		if identityOf(f) != id {
			collided = true
			continue
		}
		if p.matched[f.ID] {
			p.plan.ExactDuplicates++
			return
		}
		p.matched[f.ID] = true
		p.plan.Reaffirmed = append(p.plan.Reaffirmed, p.touch(f))
		p.pendingByBase[fp] = append(p.pendingByBase[fp], f)
		return
	}

	if p.in.Policy == PolicyRevive {
		if f := p.revivable(fp, id); f != nil {
			revived := p.touch(f)
			revived.ResolvedAt = nil
			p.usedFP[revived.Fingerprint] = true
			p.matched[f.ID] = true
			p.plan.Revived = append(p.plan.Revived, revived)
			p.pendingByBase[fp] = append(p.pendingByBase[fp], revived)
			return
		}
	}

	stored := fp
	if collided || p.usedFP[fp] {
		stored = p.nextSuffix(fp)
		c := Collision{Fingerprint: fp, Incoming: id, StoredAs: stored}
		if existing := p.openByBase[fp]; len(existing) > 0 {
			c.Existing = existing[0].ID
		}
		p.plan.Collisions = append(p.plan.Collisions, c)
		slog.Warn("fingerprint collision",
			"fingerprint", fp,
			"stored_as", stored,
			"existing_finding_id", c.Existing,
			"rule_id", id.RuleID,
			"file_path", id.Path,
			"line", id.Line,
			"column", id.Column,
			"error", ErrHashCollision,
		)
	}
	p.usedFP[stored] = true

	f := p.newFinding(raw, stored)
	p.plan.New = append(p.plan.New, f)
	p.pendingByBase[fp] = append(p.pendingByBase[fp], f)
}

// revivable returns the most recently resolved row with the same identity
// whose stored fingerprint is not held by an open row.
func (p *planner) revivable(fp string, id fingerprint.Identity) *models.Finding {
	var best *models.Finding
	for _, f := range p.resolvedByBase[fp] {
		if identityOf(f) != id || p.usedFP[f.Fingerprint] || p.matched[f.ID] {
			continue
		}
		if best == nil || resolvedAfter(f, best) {
			best = f
		}
	}
	return best
}

func resolvedAfter(a, b *models.Finding) bool {
	if a.ResolvedAt == nil || b.ResolvedAt == nil {
		return a.ResolvedAt != nil
	}
	if a.ResolvedAt.Equal(*b.ResolvedAt) {
		return a.ID.String() < b.ID.String()
	}
	return a.ResolvedAt.After(*b.ResolvedAt)
}

func (p *planner) nextSuffix(fp string) string {
	for n := 1; ; n++ {
		candidate := fingerprint.WithSuffix(fp, n)
		if !p.usedFP[candidate] {
			return candidate
		}
	}
}

func (p *planner) touch(f *models.Finding) *models.Finding {
	out := *f
	out.LastSeenAt = p.in.Now
	out.LastSeenScanID = p.in.ScanID
	out.OccurrenceCount++
	out.UpdatedAt = p.in.Now
	return &out
}

func (p *planner) newFinding(raw models.RawFinding, fp string) *models.Finding {
	now := p.in.Now
	return &models.Finding{
		ID:              p.in.NewID(),
		OrganizationID:  p.in.Scope.OrganizationID,
		ProjectID:       p.in.Scope.ProjectID,
		BranchID:        p.in.Scope.BranchID,
		Fingerprint:     fp,
		RuleID:          raw.RuleID,
		FilePath:        raw.FilePath,
		StartLine:       raw.StartLine,
		StartColumn:     raw.StartColumn,
		EndLine:         raw.EndLine,
		EndColumn:       raw.EndColumn,
		Message:         raw.Message,
		Snippet:         raw.Snippet,
		Severity:        raw.Severity,
		ToolName:        raw.ToolName,
		ToolVersion:     raw.ToolVersion,
		OccurrenceCount: 1,
		FirstSeenScanID: p.in.ScanID,
		LastSeenScanID:  p.in.ScanID,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func identityOf(f *models.Finding) fingerprint.Identity {
	return fingerprint.NewIdentity(f.RuleID, f.FilePath, f.StartLine, f.StartColumn, f.Message)
}

// normalize validates required fields and fills defaults.
func normalize(i int, raw models.RawFinding) (models.RawFinding, *InputError) {
	raw.RuleID = strings.TrimSpace(raw.RuleID)
	raw.FilePath = strings.TrimSpace(raw.FilePath)

	switch {
	case raw.RuleID == "":
		return raw, &InputError{Index: i, Field: "rule_id", Reason: "required"}
	case raw.FilePath == "":
		return raw, &InputError{Index: i, Field: "file_path", Reason: "required"}
	case strings.TrimSpace(raw.Message) == "":
		return raw, &InputError{Index: i, Field: "message", Reason: "required"}
	case raw.EndLine > 0 && raw.StartLine > 0 && raw.EndLine < raw.StartLine:
		return raw, &InputError{Index: i, Field: "end_line", Reason: "before start_line " + strconv.Itoa(raw.StartLine)}
	}

	if raw.Severity == "" {
		raw.Severity = models.SeverityMedium
	} else {
		sev, err := models.ParseSeverity(string(raw.Severity))
		if err != nil {
			return raw, &InputError{Index: i, Field: "severity", Reason: err.Error()}
		}
		raw.Severity = sev
	}
	if strings.TrimSpace(raw.ToolName) == "" {
		raw.ToolName = "unknown"
	}
	return raw, nil
}
