package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/fingerprint"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// MemoryStore is an in-process Store used by tests and offline CLI runs.
// It honours the same run lock and transition rules as PostgresStore.
type MemoryStore struct {
	mu         sync.Mutex
	apiKeys    map[uuid.UUID]*models.APIKey
	findings   map[uuid.UUID]*models.Finding
	embeddings map[string]map[uuid.UUID]*models.Embedding
	locks      map[uuid.UUID]runLock
	runs       map[uuid.UUID]*models.DedupRun
	clusters   map[uuid.UUID][]*models.Cluster
	now        func() time.Time
}

type runLock struct {
	runID      uuid.UUID
	acquiredAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apiKeys:    make(map[uuid.UUID]*models.APIKey),
		findings:   make(map[uuid.UUID]*models.Finding),
		embeddings: make(map[string]map[uuid.UUID]*models.Embedding),
		locks:      make(map[uuid.UUID]runLock),
		runs:       make(map[uuid.UUID]*models.DedupRun),
		clusters:   make(map[uuid.UUID][]*models.Cluster),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, orgID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.OrganizationID == orgID && k.DeletedAt == nil {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, orgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.OrganizationID != orgID || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

// --- Findings ---

func (s *MemoryStore) ListOpenFindings(_ context.Context, scope models.Scope) ([]*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Finding
	for _, f := range s.findings {
		if f.Scope() == scope && f.IsOpen() {
			cp := *f
			out = append(out, &cp)
		}
	}
	sortFindings(out)
	return out, nil
}

func (s *MemoryStore) ListResolvedByFingerprints(_ context.Context, scope models.Scope, fingerprints []string) ([]*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		want[fp] = true
	}
	var out []*models.Finding
	for _, f := range s.findings {
		if f.Scope() == scope && !f.IsOpen() && want[fingerprint.Base(f.Fingerprint)] {
			cp := *f
			out = append(out, &cp)
		}
	}
	sortFindings(out)
	return out, nil
}

// ApplyFindingChanges validates every change before writing any, so a
// failed call leaves the store untouched.
func (s *MemoryStore) ApplyFindingChanges(_ context.Context, changes FindingChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	openFP := make(map[string]uuid.UUID)
	for _, f := range s.findings {
		if f.Scope() == changes.Scope && f.IsOpen() {
			openFP[f.Fingerprint] = f.ID
		}
	}
	resolving := make(map[uuid.UUID]bool, len(changes.Resolve))
	for _, id := range changes.Resolve {
		if _, ok := s.findings[id]; !ok {
			return ErrNotFound
		}
		resolving[id] = true
	}
	for fp, id := range openFP {
		if resolving[id] {
			delete(openFP, fp)
		}
	}
	for _, f := range changes.Touch {
		if _, ok := s.findings[f.ID]; !ok {
			return ErrNotFound
		}
		if f.IsOpen() {
			if holder, ok := openFP[f.Fingerprint]; ok && holder != f.ID {
				return ErrDuplicateKey
			}
			openFP[f.Fingerprint] = f.ID
		}
	}
	for _, f := range changes.Insert {
		if _, ok := s.findings[f.ID]; ok {
			return ErrDuplicateKey
		}
		if _, ok := openFP[f.Fingerprint]; ok {
			return ErrDuplicateKey
		}
		openFP[f.Fingerprint] = f.ID
	}

	for _, id := range changes.Resolve {
		at := changes.ResolvedAt
		f := s.findings[id]
		f.ResolvedAt = &at
		f.UpdatedAt = at
	}
	for _, t := range changes.Touch {
		f := s.findings[t.ID]
		f.LastSeenAt = t.LastSeenAt
		f.LastSeenScanID = t.LastSeenScanID
		f.OccurrenceCount = t.OccurrenceCount
		f.ResolvedAt = t.ResolvedAt
		f.UpdatedAt = t.UpdatedAt
	}
	for _, f := range changes.Insert {
		cp := *f
		s.findings[f.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) GetFinding(_ context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.findings[id]
	if !ok || f.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

// AllFindings returns every finding in the store, open or resolved.
func (s *MemoryStore) AllFindings() []*models.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Finding, 0, len(s.findings))
	for _, f := range s.findings {
		cp := *f
		out = append(out, &cp)
	}
	sortFindings(out)
	return out
}

// --- Embeddings ---

func (s *MemoryStore) GetEmbeddings(_ context.Context, model string, findingIDs []uuid.UUID) (map[uuid.UUID]*models.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]*models.Embedding, len(findingIDs))
	byID := s.embeddings[model]
	for _, id := range findingIDs {
		if e, ok := byID[id]; ok {
			cp := *e
			cp.Vector = append([]float32(nil), e.Vector...)
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveEmbeddings(_ context.Context, embeddings []*models.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range embeddings {
		byID, ok := s.embeddings[e.Model]
		if !ok {
			byID = make(map[uuid.UUID]*models.Embedding)
			s.embeddings[e.Model] = byID
		}
		cp := *e
		cp.Vector = append([]float32(nil), e.Vector...)
		byID[e.FindingID] = &cp
	}
	return nil
}

// --- Run lock ---

func (s *MemoryStore) AcquireRunLock(_ context.Context, scope models.Scope, runID uuid.UUID, staleAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.locks[scope.BranchID]; ok && l.runID != runID {
		if staleAfter <= 0 || now.Sub(l.acquiredAt) < staleAfter {
			return ErrRunActive
		}
	}
	s.locks[scope.BranchID] = runLock{runID: runID, acquiredAt: now}
	return nil
}

func (s *MemoryStore) ReleaseRunLock(_ context.Context, branchID uuid.UUID, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[branchID]; ok && l.runID == runID {
		delete(s.locks, branchID)
	}
	return nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(_ context.Context, run *models.DedupRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID, orgID uuid.UUID) (*models.DedupRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*models.DedupRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DedupRun
	for _, r := range s.runs {
		if r.OrganizationID == filter.OrganizationID && r.BranchID == filter.BranchID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateRunStatus(_ context.Context, id uuid.UUID, status models.RunStatus, opts ...RunUpdateOption) error {
	params := &runUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(r.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
	}

	now := s.now()
	r.Status = status
	r.UpdatedAt = now
	if status == models.RunStatusRunning {
		r.StartedAt = &now
	}
	if status.Terminal() {
		r.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		r.ErrorMessage = &msg
	}
	if params.Summary != nil {
		r.Summary = *params.Summary
	}
	return nil
}

// --- Clusters ---

func (s *MemoryStore) ReplaceClusters(_ context.Context, scope models.Scope, runID uuid.UUID, clusters []*models.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[scope.BranchID]; !ok || l.runID != runID {
		return ErrLockLost
	}
	seen := make(map[uuid.UUID]bool)
	replaced := make([]*models.Cluster, 0, len(clusters))
	for _, c := range clusters {
		if len(c.Members) < 2 {
			return fmt.Errorf("cluster %s has %d members", c.ID, len(c.Members))
		}
		for _, m := range c.Members {
			if seen[m.FindingID] {
				return fmt.Errorf("finding %s is in more than one cluster", m.FindingID)
			}
			seen[m.FindingID] = true
		}
		cp := copyCluster(c)
		cp.RunID = runID
		replaced = append(replaced, cp)
	}
	sortClusters(replaced)
	s.clusters[scope.BranchID] = replaced
	return nil
}

func (s *MemoryStore) ListClusters(_ context.Context, filter ScopeFilter) ([]*models.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Cluster
	for _, c := range s.clusters[filter.BranchID] {
		if c.OrganizationID == filter.OrganizationID {
			out = append(out, copyCluster(c))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetCluster(_ context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.clusters {
		for _, c := range cs {
			if c.ID == id && c.OrganizationID == orgID {
				return copyCluster(c), nil
			}
		}
	}
	return nil, ErrNotFound
}

func copyCluster(c *models.Cluster) *models.Cluster {
	cp := *c
	cp.Centroid = append([]float32(nil), c.Centroid...)
	cp.Members = append([]models.ClusterMembership(nil), c.Members...)
	return &cp
}

func sortFindings(fs []*models.Finding) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].ID.String() < fs[j].ID.String() })
}

// sortClusters orders clusters the way ListClusters returns them: largest
// first, then tightest, then by ID.
func sortClusters(cs []*models.Cluster) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Size != cs[j].Size {
			return cs[i].Size > cs[j].Size
		}
		if cs[i].CohesionScore != cs[j].CohesionScore {
			return cs[i].CohesionScore > cs[j].CohesionScore
		}
		return cs[i].ID.String() < cs[j].ID.String()
	})
}

var _ Store = (*MemoryStore)(nil)
