package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

// --- API Keys ---

const apiKeyColumns = `id, organization_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKey(row scanner) (*models.APIKey, error) {
	var k models.APIKey
	if err := row.Scan(&k.ID, &k.OrganizationID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
		&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, organization_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OrganizationID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE organization_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL`, id, orgID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Findings ---

var findingColumnNames = []string{
	"id", "organization_id", "project_id", "branch_id", "fingerprint", "rule_id", "file_path",
	"start_line", "start_column", "end_line", "end_column", "message", "snippet", "severity",
	"tool_name", "tool_version", "occurrence_count", "first_seen_scan_id", "last_seen_scan_id",
	"first_seen_at", "last_seen_at", "resolved_at", "created_at", "updated_at",
}

const findingColumns = `id, organization_id, project_id, branch_id, fingerprint, rule_id, file_path,
	start_line, start_column, end_line, end_column, message, snippet, severity,
	tool_name, tool_version, occurrence_count, first_seen_scan_id, last_seen_scan_id,
	first_seen_at, last_seen_at, resolved_at, created_at, updated_at`

func scanFinding(row scanner) (*models.Finding, error) {
	var f models.Finding
	var severity string
	if err := row.Scan(&f.ID, &f.OrganizationID, &f.ProjectID, &f.BranchID, &f.Fingerprint, &f.RuleID, &f.FilePath,
		&f.StartLine, &f.StartColumn, &f.EndLine, &f.EndColumn, &f.Message, &f.Snippet, &severity,
		&f.ToolName, &f.ToolVersion, &f.OccurrenceCount, &f.FirstSeenScanID, &f.LastSeenScanID,
		&f.FirstSeenAt, &f.LastSeenAt, &f.ResolvedAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Severity = models.Severity(severity)
	return &f, nil
}

func findingValues(f *models.Finding) []any {
	return []any{
		f.ID, f.OrganizationID, f.ProjectID, f.BranchID, f.Fingerprint, f.RuleID, f.FilePath,
		f.StartLine, f.StartColumn, f.EndLine, f.EndColumn, f.Message, f.Snippet, string(f.Severity),
		f.ToolName, f.ToolVersion, f.OccurrenceCount, f.FirstSeenScanID, f.LastSeenScanID,
		f.FirstSeenAt, f.LastSeenAt, f.ResolvedAt, f.CreatedAt, f.UpdatedAt,
	}
}

func (s *PostgresStore) queryFindings(ctx context.Context, op, query string, args ...any) ([]*models.Finding, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOpenFindings(ctx context.Context, scope models.Scope) ([]*models.Finding, error) {
	return s.queryFindings(ctx, "list open findings",
		`SELECT `+findingColumns+` FROM findings
		 WHERE organization_id = $1 AND project_id = $2 AND branch_id = $3 AND resolved_at IS NULL
		 ORDER BY id`,
		scope.OrganizationID, scope.ProjectID, scope.BranchID)
}

// ListResolvedByFingerprints matches on the base fingerprint, so rows
// stored with a collision suffix are found too.
func (s *PostgresStore) ListResolvedByFingerprints(ctx context.Context, scope models.Scope, fingerprints []string) ([]*models.Finding, error) {
	if len(fingerprints) == 0 {
		return nil, nil
	}
	return s.queryFindings(ctx, "list resolved findings",
		`SELECT `+findingColumns+` FROM findings
		 WHERE organization_id = $1 AND project_id = $2 AND branch_id = $3
		   AND resolved_at IS NOT NULL AND left(fingerprint, 64) = ANY($4)
		 ORDER BY id`,
		scope.OrganizationID, scope.ProjectID, scope.BranchID, fingerprints)
}

// ApplyFindingChanges writes one scan's lifecycle update in a single
// transaction: resolutions first, so their fingerprints are free for
// revived and inserted rows.
func (s *PostgresStore) ApplyFindingChanges(ctx context.Context, changes FindingChanges) error {
	if changes.Empty() {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finding changes: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(changes.Resolve) > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE findings SET resolved_at = $1, updated_at = $1
			 WHERE id = ANY($2) AND branch_id = $3`,
			changes.ResolvedAt, changes.Resolve, changes.Scope.BranchID)
		if err != nil {
			return fmt.Errorf("resolve findings: %w", err)
		}
		if tag.RowsAffected() != int64(len(changes.Resolve)) {
			return ErrNotFound
		}
	}

	if len(changes.Touch) > 0 {
		batch := &pgx.Batch{}
		for _, f := range changes.Touch {
			batch.Queue(
				`UPDATE findings SET last_seen_at = $2, last_seen_scan_id = $3, occurrence_count = $4,
				   resolved_at = $5, updated_at = $6
				 WHERE id = $1 AND branch_id = $7`,
				f.ID, f.LastSeenAt, f.LastSeenScanID, f.OccurrenceCount, f.ResolvedAt, f.UpdatedAt, changes.Scope.BranchID)
		}
		br := tx.SendBatch(ctx, batch)
		for range changes.Touch {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				if isDuplicateKeyError(err) {
					return ErrDuplicateKey
				}
				return fmt.Errorf("touch finding: %w", err)
			}
			if tag.RowsAffected() != 1 {
				_ = br.Close()
				return ErrNotFound
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("touch findings: %w", err)
		}
	}

	if len(changes.Insert) > 0 {
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingColumnNames,
			pgx.CopyFromSlice(len(changes.Insert), func(i int) ([]any, error) {
				return findingValues(changes.Insert[i]), nil
			}))
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("insert findings: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finding changes: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFinding(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Finding, error) {
	f, err := scanFinding(s.pool.QueryRow(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE id = $1 AND organization_id = $2`, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get finding: %w", err)
	}
	return f, nil
}

// --- Embeddings ---

func (s *PostgresStore) GetEmbeddings(ctx context.Context, model string, findingIDs []uuid.UUID) (map[uuid.UUID]*models.Embedding, error) {
	out := make(map[uuid.UUID]*models.Embedding, len(findingIDs))
	if len(findingIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT finding_id, model, text_hash, vector, created_at FROM finding_embeddings
		 WHERE model = $1 AND finding_id = ANY($2)`, model, findingIDs)
	if err != nil {
		return nil, fmt.Errorf("get embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.Embedding
		if err := rows.Scan(&e.FindingID, &e.Model, &e.TextHash, &e.Vector, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out[e.FindingID] = &e
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveEmbeddings(ctx context.Context, embeddings []*models.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range embeddings {
		batch.Queue(
			`INSERT INTO finding_embeddings (finding_id, model, text_hash, vector, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (finding_id, model) DO UPDATE SET
			   text_hash = EXCLUDED.text_hash, vector = EXCLUDED.vector, created_at = EXCLUDED.created_at`,
			e.FindingID, e.Model, e.TextHash, e.Vector, e.CreatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save embeddings: %w", err)
	}
	return nil
}

// --- Run lock ---

// AcquireRunLock takes the branch's run lock with a single compare-and-set:
// the row is written only when absent, already held by runID, or older than
// staleAfter.
func (s *PostgresStore) AcquireRunLock(ctx context.Context, scope models.Scope, runID uuid.UUID, staleAfter time.Duration) error {
	now := time.Now().UTC()
	var staleBefore *time.Time
	if staleAfter > 0 {
		t := now.Add(-staleAfter)
		staleBefore = &t
	}

	var holder uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO branch_run_locks (branch_id, run_id, acquired_at) VALUES ($1, $2, $3)
		 ON CONFLICT (branch_id) DO UPDATE SET run_id = EXCLUDED.run_id, acquired_at = EXCLUDED.acquired_at
		 WHERE branch_run_locks.run_id = EXCLUDED.run_id
		    OR ($4::timestamptz IS NOT NULL AND branch_run_locks.acquired_at < $4::timestamptz)
		 RETURNING run_id`,
		scope.BranchID, runID, now, staleBefore,
	).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRunActive
	}
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseRunLock(ctx context.Context, branchID uuid.UUID, runID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM branch_run_locks WHERE branch_id = $1 AND run_id = $2`, branchID, runID)
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// --- Runs ---

const runColumns = `id, scan_id, organization_id, project_id, branch_id, status, params, summary,
	error_message, started_at, completed_at, created_at, updated_at`

func scanRun(row scanner) (*models.DedupRun, error) {
	var r models.DedupRun
	var status string
	if err := row.Scan(&r.ID, &r.ScanID, &r.OrganizationID, &r.ProjectID, &r.BranchID, &status, &r.Params, &r.Summary,
		&r.ErrorMessage, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	return &r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.DedupRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup_runs (id, scan_id, organization_id, project_id, branch_id, status, params, summary, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.ScanID, run.OrganizationID, run.ProjectID, run.BranchID, string(run.Status),
		run.Params, run.Summary, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.DedupRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM dedup_runs WHERE id = $1 AND organization_id = $2`, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.DedupRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM dedup_runs
		 WHERE organization_id = $1 AND branch_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		filter.OrganizationID, filter.BranchID, normalizeLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.DedupRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id uuid.UUID, status models.RunStatus, opts ...RunUpdateOption) error {
	params := &runUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin run status update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM dedup_runs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if !CanTransition(models.RunStatus(current), status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	query := `UPDATE dedup_runs SET status = $2, updated_at = $3`
	args := []any{id, string(status), now}
	argIdx := 4

	if status == models.RunStatusRunning {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status.Terminal() {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Summary != nil {
		query += fmt.Sprintf(", summary = $%d", argIdx)
		args = append(args, *params.Summary)
	}
	query += " WHERE id = $1"

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run status: %w", err)
	}
	return nil
}

// --- Clusters ---

// ReplaceClusters swaps a branch's clusters for the given run's in one
// transaction. A failure leaves the previous clusters in place. The lock
// row is held FOR UPDATE until commit so a takeover waits for the swap.
func (s *PostgresStore) ReplaceClusters(ctx context.Context, scope models.Scope, runID uuid.UUID, clusters []*models.Cluster) error {
	seen := make(map[uuid.UUID]bool)
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
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace clusters: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var holder uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT run_id FROM branch_run_locks WHERE branch_id = $1 FOR UPDATE`, scope.BranchID,
	).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && holder != runID) {
		return ErrLockLost
	}
	if err != nil {
		return fmt.Errorf("check run lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM clusters WHERE organization_id = $1 AND branch_id = $2`,
		scope.OrganizationID, scope.BranchID); err != nil {
		return fmt.Errorf("delete clusters: %w", err)
	}

	if len(clusters) > 0 {
		batch := &pgx.Batch{}
		for _, c := range clusters {
			batch.Queue(
				`INSERT INTO clusters (id, run_id, organization_id, project_id, branch_id, label, algorithm, params, size,
				   centroid, cohesion_score, silhouette_score, avg_distance_to_centroid, min_similarity, max_similarity,
				   representative_finding_id, primary_rule_id, primary_severity, primary_tool, confirmation_status, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
				c.ID, runID, scope.OrganizationID, scope.ProjectID, scope.BranchID, c.Label, string(c.Algorithm), c.Params, len(c.Members),
				c.Centroid, c.CohesionScore, c.SilhouetteScore, c.AvgDistanceToCentroid, c.MinSimilarity, c.MaxSimilarity,
				c.RepresentativeFindingID, c.PrimaryRuleID, string(c.PrimarySeverity), c.PrimaryTool, string(c.ConfirmationStatus), c.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert clusters: %w", err)
		}

		var rows [][]any
		for _, c := range clusters {
			for _, m := range c.Members {
				var verdict *string
				if m.Verdict != nil {
					v := string(*m.Verdict)
					verdict = &v
				}
				rows = append(rows, []any{m.ID, c.ID, runID, m.FindingID, m.DistanceToCentroid, verdict, m.VerdictConfidence, m.CreatedAt})
			}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"cluster_memberships"},
			[]string{"id", "cluster_id", "run_id", "finding_id", "distance_to_centroid", "verdict", "verdict_confidence", "created_at"},
			pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("insert cluster memberships: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace clusters: %w", err)
	}
	return nil
}

const clusterColumns = `id, run_id, organization_id, project_id, branch_id, label, algorithm, params, size,
	centroid, cohesion_score, silhouette_score, avg_distance_to_centroid, min_similarity, max_similarity,
	representative_finding_id, primary_rule_id, primary_severity, primary_tool, confirmation_status, created_at`

func scanCluster(row scanner) (*models.Cluster, error) {
	var c models.Cluster
	var algorithm, severity, status string
	if err := row.Scan(&c.ID, &c.RunID, &c.OrganizationID, &c.ProjectID, &c.BranchID, &c.Label, &algorithm, &c.Params, &c.Size,
		&c.Centroid, &c.CohesionScore, &c.SilhouetteScore, &c.AvgDistanceToCentroid, &c.MinSimilarity, &c.MaxSimilarity,
		&c.RepresentativeFindingID, &c.PrimaryRuleID, &severity, &c.PrimaryTool, &status, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Algorithm = models.Algorithm(algorithm)
	c.PrimarySeverity = models.Severity(severity)
	c.ConfirmationStatus = models.ConfirmationStatus(status)
	return &c, nil
}

func (s *PostgresStore) ListClusters(ctx context.Context, filter ScopeFilter) ([]*models.Cluster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+clusterColumns+` FROM clusters
		 WHERE organization_id = $1 AND branch_id = $2
		 ORDER BY size DESC, cohesion_score DESC, id`,
		filter.OrganizationID, filter.BranchID)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*models.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	if err := s.attachMembers(ctx, clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

func (s *PostgresStore) GetCluster(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Cluster, error) {
	c, err := scanCluster(s.pool.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = $1 AND organization_id = $2`, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	if err := s.attachMembers(ctx, []*models.Cluster{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) attachMembers(ctx context.Context, clusters []*models.Cluster) error {
	if len(clusters) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(clusters))
	byID := make(map[uuid.UUID]*models.Cluster, len(clusters))
	for i, c := range clusters {
		ids[i] = c.ID
		byID[c.ID] = c
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, cluster_id, finding_id, distance_to_centroid, verdict, verdict_confidence, created_at
		 FROM cluster_memberships WHERE cluster_id = ANY($1)
		 ORDER BY distance_to_centroid, finding_id`, ids)
	if err != nil {
		return fmt.Errorf("list cluster memberships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m models.ClusterMembership
		var verdict *string
		if err := rows.Scan(&m.ID, &m.ClusterID, &m.FindingID, &m.DistanceToCentroid, &verdict, &m.VerdictConfidence, &m.CreatedAt); err != nil {
			return fmt.Errorf("scan cluster membership: %w", err)
		}
		if verdict != nil {
			v := models.Verdict(*verdict)
			m.Verdict = &v
		}
		if c, ok := byID[m.ClusterID]; ok {
			c.Members = append(c.Members, m)
		}
	}
	return rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
