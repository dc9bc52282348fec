package models

import (
	"time"

	"github.com/google/uuid"
)

// Algorithm names a clustering strategy.
type Algorithm string

const (
	AlgorithmDensity      Algorithm = "density"
	AlgorithmHierarchical Algorithm = "hierarchical"
)

// ParseAlgorithm accepts the canonical names plus the common aliases
// "dbscan" and "agglomerative".
func ParseAlgorithm(s string) (Algorithm, bool) {
	switch s {
	case "density", "dbscan":
		return AlgorithmDensity, true
	case "hierarchical", "agglomerative":
		return AlgorithmHierarchical, true
	default:
		return "", false
	}
}

// ConfirmationStatus records what the confirmation pass did with a cluster.
type ConfirmationStatus string

const (
	ConfirmationNotRequired ConfirmationStatus = "not_required"
	ConfirmationConfirmed   ConfirmationStatus = "confirmed"
	ConfirmationNeedsReview ConfirmationStatus = "needs_review"
	ConfirmationDegraded    ConfirmationStatus = "degraded"
	ConfirmationSkipped     ConfirmationStatus = "skipped"
)

// ClusterParams are the parameters a clustering run used.
type ClusterParams struct {
	Algorithm           Algorithm `json:"algorithm"            yaml:"algorithm"`
	SimilarityThreshold float64   `json:"similarity_threshold" yaml:"similarity_threshold"`
	MinNeighbors        int       `json:"min_neighbors"        yaml:"min_neighbors"`
	TargetClusters      int       `json:"target_clusters"      yaml:"target_clusters"`
}

// Cluster is a group of semantically related findings produced by one run.
// Clusters are replaced wholesale on every successful run of their branch.
type Cluster struct {
	ID                      uuid.UUID           `db:"id"                        json:"id"`
	RunID                   uuid.UUID           `db:"run_id"                    json:"run_id"`
	OrganizationID          uuid.UUID           `db:"organization_id"           json:"organization_id"`
	ProjectID               uuid.UUID           `db:"project_id"                json:"project_id"`
	BranchID                uuid.UUID           `db:"branch_id"                 json:"branch_id"`
	Label                   string              `db:"label"                     json:"label"`
	Algorithm               Algorithm           `db:"algorithm"                 json:"algorithm"`
	Params                  ClusterParams       `db:"params"                    json:"params"`
	Size                    int                 `db:"size"                      json:"size"`
	Centroid                []float32           `db:"centroid"                  json:"centroid,omitempty"`
	CohesionScore           float64             `db:"cohesion_score"            json:"cohesion_score"`
	SilhouetteScore         *float64            `db:"silhouette_score"          json:"silhouette_score,omitempty"`
	AvgDistanceToCentroid   float64             `db:"avg_distance_to_centroid"  json:"avg_distance_to_centroid"`
	MinSimilarity           float64             `db:"min_similarity"            json:"min_similarity"`
	MaxSimilarity           float64             `db:"max_similarity"            json:"max_similarity"`
	RepresentativeFindingID uuid.UUID           `db:"representative_finding_id" json:"representative_finding_id"`
	PrimaryRuleID           string              `db:"primary_rule_id"           json:"primary_rule_id"`
	PrimarySeverity         Severity            `db:"primary_severity"          json:"primary_severity"`
	PrimaryTool             string              `db:"primary_tool"              json:"primary_tool"`
	ConfirmationStatus      ConfirmationStatus  `db:"confirmation_status"       json:"confirmation_status"`
	Members                 []ClusterMembership `db:"-"                         json:"members"`
	CreatedAt               time.Time           `db:"created_at"                json:"created_at"`
}

// ClusterMembership records one finding's place in a cluster.
type ClusterMembership struct {
	ID                 uuid.UUID `db:"id"                   json:"id"`
	ClusterID          uuid.UUID `db:"cluster_id"           json:"cluster_id"`
	FindingID          uuid.UUID `db:"finding_id"           json:"finding_id"`
	DistanceToCentroid float64   `db:"distance_to_centroid" json:"distance_to_centroid"`
	Verdict            *Verdict  `db:"verdict"              json:"verdict,omitempty"`
	VerdictConfidence  *float64  `db:"verdict_confidence"   json:"verdict_confidence,omitempty"`
	CreatedAt          time.Time `db:"created_at"           json:"created_at"`
}
