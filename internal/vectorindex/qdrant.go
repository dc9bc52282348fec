package vectorindex

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/config"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

// QdrantIndex implements Index on a Qdrant collection with cosine distance.
// Point IDs are finding IDs.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	collection  string

	mu    sync.Mutex
	ready bool
}

// NewQdrantIndex dials the Qdrant gRPC endpoint. The collection is created
// on first upsert, sized from the first vector.
func NewQdrantIndex(cfg config.QdrantConfig) (*QdrantIndex, error) {
	creds := insecure.NewCredentials()
	if cfg.UseTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.APIKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant: %w", err)
	}
	idx := newQdrantIndex(qdrant.NewPointsClient(conn), qdrant.NewCollectionsClient(conn), cfg.Collection)
	idx.conn = conn
	return idx, nil
}

func newQdrantIndex(points qdrant.PointsClient, collections qdrant.CollectionsClient, collection string) *QdrantIndex {
	return &QdrantIndex{points: points, collections: collections, collection: collection}
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Close releases the gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, size int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready {
		return nil
	}

	if _, err := q.collections.Get(ctx, &qdrant.GetCollectionInfoRequest{CollectionName: q.collection}); err != nil {
		slog.Info("creating qdrant collection", "collection", q.collection, "size", size)
		_, err = q.collections.Create(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(size),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create qdrant collection: %w", err)
		}
	}
	q.ready = true
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, len(points[0].Vector)); err != nil {
		return err
	}

	out := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		f := p.Finding
		out = append(out, &qdrant.PointStruct{
			Id:      &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: f.ID.String()}},
			Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: p.Vector}}},
			Payload: map[string]*qdrant.Value{
				"organization_id": stringValue(f.OrganizationID.String()),
				"project_id":      stringValue(f.ProjectID.String()),
				"branch_id":       stringValue(f.BranchID.String()),
				"rule_id":         stringValue(f.RuleID),
				"severity":        stringValue(string(f.Severity)),
				"tool_name":       stringValue(f.ToolName),
				"file_path":       stringValue(f.FilePath),
				"start_line":      {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(f.StartLine)}},
			},
		})
	}

	_, err := q.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         out,
		Wait:           proto.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("upsert qdrant points: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Similar(ctx context.Context, scope models.Scope, vector []float32, exclude uuid.UUID, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			keywordCondition("organization_id", scope.OrganizationID.String()),
			keywordCondition("branch_id", scope.BranchID.String()),
		},
	}
	if exclude != uuid.Nil {
		filter.MustNot = []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_HasId{HasId: &qdrant.HasIdCondition{
				HasId: []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: exclude.String()}}},
			}},
		}}
	}

	resp, err := q.points.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Filter:         filter,
		Limit:          uint64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("search qdrant points: %w", err)
	}

	matches := make([]Match, 0, len(resp.GetResult()))
	for _, hit := range resp.GetResult() {
		idOpt, ok := hit.GetId().GetPointIdOptions().(*qdrant.PointId_Uuid)
		if !ok {
			continue
		}
		id, err := uuid.Parse(idOpt.Uuid)
		if err != nil {
			continue
		}
		matches = append(matches, Match{FindingID: id, Score: float64(hit.GetScore())})
	}
	return matches, nil
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{Field: &qdrant.FieldCondition{
			Key:   key,
			Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
		}},
	}
}

var _ Index = (*QdrantIndex)(nil)
