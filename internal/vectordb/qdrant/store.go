// Package qdrant implements C2: the vector store adapter, backed by
// the real github.com/qdrant/go-client SDK. Grounded on
// Tangerg-lynx's ai/providers/vectorstores/qdrant/store.go — the
// teacher's own internal/vectordb/qdrant wraps a bespoke HTTP client
// instead of this SDK, so this package is adapted from the sibling
// example repo that actually exercises qdrant/go-client.
package qdrant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/sirupsen/logrus"

	"dev.helix.knowledgecore/internal/corerr"
)

// Hit is one search result returned by Search (spec §4.2).
type Hit struct {
	PassageID string
	Score     float32
	Payload   map[string]any
}

// Filter mirrors spec §4.11's access-scope shape: an optional
// passage-id allowlist (hard AND restriction, used by Delete), an
// owner/visibility/group-id
// disjunction (the "own ∪ public ∪ group-readable" union C11
// computes), and an optional hard AND restriction to a named set of
// groups (the caller-supplied group_filter). A zero-value Filter
// matches everything.
type Filter struct {
	AllowIDs       []string // hard AND: explicit passage-id allowlist
	OwnerID        string   // OR clause member: passages owned by this principal
	Visibility     string   // OR clause member: e.g. "public"
	GroupIDs       []string // OR clause members: passages in any of these groups
	RestrictGroups []string // hard AND: passage must be in one of these groups (caller's group_filter)
	Unbounded      bool     // admin "no filter" sentinel (spec §4.11)
}

// Store is the C2 vector store adapter.
type Store struct {
	client         *qdrant.Client
	collectionName string
	logger         *logrus.Logger
}

// Config addresses the Qdrant gRPC endpoint.
type Config struct {
	Host           string
	Port           int
	CollectionName string
	UseTLS         bool
}

// NewStore dials Qdrant and returns a Store bound to CollectionName.
// It does not create the collection — call RecreateCollection (or rely
// on a prior deployment step) before first use.
func NewStore(cfg Config, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to construct client: %w", err)
	}
	return &Store{client: client, collectionName: cfg.CollectionName, logger: logger}, nil
}

// RecreateCollection drops (if present) and recreates the collection
// with cosine-distance vectors of the given dimension. Used by the
// dimension-mismatch remediation path (spec §3 invariant 4, §9).
func (s *Store) RecreateCollection(ctx context.Context, dim int) error {
	exists, err := s.client.CollectionExists(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		if err := s.client.DeleteCollection(ctx, s.collectionName); err != nil {
			return fmt.Errorf("qdrant: failed to delete collection %s: %w", s.collectionName, err)
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %s: %w", s.collectionName, err)
	}
	return nil
}

// Upsert writes (or overwrites, idempotent on passageID) one passage
// vector and payload.
func (s *Store) Upsert(ctx context.Context, passageID string, vector []float32, payload map[string]any) error {
	point, err := buildPointStruct(passageID, vector, payload)
	if err != nil {
		return fmt.Errorf("qdrant: build point: %w", err)
	}

	wait := true
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collectionName,
		Wait:           &wait,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return corerr.Wrap(corerr.Internal, "vectordb.Upsert", fmt.Sprintf("upsert passage %s", passageID), err)
	}
	return nil
}

func buildPointStruct(passageID string, vector []float32, payload map[string]any) (*qdrant.PointStruct, error) {
	id := passageID
	if id == "" {
		id = uuid.NewString()
	}

	merged := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	merged[passageIDPayloadKey] = id

	qPayload, err := qdrant.TryValueMap(merged)
	if err != nil {
		return nil, fmt.Errorf("convert payload: %w", err)
	}

	return &qdrant.PointStruct{
		Id:      qdrant.NewID(id),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qPayload,
	}, nil
}

// Search returns at most k passages ordered by descending cosine
// similarity, restricted by filter.
func (s *Store) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	limit := uint64(k)
	withPayload := true
	queryPoints := &qdrant.QueryPoints{
		CollectionName: s.collectionName,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(withPayload),
		Query:          qdrant.NewQuery(vector...),
	}

	if qf := buildQdrantFilter(filter); qf != nil {
		queryPoints.Filter = qf
	}

	points, err := s.client.Query(ctx, queryPoints)
	if err != nil {
		return nil, corerr.Wrap(corerr.Internal, "vectordb.Search", "query failed", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{
			PassageID: extractPassageID(p),
			Score:     p.GetScore(),
			Payload:   convertPayload(p.GetPayload()),
		})
	}
	return hits, nil
}

// Delete removes passages by id. Safe to call with ids that do not
// exist (idempotent). Expressed as a filter-based delete (matching the
// passage_id payload field) rather than a point-id selector, since the
// payload-match idiom is the one directly grounded in the example
// converter's condition builders.
func (s *Store) Delete(ctx context.Context, passageIDs []string) error {
	if len(passageIDs) == 0 {
		return nil
	}

	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collectionName,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelectorFilter(buildQdrantFilter(idsFilter(passageIDs))),
	})
	if err != nil {
		return corerr.Wrap(corerr.Internal, "vectordb.Delete", fmt.Sprintf("delete %d passages", len(passageIDs)), err)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func extractPassageID(p *qdrant.ScoredPoint) string {
	id := p.GetId()
	if id == nil {
		return ""
	}
	if uid := id.GetUuid(); uid != "" {
		return uid
	}
	return fmt.Sprintf("%d", id.GetNum())
}
