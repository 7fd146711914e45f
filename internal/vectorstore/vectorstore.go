// Package vectorstore wraps the external vector database used by the RAG
// context service (spec §4.3, C2): upsert of message embeddings and top-k
// similarity search with conjunctive metadata filters (spec §6 "Upsert (id,
// vector, metadata) and top-k query with boolean metadata filter supporting
// equality and $and conjunction"). bborn/workflow has no vector-store
// package; grounded on a qdrantcli.Client field threading a vector adapter
// through a queue consumer, and the vector-store Kind() interface shape
// from a reference provider-contracts file, using the real
// github.com/qdrant/go-client driver those references anticipate.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Point is one embedded mail message ready for upsert.
type Point struct {
	ID       string // provider_message_id; deterministic so re-indexing upserts rather than duplicates
	Vector   []float32
	UserID   int64
	ThreadID string
	Sender   string
	Subject  string
	Snippet  string
	SentAt   int64 // unix seconds, for recency ranking
}

// Filter expresses a conjunction of equality constraints (spec §6 "$and
// conjunction of equalities").
type Filter struct {
	UserID   int64
	Sender   string // optional, "" means unconstrained; spec §4.3 "sender == sender"
	ThreadID string // optional, "" means unconstrained
}

// Match is a single ranked search result.
type Match struct {
	ID       string
	Score    float32
	ThreadID string
	Sender   string
	Subject  string
	Snippet  string
	SentAt   int64
}

// Store is a thread-safe client over one Qdrant collection, shared across
// workers per spec §5 "Vector store: thread-safe client; shared across
// workers."
type Store struct {
	client         *qdrant.Client
	collectionName string
	vectorSize     uint64
}

// Config configures the Qdrant connection.
type Config struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	CollectionName string
	VectorSize     uint64
}

// New dials the Qdrant instance and ensures the collection exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to vector store: %w", err)
	}

	s := &Store{client: client, collectionName: cfg.CollectionName, vectorSize: cfg.VectorSize}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// Upsert writes a batch of points, keyed so re-indexing the same message is
// a no-op overwrite rather than a duplicate (spec §4.5 incremental indexing
// idempotency).
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	pbPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		pbPoints = append(pbPoints, &qdrant.PointStruct{
			Id:     qdrant.NewIDUUID(pointUUID(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"user_id":   p.UserID,
				"thread_id": p.ThreadID,
				"sender":    p.Sender,
				"subject":   p.Subject,
				"snippet":   p.Snippet,
				"sent_at":   p.SentAt,
			}),
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collectionName,
		Points:         pbPoints,
	})
	if err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}
	return nil
}

// pointUUID derives a deterministic UUID from a provider message id so
// repeated indexing runs overwrite rather than duplicate (UUIDv5, namespace
// scoped to this store).
func pointUUID(providerMessageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailassist:"+providerMessageID)).String()
}

// Query performs a top-k similarity search scoped by Filter, returning
// results ranked by distance (spec §4.3 "rank by distance").
func (s *Store) Query(ctx context.Context, vector []float32, filter Filter, topK uint64) ([]Match, error) {
	must := []*qdrant.Condition{
		qdrant.NewMatch("user_id", fmt.Sprintf("%d", filter.UserID)),
	}
	if filter.Sender != "" {
		must = append(must, qdrant.NewMatch("sender", filter.Sender))
	}
	if filter.ThreadID != "" {
		must = append(must, qdrant.NewMatch("thread_id", filter.ThreadID))
	}

	resp, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &topK,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query vector store: %w", err)
	}

	matches := make([]Match, 0, len(resp))
	for _, sp := range resp {
		payload := sp.GetPayload()
		matches = append(matches, Match{
			ID:       sp.GetId().String(),
			Score:    sp.GetScore(),
			ThreadID: stringField(payload, "thread_id"),
			Sender:   stringField(payload, "sender"),
			Subject:  stringField(payload, "subject"),
			Snippet:  stringField(payload, "snippet"),
			SentAt:   int64Field(payload, "sent_at"),
		})
	}
	return matches, nil
}

// DeleteOlderThan removes every point for userID whose sent_at predates
// cutoff (unix seconds), for the retention sweep (spec §4.5 CleanupOld).
func (s *Store) DeleteOlderThan(ctx context.Context, userID int64, cutoff int64) error {
	must := []*qdrant.Condition{
		qdrant.NewMatch("user_id", fmt.Sprintf("%d", userID)),
		qdrant.NewRange("sent_at", &qdrant.Range{Lt: ptrFloat64(float64(cutoff))}),
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collectionName,
		Points:         qdrant.NewPointsSelectorFilter(&qdrant.Filter{Must: must}),
	})
	if err != nil {
		return fmt.Errorf("delete old points: %w", err)
	}
	return nil
}

func ptrFloat64(v float64) *float64 { return &v }

func stringField(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func int64Field(payload map[string]*qdrant.Value, key string) int64 {
	if v, ok := payload[key]; ok {
		return v.GetIntegerValue()
	}
	return 0
}
