package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/deckflow/pkg/api"
)

// MongoArtifactStore keeps artifact versions in MongoDB. Documents are
// insert-only; per-project version numbers come from a counters
// collection.
type MongoArtifactStore struct {
	coll     *mongo.Collection
	counters *mongo.Collection
}

var _ ArtifactStore = (*MongoArtifactStore)(nil)

// NewMongoArtifactStore creates a Mongo-backed artifact store.
// dbName defaults to "deckflow" if empty, collName defaults to "artifacts".
func NewMongoArtifactStore(client *mongo.Client, dbName, collName string) *MongoArtifactStore {
	if dbName == "" {
		dbName = "deckflow"
	}
	if collName == "" {
		collName = "artifacts"
	}
	db := client.Database(dbName)
	return &MongoArtifactStore{
		coll:     db.Collection(collName),
		counters: db.Collection(collName + "_counters"),
	}
}

type mongoArtifactDoc struct {
	ID             string `bson:"_id"`
	ProjectID      string `bson:"project_id"`
	RunID          string `bson:"run_id"`
	ParentRunID    string `bson:"parent_run_id,omitempty"`
	Version        int    `bson:"version"`
	Checksum       string `bson:"checksum"`
	NeedsHumanEdit bool   `bson:"needs_human_edit"`
	Issues         []byte `bson:"issues,omitempty"`
	IR             []byte `bson:"ir"`
	Plan           []byte `bson:"plan,omitempty"`
	CreatedAt      int64  `bson:"created_at"`
}

func (d mongoArtifactDoc) artifact() *api.ArtifactVersion {
	return &api.ArtifactVersion{
		ID:             d.ID,
		ProjectID:      d.ProjectID,
		RunID:          d.RunID,
		ParentRunID:    d.ParentRunID,
		Version:        d.Version,
		Checksum:       d.Checksum,
		NeedsHumanEdit: d.NeedsHumanEdit,
		Issues:         rawJSON(d.Issues),
		IR:             rawJSON(d.IR),
		Plan:           rawJSON(d.Plan),
		CreatedAt:      fromUnixNano(d.CreatedAt),
	}
}

func (s *MongoArtifactStore) nextVersion(ctx context.Context, projectID string) (int, error) {
	var counter struct {
		Seq int `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": projectID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (s *MongoArtifactStore) CreateArtifact(ctx context.Context, a *api.ArtifactVersion) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Existing ids are rejected before a version number is spent.
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": a.ID})
	if err != nil {
		return fmt.Errorf("persistence: create artifact: %w", err)
	}
	if n > 0 {
		return ErrDuplicate
	}

	version, err := s.nextVersion(ctx, a.ProjectID)
	if err != nil {
		return fmt.Errorf("persistence: next artifact version: %w", err)
	}

	doc := mongoArtifactDoc{
		ID:             a.ID,
		ProjectID:      a.ProjectID,
		RunID:          a.RunID,
		ParentRunID:    a.ParentRunID,
		Version:        version,
		Checksum:       a.Checksum,
		NeedsHumanEdit: a.NeedsHumanEdit,
		Issues:         a.Issues,
		IR:             a.IR,
		Plan:           a.Plan,
		CreatedAt:      unixNano(a.CreatedAt),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("persistence: create artifact: %w", err)
	}
	a.Version = version
	return nil
}

func (s *MongoArtifactStore) GetArtifact(ctx context.Context, id string) (*api.ArtifactVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc mongoArtifactDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return doc.artifact(), nil
}

func (s *MongoArtifactStore) ListArtifacts(ctx context.Context, projectID string) ([]*api.ArtifactVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := s.coll.Find(ctx,
		bson.M{"project_id": projectID},
		options.Find().SetSort(bson.D{{Key: "version", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.ArtifactVersion
	for cur.Next(ctx) {
		var doc mongoArtifactDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, doc.artifact())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
