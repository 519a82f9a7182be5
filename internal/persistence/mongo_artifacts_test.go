package persistence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/deckflow/internal/testutil"
	"github.com/petrijr/deckflow/pkg/api"
)

type MongoArtifactStoreTestSuite struct {
	suite.Suite
	client *mongo.Client
	store  *MongoArtifactStore
}

func TestMongoArtifactStoreTestSuite(t *testing.T) {
	uri := testutil.MongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	suite.Run(t, &MongoArtifactStoreTestSuite{client: client})
}

func (m *MongoArtifactStoreTestSuite) SetupTest() {
	ctx := context.Background()
	m.Require().NoError(m.client.Database("deckflow_test").Drop(ctx))
	m.store = NewMongoArtifactStore(m.client, "deckflow_test", "")
}

func (m *MongoArtifactStoreTestSuite) TestVersionsAndImmutability() {
	testArtifacts(m.T(), Persistence{Artifacts: m.store})
}

func (m *MongoArtifactStoreTestSuite) TestRoundTripsPayloads() {
	ctx := context.Background()
	a := &api.ArtifactVersion{
		ID:        "art-x",
		ProjectID: "proj-x",
		RunID:     "run-x",
		Checksum:  "abc",
		IR:        json.RawMessage(`{"schema":"slidespec_v1"}`),
		Plan:      json.RawMessage(`{"slides":[]}`),
		Issues:    json.RawMessage(`[]`),
		CreatedAt: testEpoch,
	}
	m.Require().NoError(m.store.CreateArtifact(ctx, a))

	got, err := m.store.GetArtifact(ctx, "art-x")
	m.Require().NoError(err)
	m.JSONEq(`{"schema":"slidespec_v1"}`, string(got.IR))
	m.JSONEq(`{"slides":[]}`, string(got.Plan))
	m.True(got.CreatedAt.Equal(testEpoch))
}
