//go:build integration

package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/store"
	"github.com/raphaelgruber/recap/internal/store/storetest"
	"github.com/raphaelgruber/recap/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Client
var testContainer testcontainers.Container

const testDimension = 4

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:                fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace:          "test",
		Database:           "test",
		Username:           "root",
		Password:           "root",
		AuthLevel:          "root",
		EmbeddingDimension: testDimension,
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

func TestJobStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.JobStore {
		require.NoError(t, testDB.WipeData(context.Background()))
		return NewJobStore(testDB)
	})
}

func TestJobStore_PartialsSurviveReload(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.WipeData(ctx))
	s := NewJobStore(testDB)

	job, err := s.Create(ctx, models.JobInput{Document: "text", Mode: models.ModeBullet})
	require.NoError(t, err)
	_, err = s.Claim(ctx, job.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.SaveChunks(ctx, job.ID, "worker-1", []models.Chunk{{Index: 0, Text: "a"}, {Index: 1, Text: "b"}}))
	require.NoError(t, s.UpdateStage(ctx, job.ID, "worker-1", models.StageMapping))
	require.NoError(t, s.SavePartial(ctx, job.ID, "worker-1", 1, "second", 2))
	require.NoError(t, s.SavePartial(ctx, job.ID, "worker-1", 0, "first", 1))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	partials, ok := got.OrderedPartials()
	require.True(t, ok)
	assert.Equal(t, []string{"first", "second"}, partials)
	assert.Equal(t, 2, got.ChunkAttempts[1])
	assert.Equal(t, "worker-1", got.Owner)
}

func TestJobStore_ConcurrentPartials(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.WipeData(ctx))
	s := NewJobStore(testDB)

	job, err := s.Create(ctx, models.JobInput{Document: "text", Mode: models.ModeConcise})
	require.NoError(t, err)
	_, err = s.Claim(ctx, job.ID, "w", time.Minute)
	require.NoError(t, err)
	chunks := make([]models.Chunk, 4)
	for i := range chunks {
		chunks[i] = models.Chunk{Index: i}
	}
	require.NoError(t, s.SaveChunks(ctx, job.ID, "w", chunks))

	errs := make(chan error, len(chunks))
	for i := range chunks {
		go func() {
			var err error
			// Lost version races surface as ErrUnavailable after the
			// internal retries; the scheduler retries those too.
			for range 5 {
				if err = s.SavePartial(ctx, job.ID, "w", i, fmt.Sprintf("p%d", i), 1); err == nil || !store.IsTransient(err) {
					break
				}
			}
			errs <- err
		}()
	}
	for range chunks {
		require.NoError(t, <-errs)
	}

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, got.PartialSummaries, 4)
}

// letterEmbedder counts a, b, c and d.
type letterEmbedder struct{}

func (letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, testDimension)
	for i, r := range "abcd" {
		v[i] = float32(strings.Count(text, string(r))) + 0.01
	}
	return v, nil
}

func TestSummaryIndex(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.WipeData(ctx))
	idx := NewSummaryIndex(testDB, letterEmbedder{})

	docs := []vector.Document{
		{ID: "s1", JobID: "j1", Text: "aaaa", Mode: models.ModeConcise},
		{ID: "s2", JobID: "j2", Text: "bbbb", Mode: models.ModeConcise},
		{ID: "s3", JobID: "j3", Text: "aaab", Mode: models.ModeBullet},
	}
	for _, d := range docs {
		require.NoError(t, idx.Index(ctx, d))
	}

	matches, err := idx.SimilaritySearch(ctx, "aaaa", 2, vector.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "s1", matches[0].ID)
	assert.Equal(t, "j1", matches[0].JobID)

	matches, err = idx.SimilaritySearch(ctx, "aaaa", 3, vector.Filter{Mode: models.ModeBullet})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "s3", matches[0].ID)

	require.NoError(t, idx.Remove(ctx, "s1"))
	matches, err = idx.SimilaritySearch(ctx, "aaaa", 3, vector.Filter{})
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, "s1", m.ID)
	}
}
