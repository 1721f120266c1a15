package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layerx/content-processing-service/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("content"),
		tcpostgres.WithUsername("content_user"),
		tcpostgres.WithPassword("content_pass"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(connStr, "../../../migrations"))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestProgressRepositoryLifecycle(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	repo := NewProgressRepository(pool)
	project := primitive.NewObjectID()

	rec := entity.NewProgressRecord(uuid.New(), project, "raw/clip.mp4", entity.RequestTaskAnnotation, 3, 1000, 5)
	require.NoError(t, repo.Create(ctx, rec))

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.ID, pending[0].ID)
	assert.Equal(t, project, pending[0].ProjectID)
	assert.Equal(t, entity.RequestTaskAnnotation, pending[0].RequestType)

	require.NoError(t, repo.UpdateProgress(ctx, rec.ID, 50, 1))
	got, err := repo.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.Progress)
	assert.Equal(t, 1, got.TaskCount)

	got.MarkComplete()
	require.NoError(t, repo.Update(ctx, got))

	pending, err = repo.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	bySource, err := repo.FindBySource(ctx, project, "raw/clip.mp4")
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, entity.ProgressComplete, bySource[0].Status)
	assert.NotNil(t, bySource[0].FinishedAt)

	require.NoError(t, repo.Delete(ctx, rec.ID))
	_, err = repo.FindByID(ctx, rec.ID)
	assert.ErrorIs(t, err, entity.ErrNotFound)

	err = repo.UpdateProgress(ctx, uuid.New(), 10, 1)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestProgressRepositoryStoresTaskIDs(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	repo := NewProgressRepository(pool)

	rec := entity.NewProgressRecord(uuid.New(), primitive.NewObjectID(), "raw/clip.mp4", entity.RequestAnnotationRefresh, 4, 1000, 0)
	rec.TaskIDs = []primitive.ObjectID{primitive.NewObjectID(), primitive.NewObjectID()}
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.TaskIDs, got.TaskIDs)

	plain := entity.NewProgressRecord(uuid.New(), primitive.NewObjectID(), "raw/other.mp4", entity.RequestTaskOnly, 0, 1000, 5)
	require.NoError(t, repo.Create(ctx, plain))
	got, err = repo.FindByID(ctx, plain.ID)
	require.NoError(t, err)
	assert.Empty(t, got.TaskIDs)
}
