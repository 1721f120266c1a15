package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/layerx/content-processing-service/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcmongodb "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

func setupDatabase(t *testing.T) *mongo.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcmongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := Connect(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("layerx_test")
	require.NoError(t, EnsureIndexes(ctx, db))
	return db
}

func TestTaskRepository(t *testing.T) {
	db := setupDatabase(t)
	ctx := context.Background()
	repo := NewTaskRepository(db)
	project := primitive.NewObjectID()

	var ids []primitive.ObjectID
	for _, seq := range []int{2, 1, 3} {
		task := entity.NewTask(entity.TaskSpec{
			ProjectID:      project,
			VideoName:      "clip",
			Sequence:       seq,
			OriginalFrames: []int{seq * 10, seq*10 + 5},
			FrameRate:      5,
		})
		require.NoError(t, repo.Insert(ctx, task))
		ids = append(ids, task.ID)
	}

	dup := entity.NewTask(entity.TaskSpec{ProjectID: project, VideoName: "clip", Sequence: 1})
	assert.ErrorIs(t, repo.Insert(ctx, dup), entity.ErrTaskAlreadyExists)

	tasks, err := repo.FindByVideo(ctx, project, "clip")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, i+1, task.Sequence)
	}

	exists, err := repo.ExistsByName(ctx, project, "task-2-clip")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, repo.SetAutoAnnotationVersion(ctx, ids[0], 9))
	versionID := primitive.NewObjectID()
	require.NoError(t, repo.AddDatasetVersion(ctx, ids[0], versionID))
	require.NoError(t, repo.AddDatasetVersion(ctx, ids[0], versionID))

	got, err := repo.FindByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 9, got.AutoAnnotationVersion)
	assert.Equal(t, []primitive.ObjectID{versionID}, got.DatasetVersions)

	_, err = repo.FindByID(ctx, primitive.NewObjectID())
	assert.ErrorIs(t, err, entity.ErrNotFound)

	deleted, err := repo.DeleteByVideo(ctx, project, "clip")
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, deleted)
}

func TestFrameRepository(t *testing.T) {
	db := setupDatabase(t)
	ctx := context.Background()
	repo := NewFrameRepository(db)
	taskID := primitive.NewObjectID()

	frames := []*entity.AnnotationFrame{
		entity.NewAnnotationFrame(2, nil),
		entity.NewAnnotationFrame(1, []entity.Box{{ID: "b1", Boundaries: entity.BoxBoundaries{X: 1, Y: 2, W: 3, H: 4, Label: "car"}}}),
	}
	require.NoError(t, repo.InsertMany(ctx, taskID, frames))

	stored, err := repo.FindByTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 1, stored[0].FrameID)
	assert.Equal(t, "car", stored[0].Boxes[0].Boundaries.Label)

	versionID := primitive.NewObjectID()
	entry := entity.FrameDatasetVersion{VersionID: versionID, DatasetType: 1, TextFiles: map[string]string{"DEFAULT": "a.txt"}}
	require.NoError(t, repo.SetDatasetVersion(ctx, stored[0].ID, entry))
	entry.TextFiles = map[string]string{"DEFAULT": "b.txt"}
	require.NoError(t, repo.SetDatasetVersion(ctx, stored[0].ID, entry))

	sampled, err := repo.SampleForVersion(ctx, versionID, 1, 100)
	require.NoError(t, err)
	require.Len(t, sampled, 1)
	require.Len(t, sampled[0].DatasetVersions, 1)
	assert.Equal(t, "b.txt", sampled[0].DatasetVersions[0].TextFiles["DEFAULT"])

	other := entity.FrameDatasetVersion{VersionID: primitive.NewObjectID(), DatasetType: 2}
	require.NoError(t, repo.SetDatasetVersion(ctx, stored[0].ID, other))
	stored, err = repo.FindByTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, stored[0].DatasetVersions, 2)
	assert.Equal(t, versionID, stored[0].DatasetVersions[0].VersionID)
	assert.Equal(t, other.VersionID, stored[0].DatasetVersions[1].VersionID)

	err = repo.SetDatasetVersion(ctx, primitive.NewObjectID(), entry)
	assert.ErrorIs(t, err, entity.ErrNotFound)

	require.NoError(t, repo.ReplaceForTask(ctx, taskID, []*entity.AnnotationFrame{entity.NewAnnotationFrame(1, nil)}))
	stored, err = repo.FindByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	require.NoError(t, repo.DeleteByTasks(ctx, []primitive.ObjectID{taskID}))
	stored, err = repo.FindByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestDatasetRepository(t *testing.T) {
	db := setupDatabase(t)
	ctx := context.Background()
	repo := NewDatasetRepository(db)

	version := &entity.DatasetVersion{ID: primitive.NewObjectID(), VersionNo: "1"}
	_, err := db.Collection(datasetsCollection).InsertOne(ctx, version)
	require.NoError(t, err)

	status := entity.DatasetTaskStatus{
		State: entity.DatasetPending,
		Tasks: []entity.DatasetTaskState{{Task: "a", State: entity.DatasetPending}, {Task: "b", State: entity.DatasetPending}},
	}
	require.NoError(t, repo.InitTaskStatus(ctx, version.ID, status))

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.UpdateTaskState(ctx, version.ID, entity.DatasetTaskState{Task: "b", State: entity.DatasetComplete, ImageCount: 4}))
	require.NoError(t, repo.SetState(ctx, version.ID, entity.DatasetComplete, entity.DatasetTotals{ImageCount: 4, Size: 100}))
	require.NoError(t, repo.SetYOLOExport(ctx, version.ID, entity.YOLOExport{Progress: 100, FileCount: 8}))

	got, err := repo.FindByID(ctx, version.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.DatasetComplete, got.TaskStatus.State)
	assert.Equal(t, entity.DatasetPending, got.TaskStatus.Tasks[0].State)
	assert.Equal(t, 4, got.TaskStatus.Tasks[1].ImageCount)
	assert.Equal(t, 8, got.ExportFormats.YOLO.FileCount)
	assert.Equal(t, 4, got.ImageCount)

	err = repo.UpdateTaskState(ctx, version.ID, entity.DatasetTaskState{Task: "missing"})
	assert.ErrorIs(t, err, entity.ErrNotFound)

	_, err = repo.FindByID(ctx, primitive.NewObjectID())
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestDatasetRepositoryBuildLease(t *testing.T) {
	db := setupDatabase(t)
	ctx := context.Background()
	repo := NewDatasetRepository(db)

	version := &entity.DatasetVersion{ID: primitive.NewObjectID(), VersionNo: "1"}
	_, err := db.Collection(datasetsCollection).InsertOne(ctx, version)
	require.NoError(t, err)

	claimed, err := repo.ClaimBuild(ctx, version.ID, "worker-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimBuild(ctx, version.ID, "worker-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed, "held lease blocks a second builder")

	require.NoError(t, repo.ReleaseBuild(ctx, version.ID, "worker-b"))
	got, err := repo.FindByID(ctx, version.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BuildLease)
	assert.Equal(t, "worker-a", got.BuildLease.Owner)

	require.NoError(t, repo.ReleaseBuild(ctx, version.ID, "worker-a"))
	claimed, err = repo.ClaimBuild(ctx, version.ID, "worker-b", -time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimBuild(ctx, version.ID, "worker-c", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed, "expired lease can be taken over")
}
