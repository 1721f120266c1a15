package port

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/layerx/content-processing-service/internal/domain/entity"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ProgressRepository interface {
	Create(ctx context.Context, rec *entity.ProgressRecord) error
	Update(ctx context.Context, rec *entity.ProgressRecord) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress float64, taskCount int) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.ProgressRecord, error)
	FindBySource(ctx context.Context, projectID primitive.ObjectID, source string) ([]*entity.ProgressRecord, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListPending(ctx context.Context) ([]*entity.ProgressRecord, error)
}

type TaskRepository interface {
	Insert(ctx context.Context, task *entity.Task) error
	FindByID(ctx context.Context, id primitive.ObjectID) (*entity.Task, error)
	FindByIDs(ctx context.Context, ids []primitive.ObjectID) ([]*entity.Task, error)
	FindByVideo(ctx context.Context, projectID primitive.ObjectID, videoName string) ([]*entity.Task, error)
	ExistsByName(ctx context.Context, projectID primitive.ObjectID, taskName string) (bool, error)
	DeleteByVideo(ctx context.Context, projectID primitive.ObjectID, videoName string) ([]primitive.ObjectID, error)
	SetAutoAnnotationVersion(ctx context.Context, id primitive.ObjectID, version int) error
	AddDatasetVersion(ctx context.Context, id, versionID primitive.ObjectID) error
}

type FrameRepository interface {
	InsertMany(ctx context.Context, taskID primitive.ObjectID, frames []*entity.AnnotationFrame) error
	ReplaceForTask(ctx context.Context, taskID primitive.ObjectID, frames []*entity.AnnotationFrame) error
	FindByTask(ctx context.Context, taskID primitive.ObjectID) ([]*entity.AnnotationFrame, error)
	DeleteByTasks(ctx context.Context, taskIDs []primitive.ObjectID) error
	SetDatasetVersion(ctx context.Context, frameID primitive.ObjectID, entry entity.FrameDatasetVersion) error
	SampleForVersion(ctx context.Context, versionID primitive.ObjectID, datasetType int, percentage int) ([]*entity.AnnotationFrame, error)
}

type DatasetRepository interface {
	FindByID(ctx context.Context, id primitive.ObjectID) (*entity.DatasetVersion, error)
	ListPending(ctx context.Context) ([]*entity.DatasetVersion, error)
	InitTaskStatus(ctx context.Context, id primitive.ObjectID, status entity.DatasetTaskStatus) error
	UpdateTaskState(ctx context.Context, id primitive.ObjectID, state entity.DatasetTaskState) error
	SetState(ctx context.Context, id primitive.ObjectID, state entity.DatasetState, totals entity.DatasetTotals) error
	SetYOLOExport(ctx context.Context, id primitive.ObjectID, export entity.YOLOExport) error
	// ClaimBuild takes the build lease when it is free or expired and reports whether it did.
	ClaimBuild(ctx context.Context, id primitive.ObjectID, owner string, ttl time.Duration) (bool, error)
	ReleaseBuild(ctx context.Context, id primitive.ObjectID, owner string) error
}
