package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/layerx/content-processing-service/internal/domain/entity"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type DatasetRepository struct {
	coll *mongo.Collection
}

func NewDatasetRepository(db *mongo.Database) *DatasetRepository {
	return &DatasetRepository{coll: db.Collection(datasetsCollection)}
}

func (r *DatasetRepository) FindByID(ctx context.Context, id primitive.ObjectID) (*entity.DatasetVersion, error) {
	var v entity.DatasetVersion
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&v); err != nil {
		return nil, readError("find dataset version", err)
	}
	return &v, nil
}

func (r *DatasetRepository) ListPending(ctx context.Context) ([]*entity.DatasetVersion, error) {
	cur, err := r.coll.Find(ctx, bson.M{"taskStatus.state": entity.DatasetPending})
	if err != nil {
		return nil, readError("find pending dataset versions", err)
	}
	var versions []*entity.DatasetVersion
	if err := cur.All(ctx, &versions); err != nil {
		return nil, readError("decode dataset versions", err)
	}
	return versions, nil
}

func (r *DatasetRepository) InitTaskStatus(ctx context.Context, id primitive.ObjectID, status entity.DatasetTaskStatus) error {
	return r.updateOne(ctx, "init task status", bson.M{"_id": id}, bson.M{"$set": bson.M{"taskStatus": status}})
}

// UpdateTaskState replaces the entry for one task inside taskStatus.tasks.
func (r *DatasetRepository) UpdateTaskState(ctx context.Context, id primitive.ObjectID, state entity.DatasetTaskState) error {
	return r.updateOne(ctx, "update task state",
		bson.M{"_id": id, "taskStatus.tasks.task": state.Task},
		bson.M{"$set": bson.M{"taskStatus.tasks.$": state}},
	)
}

func (r *DatasetRepository) SetState(ctx context.Context, id primitive.ObjectID, state entity.DatasetState, totals entity.DatasetTotals) error {
	return r.updateOne(ctx, "set dataset state", bson.M{"_id": id}, bson.M{"$set": bson.M{
		"taskStatus.state": state,
		"imageCount":       totals.ImageCount,
		"size":             totals.Size,
	}})
}

func (r *DatasetRepository) SetYOLOExport(ctx context.Context, id primitive.ObjectID, export entity.YOLOExport) error {
	return r.updateOne(ctx, "set yolo export", bson.M{"_id": id}, bson.M{"$set": bson.M{"exportFormats.YOLO": export}})
}

func (r *DatasetRepository) ClaimBuild(ctx context.Context, id primitive.ObjectID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	filter := bson.M{"_id": id, "$or": bson.A{
		bson.M{"buildLease": bson.M{"$exists": false}},
		bson.M{"buildLease.until": bson.M{"$lt": now}},
	}}
	lease := entity.BuildLease{Owner: owner, Until: now.Add(ttl)}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"buildLease": lease}})
	if err != nil {
		return false, writeError("claim dataset build", err)
	}
	return res.MatchedCount == 1, nil
}

// ReleaseBuild drops the lease only while owner still holds it.
func (r *DatasetRepository) ReleaseBuild(ctx context.Context, id primitive.ObjectID, owner string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "buildLease.owner": owner},
		bson.M{"$unset": bson.M{"buildLease": ""}},
	)
	return writeError("release dataset build", err)
}

func (r *DatasetRepository) updateOne(ctx context.Context, op string, filter, update bson.M) error {
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return writeError(op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	return nil
}
