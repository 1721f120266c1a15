package mongodb

import (
	"context"

	"github.com/layerx/content-processing-service/internal/domain/entity"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type FrameRepository struct {
	coll *mongo.Collection
}

func NewFrameRepository(db *mongo.Database) *FrameRepository {
	return &FrameRepository{coll: db.Collection(framesCollection)}
}

func (r *FrameRepository) InsertMany(ctx context.Context, taskID primitive.ObjectID, frames []*entity.AnnotationFrame) error {
	if len(frames) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(frames))
	for _, f := range frames {
		if f.ID.IsZero() {
			f.ID = primitive.NewObjectID()
		}
		f.TaskID = taskID
		docs = append(docs, f)
	}
	_, err := r.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return writeError("insert annotation frames", err)
}

// ReplaceForTask deletes the task's frames, then inserts the new set.
func (r *FrameRepository) ReplaceForTask(ctx context.Context, taskID primitive.ObjectID, frames []*entity.AnnotationFrame) error {
	if _, err := r.coll.DeleteMany(ctx, bson.M{"taskId": taskID}); err != nil {
		return writeError("delete annotation frames", err)
	}
	return r.InsertMany(ctx, taskID, frames)
}

func (r *FrameRepository) FindByTask(ctx context.Context, taskID primitive.ObjectID) ([]*entity.AnnotationFrame, error) {
	cur, err := r.coll.Find(ctx, bson.M{"taskId": taskID}, options.Find().SetSort(bson.D{{Key: "frameId", Value: 1}}))
	if err != nil {
		return nil, readError("find annotation frames", err)
	}
	var frames []*entity.AnnotationFrame
	if err := cur.All(ctx, &frames); err != nil {
		return nil, readError("decode annotation frames", err)
	}
	return frames, nil
}

func (r *FrameRepository) DeleteByTasks(ctx context.Context, taskIDs []primitive.ObjectID) error {
	if len(taskIDs) == 0 {
		return nil
	}
	_, err := r.coll.DeleteMany(ctx, bson.M{"taskId": bson.M{"$in": taskIDs}})
	return writeError("delete annotation frames", err)
}

// SetDatasetVersion replaces or appends the frame's entry for one dataset
// version in one pipeline update.
func (r *FrameRepository) SetDatasetVersion(ctx context.Context, frameID primitive.ObjectID, entry entity.FrameDatasetVersion) error {
	others := bson.M{"$filter": bson.M{
		"input": bson.M{"$ifNull": bson.A{"$datasetVersions", bson.A{}}},
		"cond":  bson.M{"$ne": bson.A{"$$this.versionId", entry.VersionID}},
	}}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"datasetVersions": bson.M{
			"$concatArrays": bson.A{others, bson.A{bson.M{"$literal": entry}}},
		}}}},
	}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": frameID}, update)
	if err != nil {
		return writeError("set frame dataset entry", err)
	}
	if res.MatchedCount == 0 {
		return readError("set frame dataset entry", mongo.ErrNoDocuments)
	}
	return nil
}

// SampleForVersion draws percentage% of the frames assigned to datasetType
// within the version.
func (r *FrameRepository) SampleForVersion(ctx context.Context, versionID primitive.ObjectID, datasetType int, percentage int) ([]*entity.AnnotationFrame, error) {
	match := bson.M{"datasetVersions": bson.M{"$elemMatch": bson.M{"versionId": versionID, "datasetType": datasetType}}}
	total, err := r.coll.CountDocuments(ctx, match)
	if err != nil {
		return nil, readError("count dataset frames", err)
	}
	size := total * int64(percentage) / 100
	if size == 0 && total > 0 && percentage > 0 {
		size = 1
	}
	if size == 0 {
		return nil, nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sample", Value: bson.M{"size": size}}},
	}
	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, readError("sample dataset frames", err)
	}
	var frames []*entity.AnnotationFrame
	if err := cur.All(ctx, &frames); err != nil {
		return nil, readError("decode sampled frames", err)
	}
	return frames, nil
}
