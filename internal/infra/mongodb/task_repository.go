package mongodb

import (
	"context"

	"github.com/layerx/content-processing-service/internal/domain/entity"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type TaskRepository struct {
	coll *mongo.Collection
}

func NewTaskRepository(db *mongo.Database) *TaskRepository {
	return &TaskRepository{coll: db.Collection(tasksCollection)}
}

func (r *TaskRepository) Insert(ctx context.Context, task *entity.Task) error {
	if task.ID.IsZero() {
		task.ID = primitive.NewObjectID()
	}
	_, err := r.coll.InsertOne(ctx, task)
	return writeError("insert task", err)
}

func (r *TaskRepository) FindByID(ctx context.Context, id primitive.ObjectID) (*entity.Task, error) {
	var task entity.Task
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&task); err != nil {
		return nil, readError("find task", err)
	}
	return &task, nil
}

func (r *TaskRepository) FindByIDs(ctx context.Context, ids []primitive.ObjectID) ([]*entity.Task, error) {
	return r.find(ctx, bson.M{"_id": bson.M{"$in": ids}})
}

func (r *TaskRepository) FindByVideo(ctx context.Context, projectID primitive.ObjectID, videoName string) ([]*entity.Task, error) {
	return r.find(ctx, bson.M{"projectId": projectID, "videoName": videoName})
}

func (r *TaskRepository) find(ctx context.Context, filter bson.M) ([]*entity.Task, error) {
	cur, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, readError("find tasks", err)
	}
	var tasks []*entity.Task
	if err := cur.All(ctx, &tasks); err != nil {
		return nil, readError("decode tasks", err)
	}
	return tasks, nil
}

func (r *TaskRepository) ExistsByName(ctx context.Context, projectID primitive.ObjectID, taskName string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"projectId": projectID, "taskName": taskName}, options.Count().SetLimit(1))
	if err != nil {
		return false, readError("count tasks", err)
	}
	return n > 0, nil
}

// DeleteByVideo removes every task of a video and returns the removed ids.
func (r *TaskRepository) DeleteByVideo(ctx context.Context, projectID primitive.ObjectID, videoName string) ([]primitive.ObjectID, error) {
	filter := bson.M{"projectId": projectID, "videoName": videoName}
	cur, err := r.coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, readError("find tasks to delete", err)
	}
	var docs []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, readError("decode task ids", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make([]primitive.ObjectID, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	if _, err := r.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, writeError("delete tasks", err)
	}
	return ids, nil
}

func (r *TaskRepository) SetAutoAnnotationVersion(ctx context.Context, id primitive.ObjectID, version int) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"autoAnnotationVersion": version}})
	if err != nil {
		return writeError("set annotation version", err)
	}
	if res.MatchedCount == 0 {
		return readError("set annotation version", mongo.ErrNoDocuments)
	}
	return nil
}

func (r *TaskRepository) AddDatasetVersion(ctx context.Context, id, versionID primitive.ObjectID) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$addToSet": bson.M{"datasetVersions": versionID}})
	if err != nil {
		return writeError("add dataset version", err)
	}
	if res.MatchedCount == 0 {
		return readError("add dataset version", mongo.ErrNoDocuments)
	}
	return nil
}
