package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	tasksCollection    = "tasks"
	framesCollection   = "annotation_frames"
	datasetsCollection = "dataset_versions"
)

func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongodb uri is empty")
	}
	opts := options.Client().ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(2).
		SetConnectTimeout(5 * time.Second).
		SetSocketTimeout(30 * time.Second)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the indexes the repositories rely on, including the
// unique task name per project.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(tasksCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "projectId", Value: 1}, {Key: "taskName", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("project_task_name_unique"),
		},
		{
			Keys:    bson.D{{Key: "projectId", Value: 1}, {Key: "videoName", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetName("project_video_sequence"),
		},
	})
	if err != nil {
		return fmt.Errorf("create task indexes: %w", err)
	}

	_, err = db.Collection(framesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "taskId", Value: 1}, {Key: "frameId", Value: 1}},
			Options: options.Index().SetName("task_frame"),
		},
		{
			Keys:    bson.D{{Key: "datasetVersions.versionId", Value: 1}, {Key: "datasetVersions.datasetType", Value: 1}},
			Options: options.Index().SetName("dataset_version_type"),
		},
	})
	if err != nil {
		return fmt.Errorf("create frame indexes: %w", err)
	}

	_, err = db.Collection(datasetsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "taskStatus.state", Value: 1}},
		Options: options.Index().SetName("task_status_state"),
	})
	if err != nil {
		return fmt.Errorf("create dataset indexes: %w", err)
	}
	return nil
}
