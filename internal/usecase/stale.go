package usecase

import (
	"context"
	"fmt"

	"github.com/layerx/content-processing-service/internal/domain/port"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SelectStaleTasks returns, in sequence order, the tasks of a video that were
// never auto-annotated or were annotated with a different version.
func SelectStaleTasks(ctx context.Context, tasks port.TaskRepository, projectID primitive.ObjectID, videoName string, version int) ([]primitive.ObjectID, error) {
	all, err := tasks.FindByVideo(ctx, projectID, videoName)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	stale := make([]primitive.ObjectID, 0, len(all))
	for _, t := range all {
		if t.AutoAnnotationVersion == 0 || t.AutoAnnotationVersion != version {
			stale = append(stale, t.ID)
		}
	}
	return stale, nil
}
