package usecase

import (
	"context"
	"fmt"

	"github.com/layerx/content-processing-service/internal/domain/port"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ResumeState is what previous runs left behind for a (project, video) pair.
type ResumeState struct {
	CompletedTasks int
	LastFrame      int
	PriorFrameRate int
	HasPrior       bool
}

type ResumeTracker struct {
	tasks port.TaskRepository
}

func NewResumeTracker(tasks port.TaskRepository) *ResumeTracker {
	return &ResumeTracker{tasks: tasks}
}

func (r *ResumeTracker) RecoverState(ctx context.Context, projectID primitive.ObjectID, videoName string) (ResumeState, error) {
	tasks, err := r.tasks.FindByVideo(ctx, projectID, videoName)
	if err != nil {
		return ResumeState{}, fmt.Errorf("load tasks: %w", err)
	}
	if len(tasks) == 0 {
		return ResumeState{}, nil
	}

	last := tasks[len(tasks)-1]
	state := ResumeState{
		CompletedTasks: len(tasks),
		PriorFrameRate: last.FrameRate,
		HasPrior:       true,
	}
	if n := len(last.OriginalFrames); n > 0 {
		state.LastFrame = last.OriginalFrames[n-1]
	}
	return state, nil
}
