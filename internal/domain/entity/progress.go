package entity

import (
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type RequestType int

const (
	RequestTaskOnly          RequestType = 0
	RequestTaskAnnotation    RequestType = 1
	RequestAnnotationRefresh RequestType = 2
	RequestImageSet          RequestType = 3
)

func (r RequestType) String() string {
	switch r {
	case RequestTaskOnly:
		return "task_only"
	case RequestTaskAnnotation:
		return "task_annotation"
	case RequestAnnotationRefresh:
		return "annotation_refresh"
	case RequestImageSet:
		return "image_set"
	}
	return "unknown"
}

type ProgressStatus int

const (
	ProgressPending  ProgressStatus = 0
	ProgressComplete ProgressStatus = 1
	ProgressError    ProgressStatus = 2
)

// ProgressRecord tracks one upload/processing attempt for a source video.
type ProgressRecord struct {
	ID                uuid.UUID
	ProjectID         primitive.ObjectID
	SourceFilePath    string
	RequestType       RequestType
	AnnotationVersion int
	Status            ProgressStatus
	Progress          float64
	TaskCount         int
	FramesPerTask     int
	FrameRate         int
	TaskIDs           []primitive.ObjectID
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FinishedAt        *time.Time
}

func NewProgressRecord(id uuid.UUID, projectID primitive.ObjectID, source string, reqType RequestType, annotationVersion, framesPerTask, frameRate int) *ProgressRecord {
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	return &ProgressRecord{
		ID:                id,
		ProjectID:         projectID,
		SourceFilePath:    source,
		RequestType:       reqType,
		AnnotationVersion: annotationVersion,
		Status:            ProgressPending,
		FramesPerTask:     framesPerTask,
		FrameRate:         frameRate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (p *ProgressRecord) MarkPending() {
	p.Status = ProgressPending
	p.ErrorMessage = ""
	p.FinishedAt = nil
	p.UpdatedAt = time.Now().UTC()
}

func (p *ProgressRecord) SetProgress(completed, total int) {
	p.TaskCount = completed
	if total > 0 {
		p.Progress = float64(completed) / float64(total) * 100
	}
	if p.Progress > 100 {
		p.Progress = 100
	}
	p.UpdatedAt = time.Now().UTC()
}

func (p *ProgressRecord) MarkComplete() {
	now := time.Now().UTC()
	p.Status = ProgressComplete
	p.Progress = 100
	p.ErrorMessage = ""
	p.UpdatedAt = now
	p.FinishedAt = &now
}

func (p *ProgressRecord) MarkFailed(errMsg string) {
	p.Status = ProgressError
	p.ErrorMessage = errMsg
	p.UpdatedAt = time.Now().UTC()
}

func (p *ProgressRecord) IsPending() bool {
	return p.Status == ProgressPending
}
