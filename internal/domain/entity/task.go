package entity

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type AuditStatus int

const (
	AuditPending   AuditStatus = 0
	AuditAccepted  AuditStatus = 1
	AuditRejected  AuditStatus = 2
	AuditFixed     AuditStatus = 3
	AuditFixing    AuditStatus = 4
	AuditCompleted AuditStatus = 5
)

type TaskStatus int

const (
	TaskNotStarted TaskStatus = 0
	TaskInProgress TaskStatus = 1
	TaskCompleted  TaskStatus = 2
)

// SourceVideo is the probed metadata of an input video.
type SourceVideo struct {
	Path        string
	FPS         float64
	TotalFrames int
	Width       int
	Height      int
}

// Task is one bounded-length output segment.
type Task struct {
	ID                    primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	ProjectID             primitive.ObjectID   `bson:"projectId" json:"projectId"`
	TaskName              string               `bson:"taskName" json:"taskName"`
	VideoName             string               `bson:"videoName" json:"videoName"`
	Sequence              int                  `bson:"sequence" json:"sequence"`
	FrameStart            int                  `bson:"frameStart" json:"frameStart"`
	FrameEnd              int                  `bson:"frameEnd" json:"frameEnd"`
	FrameStartTime        float64              `bson:"frameStartTime" json:"frameStartTime"`
	FrameCount            int                  `bson:"frameCount" json:"frameCount"`
	VideoPath             string               `bson:"videoPath" json:"videoPath"`
	S3URL                 string               `bson:"S3_url" json:"s3Url"`
	OriginalFrames        []int                `bson:"originalFrames" json:"originalFrames"`
	UploadID              string               `bson:"uploadId" json:"uploadId"`
	VideoDuration         float64              `bson:"videoDuration" json:"videoDuration"`
	FrameRate             int                  `bson:"frameRate" json:"frameRate"`
	OriginalFrameRate     float64              `bson:"originalFrameRate" json:"originalFrameRate"`
	Width                 int                  `bson:"videoResolutionWidth" json:"videoResolutionWidth"`
	Height                int                  `bson:"videoResolutionHeight" json:"videoResolutionHeight"`
	CreatedAt             time.Time            `bson:"createdAt" json:"createdAt"`
	AuditStatus           AuditStatus          `bson:"auditStatus" json:"auditStatus"`
	TaskStatus            TaskStatus           `bson:"taskStatus" json:"taskStatus"`
	AutoAnnotationVersion int                  `bson:"autoAnnotationVersion" json:"autoAnnotationVersion"`
	DatasetVersions       []primitive.ObjectID `bson:"datasetVersions" json:"datasetVersions"`
}

// TaskSpec carries everything needed to build a Task document for a finished segment.
type TaskSpec struct {
	ProjectID         primitive.ObjectID
	VideoName         string
	Sequence          int
	VideoPath         string
	ObjectKey         string
	UploadID          string
	OriginalFrames    []int
	FrameRate         int
	AnnotationVersion int
	Status            TaskStatus
	Source            SourceVideo
	CreatedAt         time.Time
}

// NewTask is the single place Task documents are assembled.
func NewTask(spec TaskSpec) *Task {
	t := &Task{
		ID:                    primitive.NewObjectID(),
		ProjectID:             spec.ProjectID,
		TaskName:              TaskName(spec.Sequence, spec.VideoName),
		VideoName:             spec.VideoName,
		Sequence:              spec.Sequence,
		FrameCount:            len(spec.OriginalFrames),
		VideoPath:             spec.VideoPath,
		S3URL:                 spec.ObjectKey,
		OriginalFrames:        append([]int(nil), spec.OriginalFrames...),
		UploadID:              spec.UploadID,
		FrameRate:             spec.FrameRate,
		OriginalFrameRate:     spec.Source.FPS,
		Width:                 spec.Source.Width,
		Height:                spec.Source.Height,
		CreatedAt:             spec.CreatedAt,
		AuditStatus:           AuditPending,
		TaskStatus:            spec.Status,
		AutoAnnotationVersion: spec.AnnotationVersion,
		DatasetVersions:       []primitive.ObjectID{},
	}
	if len(spec.OriginalFrames) > 0 {
		t.FrameStart = spec.OriginalFrames[0]
		t.FrameEnd = spec.OriginalFrames[len(spec.OriginalFrames)-1]
		if spec.Source.FPS > 0 {
			t.FrameStartTime = float64(t.FrameStart) / spec.Source.FPS
		}
	}
	if spec.FrameRate > 0 {
		t.VideoDuration = float64(t.FrameCount) / float64(spec.FrameRate)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return t
}

func TaskName(sequence int, videoName string) string {
	return fmt.Sprintf("task-%d-%s", sequence, videoName)
}

// VideoName strips directories and the extension from a source path.
func VideoName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// VideoNameFromTaskName reverses TaskName. It returns "" for names that are not task names.
func VideoNameFromTaskName(name string) string {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) != 3 || parts[0] != "task" {
		return ""
	}
	return parts[2]
}
