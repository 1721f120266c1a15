package entity

import "github.com/google/uuid"

// ContentProcessMessage is the inbound message from the content.process queue.
type ContentProcessMessage struct {
	UploadID          uuid.UUID `json:"upload_id"`
	ProjectID         string    `json:"project_id" validate:"required,len=24,hexadecimal"`
	SourcePath        string    `json:"source_path" validate:"required_unless=RequestType 2"`
	FrameRate         int       `json:"frame_rate" validate:"gte=0"`
	RequestType       int       `json:"request_type" validate:"gte=0,lte=3"`
	AnnotationVersion int       `json:"annotation_version" validate:"gte=0"`
	ForceWrite        bool      `json:"force_write"`
	TaskIDs           []string  `json:"task_ids,omitempty" validate:"dive,len=24,hexadecimal"`
	UserEmail         string    `json:"user_email,omitempty" validate:"omitempty,email"`
}

// DatasetBuildMessage is the inbound message from the dataset.build queue.
type DatasetBuildMessage struct {
	VersionID string `json:"version_id" validate:"required,len=24,hexadecimal"`
	UserEmail string `json:"user_email,omitempty" validate:"omitempty,email"`
}

// ContentStatusMessage is the outbound message published to the content.status queue.
type ContentStatusMessage struct {
	UploadID     uuid.UUID      `json:"upload_id"`
	ProjectID    string         `json:"project_id"`
	SourcePath   string         `json:"source_path"`
	RequestType  int            `json:"request_type"`
	Status       ProgressStatus `json:"status"`
	Progress     float64        `json:"progress"`
	TaskCount    int            `json:"task_count"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// DatasetStatusMessage is published to the content.status queue after a dataset build.
type DatasetStatusMessage struct {
	VersionID    string       `json:"version_id"`
	State        DatasetState `json:"state"`
	ErrorMessage string       `json:"error_message,omitempty"`
}
