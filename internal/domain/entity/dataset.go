package entity

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type DatasetState string

const (
	DatasetPending  DatasetState = "pending"
	DatasetComplete DatasetState = "complete"
)

type LabelAttribute struct {
	MainLabel  string            `bson:"mainLabel" json:"mainLabel"`
	Attributes map[string]string `bson:"attributes" json:"attributes"`
	IsEnabled  bool              `bson:"isEnabled" json:"isEnabled"`
}

// AugmentationSpec is one requested augmentation. Boolean augmentations are
// enabled by a non-zero first value; ranged ones carry [min, max].
type AugmentationSpec struct {
	Type   string    `bson:"id" json:"id"`
	Values []float64 `bson:"values" json:"values"`
}

func (a AugmentationSpec) Enabled() bool {
	return len(a.Values) > 0 && (len(a.Values) > 1 || a.Values[0] != 0)
}

type Split struct {
	Name       string `bson:"name" json:"name"`
	Percentage int    `bson:"percentage" json:"percentage"`
}

type FileCount struct {
	Count int   `bson:"count" json:"count"`
	Size  int64 `bson:"size" json:"size"`
}

type DatasetTaskState struct {
	Task                   string               `bson:"task" json:"task"`
	State                  DatasetState         `bson:"state" json:"state"`
	Error                  string               `bson:"error" json:"error"`
	ImageCount             int                  `bson:"imageCount" json:"imageCount"`
	ImageDataSize          int64                `bson:"imageDataSize" json:"imageDataSize"`
	AugmentationFileCounts map[string]FileCount `bson:"augmentationFileCounts,omitempty" json:"augmentationFileCounts,omitempty"`
}

type DatasetTaskStatus struct {
	State DatasetState       `bson:"state" json:"state"`
	Tasks []DatasetTaskState `bson:"tasks" json:"tasks"`
}

type YOLOExport struct {
	Progress      float64   `bson:"progress" json:"progress"`
	Sample        string    `bson:"sample,omitempty" json:"sample,omitempty"`
	FileCount     int       `bson:"fileCount" json:"fileCount"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
	LastUpdatedAt time.Time `bson:"lastUpdatedAt" json:"lastUpdatedAt"`
}

type ExportFormats struct {
	YOLO YOLOExport `bson:"YOLO" json:"YOLO"`
}

// BuildLease marks a version as claimed by one builder until Until.
type BuildLease struct {
	Owner string    `bson:"owner" json:"owner"`
	Until time.Time `bson:"until" json:"until"`
}

type DatasetVersion struct {
	ID                 primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	DatasetGroupID     primitive.ObjectID   `bson:"dataSetGroupId" json:"dataSetGroupId"`
	VersionNo          string               `bson:"versionNo" json:"versionNo"`
	TaskList           []primitive.ObjectID `bson:"taskList" json:"taskList"`
	LabelAttributeList []LabelAttribute     `bson:"labelAttributeList" json:"labelAttributeList"`
	AugmentationTypes  []AugmentationSpec   `bson:"augmentationTypes" json:"augmentationTypes"`
	SplitCount         []Split              `bson:"splitCount" json:"splitCount"`
	TaskStatus         *DatasetTaskStatus   `bson:"taskStatus,omitempty" json:"taskStatus,omitempty"`
	ExportFormats      ExportFormats        `bson:"exportFormats" json:"exportFormats"`
	ImageCount         int                  `bson:"imageCount" json:"imageCount"`
	Size               int64                `bson:"size" json:"size"`
	BuildLease         *BuildLease          `bson:"buildLease,omitempty" json:"buildLease,omitempty"`
}

// DatasetTotals are the aggregate counters written once every task is complete.
type DatasetTotals struct {
	ImageCount int
	Size       int64
	FileCount  int
}

// LabelRule is one enabled entry of a version's label allowlist.
type LabelRule struct {
	Label      string
	Attributes map[string]string
	Index      int
}
