package entity

import "go.mongodb.org/mongo-driver/bson/primitive"

type BoxBoundaries struct {
	X               float64           `bson:"x" json:"x"`
	Y               float64           `bson:"y" json:"y"`
	W               float64           `bson:"w" json:"w"`
	H               float64           `bson:"h" json:"h"`
	Label           string            `bson:"label" json:"label"`
	AttributeValues map[string]string `bson:"attributeValues" json:"attributeValues"`
}

// Box is a single detection on a frame. Status is the review state owned by annotators.
type Box struct {
	ID         string        `bson:"id" json:"id"`
	Boundaries BoxBoundaries `bson:"boundaries" json:"boundaries"`
	Confidence float64       `bson:"confidence" json:"confidence"`
	Status     int           `bson:"status" json:"status"`
}

// Detection is what a detector reports for one object, in pixel coordinates.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
}

type AugmentationImage struct {
	TextFile     string `bson:"textFiles" json:"textFiles"`
	ImageURL     string `bson:"imageUrl" json:"imageUrl"`
	ThumbnailURL string `bson:"thumbnailUrl" json:"thumbnailUrl"`
	AWSImageURL  string `bson:"awsImageUrl" json:"awsImageUrl"`
}

type FrameDatasetVersion struct {
	VersionID          primitive.ObjectID           `bson:"versionId" json:"versionId"`
	DatasetType        int                          `bson:"datasetType" json:"datasetType"`
	ImageKey           string                       `bson:"imageKey" json:"imageKey"`
	ImageURL           string                       `bson:"imageUrl" json:"imageUrl"`
	ThumbnailURL       string                       `bson:"thumbnailUrl" json:"thumbnailUrl"`
	TextFiles          map[string]string            `bson:"textFiles" json:"textFiles"`
	AugmentationImages map[string]AugmentationImage `bson:"augmentationImages" json:"augmentationImages"`
}

type AnnotationFrame struct {
	ID              primitive.ObjectID    `bson:"_id,omitempty" json:"id"`
	TaskID          primitive.ObjectID    `bson:"taskId" json:"taskId"`
	FrameID         int                   `bson:"frameId" json:"frameId"`
	Status          int                   `bson:"status" json:"status"`
	Boxes           []Box                 `bson:"boxes" json:"boxes"`
	IsEmpty         bool                  `bson:"isEmpty" json:"isEmpty"`
	ImageURL        string                `bson:"imageUrl,omitempty" json:"imageUrl,omitempty"`
	ThumbnailURL    string                `bson:"thumbnailUrl,omitempty" json:"thumbnailUrl,omitempty"`
	AWSURL          string                `bson:"awsUrl,omitempty" json:"awsUrl,omitempty"`
	DatasetVersions []FrameDatasetVersion `bson:"datasetVersions" json:"datasetVersions"`
}

func NewAnnotationFrame(frameID int, boxes []Box) *AnnotationFrame {
	if boxes == nil {
		boxes = []Box{}
	}
	return &AnnotationFrame{
		FrameID:         frameID,
		Boxes:           boxes,
		IsEmpty:         len(boxes) == 0,
		DatasetVersions: []FrameDatasetVersion{},
	}
}

// DatasetEntry returns the frame's entry for the given dataset version, if any.
func (f *AnnotationFrame) DatasetEntry(versionID primitive.ObjectID) (FrameDatasetVersion, bool) {
	for _, dv := range f.DatasetVersions {
		if dv.VersionID == versionID {
			return dv, true
		}
	}
	return FrameDatasetVersion{}, false
}

// PixelBox is a labelled box in pixel coordinates of a concrete image.
type PixelBox struct {
	X, Y, W, H float64
	Label      string
	Attributes map[string]string
}
