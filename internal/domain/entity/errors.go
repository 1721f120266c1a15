package entity

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrInvalidFrameRate    = errors.New("invalid frame rate")
	ErrTaskAlreadyExists   = errors.New("task already exists")
	ErrNoUncompletedTasks  = errors.New("no uncompleted tasks")
	ErrDatasetNotFound     = errors.New("dataset not found")
	ErrBuildInProgress     = errors.New("dataset build already in progress")
	ErrEmptyImageSet       = errors.New("image set has no images")
	ErrWrite               = errors.New("write error")
	ErrRead                = errors.New("read error")
	ErrUnsupportedID       = errors.New("unsupported id")
	ErrNotFound            = errors.New("not found")
	ErrFrameRateMismatch   = errors.New("frame rate differs from previous run")
	ErrResumePointNotFound = errors.New("resume point not found in frame sequence")
)

// ParseObjectID validates a hex identifier coming from outside the process.
func ParseObjectID(hex string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrUnsupportedID, hex)
	}
	return id, nil
}
