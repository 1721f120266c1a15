package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/layerx/content-processing-service/internal/domain/entity"
	"github.com/layerx/content-processing-service/internal/domain/port"
	"github.com/layerx/content-processing-service/internal/infra/metrics"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ContentPipeline is the set of entry points a content request can be routed to.
type ContentPipeline interface {
	TaskOnly(ctx context.Context, req SegmentRequest) (*entity.ProgressRecord, error)
	TaskPlusAnnotation(ctx context.Context, req SegmentRequest) (*entity.ProgressRecord, error)
	AnnotationRefresh(ctx context.Context, req RefreshRequest) (*entity.ProgressRecord, error)
	ImageSet(ctx context.Context, req SegmentRequest) (*entity.ProgressRecord, error)
}

type ProcessContentUseCase struct {
	pipeline  ContentPipeline
	publisher port.StatusPublisher
	dlq       port.DLQPublisher
	notifier  port.FailureNotifier
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewProcessContentUseCase(
	pipeline ContentPipeline,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	notifier port.FailureNotifier,
	logger *zap.Logger,
) *ProcessContentUseCase {
	return &ProcessContentUseCase{
		pipeline:  pipeline,
		publisher: publisher,
		dlq:       dlq,
		notifier:  notifier,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

// Execute handles one content.process delivery. A returned error asks the
// consumer to requeue the message.
func (uc *ProcessContentUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "ProcessContentUseCase.Execute")
	defer span.End()

	totalTimer := time.Now()

	var msg entity.ContentProcessMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		uc.logger.Error("failed to unmarshal message", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "unmarshal_error: "+err.Error())
		return nil
	}
	if err := uc.validate.Struct(msg); err != nil {
		uc.logger.Error("invalid message", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "validation_error: "+err.Error())
		return nil
	}
	if msg.UploadID == uuid.Nil {
		msg.UploadID = uuid.New()
	}

	span.SetAttributes(
		attribute.String("upload.id", msg.UploadID.String()),
		attribute.String("project.id", msg.ProjectID),
		attribute.Int("request.type", msg.RequestType),
	)
	log := uc.logger.With(zap.String("upload_id", msg.UploadID.String()), zap.String("source_path", msg.SourcePath))

	projectID, taskIDs, err := parseIDs(msg.ProjectID, msg.TaskIDs)
	if err != nil {
		log.Error("malformed identifiers", zap.Error(err))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "validation_error: "+err.Error())
		return nil
	}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	var rec *entity.ProgressRecord
	switch entity.RequestType(msg.RequestType) {
	case entity.RequestTaskOnly:
		rec, err = uc.pipeline.TaskOnly(ctx, segmentRequest(msg, projectID))
	case entity.RequestTaskAnnotation:
		rec, err = uc.pipeline.TaskPlusAnnotation(ctx, segmentRequest(msg, projectID))
	case entity.RequestAnnotationRefresh:
		rec, err = uc.pipeline.AnnotationRefresh(ctx, RefreshRequest{
			UploadID:          msg.UploadID,
			ProjectID:         projectID,
			SourcePath:        msg.SourcePath,
			TaskIDs:           taskIDs,
			AnnotationVersion: msg.AnnotationVersion,
		})
	case entity.RequestImageSet:
		rec, err = uc.pipeline.ImageSet(ctx, segmentRequest(msg, projectID))
	}

	if err != nil {
		if rec == nil && isTransient(err) {
			log.Warn("request failed before processing started, requeueing", zap.Error(err))
			return fmt.Errorf("process content: %w", err)
		}
		uc.handleFailure(ctx, msg, rec, err, log)
		return nil
	}

	uc.publishStatus(ctx, msg, rec, log)
	metrics.StageDuration.WithLabelValues("request").Observe(time.Since(totalTimer).Seconds())
	return nil
}

func segmentRequest(msg entity.ContentProcessMessage, projectID primitive.ObjectID) SegmentRequest {
	return SegmentRequest{
		UploadID:          msg.UploadID,
		ProjectID:         projectID,
		SourcePath:        msg.SourcePath,
		FrameRate:         msg.FrameRate,
		AnnotationVersion: msg.AnnotationVersion,
		ForceWrite:        msg.ForceWrite,
	}
}

func parseIDs(project string, tasks []string) (primitive.ObjectID, []primitive.ObjectID, error) {
	projectID, err := entity.ParseObjectID(project)
	if err != nil {
		return primitive.NilObjectID, nil, err
	}
	ids := make([]primitive.ObjectID, 0, len(tasks))
	for _, t := range tasks {
		id, err := entity.ParseObjectID(t)
		if err != nil {
			return primitive.NilObjectID, nil, err
		}
		ids = append(ids, id)
	}
	return projectID, ids, nil
}

// isTransient reports errors that are worth redelivering: anything that is
// not one of the domain outcomes.
func isTransient(err error) bool {
	for _, target := range []error{
		entity.ErrInvalidFrameRate,
		entity.ErrTaskAlreadyExists,
		entity.ErrUnsupportedID,
		entity.ErrFrameRateMismatch,
		entity.ErrResumePointNotFound,
		entity.ErrDatasetNotFound,
		entity.ErrEmptyImageSet,
		entity.ErrNotFound,
	} {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}

func (uc *ProcessContentUseCase) handleFailure(ctx context.Context, msg entity.ContentProcessMessage, rec *entity.ProgressRecord, runErr error, log *zap.Logger) {
	if rec == nil {
		rec = &entity.ProgressRecord{
			ID:          msg.UploadID,
			RequestType: entity.RequestType(msg.RequestType),
		}
		rec.MarkFailed(runErr.Error())
	}
	uc.publishStatus(ctx, msg, rec, log)

	if msg.UserEmail != "" {
		_ = uc.notifier.NotifyFailure(ctx, msg.UserEmail, msg.UploadID.String(), msg.SourcePath, runErr.Error())
	}
}

func (uc *ProcessContentUseCase) publishStatus(ctx context.Context, msg entity.ContentProcessMessage, rec *entity.ProgressRecord, log *zap.Logger) {
	statusMsg := entity.ContentStatusMessage{
		UploadID:     rec.ID,
		ProjectID:    msg.ProjectID,
		SourcePath:   msg.SourcePath,
		RequestType:  msg.RequestType,
		Status:       rec.Status,
		Progress:     rec.Progress,
		TaskCount:    rec.TaskCount,
		ErrorMessage: rec.ErrorMessage,
	}
	data, _ := json.Marshal(statusMsg)
	if err := uc.publisher.PublishStatus(ctx, data); err != nil {
		log.Error("failed to publish status", zap.Error(err))
	}
}
