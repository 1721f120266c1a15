package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/layerx/content-processing-service/internal/domain/entity"
	"github.com/layerx/content-processing-service/internal/domain/port"
	"github.com/layerx/content-processing-service/internal/infra/metrics"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type DatasetRunner interface {
	Build(ctx context.Context, versionID primitive.ObjectID) (entity.DatasetState, error)
}

type BuildDatasetUseCase struct {
	builder   DatasetRunner
	publisher port.StatusPublisher
	dlq       port.DLQPublisher
	notifier  port.FailureNotifier
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewBuildDatasetUseCase(
	builder DatasetRunner,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	notifier port.FailureNotifier,
	logger *zap.Logger,
) *BuildDatasetUseCase {
	return &BuildDatasetUseCase{
		builder:   builder,
		publisher: publisher,
		dlq:       dlq,
		notifier:  notifier,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

func (uc *BuildDatasetUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "BuildDatasetUseCase.Execute")
	defer span.End()

	var msg entity.DatasetBuildMessage
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
	versionID, err := entity.ParseObjectID(msg.VersionID)
	if err != nil {
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "validation_error: "+err.Error())
		return nil
	}
	span.SetAttributes(attribute.String("dataset.version_id", msg.VersionID))
	log := uc.logger.With(zap.String("dataset_version_id", msg.VersionID))

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	state, err := uc.builder.Build(ctx, versionID)
	if errors.Is(err, entity.ErrBuildInProgress) {
		log.Info("dataset version is already being built, skipping")
		return nil
	}
	status := entity.DatasetStatusMessage{VersionID: msg.VersionID, State: state}
	if err != nil {
		if isTransient(err) {
			log.Warn("dataset build failed, requeueing", zap.Error(err))
			return fmt.Errorf("build dataset: %w", err)
		}
		log.Error("dataset build failed", zap.Error(err))
		status.ErrorMessage = err.Error()
		if msg.UserEmail != "" {
			_ = uc.notifier.NotifyFailure(ctx, msg.UserEmail, msg.VersionID, "dataset version "+msg.VersionID, err.Error())
		}
	}

	data, _ := json.Marshal(status)
	if err := uc.publisher.PublishStatus(ctx, data); err != nil {
		log.Error("failed to publish status", zap.Error(err))
	}
	return nil
}
