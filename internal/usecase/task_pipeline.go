package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/layerx/content-processing-service/internal/domain/entity"
	"github.com/layerx/content-processing-service/internal/domain/port"
	"github.com/layerx/content-processing-service/internal/infra/metrics"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type SegmentRequest struct {
	UploadID          uuid.UUID
	ProjectID         primitive.ObjectID
	SourcePath        string
	FrameRate         int
	AnnotationVersion int
	ForceWrite        bool
	Resume            bool
}

type RefreshRequest struct {
	UploadID          uuid.UUID
	ProjectID         primitive.ObjectID
	SourcePath        string
	TaskIDs           []primitive.ObjectID
	AnnotationVersion int
}

type TaskPipeline struct {
	progress port.ProgressRepository
	tasks    port.TaskRepository
	frames   port.FrameRepository
	storage  port.ObjectStorage
	prober   port.VideoProber
	decoder  port.FrameDecoder
	encoder  port.SegmentEncoder
	detector port.Detector
	images   port.ImageCodec
	resume   *ResumeTracker
	logger   *zap.Logger

	contentBase   string
	tempDir       string
	framesPerTask int
}

type TaskPipelineConfig struct {
	ContentBase   string
	TempDir       string
	FramesPerTask int
}

func NewTaskPipeline(
	progress port.ProgressRepository,
	tasks port.TaskRepository,
	frames port.FrameRepository,
	storage port.ObjectStorage,
	prober port.VideoProber,
	decoder port.FrameDecoder,
	encoder port.SegmentEncoder,
	detector port.Detector,
	images port.ImageCodec,
	logger *zap.Logger,
	cfg TaskPipelineConfig,
) *TaskPipeline {
	if cfg.FramesPerTask <= 0 {
		cfg.FramesPerTask = 1000
	}
	return &TaskPipeline{
		progress:      progress,
		tasks:         tasks,
		frames:        frames,
		storage:       storage,
		prober:        prober,
		decoder:       decoder,
		encoder:       encoder,
		detector:      detector,
		images:        images,
		resume:        NewResumeTracker(tasks),
		logger:        logger,
		contentBase:   cfg.ContentBase,
		tempDir:       cfg.TempDir,
		framesPerTask: cfg.FramesPerTask,
	}
}

func (p *TaskPipeline) TaskOnly(ctx context.Context, req SegmentRequest) (*entity.ProgressRecord, error) {
	return p.runSegments(ctx, req, entity.RequestTaskOnly, p.videoSource(req.SourcePath))
}

func (p *TaskPipeline) TaskPlusAnnotation(ctx context.Context, req SegmentRequest) (*entity.ProgressRecord, error) {
	return p.runSegments(ctx, req, entity.RequestTaskAnnotation, p.videoSource(req.SourcePath))
}

// ImageSet cuts every image under req.SourcePath into tasks played back at
// ImageSetFrameRate. The requested frame rate is ignored.
func (p *TaskPipeline) ImageSet(ctx context.Context, req SegmentRequest) (*entity.ProgressRecord, error) {
	if p.images == nil {
		return nil, errors.New("image set requested but no image codec configured")
	}
	req.FrameRate = ImageSetFrameRate
	return p.runSegments(ctx, req, entity.RequestImageSet, &imageSetSource{
		storage: p.storage,
		images:  p.images,
		prefix:  req.SourcePath,
	})
}

func (p *TaskPipeline) videoSource(key string) frameSource {
	return &videoSource{storage: p.storage, prober: p.prober, decoder: p.decoder, key: key}
}

func (p *TaskPipeline) runSegments(ctx context.Context, req SegmentRequest, reqType entity.RequestType, src frameSource) (*entity.ProgressRecord, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "TaskPipeline."+reqType.String())
	defer span.End()

	videoName := entity.VideoName(req.SourcePath)
	span.SetAttributes(
		attribute.String("upload.id", req.UploadID.String()),
		attribute.String("project.id", req.ProjectID.Hex()),
		attribute.String("video.name", videoName),
	)
	log := p.logger.With(
		zap.String("upload_id", req.UploadID.String()),
		zap.String("project_id", req.ProjectID.Hex()),
		zap.String("video", videoName),
		zap.String("request_type", reqType.String()),
	)

	if req.FrameRate <= 0 {
		return nil, fmt.Errorf("frame rate %d: %w", req.FrameRate, entity.ErrInvalidFrameRate)
	}
	if reqType == entity.RequestTaskAnnotation && p.detector == nil {
		return nil, errors.New("annotation requested but no detector configured")
	}

	if req.ForceWrite {
		if err := p.purge(ctx, req.ProjectID, videoName, req.SourcePath, req.UploadID, log); err != nil {
			return nil, err
		}
	}

	state, err := p.resume.RecoverState(ctx, req.ProjectID, videoName)
	if err != nil {
		return nil, err
	}
	if !req.Resume {
		if err := checkCollision(ctx, p.tasks, p.contentBase, req.ProjectID, 1, videoName); err != nil {
			return nil, err
		}
	}

	rec, err := p.loadOrCreateRecord(ctx, req.UploadID, req.ProjectID, req.SourcePath, reqType, req.AnnotationVersion, req.FrameRate, nil)
	if err != nil {
		return nil, err
	}

	err = p.segment(ctx, req, src, rec, state, videoName, reqType, log)
	return p.finalize(ctx, rec, err, log)
}

func (p *TaskPipeline) segment(
	ctx context.Context,
	req SegmentRequest,
	src frameSource,
	rec *entity.ProgressRecord,
	state ResumeState,
	videoName string,
	reqType entity.RequestType,
	log *zap.Logger,
) error {
	if state.HasPrior && state.PriorFrameRate != req.FrameRate {
		return fmt.Errorf("prior %d, requested %d: %w", state.PriorFrameRate, req.FrameRate, entity.ErrFrameRateMismatch)
	}

	workDir := filepath.Join(p.tempDir, rec.ID.String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	source, err := src.Prepare(ctx, workDir)
	if err != nil {
		return err
	}

	selected, err := SelectFrames(req.FrameRate, source.FPS, source.TotalFrames)
	if err != nil {
		return err
	}
	remaining, more, err := ResumeFrom(state.LastFrame, selected)
	if err != nil {
		return fmt.Errorf("%w: %w", entity.ErrFrameRateMismatch, err)
	}
	if !more || len(remaining) == 0 {
		return entity.ErrNoUncompletedTasks
	}

	log.Info("segmenting source",
		zap.Float64("source_fps", source.FPS),
		zap.Int("total_frames", source.TotalFrames),
		zap.Int("retained_frames", len(remaining)),
		zap.Int("completed_tasks", state.CompletedTasks),
	)

	annotationVersion := 0
	detector := port.Detector(nil)
	if reqType == entity.RequestTaskAnnotation {
		annotationVersion = req.AnnotationVersion
		detector = p.detector
	}

	writer := newSegmentWriter(segmentDeps{
		storage:  p.storage,
		tasks:    p.tasks,
		frames:   p.frames,
		progress: p.progress,
		encoder:  p.encoder,
	}, segmentPlan{
		ProjectID:         req.ProjectID,
		VideoName:         videoName,
		UploadID:          rec.ID,
		Source:            source,
		FrameRate:         req.FrameRate,
		AnnotationVersion: annotationVersion,
		FramesPerTask:     p.framesPerTask,
		ContentBase:       p.contentBase,
		FirstSequence:     state.CompletedTasks + 1,
		CompletedBefore:   state.CompletedTasks,
		RemainingFrames:   len(remaining),
	}, log)

	segStart := time.Now()
	if err := p.feed(ctx, src, remaining, writer, detector, log); err != nil {
		writer.Abort()
		return err
	}
	if err := writer.Finish(ctx); err != nil {
		writer.Abort()
		return err
	}
	metrics.StageDuration.WithLabelValues("segment").Observe(time.Since(segStart).Seconds())
	return nil
}

// feed decodes the source in order and hands every retained frame to the writer.
func (p *TaskPipeline) feed(ctx context.Context, src frameSource, retained []int, writer *segmentWriter, detector port.Detector, log *zap.Logger) error {
	reader, err := src.Open(ctx)
	if err != nil {
		return fmt.Errorf("open decoder: %w", err)
	}
	defer reader.Close()

	next := 0
	for index := 1; next < len(retained); index++ {
		img, err := reader.Next()
		if errors.Is(err, io.EOF) {
			log.Warn("source ended before all retained frames were read",
				zap.Int("last_index", index-1),
				zap.Int("missing", len(retained)-next),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode frame %d: %w", index, err)
		}
		if index != retained[next] {
			continue
		}
		next++

		var boxes []entity.Box
		if detector != nil {
			boxes = p.detect(ctx, detector, img, index, log)
		}
		if err := writer.Write(ctx, index, img, boxes); err != nil {
			return err
		}
	}
	return nil
}

func (p *TaskPipeline) detect(ctx context.Context, detector port.Detector, img image.Image, index int, log *zap.Logger) []entity.Box {
	detections, err := detector.Detect(ctx, img)
	if err != nil {
		metrics.InferenceFailuresTotal.Inc()
		log.Warn("inference failed, frame left empty", zap.Int("frame", index), zap.Error(err))
		return nil
	}
	return boxesFromDetections(detections)
}

func boxesFromDetections(detections []entity.Detection) []entity.Box {
	boxes := make([]entity.Box, 0, len(detections))
	for _, d := range detections {
		boxes = append(boxes, entity.Box{
			ID: uuid.NewString(),
			Boundaries: entity.BoxBoundaries{
				X:               d.X,
				Y:               d.Y,
				W:               d.W,
				H:               d.H,
				Label:           d.Label,
				AttributeValues: map[string]string{},
			},
			Confidence: d.Confidence,
		})
	}
	return boxes
}

func (p *TaskPipeline) AnnotationRefresh(ctx context.Context, req RefreshRequest) (*entity.ProgressRecord, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "TaskPipeline.annotation_refresh")
	defer span.End()

	videoName := entity.VideoName(req.SourcePath)
	log := p.logger.With(
		zap.String("upload_id", req.UploadID.String()),
		zap.String("project_id", req.ProjectID.Hex()),
		zap.String("video", videoName),
		zap.Int("annotation_version", req.AnnotationVersion),
	)
	if p.detector == nil {
		return nil, errors.New("annotation refresh requested but no detector configured")
	}

	rec, err := p.loadOrCreateRecord(ctx, req.UploadID, req.ProjectID, req.SourcePath, entity.RequestAnnotationRefresh, req.AnnotationVersion, 0, req.TaskIDs)
	if err != nil {
		return nil, err
	}

	err = p.refresh(ctx, req, rec, videoName, log)
	return p.finalize(ctx, rec, err, log)
}

func (p *TaskPipeline) refresh(ctx context.Context, req RefreshRequest, rec *entity.ProgressRecord, videoName string, log *zap.Logger) error {
	stale, err := SelectStaleTasks(ctx, p.tasks, req.ProjectID, videoName, req.AnnotationVersion)
	if err != nil {
		return err
	}
	requested := req.TaskIDs
	if len(requested) == 0 {
		requested = rec.TaskIDs
	}
	stale = restrictTo(stale, requested)
	if len(stale) == 0 {
		return entity.ErrNoUncompletedTasks
	}

	workDir := filepath.Join(p.tempDir, rec.ID.String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	// A resumed record already counts the tasks refreshed before the interruption.
	done := rec.TaskCount
	total := done + len(stale)
	for _, id := range stale {
		if err := p.refreshTask(ctx, id, req.AnnotationVersion, workDir, log); err != nil {
			return err
		}
		done++
		pct := float64(done) / float64(total) * 100
		if err := p.progress.UpdateProgress(ctx, rec.ID, pct, done); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
	}
	return nil
}

func (p *TaskPipeline) refreshTask(ctx context.Context, id primitive.ObjectID, version int, workDir string, log *zap.Logger) error {
	task, err := p.tasks.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load task %s: %w", id.Hex(), err)
	}
	log = log.With(zap.String("task_id", id.Hex()), zap.String("task_name", task.TaskName))

	local := filepath.Join(workDir, task.TaskName+".mp4")
	if err := p.storage.Download(ctx, task.S3URL, local); err != nil {
		return fmt.Errorf("download segment %s: %w", task.S3URL, err)
	}
	defer os.Remove(local)

	reader, err := p.decoder.Open(ctx, local)
	if err != nil {
		return fmt.Errorf("open decoder: %w", err)
	}
	defer reader.Close()

	frames := make([]*entity.AnnotationFrame, 0, task.FrameCount)
	for {
		img, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("decode segment frame %d: %w", len(frames)+1, err)
		}
		frameID := len(frames) + 1
		frames = append(frames, entity.NewAnnotationFrame(frameID, p.detect(ctx, p.detector, img, frameID, log)))
	}

	if err := p.frames.ReplaceForTask(ctx, id, frames); err != nil {
		return fmt.Errorf("replace annotation frames: %w", err)
	}
	if err := p.tasks.SetAutoAnnotationVersion(ctx, id, version); err != nil {
		return fmt.Errorf("set annotation version: %w", err)
	}
	log.Info("task annotations refreshed", zap.Int("frames", len(frames)))
	return nil
}

func restrictTo(ids, allowed []primitive.ObjectID) []primitive.ObjectID {
	if len(allowed) == 0 {
		return ids
	}
	set := make(map[primitive.ObjectID]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// WarmStart resumes every progress record left pending by a previous process.
func (p *TaskPipeline) WarmStart(ctx context.Context) error {
	pending, err := p.progress.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending progress records: %w", err)
	}
	p.logger.Info("warm start", zap.Int("pending", len(pending)))

	for _, rec := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := p.logger.With(zap.String("upload_id", rec.ID.String()), zap.String("source", rec.SourceFilePath))
		videoName := entity.VideoName(rec.SourceFilePath)

		if err := p.clearLocalSegments(rec.ProjectID, videoName); err != nil {
			log.Error("failed to clear stale segments", zap.Error(err))
			continue
		}

		switch rec.RequestType {
		case entity.RequestTaskOnly, entity.RequestTaskAnnotation:
			req := SegmentRequest{
				UploadID:          rec.ID,
				ProjectID:         rec.ProjectID,
				SourcePath:        rec.SourceFilePath,
				FrameRate:         rec.FrameRate,
				AnnotationVersion: rec.AnnotationVersion,
				Resume:            true,
			}
			_, err = p.runSegments(ctx, req, rec.RequestType, p.videoSource(rec.SourceFilePath))
		case entity.RequestImageSet:
			_, err = p.ImageSet(ctx, SegmentRequest{
				UploadID:   rec.ID,
				ProjectID:  rec.ProjectID,
				SourcePath: rec.SourceFilePath,
				Resume:     true,
			})
		case entity.RequestAnnotationRefresh:
			_, err = p.AnnotationRefresh(ctx, RefreshRequest{
				UploadID:          rec.ID,
				ProjectID:         rec.ProjectID,
				SourcePath:        rec.SourceFilePath,
				TaskIDs:           rec.TaskIDs,
				AnnotationVersion: rec.AnnotationVersion,
			})
		default:
			err = fmt.Errorf("unknown request type %d", rec.RequestType)
		}
		if err != nil {
			log.Error("warm start resume failed", zap.Error(err))
			continue
		}
		log.Info("warm start resume finished")
	}
	return nil
}

func (p *TaskPipeline) loadOrCreateRecord(
	ctx context.Context,
	id uuid.UUID,
	projectID primitive.ObjectID,
	source string,
	reqType entity.RequestType,
	annotationVersion, frameRate int,
	taskIDs []primitive.ObjectID,
) (*entity.ProgressRecord, error) {
	if id != uuid.Nil {
		rec, err := p.progress.FindByID(ctx, id)
		if err == nil {
			rec.MarkPending()
			if err := p.progress.Update(ctx, rec); err != nil {
				return nil, fmt.Errorf("update progress record: %w", err)
			}
			return rec, nil
		}
		if !errors.Is(err, entity.ErrNotFound) {
			return nil, fmt.Errorf("find progress record: %w", err)
		}
	}

	rec := entity.NewProgressRecord(id, projectID, source, reqType, annotationVersion, p.framesPerTask, frameRate)
	rec.TaskIDs = taskIDs
	if err := p.progress.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create progress record: %w", err)
	}
	return rec, nil
}

func (p *TaskPipeline) finalize(ctx context.Context, rec *entity.ProgressRecord, runErr error, log *zap.Logger) (*entity.ProgressRecord, error) {
	if runErr != nil && !errors.Is(runErr, entity.ErrNoUncompletedTasks) {
		if fresh, err := p.progress.FindByID(ctx, rec.ID); err == nil {
			rec = fresh
		}
		rec.MarkFailed(runErr.Error())
		if err := p.progress.Update(ctx, rec); err != nil {
			log.Error("failed to record progress error", zap.Error(err))
		}
		metrics.RequestsProcessedTotal.WithLabelValues(rec.RequestType.String(), "error").Inc()
		log.Error("request failed", zap.Error(runErr))
		return rec, runErr
	}
	if runErr != nil {
		log.Info("nothing left to process")
	}

	fresh, err := p.progress.FindByID(ctx, rec.ID)
	if err == nil {
		rec = fresh
	}
	rec.MarkComplete()
	if err := p.progress.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("update progress record: %w", err)
	}
	metrics.RequestsProcessedTotal.WithLabelValues(rec.RequestType.String(), "complete").Inc()
	log.Info("request complete", zap.Int("task_count", rec.TaskCount))
	return rec, nil
}

// purge removes everything a previous run produced for the same source.
func (p *TaskPipeline) purge(ctx context.Context, projectID primitive.ObjectID, videoName, source string, keep uuid.UUID, log *zap.Logger) error {
	ids, err := p.tasks.DeleteByVideo(ctx, projectID, videoName)
	if err != nil {
		return fmt.Errorf("delete prior tasks: %w", err)
	}
	if len(ids) > 0 {
		if err := p.frames.DeleteByTasks(ctx, ids); err != nil {
			return fmt.Errorf("delete prior annotation frames: %w", err)
		}
	}

	prior, err := p.progress.FindBySource(ctx, projectID, source)
	if err != nil {
		return fmt.Errorf("find prior progress records: %w", err)
	}
	for _, rec := range prior {
		if rec.ID == keep {
			continue
		}
		if err := p.progress.Delete(ctx, rec.ID); err != nil {
			return fmt.Errorf("delete prior progress record: %w", err)
		}
	}

	if err := p.clearLocalSegments(projectID, videoName); err != nil {
		return err
	}
	log.Info("force write purged prior output", zap.Int("tasks", len(ids)), zap.Int("progress_records", len(prior)))
	return nil
}

func (p *TaskPipeline) clearLocalSegments(projectID primitive.ObjectID, videoName string) error {
	pattern := filepath.Join(p.contentBase, projectID.Hex(), "task-*-"+videoName)
	dirs, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("glob segment dirs: %w", err)
	}
	for _, dir := range dirs {
		if entity.VideoNameFromTaskName(filepath.Base(dir)) != videoName {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove segment dir %s: %w", dir, err)
		}
	}
	return nil
}
