package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path"
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

type writerState int

const (
	stateIdle writerState = iota
	stateWriting
	stateRollingOver
	stateFinalizing
)

type segmentDeps struct {
	storage  port.ObjectStorage
	tasks    port.TaskRepository
	frames   port.FrameRepository
	progress port.ProgressRepository
	encoder  port.SegmentEncoder
}

type segmentPlan struct {
	ProjectID         primitive.ObjectID
	VideoName         string
	UploadID          uuid.UUID
	Source            entity.SourceVideo
	FrameRate         int
	AnnotationVersion int
	FramesPerTask     int
	ContentBase       string
	FirstSequence     int
	CompletedBefore   int
	RemainingFrames   int
}

type openSegment struct {
	sequence int
	dir      string
	path     string
	sink     port.SegmentSink
	indices  []int
	frames   []*entity.AnnotationFrame
}

// segmentWriter groups retained frames into fixed-size task segments and
// persists each one as it closes.
type segmentWriter struct {
	deps   segmentDeps
	plan   segmentPlan
	logger *zap.Logger

	state    writerState
	current  *openSegment
	next     int
	produced int
	tasks    []*entity.Task
}

func newSegmentWriter(deps segmentDeps, plan segmentPlan, logger *zap.Logger) *segmentWriter {
	if plan.FirstSequence < 1 {
		plan.FirstSequence = 1
	}
	return &segmentWriter{
		deps:   deps,
		plan:   plan,
		logger: logger,
		state:  stateIdle,
		next:   plan.FirstSequence,
	}
}

func segmentDir(contentBase string, projectID primitive.ObjectID, sequence int, videoName string) string {
	name := entity.TaskName(sequence, videoName)
	return filepath.Join(contentBase, projectID.Hex(), name)
}

func segmentObjectKey(projectID primitive.ObjectID, sequence int, videoName string) string {
	name := entity.TaskName(sequence, videoName)
	return path.Join(projectID.Hex(), name, name+".mp4")
}

// checkCollision reports ErrTaskAlreadyExists when either the local segment
// directory or a persisted task with the same name exists.
func checkCollision(ctx context.Context, tasks port.TaskRepository, contentBase string, projectID primitive.ObjectID, sequence int, videoName string) error {
	dir := segmentDir(contentBase, projectID, sequence, videoName)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("segment dir %s: %w", dir, entity.ErrTaskAlreadyExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat segment dir: %w", err)
	}

	name := entity.TaskName(sequence, videoName)
	exists, err := tasks.ExistsByName(ctx, projectID, name)
	if err != nil {
		return fmt.Errorf("check task name: %w", err)
	}
	if exists {
		return fmt.Errorf("task %s: %w", name, entity.ErrTaskAlreadyExists)
	}
	return nil
}

// Write appends one retained frame. A full open segment is rolled over first.
func (w *segmentWriter) Write(ctx context.Context, sourceIndex int, img image.Image, boxes []entity.Box) error {
	if w.state == stateWriting && len(w.current.indices) >= w.plan.FramesPerTask {
		w.state = stateRollingOver
		if err := w.persist(ctx, entity.TaskCompleted); err != nil {
			return err
		}
	}

	if w.state == stateIdle {
		if err := w.open(ctx); err != nil {
			return err
		}
	}

	if err := w.current.sink.WriteFrame(img); err != nil {
		return fmt.Errorf("write frame %d: %w", sourceIndex, err)
	}
	w.current.indices = append(w.current.indices, sourceIndex)
	w.current.frames = append(w.current.frames, entity.NewAnnotationFrame(len(w.current.indices), boxes))
	metrics.FramesRetainedTotal.Inc()
	return nil
}

// Finish flushes the open segment, whatever its length.
func (w *segmentWriter) Finish(ctx context.Context) error {
	if w.state == stateIdle {
		return nil
	}
	w.state = stateFinalizing
	status := entity.TaskCompleted
	if w.produced == 0 {
		status = entity.TaskNotStarted
	}
	return w.persist(ctx, status)
}

// Abort closes the encoder without persisting. The segment directory stays on disk.
func (w *segmentWriter) Abort() {
	if w.current != nil && w.current.sink != nil {
		if err := w.current.sink.Close(); err != nil {
			w.logger.Warn("close segment encoder on abort", zap.Error(err))
		}
	}
	w.current = nil
	w.state = stateIdle
}

func (w *segmentWriter) Produced() []*entity.Task {
	return w.tasks
}

func (w *segmentWriter) open(ctx context.Context) error {
	seq := w.next
	if err := checkCollision(ctx, w.deps.tasks, w.plan.ContentBase, w.plan.ProjectID, seq, w.plan.VideoName); err != nil {
		return err
	}

	dir := segmentDir(w.plan.ContentBase, w.plan.ProjectID, seq, w.plan.VideoName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}
	out := filepath.Join(dir, entity.TaskName(seq, w.plan.VideoName)+".mp4")

	sink, err := w.deps.encoder.Create(ctx, out, w.plan.Source.Width, w.plan.Source.Height, w.plan.FrameRate)
	if err != nil {
		return fmt.Errorf("open segment encoder: %w", err)
	}

	w.current = &openSegment{
		sequence: seq,
		dir:      dir,
		path:     out,
		sink:     sink,
		indices:  make([]int, 0, w.plan.FramesPerTask),
		frames:   make([]*entity.AnnotationFrame, 0, w.plan.FramesPerTask),
	}
	w.next++
	w.state = stateWriting
	w.logger.Debug("segment opened", zap.Int("sequence", seq), zap.String("path", out))
	return nil
}

func (w *segmentWriter) persist(ctx context.Context, status entity.TaskStatus) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "segment.persist")
	defer span.End()

	seg := w.current
	span.SetAttributes(attribute.Int("segment.sequence", seg.sequence), attribute.Int("segment.frames", len(seg.indices)))

	if err := seg.sink.Close(); err != nil {
		return fmt.Errorf("close segment encoder: %w", err)
	}
	seg.sink = nil

	upStart := time.Now()
	key := segmentObjectKey(w.plan.ProjectID, seg.sequence, w.plan.VideoName)
	if _, err := w.deps.storage.Upload(ctx, seg.path, key, "video/mp4"); err != nil {
		return fmt.Errorf("upload segment %s: %w", key, err)
	}
	metrics.StageDuration.WithLabelValues("upload_segment").Observe(time.Since(upStart).Seconds())

	task := entity.NewTask(entity.TaskSpec{
		ProjectID:         w.plan.ProjectID,
		VideoName:         w.plan.VideoName,
		Sequence:          seg.sequence,
		VideoPath:         seg.path,
		ObjectKey:         key,
		UploadID:          w.plan.UploadID.String(),
		OriginalFrames:    seg.indices,
		FrameRate:         w.plan.FrameRate,
		AnnotationVersion: w.plan.AnnotationVersion,
		Status:            status,
		Source:            w.plan.Source,
	})

	if err := w.deps.frames.InsertMany(ctx, task.ID, seg.frames); err != nil {
		return fmt.Errorf("insert annotation frames: %w", err)
	}
	if err := w.deps.tasks.Insert(ctx, task); err != nil {
		if derr := w.deps.frames.DeleteByTasks(context.WithoutCancel(ctx), []primitive.ObjectID{task.ID}); derr != nil {
			w.logger.Error("failed to remove frames of unsaved task", zap.String("task_id", task.ID.Hex()), zap.Error(derr))
		}
		return fmt.Errorf("insert task %s: %w", task.TaskName, err)
	}
	metrics.TasksCreatedTotal.Inc()

	w.produced++
	w.tasks = append(w.tasks, task)

	completed := w.plan.CompletedBefore + w.produced
	if err := w.deps.progress.UpdateProgress(ctx, w.plan.UploadID, w.progressPercent(), completed); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	if err := os.RemoveAll(seg.dir); err != nil {
		w.logger.Warn("failed to remove segment dir", zap.String("dir", seg.dir), zap.Error(err))
	}

	w.logger.Info("segment persisted",
		zap.String("task_id", task.ID.Hex()),
		zap.String("task_name", task.TaskName),
		zap.Int("frame_count", task.FrameCount),
		zap.Int("frame_start", task.FrameStart),
		zap.Int("frame_end", task.FrameEnd),
	)

	w.current = nil
	w.state = stateIdle
	return nil
}

func (w *segmentWriter) progressPercent() float64 {
	n := w.plan.FramesPerTask
	estimated := w.plan.CompletedBefore + (w.plan.RemainingFrames+n-1)/n
	done := w.plan.CompletedBefore + w.produced
	if estimated < done {
		estimated = done
	}
	if estimated == 0 {
		return 100
	}
	pct := float64(done) / float64(estimated) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
