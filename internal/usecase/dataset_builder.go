package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layerx/content-processing-service/internal/domain/entity"
	"github.com/layerx/content-processing-service/internal/domain/port"
	"github.com/layerx/content-processing-service/internal/infra/metrics"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const thumbnailWidth = 250

type DatasetBuilder struct {
	datasets  port.DatasetRepository
	tasks     port.TaskRepository
	frames    port.FrameRepository
	storage   port.ObjectStorage
	decoder   port.FrameDecoder
	images    port.ImageCodec
	augmenter port.Augmenter
	zipper    port.Zipper
	logger    *zap.Logger

	poolSize       int
	workDir        string
	sampleFraction float64
	presignTTL     time.Duration
	leaseTTL       time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

type DatasetBuilderConfig struct {
	PoolSize       int
	WorkDir        string
	SampleFraction float64
	PresignTTL     time.Duration
	LeaseTTL       time.Duration
	Seed           int64
}

func NewDatasetBuilder(
	datasets port.DatasetRepository,
	tasks port.TaskRepository,
	frames port.FrameRepository,
	storage port.ObjectStorage,
	decoder port.FrameDecoder,
	images port.ImageCodec,
	augmenter port.Augmenter,
	zipper port.Zipper,
	logger *zap.Logger,
	cfg DatasetBuilderConfig,
) *DatasetBuilder {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.SampleFraction <= 0 {
		cfg.SampleFraction = 0.1
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 7 * 24 * time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Hour
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &DatasetBuilder{
		datasets:       datasets,
		tasks:          tasks,
		frames:         frames,
		storage:        storage,
		decoder:        decoder,
		images:         images,
		augmenter:      augmenter,
		zipper:         zipper,
		logger:         logger,
		poolSize:       cfg.PoolSize,
		workDir:        cfg.WorkDir,
		sampleFraction: cfg.SampleFraction,
		presignTTL:     cfg.PresignTTL,
		leaseTTL:       cfg.LeaseTTL,
		rnd:            rand.New(rand.NewSource(cfg.Seed)),
	}
}

// AggregateState is complete only when every task entry is complete.
func AggregateState(tasks []entity.DatasetTaskState) entity.DatasetState {
	if len(tasks) == 0 {
		return entity.DatasetPending
	}
	for _, t := range tasks {
		if t.State != entity.DatasetComplete {
			return entity.DatasetPending
		}
	}
	return entity.DatasetComplete
}

func (b *DatasetBuilder) Build(ctx context.Context, versionID primitive.ObjectID) (entity.DatasetState, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "DatasetBuilder.Build")
	defer span.End()
	span.SetAttributes(attribute.String("dataset.version_id", versionID.Hex()))

	log := b.logger.With(zap.String("dataset_version_id", versionID.Hex()))
	start := time.Now()

	version, err := b.loadVersion(ctx, versionID)
	if err != nil {
		return entity.DatasetPending, err
	}

	owner := uuid.NewString()
	claimed, err := b.datasets.ClaimBuild(ctx, versionID, owner, b.leaseTTL)
	if err != nil {
		return entity.DatasetPending, fmt.Errorf("claim dataset build: %w", err)
	}
	if !claimed {
		return entity.DatasetPending, fmt.Errorf("version %s: %w", versionID.Hex(), entity.ErrBuildInProgress)
	}
	defer func() {
		if err := b.datasets.ReleaseBuild(context.WithoutCancel(ctx), versionID, owner); err != nil {
			log.Warn("failed to release dataset build lease", zap.Error(err))
		}
	}()

	if version.TaskStatus == nil || len(version.TaskStatus.Tasks) == 0 {
		status := entity.DatasetTaskStatus{State: entity.DatasetPending}
		for _, id := range version.TaskList {
			status.Tasks = append(status.Tasks, entity.DatasetTaskState{Task: id.Hex(), State: entity.DatasetPending})
		}
		if err := b.datasets.InitTaskStatus(ctx, versionID, status); err != nil {
			return entity.DatasetPending, fmt.Errorf("init task status: %w", err)
		}
		version.TaskStatus = &status
	}

	var pending []string
	for _, t := range version.TaskStatus.Tasks {
		if t.State != entity.DatasetComplete {
			pending = append(pending, t.Task)
		}
	}
	log.Info("building dataset version", zap.Int("tasks", len(version.TaskStatus.Tasks)), zap.Int("pending", len(pending)))

	rules := LabelRules(version.LabelAttributeList)
	for i := 0; i < len(pending); i += b.poolSize {
		end := min(i+b.poolSize, len(pending))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.poolSize)
		for _, taskHex := range pending[i:end] {
			taskHex := taskHex
			g.Go(func() error {
				state := b.buildTask(gctx, version, rules, taskHex, log)
				if err := b.datasets.UpdateTaskState(ctx, versionID, state); err != nil {
					log.Error("failed to record dataset task state", zap.String("task_id", taskHex), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	// Re-read so the aggregate reflects what was persisted, not what this run believes.
	version, err = b.loadVersion(ctx, versionID)
	if err != nil {
		return entity.DatasetPending, err
	}
	var tasks []entity.DatasetTaskState
	if version.TaskStatus != nil {
		tasks = version.TaskStatus.Tasks
	}
	state := AggregateState(tasks)

	totals := entity.DatasetTotals{}
	completed := 0
	for _, t := range tasks {
		if t.State == entity.DatasetComplete {
			completed++
		}
		totals.ImageCount += t.ImageCount
		totals.Size += t.ImageDataSize
		totals.FileCount += t.ImageCount
		for _, fc := range t.AugmentationFileCounts {
			totals.FileCount += fc.Count
			totals.Size += fc.Size
		}
	}
	if err := b.datasets.SetState(ctx, versionID, state, totals); err != nil {
		return state, fmt.Errorf("set dataset state: %w", err)
	}

	export := version.ExportFormats.YOLO
	now := time.Now().UTC()
	if export.CreatedAt.IsZero() {
		export.CreatedAt = now
	}
	export.LastUpdatedAt = now
	export.FileCount = totals.FileCount
	if len(tasks) > 0 {
		export.Progress = float64(completed) / float64(len(tasks)) * 100
	}
	if key, err := b.buildSample(ctx, version); err != nil {
		log.Warn("sample archive failed", zap.Error(err))
	} else if key != "" {
		export.Sample = key
	}
	if err := b.datasets.SetYOLOExport(ctx, versionID, export); err != nil {
		return state, fmt.Errorf("set yolo export: %w", err)
	}

	metrics.StageDuration.WithLabelValues("dataset_build").Observe(time.Since(start).Seconds())
	log.Info("dataset version build finished",
		zap.String("state", string(state)),
		zap.Int("completed_tasks", completed),
		zap.Int("image_count", totals.ImageCount),
	)
	return state, nil
}

func (b *DatasetBuilder) WarmStart(ctx context.Context) error {
	pending, err := b.datasets.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending dataset versions: %w", err)
	}
	b.logger.Info("dataset warm start", zap.Int("pending", len(pending)))
	for _, v := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := b.Build(ctx, v.ID)
		if errors.Is(err, entity.ErrBuildInProgress) {
			b.logger.Info("dataset version already being built", zap.String("dataset_version_id", v.ID.Hex()))
			continue
		}
		if err != nil {
			b.logger.Error("dataset rebuild failed", zap.String("dataset_version_id", v.ID.Hex()), zap.Error(err))
		}
	}
	return nil
}

func (b *DatasetBuilder) loadVersion(ctx context.Context, id primitive.ObjectID) (*entity.DatasetVersion, error) {
	v, err := b.datasets.FindByID(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("version %s: %w", id.Hex(), entity.ErrDatasetNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load dataset version: %w", err)
	}
	return v, nil
}

func (b *DatasetBuilder) buildTask(ctx context.Context, version *entity.DatasetVersion, rules []entity.LabelRule, taskHex string, log *zap.Logger) entity.DatasetTaskState {
	state := entity.DatasetTaskState{Task: taskHex, State: entity.DatasetPending}
	log = log.With(zap.String("task_id", taskHex))

	if err := b.exportTask(ctx, version, rules, &state, log); err != nil {
		state.State = entity.DatasetPending
		state.Error = err.Error()
		metrics.DatasetTasksTotal.WithLabelValues("error").Inc()
		log.Error("dataset task failed", zap.Error(err))
		return state
	}
	state.State = entity.DatasetComplete
	state.Error = ""
	metrics.DatasetTasksTotal.WithLabelValues("complete").Inc()
	return state
}

type exportedFrame struct {
	frame *entity.AnnotationFrame
	local string
	entry entity.FrameDatasetVersion
}

func (b *DatasetBuilder) exportTask(ctx context.Context, version *entity.DatasetVersion, rules []entity.LabelRule, state *entity.DatasetTaskState, log *zap.Logger) error {
	taskID, err := entity.ParseObjectID(state.Task)
	if err != nil {
		return err
	}
	task, err := b.tasks.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	stored, err := b.frames.FindByTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load annotation frames: %w", err)
	}
	byFrame := make(map[int]*entity.AnnotationFrame, len(stored))
	for _, f := range stored {
		byFrame[f.FrameID] = f
	}

	dir := filepath.Join(b.workDir, version.ID.Hex(), task.ID.Hex())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, task.TaskName+".mp4")
	if err := b.storage.Download(ctx, task.S3URL, local); err != nil {
		return fmt.Errorf("download segment: %w", err)
	}

	reader, err := b.decoder.Open(ctx, local)
	if err != nil {
		return fmt.Errorf("open decoder: %w", err)
	}
	defer reader.Close()

	textKey := textFileKey(rules)
	group := version.DatasetGroupID.Hex()
	var exported []*exportedFrame
	for frameID := 1; ; frameID++ {
		img, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("decode frame %d: %w", frameID, err)
		}

		ef, size, err := b.exportFrame(ctx, version, group, task, frameID, img, byFrame[frameID], rules, textKey, dir)
		if err != nil {
			return err
		}
		state.ImageCount++
		state.ImageDataSize += size
		exported = append(exported, ef)
	}

	state.AugmentationFileCounts = b.augment(ctx, version, group, task, exported, rules, dir, log)

	for _, ef := range exported {
		if ef.frame == nil {
			continue
		}
		if err := b.frames.SetDatasetVersion(ctx, ef.frame.ID, ef.entry); err != nil {
			return fmt.Errorf("record frame %d dataset entry: %w", ef.frame.FrameID, err)
		}
	}
	if err := b.tasks.AddDatasetVersion(ctx, task.ID, version.ID); err != nil {
		return fmt.Errorf("link dataset version: %w", err)
	}

	log.Info("dataset task exported", zap.Int("images", state.ImageCount), zap.Int64("bytes", state.ImageDataSize))
	return nil
}

func frameKeyPrefix(group string, task *entity.Task, frameID int) string {
	return path.Join("dataset", group, task.ID.Hex(), strconv.Itoa(frameID))
}

func (b *DatasetBuilder) exportFrame(
	ctx context.Context,
	version *entity.DatasetVersion,
	group string,
	task *entity.Task,
	frameID int,
	img image.Image,
	frame *entity.AnnotationFrame,
	rules []entity.LabelRule,
	textKey string,
	dir string,
) (*exportedFrame, int64, error) {
	name := strconv.Itoa(frameID)
	prefix := frameKeyPrefix(group, task, frameID)

	imgPath := filepath.Join(dir, name+".jpg")
	size, err := b.images.Encode(img, imgPath)
	if err != nil {
		return nil, 0, fmt.Errorf("write frame %d: %w", frameID, err)
	}
	thumbPath := filepath.Join(dir, name+"_thumbnail.jpg")
	if _, err := b.images.Thumbnail(img, thumbPath, thumbnailWidth); err != nil {
		return nil, 0, fmt.Errorf("write thumbnail %d: %w", frameID, err)
	}

	var boxes []entity.PixelBox
	if frame != nil {
		boxes = pixelBoxes(frame.Boxes)
	}
	bounds := img.Bounds()
	labelPath := filepath.Join(dir, version.ID.Hex()+"_"+name+".txt")
	if err := os.WriteFile(labelPath, []byte(LabelFile(boxes, rules, bounds.Dx(), bounds.Dy())), 0644); err != nil {
		return nil, 0, fmt.Errorf("write label %d: %w", frameID, err)
	}

	imageKey := path.Join(prefix, name+".jpg")
	thumbKey := path.Join(prefix, name+"_thumbnail.jpg")
	labelKey := path.Join(prefix, version.ID.Hex()+"_"+name+".txt")
	uploads := []struct{ local, key, contentType string }{
		{imgPath, imageKey, "image/jpeg"},
		{thumbPath, thumbKey, "image/jpeg"},
		{labelPath, labelKey, "text/plain"},
	}
	for _, u := range uploads {
		if _, err := b.storage.Upload(ctx, u.local, u.key, u.contentType); err != nil {
			return nil, 0, fmt.Errorf("upload %s: %w", u.key, err)
		}
	}

	entry := entity.FrameDatasetVersion{
		VersionID:          version.ID,
		DatasetType:        b.pickSplit(version.SplitCount),
		ImageKey:           imageKey,
		TextFiles:          map[string]string{textKey: labelKey},
		AugmentationImages: map[string]entity.AugmentationImage{},
	}
	if entry.ImageURL, err = b.storage.PresignedURL(ctx, imageKey, b.presignTTL); err != nil {
		return nil, 0, fmt.Errorf("presign %s: %w", imageKey, err)
	}
	if entry.ThumbnailURL, err = b.storage.PresignedURL(ctx, thumbKey, b.presignTTL); err != nil {
		return nil, 0, fmt.Errorf("presign %s: %w", thumbKey, err)
	}

	return &exportedFrame{frame: frame, local: imgPath, entry: entry}, size, nil
}

// augment runs every enabled augmentation over a random sample of the task's
// frames. Individual failures are logged and skipped.
func (b *DatasetBuilder) augment(
	ctx context.Context,
	version *entity.DatasetVersion,
	group string,
	task *entity.Task,
	exported []*exportedFrame,
	rules []entity.LabelRule,
	dir string,
	log *zap.Logger,
) map[string]entity.FileCount {
	counts := map[string]entity.FileCount{}
	if b.augmenter == nil || len(exported) == 0 {
		return counts
	}

	sample := b.sampleIndices(len(exported))
	for _, spec := range version.AugmentationTypes {
		if !spec.Enabled() {
			continue
		}
		for _, idx := range sample {
			ef := exported[idx]
			size, err := b.augmentFrame(ctx, version, group, task, ef, idx+1, spec, rules, dir)
			if err != nil {
				metrics.AugmentationFailuresTotal.WithLabelValues(spec.Type).Inc()
				log.Warn("augmentation skipped", zap.String("type", spec.Type), zap.Int("frame", idx+1), zap.Error(err))
				continue
			}
			fc := counts[spec.Type]
			fc.Count++
			fc.Size += size
			counts[spec.Type] = fc
		}
	}
	return counts
}

func (b *DatasetBuilder) augmentFrame(
	ctx context.Context,
	version *entity.DatasetVersion,
	group string,
	task *entity.Task,
	ef *exportedFrame,
	frameID int,
	spec entity.AugmentationSpec,
	rules []entity.LabelRule,
	dir string,
) (int64, error) {
	img, err := b.images.Decode(ef.local)
	if err != nil {
		return 0, fmt.Errorf("read frame: %w", err)
	}
	var boxes []entity.PixelBox
	if ef.frame != nil {
		boxes = pixelBoxes(ef.frame.Boxes)
	}

	out, outBoxes, err := b.augmenter.Apply(img, boxes, spec)
	if err != nil {
		return 0, err
	}

	name := fmt.Sprintf("%s_%s_%d", version.ID.Hex(), spec.Type, frameID)
	imgPath := filepath.Join(dir, name+".jpg")
	size, err := b.images.Encode(out, imgPath)
	if err != nil {
		return 0, fmt.Errorf("write augmented image: %w", err)
	}
	thumbPath := filepath.Join(dir, name+"_thumbnail.jpg")
	if _, err := b.images.Thumbnail(out, thumbPath, thumbnailWidth); err != nil {
		return 0, fmt.Errorf("write augmented thumbnail: %w", err)
	}
	bounds := out.Bounds()
	labelPath := filepath.Join(dir, name+".txt")
	if err := os.WriteFile(labelPath, []byte(LabelFile(outBoxes, rules, bounds.Dx(), bounds.Dy())), 0644); err != nil {
		return 0, fmt.Errorf("write augmented label: %w", err)
	}

	prefix := path.Join(frameKeyPrefix(group, task, frameID), spec.Type)
	imageKey := path.Join(prefix, name+".jpg")
	thumbKey := path.Join(prefix, name+"_thumbnail.jpg")
	labelKey := path.Join(prefix, name+".txt")
	for _, u := range []struct{ local, key, contentType string }{
		{imgPath, imageKey, "image/jpeg"},
		{thumbPath, thumbKey, "image/jpeg"},
		{labelPath, labelKey, "text/plain"},
	} {
		if _, err := b.storage.Upload(ctx, u.local, u.key, u.contentType); err != nil {
			return 0, fmt.Errorf("upload %s: %w", u.key, err)
		}
	}

	imageURL, err := b.storage.PresignedURL(ctx, imageKey, b.presignTTL)
	if err != nil {
		return 0, fmt.Errorf("presign %s: %w", imageKey, err)
	}
	thumbURL, err := b.storage.PresignedURL(ctx, thumbKey, b.presignTTL)
	if err != nil {
		return 0, fmt.Errorf("presign %s: %w", thumbKey, err)
	}
	ef.entry.AugmentationImages[spec.Type] = entity.AugmentationImage{
		TextFile:     labelKey,
		ImageURL:     imageURL,
		ThumbnailURL: thumbURL,
		AWSImageURL:  imageKey,
	}
	return size, nil
}

func (b *DatasetBuilder) sampleIndices(n int) []int {
	k := int(b.sampleFraction * float64(n))
	b.mu.Lock()
	perm := b.rnd.Perm(n)
	b.mu.Unlock()
	return perm[:k]
}

// pickSplit draws a 1-based split index weighted by the split percentages.
func (b *DatasetBuilder) pickSplit(splits []entity.Split) int {
	total := 0
	for _, s := range splits {
		total += s.Percentage
	}
	if total <= 0 {
		return 1
	}
	b.mu.Lock()
	r := b.rnd.Intn(total)
	b.mu.Unlock()
	for i, s := range splits {
		if r < s.Percentage {
			return i + 1
		}
		r -= s.Percentage
	}
	return len(splits)
}

// buildSample zips a random share of each split's frames and uploads the archive.
func (b *DatasetBuilder) buildSample(ctx context.Context, version *entity.DatasetVersion) (string, error) {
	if len(version.SplitCount) == 0 || b.zipper == nil {
		return "", nil
	}
	dir := filepath.Join(b.workDir, version.ID.Hex(), "sample")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create sample dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var entries []port.ZipEntry
	for i, split := range version.SplitCount {
		frames, err := b.frames.SampleForVersion(ctx, version.ID, i+1, split.Percentage)
		if err != nil {
			return "", fmt.Errorf("sample split %s: %w", split.Name, err)
		}
		for n, f := range frames {
			entry, ok := f.DatasetEntry(version.ID)
			if !ok {
				continue
			}
			base := fmt.Sprintf("%s_%d", split.Name, n)
			imgLocal := filepath.Join(dir, base+".jpg")
			if err := b.storage.Download(ctx, entry.ImageKey, imgLocal); err != nil {
				return "", fmt.Errorf("download sample image: %w", err)
			}
			entries = append(entries, port.ZipEntry{Path: imgLocal, Name: path.Join(split.Name, "images", base+".jpg")})

			for _, labelKey := range entry.TextFiles {
				labelLocal := filepath.Join(dir, base+".txt")
				if err := b.storage.Download(ctx, labelKey, labelLocal); err != nil {
					return "", fmt.Errorf("download sample label: %w", err)
				}
				entries = append(entries, port.ZipEntry{Path: labelLocal, Name: path.Join(split.Name, "labels", base+".txt")})
			}
		}
	}
	if len(entries) == 0 {
		return "", nil
	}

	zipPath := filepath.Join(dir, "samples.zip")
	if err := b.zipper.CreateZip(ctx, entries, zipPath); err != nil {
		return "", fmt.Errorf("create sample zip: %w", err)
	}
	key := path.Join("dataset", version.DatasetGroupID.Hex(), version.ID.Hex(), "samples.zip")
	if _, err := b.storage.Upload(ctx, zipPath, key, "application/zip"); err != nil {
		return "", fmt.Errorf("upload sample zip: %w", err)
	}
	return key, nil
}
