package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layerx/content-processing-service/internal/domain/entity"
	"github.com/layerx/content-processing-service/internal/domain/port"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeProgressRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*entity.ProgressRecord
}

func newFakeProgressRepo() *fakeProgressRepo {
	return &fakeProgressRepo{records: map[uuid.UUID]*entity.ProgressRecord{}}
}

func (r *fakeProgressRepo) Create(_ context.Context, rec *entity.ProgressRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

func (r *fakeProgressRepo) Update(_ context.Context, rec *entity.ProgressRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; !ok {
		return entity.ErrNotFound
	}
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

func (r *fakeProgressRepo) UpdateProgress(_ context.Context, id uuid.UUID, progress float64, taskCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return entity.ErrNotFound
	}
	rec.Progress = progress
	rec.TaskCount = taskCount
	return nil
}

func (r *fakeProgressRepo) FindByID(_ context.Context, id uuid.UUID) (*entity.ProgressRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeProgressRepo) FindBySource(_ context.Context, projectID primitive.ObjectID, source string) ([]*entity.ProgressRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.ProgressRecord
	for _, rec := range r.records {
		if rec.ProjectID == projectID && rec.SourceFilePath == source {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeProgressRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

func (r *fakeProgressRepo) ListPending(_ context.Context) ([]*entity.ProgressRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.ProgressRecord
	for _, rec := range r.records {
		if rec.Status == entity.ProgressPending {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeProgressRepo) get(id uuid.UUID) *entity.ProgressRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id]
}

type fakeTaskRepo struct {
	mu        sync.Mutex
	tasks     map[primitive.ObjectID]*entity.Task
	insertErr error
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: map[primitive.ObjectID]*entity.Task{}}
}

func (r *fakeTaskRepo) Insert(_ context.Context, task *entity.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	for _, t := range r.tasks {
		if t.ProjectID == task.ProjectID && t.TaskName == task.TaskName {
			return entity.ErrTaskAlreadyExists
		}
	}
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *fakeTaskRepo) FindByID(_ context.Context, id primitive.ObjectID) (*entity.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeTaskRepo) FindByIDs(ctx context.Context, ids []primitive.ObjectID) ([]*entity.Task, error) {
	var out []*entity.Task
	for _, id := range ids {
		t, err := r.FindByID(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *fakeTaskRepo) FindByVideo(_ context.Context, projectID primitive.ObjectID, videoName string) ([]*entity.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Task
	for _, t := range r.tasks {
		if t.ProjectID == projectID && t.VideoName == videoName {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r *fakeTaskRepo) ExistsByName(_ context.Context, projectID primitive.ObjectID, taskName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ProjectID == projectID && t.TaskName == taskName {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeTaskRepo) DeleteByVideo(_ context.Context, projectID primitive.ObjectID, videoName string) ([]primitive.ObjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []primitive.ObjectID
	for id, t := range r.tasks {
		if t.ProjectID == projectID && t.VideoName == videoName {
			ids = append(ids, id)
			delete(r.tasks, id)
		}
	}
	return ids, nil
}

func (r *fakeTaskRepo) SetAutoAnnotationVersion(_ context.Context, id primitive.ObjectID, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return entity.ErrNotFound
	}
	t.AutoAnnotationVersion = version
	return nil
}

func (r *fakeTaskRepo) AddDatasetVersion(_ context.Context, id, versionID primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return entity.ErrNotFound
	}
	for _, v := range t.DatasetVersions {
		if v == versionID {
			return nil
		}
	}
	t.DatasetVersions = append(t.DatasetVersions, versionID)
	return nil
}

func (r *fakeTaskRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

type fakeFrameRepo struct {
	mu     sync.Mutex
	frames map[primitive.ObjectID][]*entity.AnnotationFrame
}

func newFakeFrameRepo() *fakeFrameRepo {
	return &fakeFrameRepo{frames: map[primitive.ObjectID][]*entity.AnnotationFrame{}}
}

func (r *fakeFrameRepo) InsertMany(_ context.Context, taskID primitive.ObjectID, frames []*entity.AnnotationFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range frames {
		cp := *f
		cp.ID = primitive.NewObjectID()
		cp.TaskID = taskID
		r.frames[taskID] = append(r.frames[taskID], &cp)
	}
	return nil
}

func (r *fakeFrameRepo) ReplaceForTask(ctx context.Context, taskID primitive.ObjectID, frames []*entity.AnnotationFrame) error {
	r.mu.Lock()
	delete(r.frames, taskID)
	r.mu.Unlock()
	return r.InsertMany(ctx, taskID, frames)
}

func (r *fakeFrameRepo) FindByTask(_ context.Context, taskID primitive.ObjectID) ([]*entity.AnnotationFrame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*entity.AnnotationFrame(nil), r.frames[taskID]...), nil
}

func (r *fakeFrameRepo) DeleteByTasks(_ context.Context, taskIDs []primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range taskIDs {
		delete(r.frames, id)
	}
	return nil
}

func (r *fakeFrameRepo) SetDatasetVersion(_ context.Context, frameID primitive.ObjectID, entry entity.FrameDatasetVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, frames := range r.frames {
		for _, f := range frames {
			if f.ID != frameID {
				continue
			}
			for i, dv := range f.DatasetVersions {
				if dv.VersionID == entry.VersionID {
					f.DatasetVersions[i] = entry
					return nil
				}
			}
			f.DatasetVersions = append(f.DatasetVersions, entry)
			return nil
		}
	}
	return entity.ErrNotFound
}

func (r *fakeFrameRepo) SampleForVersion(_ context.Context, versionID primitive.ObjectID, datasetType int, percentage int) ([]*entity.AnnotationFrame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*entity.AnnotationFrame
	for _, frames := range r.frames {
		for _, f := range frames {
			if dv, ok := f.DatasetEntry(versionID); ok && dv.DatasetType == datasetType {
				matched = append(matched, f)
			}
		}
	}
	n := len(matched) * percentage / 100
	if n == 0 && len(matched) > 0 && percentage > 0 {
		n = 1
	}
	return matched[:n], nil
}

func (r *fakeFrameRepo) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, frames := range r.frames {
		n += len(frames)
	}
	return n
}

func (r *fakeFrameRepo) forTask(id primitive.ObjectID) []*entity.AnnotationFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[id]
}

type fakeDatasetRepo struct {
	mu       sync.Mutex
	versions map[primitive.ObjectID]*entity.DatasetVersion
	totals   map[primitive.ObjectID]entity.DatasetTotals
	leases   map[primitive.ObjectID]string
	claims   int
}

func newFakeDatasetRepo() *fakeDatasetRepo {
	return &fakeDatasetRepo{
		versions: map[primitive.ObjectID]*entity.DatasetVersion{},
		totals:   map[primitive.ObjectID]entity.DatasetTotals{},
		leases:   map[primitive.ObjectID]string{},
	}
}

func (r *fakeDatasetRepo) put(v *entity.DatasetVersion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[v.ID] = v
}

func (r *fakeDatasetRepo) FindByID(_ context.Context, id primitive.ObjectID) (*entity.DatasetVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	cp := *v
	if v.TaskStatus != nil {
		ts := *v.TaskStatus
		ts.Tasks = append([]entity.DatasetTaskState(nil), v.TaskStatus.Tasks...)
		cp.TaskStatus = &ts
	}
	return &cp, nil
}

func (r *fakeDatasetRepo) ListPending(_ context.Context) ([]*entity.DatasetVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.DatasetVersion
	for _, v := range r.versions {
		if v.TaskStatus != nil && v.TaskStatus.State == entity.DatasetPending {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *fakeDatasetRepo) InitTaskStatus(_ context.Context, id primitive.ObjectID, status entity.DatasetTaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		return entity.ErrNotFound
	}
	v.TaskStatus = &status
	return nil
}

func (r *fakeDatasetRepo) UpdateTaskState(_ context.Context, id primitive.ObjectID, state entity.DatasetTaskState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok || v.TaskStatus == nil {
		return entity.ErrNotFound
	}
	for i, t := range v.TaskStatus.Tasks {
		if t.Task == state.Task {
			v.TaskStatus.Tasks[i] = state
			return nil
		}
	}
	return entity.ErrNotFound
}

func (r *fakeDatasetRepo) SetState(_ context.Context, id primitive.ObjectID, state entity.DatasetState, totals entity.DatasetTotals) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		return entity.ErrNotFound
	}
	v.TaskStatus.State = state
	v.ImageCount = totals.ImageCount
	v.Size = totals.Size
	r.totals[id] = totals
	return nil
}

func (r *fakeDatasetRepo) SetYOLOExport(_ context.Context, id primitive.ObjectID, export entity.YOLOExport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		return entity.ErrNotFound
	}
	v.ExportFormats.YOLO = export
	return nil
}

func (r *fakeDatasetRepo) ClaimBuild(_ context.Context, id primitive.ObjectID, owner string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[id]; !ok {
		return false, nil
	}
	if _, held := r.leases[id]; held {
		return false, nil
	}
	r.leases[id] = owner
	r.claims++
	return true, nil
}

func (r *fakeDatasetRepo) ReleaseBuild(_ context.Context, id primitive.ObjectID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leases[id] == owner {
		delete(r.leases, id)
	}
	return nil
}

func (r *fakeDatasetRepo) hold(id primitive.ObjectID, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leases[id] = owner
}

func (r *fakeDatasetRepo) held(id primitive.ObjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.leases[id]
	return ok
}

// fakeStorage keeps objects in memory. Sources and segments share the key space.
type fakeStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failKeys  map[string]error
	uploadErr error
	// failUpload, when set, rejects uploads whose key it returns an error for.
	failUpload func(key string) error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}, failKeys: map[string]error{}}
}

func (s *fakeStorage) Upload(_ context.Context, localPath, objectKey, _ string) (int64, error) {
	if s.uploadErr != nil {
		return 0, s.uploadErr
	}
	if s.failUpload != nil {
		if err := s.failUpload(objectKey); err != nil {
			return 0, err
		}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey] = data
	return int64(len(data)), nil
}

func (s *fakeStorage) Download(_ context.Context, objectKey, destPath string) error {
	s.mu.Lock()
	data, ok := s.objects[objectKey]
	failErr := s.failKeys[objectKey]
	s.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	if !ok {
		return fmt.Errorf("object %s: %w", objectKey, entity.ErrNotFound)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0644)
}

func (s *fakeStorage) DownloadSource(ctx context.Context, objectKey, destPath string) error {
	return s.Download(ctx, objectKey, destPath)
}

func (s *fakeStorage) ListSource(_ context.Context, prefix string) ([]string, error) {
	return s.keysWithPrefix(prefix), nil
}

func (s *fakeStorage) PresignedURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://objects.test/" + objectKey, nil
}

func (s *fakeStorage) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *fakeStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *fakeStorage) keysWithPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Fake video files hold "fps frames" as text; the fake encoder writes the same
// format so segments can be decoded again.
func fakeVideo(fps float64, frames int) []byte {
	return []byte(fmt.Sprintf("%v %d", fps, frames))
}

func readFakeVideo(path string) (float64, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Fields(string(data))
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad fake video %q", data)
	}
	fps, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return fps, n, nil
}

type fakeProber struct{}

func (fakeProber) Probe(_ context.Context, path string) (entity.SourceVideo, error) {
	fps, n, err := readFakeVideo(path)
	if err != nil {
		return entity.SourceVideo{}, err
	}
	return entity.SourceVideo{Path: path, FPS: fps, TotalFrames: n, Width: 64, Height: 48}, nil
}

type fakeDecoder struct{}

func (fakeDecoder) Open(_ context.Context, path string) (port.FrameReader, error) {
	_, n, err := readFakeVideo(path)
	if err != nil {
		return nil, err
	}
	return &fakeReader{total: n}, nil
}

type fakeReader struct {
	total int
	pos   int
}

func (r *fakeReader) Next() (image.Image, error) {
	if r.pos >= r.total {
		return nil, io.EOF
	}
	r.pos++
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	img.Set(0, 0, color.RGBA{R: uint8(r.pos), A: 255})
	return img, nil
}

func (r *fakeReader) Close() error { return nil }

type fakeEncoder struct {
	mu      sync.Mutex
	created []string
	sizes   []image.Point
}

func (e *fakeEncoder) Create(_ context.Context, path string, width, height, fps int) (port.SegmentSink, error) {
	e.mu.Lock()
	e.created = append(e.created, path)
	e.sizes = append(e.sizes, image.Pt(width, height))
	e.mu.Unlock()
	return &fakeSink{path: path, fps: fps}, nil
}

type fakeSink struct {
	path   string
	fps    int
	frames int
}

func (s *fakeSink) WriteFrame(image.Image) error {
	s.frames++
	return nil
}

func (s *fakeSink) Close() error {
	return os.WriteFile(s.path, fakeVideo(float64(s.fps), s.frames), 0644)
}

type fakeDetector struct {
	mu      sync.Mutex
	calls   int
	failOn  map[int]bool
	results []entity.Detection
}

func (d *fakeDetector) Detect(_ context.Context, _ image.Image) ([]entity.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failOn[d.calls] {
		return nil, errors.New("model unavailable")
	}
	return d.results, nil
}

type fakeImageCodec struct{}

func (fakeImageCodec) Encode(_ image.Image, path string) (int64, error) {
	data := []byte("jpeg-bytes")
	return int64(len(data)), os.WriteFile(path, data, 0644)
}

func (fakeImageCodec) Thumbnail(_ image.Image, path string, _ int) (int64, error) {
	data := []byte("thumb")
	return int64(len(data)), os.WriteFile(path, data, 0644)
}

func (fakeImageCodec) Decode(path string) (image.Image, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return image.NewRGBA(image.Rect(0, 0, 64, 48)), nil
}

// Size reads fake images written as "WxH"; anything else is 64x48.
func (fakeImageCodec) Size(path string) (int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	var w, h int
	if _, err := fmt.Sscanf(string(data), "%dx%d", &w, &h); err != nil {
		return 64, 48, nil
	}
	return w, h, nil
}

func (fakeImageCodec) Letterbox(_ image.Image, width, height int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, width, height))
}

type fakeAugmenter struct {
	fail map[string]bool
}

func (a fakeAugmenter) Apply(img image.Image, boxes []entity.PixelBox, spec entity.AugmentationSpec) (image.Image, []entity.PixelBox, error) {
	if a.fail[spec.Type] {
		return nil, nil, fmt.Errorf("unsupported augmentation %s", spec.Type)
	}
	return img, boxes, nil
}

type fakeZipper struct {
	mu      sync.Mutex
	entries []port.ZipEntry
}

func (z *fakeZipper) CreateZip(_ context.Context, entries []port.ZipEntry, outputPath string) error {
	z.mu.Lock()
	z.entries = append(z.entries, entries...)
	z.mu.Unlock()
	return os.WriteFile(outputPath, []byte("zip"), 0644)
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *fakePublisher) PublishStatus(_ context.Context, msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	reasons []string
}

func (d *fakeDLQ) PublishToDLQ(_ context.Context, _ []byte, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *fakeNotifier) NotifyFailure(_ context.Context, userEmail, _, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, userEmail)
	return nil
}
