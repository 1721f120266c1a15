package usecase

import (
	"context"
	"fmt"
	"image"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/layerx/content-processing-service/internal/domain/entity"
	"github.com/layerx/content-processing-service/internal/domain/port"
	"github.com/layerx/content-processing-service/internal/infra/metrics"
)

// ImageSetFrameRate is the playback rate of segments cut from an image set.
const ImageSetFrameRate = 4

// frameSource stages an input locally and streams its frames in order.
type frameSource interface {
	Prepare(ctx context.Context, workDir string) (entity.SourceVideo, error)
	Open(ctx context.Context) (port.FrameReader, error)
}

type videoSource struct {
	storage port.ObjectStorage
	prober  port.VideoProber
	decoder port.FrameDecoder
	key     string
	local   string
}

func (s *videoSource) Prepare(ctx context.Context, workDir string) (entity.SourceVideo, error) {
	start := time.Now()
	s.local = filepath.Join(workDir, filepath.Base(s.key))
	if err := s.storage.DownloadSource(ctx, s.key, s.local); err != nil {
		return entity.SourceVideo{}, fmt.Errorf("download source: %w", err)
	}
	metrics.StageDuration.WithLabelValues("download_source").Observe(time.Since(start).Seconds())

	source, err := s.prober.Probe(ctx, s.local)
	if err != nil {
		return entity.SourceVideo{}, fmt.Errorf("probe source: %w", err)
	}
	return source, nil
}

func (s *videoSource) Open(ctx context.Context) (port.FrameReader, error) {
	return s.decoder.Open(ctx, s.local)
}

func isImageKey(key string) bool {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// imageSetSource treats every image under a prefix as one frame, ordered by
// key. The canvas is the largest width and height across the set.
type imageSetSource struct {
	storage port.ObjectStorage
	images  port.ImageCodec
	prefix  string
	paths   []string
	width   int
	height  int
}

func (s *imageSetSource) Prepare(ctx context.Context, workDir string) (entity.SourceVideo, error) {
	start := time.Now()
	keys, err := s.storage.ListSource(ctx, s.prefix)
	if err != nil {
		return entity.SourceVideo{}, fmt.Errorf("list image set: %w", err)
	}
	var images []string
	for _, k := range keys {
		if isImageKey(k) {
			images = append(images, k)
		}
	}
	if len(images) == 0 {
		return entity.SourceVideo{}, fmt.Errorf("prefix %s: %w", s.prefix, entity.ErrEmptyImageSet)
	}
	sort.Strings(images)

	s.paths = make([]string, 0, len(images))
	for i, key := range images {
		local := filepath.Join(workDir, fmt.Sprintf("%06d%s", i+1, strings.ToLower(path.Ext(key))))
		if err := s.storage.DownloadSource(ctx, key, local); err != nil {
			return entity.SourceVideo{}, fmt.Errorf("download image %s: %w", key, err)
		}
		w, h, err := s.images.Size(local)
		if err != nil {
			return entity.SourceVideo{}, fmt.Errorf("read image %s: %w", key, err)
		}
		s.width = max(s.width, w)
		s.height = max(s.height, h)
		s.paths = append(s.paths, local)
	}
	metrics.StageDuration.WithLabelValues("download_source").Observe(time.Since(start).Seconds())

	return entity.SourceVideo{
		Path:        s.prefix,
		FPS:         ImageSetFrameRate,
		TotalFrames: len(s.paths),
		Width:       s.width,
		Height:      s.height,
	}, nil
}

func (s *imageSetSource) Open(context.Context) (port.FrameReader, error) {
	return &imageFolderReader{source: s}, nil
}

type imageFolderReader struct {
	source *imageSetSource
	pos    int
}

func (r *imageFolderReader) Next() (image.Image, error) {
	if r.pos >= len(r.source.paths) {
		return nil, io.EOF
	}
	p := r.source.paths[r.pos]
	r.pos++
	img, err := r.source.images.Decode(p)
	if err != nil {
		return nil, err
	}
	return r.source.images.Letterbox(img, r.source.width, r.source.height), nil
}

func (r *imageFolderReader) Close() error { return nil }
