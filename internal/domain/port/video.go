package port

import (
	"context"
	"image"

	"github.com/layerx/content-processing-service/internal/domain/entity"
)

type VideoProber interface {
	Probe(ctx context.Context, path string) (entity.SourceVideo, error)
}

// FrameReader yields decoded frames in order. Next returns io.EOF after the last frame.
type FrameReader interface {
	Next() (image.Image, error)
	Close() error
}

type FrameDecoder interface {
	Open(ctx context.Context, path string) (FrameReader, error)
}

type SegmentSink interface {
	WriteFrame(img image.Image) error
	Close() error
}

type SegmentEncoder interface {
	Create(ctx context.Context, path string, width, height, fps int) (SegmentSink, error)
}

// ImageCodec reads and writes still frames on local disk.
type ImageCodec interface {
	Encode(img image.Image, path string) (int64, error)
	Thumbnail(img image.Image, path string, width int) (int64, error)
	Decode(path string) (image.Image, error)
	// Size reads the dimensions without decoding pixels.
	Size(path string) (width, height int, err error)
	// Letterbox scales img to fit width x height and centers it on a black canvas.
	Letterbox(img image.Image, width, height int) image.Image
}
