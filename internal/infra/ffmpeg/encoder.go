package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/layerx/content-processing-service/internal/domain/port"
	"go.uber.org/zap"
)

// Encoder writes retained frames into H.264 segments.
type Encoder struct {
	binary string
	logger *zap.Logger
}

func NewEncoder(binary string, logger *zap.Logger) *Encoder {
	return &Encoder{binary: binary, logger: logger}
}

func (e *Encoder) Create(ctx context.Context, path string, width, height, fps int) (port.SegmentSink, error) {
	if width <= 0 || height <= 0 || fps <= 0 {
		return nil, fmt.Errorf("invalid segment geometry %dx%d@%d", width, height, fps)
	}

	cmd := exec.CommandContext(ctx, e.binary,
		"-v", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		path,
	)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg encoder: %w", err)
	}

	e.logger.Debug("segment encoder started", zap.String("path", path))
	return &segmentSink{cmd: cmd, stdin: stdin, stderr: stderr, width: width, height: height}, nil
}

type segmentSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	width  int
	height int
	closed bool
}

func (s *segmentSink) WriteFrame(img image.Image) error {
	b := img.Bounds()
	var frame *image.NRGBA
	if b.Dx() != s.width || b.Dy() != s.height {
		frame = imaging.Resize(img, s.width, s.height, imaging.Linear)
	} else {
		frame = imaging.Clone(img)
	}
	if _, err := s.stdin.Write(frame.Pix); err != nil {
		return fmt.Errorf("write frame: %w: %s", err, s.stderr.String())
	}
	return nil
}

func (s *segmentSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.stdin.Close(); err != nil {
		return fmt.Errorf("close encoder input: %w", err)
	}
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encoder: %w: %s", err, s.stderr.String())
	}
	return nil
}
