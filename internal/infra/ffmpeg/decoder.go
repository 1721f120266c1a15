package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"

	"github.com/layerx/content-processing-service/internal/domain/port"
	"go.uber.org/zap"
)

// Decoder streams every source frame as RGBA through an ffmpeg pipe.
type Decoder struct {
	binary string
	prober port.VideoProber
	logger *zap.Logger
}

func NewDecoder(binary string, prober port.VideoProber, logger *zap.Logger) *Decoder {
	return &Decoder{binary: binary, prober: prober, logger: logger}
}

func (d *Decoder) Open(ctx context.Context, path string) (port.FrameReader, error) {
	video, err := d.prober.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if video.Width <= 0 || video.Height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d for %s", video.Width, video.Height, path)
	}

	cmd := exec.CommandContext(ctx, d.binary,
		"-v", "error",
		"-i", path,
		"-vsync", "0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg decoder: %w", err)
	}

	return &frameReader{
		cmd:    cmd,
		stdout: stdout,
		reader: bufio.NewReaderSize(stdout, 1<<20),
		stderr: stderr,
		width:  video.Width,
		height: video.Height,
	}, nil
}

type frameReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	stderr *bytes.Buffer
	width  int
	height int
	closed bool
}

func (r *frameReader) Next() (image.Image, error) {
	img := image.NewNRGBA(image.Rect(0, 0, r.width, r.height))
	_, err := io.ReadFull(r.reader, img.Pix)
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("read frame: %w: %s", err, r.stderr.String())
	}
	return img, nil
}

func (r *frameReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.stdout.Close()
	if err := r.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		// closing the pipe early makes ffmpeg exit on SIGPIPE
		if errors.As(err, &exitErr) && !exitErr.Exited() {
			return nil
		}
		return fmt.Errorf("ffmpeg decoder: %w: %s", err, r.stderr.String())
	}
	return nil
}
