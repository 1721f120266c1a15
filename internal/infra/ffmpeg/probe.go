package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/layerx/content-processing-service/internal/domain/entity"
	"go.uber.org/zap"
)

type Prober struct {
	binary string
	logger *zap.Logger
}

func NewProber(binary string, logger *zap.Logger) *Prober {
	return &Prober{binary: binary, logger: logger}
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *Prober) Probe(ctx context.Context, path string) (entity.SourceVideo, error) {
	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,duration:format=duration",
		"-of", "json",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return entity.SourceVideo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	video, err := parseProbe(output)
	if err != nil {
		return entity.SourceVideo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	video.Path = path

	p.logger.Debug("source probed",
		zap.String("path", path),
		zap.Float64("fps", video.FPS),
		zap.Int("total_frames", video.TotalFrames),
		zap.Int("width", video.Width),
		zap.Int("height", video.Height),
	)
	return video, nil
}

func parseProbe(data []byte) (entity.SourceVideo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return entity.SourceVideo{}, err
	}
	if len(out.Streams) == 0 {
		return entity.SourceVideo{}, fmt.Errorf("no video stream")
	}
	s := out.Streams[0]

	fps, err := parseRate(s.AvgFrameRate)
	if err != nil || fps == 0 {
		fps, err = parseRate(s.RFrameRate)
		if err != nil {
			return entity.SourceVideo{}, err
		}
	}
	if fps <= 0 {
		return entity.SourceVideo{}, fmt.Errorf("invalid frame rate %q", s.RFrameRate)
	}

	total, _ := strconv.Atoi(s.NbFrames)
	if total <= 0 {
		duration := s.Duration
		if duration == "" || duration == "N/A" {
			duration = out.Format.Duration
		}
		seconds, err := strconv.ParseFloat(duration, 64)
		if err != nil {
			return entity.SourceVideo{}, fmt.Errorf("no frame count or duration: %w", err)
		}
		total = int(math.Round(seconds * fps))
	}

	return entity.SourceVideo{
		FPS:         fps,
		TotalFrames: total,
		Width:       s.Width,
		Height:      s.Height,
	}, nil
}

// parseRate accepts ffprobe rates such as "30000/1001" or "25".
func parseRate(rate string) (float64, error) {
	num, den, found := strings.Cut(strings.TrimSpace(rate), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", rate, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", rate, err)
	}
	if d == 0 {
		return 0, nil
	}
	return n / d, nil
}
