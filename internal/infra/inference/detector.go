package inference

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	"github.com/layerx/content-processing-service/internal/domain/entity"
	"go.uber.org/zap"
)

type DetectorConfig struct {
	URL     string
	Timeout time.Duration
	Retries int
}

// Detector posts JPEG-encoded frames to an external detection service.
type Detector struct {
	url    string
	http   *resty.Client
	logger *zap.Logger
}

type detectResponse struct {
	Detections []entity.Detection `json:"detections"`
}

func NewDetector(cfg DetectorConfig, logger *zap.Logger) *Detector {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && (r.StatusCode() == 429 || r.StatusCode() >= 500)
		})

	return &Detector{url: cfg.URL, http: client, logger: logger}
}

func (d *Detector) Detect(ctx context.Context, img image.Image) ([]entity.Detection, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	b := img.Bounds()
	var result detectResponse
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/jpeg").
		SetQueryParams(map[string]string{
			"width":  fmt.Sprint(b.Dx()),
			"height": fmt.Sprint(b.Dy()),
		}).
		SetBody(buf.Bytes()).
		SetResult(&result).
		Post(d.url)
	if err != nil {
		return nil, fmt.Errorf("detect request: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("detect request: unexpected status %d", resp.StatusCode())
	}

	d.logger.Debug("frame inferred", zap.Int("detections", len(result.Detections)))
	return result.Detections, nil
}
