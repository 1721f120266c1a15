package port

import (
	"context"
	"image"

	"github.com/layerx/content-processing-service/internal/domain/entity"
)

type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]entity.Detection, error)
}

type Augmenter interface {
	Apply(img image.Image, boxes []entity.PixelBox, spec entity.AugmentationSpec) (image.Image, []entity.PixelBox, error)
}
