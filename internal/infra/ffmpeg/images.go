package ffmpeg

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/disintegration/imaging"
)

// ImageCodec stores frames as JPEG files.
type ImageCodec struct {
	quality int
}

func NewImageCodec(quality int) *ImageCodec {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &ImageCodec{quality: quality}
}

func (c *ImageCodec) Encode(img image.Image, path string) (int64, error) {
	if err := imaging.Save(img, path, imaging.JPEGQuality(c.quality)); err != nil {
		return 0, fmt.Errorf("save image %s: %w", path, err)
	}
	return fileSize(path)
}

func (c *ImageCodec) Thumbnail(img image.Image, path string, width int) (int64, error) {
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	return c.Encode(thumb, path)
}

func (c *ImageCodec) Decode(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	return img, nil
}

func (c *ImageCodec) Size(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("read image header %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

func (c *ImageCodec) Letterbox(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	scale := math.Min(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy()))
	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))
	resized := imaging.Resize(img, w, h, imaging.Lanczos)
	canvas := imaging.New(width, height, color.NRGBA{A: 255})
	return imaging.PasteCenter(canvas, resized)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}
