package augment

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/layerx/content-processing-service/internal/domain/entity"
)

var ErrUnsupportedAugmentation = errors.New("unsupported augmentation")

// Augmentation identifiers as stored in a dataset version's augmentationTypes.
const (
	FlipHorizontal   = "FLIP_HORIZONTAL"
	FlipVertical     = "FLIP_VERTICAL"
	Clockwise        = "CLOCKWISE"
	CounterClockwise = "COUNTER_CLOCKWISE"
	UpsideDown       = "UPSIDE_DOWN"
	Rotation         = "PERCENTAGE_SCALE"
	Blur             = "BLUR"
	ShearHorizontal  = "SHEAR_HORIZONTAL"
	ShearVertical    = "SHEAR_VERTICAL"
	Hue              = "HUE_DEGREES"
	Saturation       = "SATURATION_DEGREES"
	Brightness       = "BRIGHTNESS_DEGREES"
	Exposure         = "EXPOSURE_DEGREES"
	Grayscale        = "GRAYSCALE_PERCENTAGE"
	Noise            = "NOISE_PERCENTAGE"
	Crop             = "CROP_PERCENTAGE"
)

type transform func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap)

// pointMap moves a source pixel coordinate into the output image. nil keeps boxes as they are.
type pointMap func(x, y float64) (float64, float64)

var transforms = map[string]transform{
	FlipHorizontal: func(_ *Augmenter, img image.Image, _ []float64) (*image.NRGBA, pointMap) {
		w := float64(img.Bounds().Dx())
		return imaging.FlipH(img), func(x, y float64) (float64, float64) { return w - x, y }
	},
	FlipVertical: func(_ *Augmenter, img image.Image, _ []float64) (*image.NRGBA, pointMap) {
		h := float64(img.Bounds().Dy())
		return imaging.FlipV(img), func(x, y float64) (float64, float64) { return x, h - y }
	},
	Clockwise: func(_ *Augmenter, img image.Image, _ []float64) (*image.NRGBA, pointMap) {
		h := float64(img.Bounds().Dy())
		return imaging.Rotate270(img), func(x, y float64) (float64, float64) { return h - y, x }
	},
	CounterClockwise: func(_ *Augmenter, img image.Image, _ []float64) (*image.NRGBA, pointMap) {
		w := float64(img.Bounds().Dx())
		return imaging.Rotate90(img), func(x, y float64) (float64, float64) { return y, w - x }
	},
	UpsideDown: func(_ *Augmenter, img image.Image, _ []float64) (*image.NRGBA, pointMap) {
		w, h := float64(img.Bounds().Dx()), float64(img.Bounds().Dy())
		return imaging.Rotate180(img), func(x, y float64) (float64, float64) { return w - x, h - y }
	},
	Rotation: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		angle := a.pick(values)
		out := imaging.Rotate(img, angle, color.Black)
		return out, rotatePoints(img.Bounds(), out.Bounds(), angle)
	},
	ShearHorizontal: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		return shear(img, math.Tan(a.pick(values)*math.Pi/180), true)
	},
	ShearVertical: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		return shear(img, math.Tan(a.pick(values)*math.Pi/180), false)
	},
	Blur: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		return imaging.Blur(img, a.pick(values)), nil
	},
	Hue: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		return rotateHue(img, a.pick(values)), nil
	},
	Saturation: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		return imaging.AdjustSaturation(img, a.pick(values)), nil
	},
	Brightness: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		return imaging.AdjustBrightness(img, a.pick(values)), nil
	},
	Exposure: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		return imaging.AdjustGamma(img, math.Max(0.1, 1+a.pick(values)/100)), nil
	},
	Grayscale: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		alpha := math.Min(1, math.Max(0, a.pick(values)/100))
		return imaging.Overlay(img, imaging.Grayscale(img), image.Pt(0, 0), alpha), nil
	},
	Noise: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		sigma := a.pick(values) / 4
		return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
			n := rand.NormFloat64() * sigma
			return color.NRGBA{R: clamp8(float64(c.R) + n), G: clamp8(float64(c.G) + n), B: clamp8(float64(c.B) + n), A: c.A}
		}), nil
	},
	Crop: func(a *Augmenter, img image.Image, values []float64) (*image.NRGBA, pointMap) {
		b := img.Bounds()
		share := math.Min(0.99, math.Max(0, a.pick(values)/100))
		w := int(float64(b.Dx()) * (1 - share))
		h := int(float64(b.Dy()) * (1 - share))
		x0 := a.intn(b.Dx() - w + 1)
		y0 := a.intn(b.Dy() - h + 1)
		out := imaging.Crop(img, image.Rect(b.Min.X+x0, b.Min.Y+y0, b.Min.X+x0+w, b.Min.Y+y0+h))
		return out, func(x, y float64) (float64, float64) { return x - float64(x0), y - float64(y0) }
	},
}

// Augmenter applies one augmentation from the static transform table to a
// frame and its pixel-space boxes.
type Augmenter struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewAugmenter(seed int64) *Augmenter {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Augmenter{rnd: rand.New(rand.NewSource(seed))}
}

func Supported(augType string) bool {
	_, ok := transforms[augType]
	return ok
}

func (a *Augmenter) Apply(img image.Image, boxes []entity.PixelBox, spec entity.AugmentationSpec) (image.Image, []entity.PixelBox, error) {
	fn, ok := transforms[spec.Type]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedAugmentation, spec.Type)
	}
	if !spec.Enabled() {
		return nil, nil, fmt.Errorf("augmentation %s has no enabled values", spec.Type)
	}

	out, move := fn(a, img, spec.Values)
	if move == nil {
		kept := make([]entity.PixelBox, len(boxes))
		copy(kept, boxes)
		return out, kept, nil
	}
	return out, moveBoxes(boxes, move, out.Bounds().Dx(), out.Bounds().Dy()), nil
}

func (a *Augmenter) pick(values []float64) float64 {
	if len(values) == 1 {
		return values[0]
	}
	lo, hi := values[0], values[1]
	if lo > hi {
		lo, hi = hi, lo
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return lo + a.rnd.Float64()*(hi-lo)
}

func (a *Augmenter) intn(n int) int {
	if n <= 1 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rnd.Intn(n)
}

// moveBoxes maps each box's corners, takes the enclosing rectangle and clips it
// to the output image. Boxes that fall outside are dropped.
func moveBoxes(boxes []entity.PixelBox, move pointMap, width, height int) []entity.PixelBox {
	out := make([]entity.PixelBox, 0, len(boxes))
	for _, b := range boxes {
		minX, minY := math.Inf(1), math.Inf(1)
		maxX, maxY := math.Inf(-1), math.Inf(-1)
		for _, c := range [4][2]float64{{b.X, b.Y}, {b.X + b.W, b.Y}, {b.X, b.Y + b.H}, {b.X + b.W, b.Y + b.H}} {
			x, y := move(c[0], c[1])
			minX, maxX = math.Min(minX, x), math.Max(maxX, x)
			minY, maxY = math.Min(minY, y), math.Max(maxY, y)
		}
		minX, maxX = math.Max(0, minX), math.Min(float64(width), maxX)
		minY, maxY = math.Max(0, minY), math.Min(float64(height), maxY)
		if maxX-minX <= 0 || maxY-minY <= 0 {
			continue
		}
		b.X, b.Y, b.W, b.H = minX, minY, maxX-minX, maxY-minY
		out = append(out, b)
	}
	return out
}

// rotatePoints matches imaging.Rotate: counter-clockwise about the centre,
// with the output canvas grown to fit.
func rotatePoints(src, dst image.Rectangle, angle float64) pointMap {
	rad := angle * math.Pi / 180
	sin, cos := math.Sincos(rad)
	scx, scy := float64(src.Dx())/2, float64(src.Dy())/2
	dcx, dcy := float64(dst.Dx())/2, float64(dst.Dy())/2
	return func(x, y float64) (float64, float64) {
		dx, dy := x-scx, y-scy
		return dcx + dx*cos + dy*sin, dcy - dx*sin + dy*cos
	}
}

func shear(img image.Image, k float64, horizontal bool) (*image.NRGBA, pointMap) {
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	cx, cy := float64(w)/2, float64(h)/2
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := float64(x), float64(y)
			if horizontal {
				sx -= k * (float64(y) - cy)
			} else {
				sy -= k * (float64(x) - cx)
			}
			ix, iy := int(math.Round(sx)), int(math.Round(sy))
			if ix < 0 || iy < 0 || ix >= w || iy >= h {
				continue
			}
			dst.SetNRGBA(x, y, src.NRGBAAt(ix, iy))
		}
	}

	if horizontal {
		return dst, func(x, y float64) (float64, float64) { return x + k*(y-cy), y }
	}
	return dst, func(x, y float64) (float64, float64) { return x, y + k*(x-cx) }
}

// rotateHue turns every pixel's chroma in YIQ space by deg degrees.
func rotateHue(img image.Image, deg float64) *image.NRGBA {
	sin, cos := math.Sincos(deg * math.Pi / 180)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		r, g, b := float64(c.R), float64(c.G), float64(c.B)
		yy := 0.299*r + 0.587*g + 0.114*b
		i := 0.596*r - 0.274*g - 0.322*b
		q := 0.211*r - 0.523*g + 0.312*b
		i, q = i*cos-q*sin, i*sin+q*cos
		return color.NRGBA{
			R: clamp8(yy + 0.956*i + 0.621*q),
			G: clamp8(yy - 0.272*i - 0.647*q),
			B: clamp8(yy - 1.106*i + 1.703*q),
			A: c.A,
		}
	})
}

func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
