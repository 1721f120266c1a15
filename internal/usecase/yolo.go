package usecase

import (
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"

	"github.com/layerx/content-processing-service/internal/domain/entity"
)

const (
	textFileYOLO    = "YOLO"
	textFileDefault = "DEFAULT"
)

// EncodeYOLO renders one box as a YOLO label line, normalised to the image size.
func EncodeYOLO(class string, box entity.PixelBox, width, height int) string {
	w, h := float64(width), float64(height)
	return fmt.Sprintf("%s %.6f %.6f %.6f %.6f",
		class,
		(box.X+box.W/2)/w,
		(box.Y+box.H/2)/h,
		box.W/w,
		box.H/h,
	)
}

// DecodeYOLO parses a label line back into pixel coordinates, rounded to whole pixels.
func DecodeYOLO(line string, width, height int) (string, entity.PixelBox, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return "", entity.PixelBox{}, fmt.Errorf("yolo line %q: want 5 fields, got %d", line, len(fields))
	}
	vals := make([]float64, 4)
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return "", entity.PixelBox{}, fmt.Errorf("yolo line %q: %w", line, err)
		}
		vals[i] = v
	}

	w, h := float64(width), float64(height)
	bw := vals[2] * w
	bh := vals[3] * h
	box := entity.PixelBox{
		X:     math.Round(vals[0]*w - bw/2),
		Y:     math.Round(vals[1]*h - bh/2),
		W:     math.Round(bw),
		H:     math.Round(bh),
		Label: fields[0],
	}
	return fields[0], box, nil
}

// LabelRules keeps the enabled allowlist entries. Each rule's index is its
// position in the full list.
func LabelRules(list []entity.LabelAttribute) []entity.LabelRule {
	rules := make([]entity.LabelRule, 0, len(list))
	for i, la := range list {
		if !la.IsEnabled {
			continue
		}
		rules = append(rules, entity.LabelRule{Label: la.MainLabel, Attributes: la.Attributes, Index: i})
	}
	return rules
}

func textFileKey(rules []entity.LabelRule) string {
	if len(rules) > 0 {
		return textFileYOLO
	}
	return textFileDefault
}

// classFor resolves the class written for a box. With no rules every box is
// kept under its raw label.
func classFor(rules []entity.LabelRule, label string, attrs map[string]string) (string, bool) {
	if len(rules) == 0 {
		return label, true
	}
	for _, r := range rules {
		if r.Label == label && attributesEqual(r.Attributes, attrs) {
			return strconv.Itoa(r.Index), true
		}
	}
	return "", false
}

func attributesEqual(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return maps.Equal(a, b)
}

// LabelFile builds the YOLO label file body for one image.
func LabelFile(boxes []entity.PixelBox, rules []entity.LabelRule, width, height int) string {
	var sb strings.Builder
	for _, b := range boxes {
		class, ok := classFor(rules, b.Label, b.Attributes)
		if !ok {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(EncodeYOLO(class, b, width, height))
	}
	return sb.String()
}

func pixelBoxes(boxes []entity.Box) []entity.PixelBox {
	out := make([]entity.PixelBox, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, entity.PixelBox{
			X:          b.Boundaries.X,
			Y:          b.Boundaries.Y,
			W:          b.Boundaries.W,
			H:          b.Boundaries.H,
			Label:      b.Boundaries.Label,
			Attributes: b.Boundaries.AttributeValues,
		})
	}
	return out
}
