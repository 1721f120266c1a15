package usecase

import (
	"testing"

	"github.com/layerx/content-processing-service/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeYOLO(t *testing.T) {
	box := entity.PixelBox{X: 10, Y: 20, W: 30, H: 40}
	line := EncodeYOLO("0", box, 100, 200)
	assert.Equal(t, "0 0.250000 0.200000 0.300000 0.200000", line)

	class, decoded, err := DecodeYOLO(line, 100, 200)
	require.NoError(t, err)
	assert.Equal(t, "0", class)
	assert.InDelta(t, 10, decoded.X, 1)
	assert.InDelta(t, 20, decoded.Y, 1)
	assert.InDelta(t, 30, decoded.W, 1)
	assert.InDelta(t, 40, decoded.H, 1)
}

func TestDecodeYOLOMalformed(t *testing.T) {
	_, _, err := DecodeYOLO("0 0.1 0.2", 100, 100)
	assert.Error(t, err)

	_, _, err = DecodeYOLO("0 a b c d", 100, 100)
	assert.Error(t, err)
}

func TestLabelFileAllowlist(t *testing.T) {
	list := []entity.LabelAttribute{
		{MainLabel: "person", Attributes: map[string]string{"pose": "standing"}, IsEnabled: true},
		{MainLabel: "car", IsEnabled: false},
		{MainLabel: "truck", IsEnabled: true},
	}
	rules := LabelRules(list)
	require.Len(t, rules, 2)
	assert.Equal(t, 2, rules[1].Index)

	boxes := []entity.PixelBox{
		{X: 0, Y: 0, W: 10, H: 10, Label: "person", Attributes: map[string]string{"pose": "standing"}},
		{X: 0, Y: 0, W: 10, H: 10, Label: "person", Attributes: map[string]string{"pose": "sitting"}},
		{X: 0, Y: 0, W: 10, H: 10, Label: "car"},
		{X: 50, Y: 50, W: 50, H: 50, Label: "truck"},
	}

	body := LabelFile(boxes, rules, 100, 100)
	assert.Equal(t, "0 0.050000 0.050000 0.100000 0.100000\n2 0.750000 0.750000 0.500000 0.500000", body)
	assert.Equal(t, "YOLO", textFileKey(rules))
}

func TestLabelFileNoAllowlist(t *testing.T) {
	boxes := []entity.PixelBox{{X: 0, Y: 0, W: 100, H: 100, Label: "dog"}}
	body := LabelFile(boxes, nil, 100, 100)
	assert.Equal(t, "dog 0.500000 0.500000 1.000000 1.000000", body)
	assert.Equal(t, "DEFAULT", textFileKey(nil))
}
