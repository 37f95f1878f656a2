package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histostack/internal/models"
)

// rampVolume fills each plane k with the constant value k.
func rampVolume(w, h, d int) *models.Volume {
	vol := models.NewVolume(w, h, d, 1)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				vol.Set(x, y, z, 0, float64(z))
			}
		}
	}
	return vol
}

func TestExtractSliceNearest(t *testing.T) {
	vol := rampVolume(4, 3, 5)
	vol.Origin = [3]float64{1, 2, -10}
	vol.Spacing = [3]float64{0.5, 0.5, 2}

	// z = -10 + 2*3 lands exactly on plane 3.
	im := ExtractSlice(vol, -4, NearestNeighbor)
	assert.Equal(t, 4, im.Width)
	assert.Equal(t, 3, im.Height)
	assert.Equal(t, 3.0, im.At(0, 0, 0))
	assert.Equal(t, 3.0, im.At(3, 2, 0))

	// The out-of-plane axis is dropped from the geometry.
	assert.Equal(t, [2]float64{1, 2}, im.Origin)
	assert.Equal(t, [2]float64{0.5, 0.5}, im.Spacing)
}

func TestExtractSliceClampsOutside(t *testing.T) {
	vol := rampVolume(2, 2, 3)

	below := ExtractSlice(vol, -100, NearestNeighbor)
	above := ExtractSlice(vol, 100, NearestNeighbor)
	assert.Equal(t, 0.0, below.At(0, 0, 0))
	assert.Equal(t, 2.0, above.At(0, 0, 0))
}

func TestExtractSliceLinearBlend(t *testing.T) {
	vol := rampVolume(2, 2, 4)

	im := ExtractSlice(vol, 1.25, Linear)
	assert.InDelta(t, 1.25, im.At(1, 1, 0), 1e-12)

	// Exactly on a plane, both modes agree.
	lin := ExtractSlice(vol, 2, Linear)
	nn := ExtractSlice(vol, 2, NearestNeighbor)
	assert.Equal(t, nn.Pixels, lin.Pixels)
}

func TestParseSampling(t *testing.T) {
	m, err := ParseSampling("")
	require.NoError(t, err)
	assert.Equal(t, NearestNeighbor, m)

	m, err = ParseSampling("trilinear")
	require.NoError(t, err)
	assert.Equal(t, Linear, m)

	_, err = ParseSampling("cubic")
	assert.Error(t, err)
}
