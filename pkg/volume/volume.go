// Package volume extracts 2D cross-sections from a reference 3D volume.
// A cross-section is the single-plane sample of the volume at a physical z
// position, reduced to 2D by dropping the out-of-plane axis from the
// geometry metadata.
package volume

import (
	"fmt"
	"math"

	"histostack/internal/models"
)

// Sampling selects how the plane at a continuous z coordinate is sampled.
type Sampling int

const (
	// NearestNeighbor picks the closest voxel plane.
	NearestNeighbor Sampling = iota

	// Linear blends the two bracketing voxel planes.
	Linear
)

// ParseSampling maps a configuration string to a Sampling mode.
func ParseSampling(s string) (Sampling, error) {
	switch s {
	case "", "nearest":
		return NearestNeighbor, nil
	case "linear", "trilinear":
		return Linear, nil
	default:
		return 0, fmt.Errorf("unknown sampling mode %q", s)
	}
}

// ExtractSlice samples the cross-section of vol at physical position z. The
// result keeps the volume's in-plane geometry; the out-of-plane axis is
// dropped. Positions outside the volume clamp to the nearest plane.
func ExtractSlice(vol *models.Volume, z float64, mode Sampling) *models.Image {
	out := models.NewImage(vol.Width, vol.Height, vol.Components)
	out.Origin = [2]float64{vol.Origin[0], vol.Origin[1]}
	out.Spacing = [2]float64{vol.Spacing[0], vol.Spacing[1]}

	k := vol.PlaneIndex(z)
	switch mode {
	case Linear:
		k0 := clampPlane(int(math.Floor(k)), vol.Depth)
		k1 := clampPlane(k0+1, vol.Depth)
		t := k - math.Floor(k)
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		blendPlane(vol, out, k0, k1, t)
	default:
		copyPlane(vol, out, clampPlane(int(math.Round(k)), vol.Depth))
	}
	return out
}

func clampPlane(k, depth int) int {
	if k < 0 {
		return 0
	}
	if k >= depth {
		return depth - 1
	}
	return k
}

func copyPlane(vol *models.Volume, out *models.Image, k int) {
	for y := 0; y < vol.Height; y++ {
		for x := 0; x < vol.Width; x++ {
			for c := 0; c < vol.Components; c++ {
				out.Set(x, y, c, vol.At(x, y, k, c))
			}
		}
	}
}

func blendPlane(vol *models.Volume, out *models.Image, k0, k1 int, t float64) {
	for y := 0; y < vol.Height; y++ {
		for x := 0; x < vol.Width; x++ {
			for c := 0; c < vol.Components; c++ {
				v := (1-t)*vol.At(x, y, k0, c) + t*vol.At(x, y, k1, c)
				out.Set(x, y, c, v)
			}
		}
	}
}
