package models

// Image is a 2D multi-component pixel buffer with physical geometry.
// Pixel data is stored as a flat array in row-major order, with the
// components of one pixel adjacent: Pixels[(y*Width+x)*Components + c].
//
// The actual interpretation of pixel values is left to the registration
// engine; the pipeline only moves these buffers around.
type Image struct {
	// Width and Height are the in-plane dimensions in pixels.
	Width, Height int

	// Components is the number of values per pixel.
	Components int

	// Origin is the physical position of the first pixel.
	Origin [2]float64

	// Spacing is the physical size of one pixel.
	Spacing [2]float64

	// Pixels is the flat pixel buffer.
	Pixels []float64
}

// NewImage allocates a zero-filled image with unit spacing.
func NewImage(width, height, components int) *Image {
	return &Image{
		Width:      width,
		Height:     height,
		Components: components,
		Spacing:    [2]float64{1, 1},
		Pixels:     make([]float64, width*height*components),
	}
}

// At returns component c of the pixel at (x, y).
func (im *Image) At(x, y, c int) float64 {
	return im.Pixels[(y*im.Width+x)*im.Components+c]
}

// Set assigns component c of the pixel at (x, y).
func (im *Image) Set(x, y, c int, v float64) {
	im.Pixels[(y*im.Width+x)*im.Components+c] = v
}

// ByteSize returns the in-memory size of the pixel buffer in bytes. This is
// the quantity charged against the image cache budget.
func (im *Image) ByteSize() int64 {
	return int64(len(im.Pixels)) * 8
}

// MaxDim returns the larger of the in-plane dimensions.
func (im *Image) MaxDim() int {
	if im.Width > im.Height {
		return im.Width
	}
	return im.Height
}

// Clone returns a deep copy of the image.
func (im *Image) Clone() *Image {
	out := *im
	out.Pixels = make([]float64, len(im.Pixels))
	copy(out.Pixels, im.Pixels)
	return &out
}

// PadReplicate returns a copy of the image grown by border pixels on every
// side. New pixels replicate the nearest edge pixel (zero-flux boundary),
// and the origin shifts so that the original content keeps its physical
// position.
func (im *Image) PadReplicate(border int) *Image {
	if border <= 0 {
		return im.Clone()
	}
	out := NewImage(im.Width+2*border, im.Height+2*border, im.Components)
	out.Spacing = im.Spacing
	out.Origin = [2]float64{
		im.Origin[0] - float64(border)*im.Spacing[0],
		im.Origin[1] - float64(border)*im.Spacing[1],
	}
	for y := 0; y < out.Height; y++ {
		srcY := clamp(y-border, 0, im.Height-1)
		for x := 0; x < out.Width; x++ {
			srcX := clamp(x-border, 0, im.Width-1)
			for c := 0; c < im.Components; c++ {
				out.Set(x, y, c, im.At(srcX, srcY, c))
			}
		}
	}
	return out
}

// Volume is a 3D multi-component voxel buffer with physical geometry,
// stored as a flat array in row-major order:
// Pixels[((z*Height+y)*Width+x)*Components + c].
type Volume struct {
	// Width, Height and Depth are the volume dimensions in voxels.
	Width, Height, Depth int

	// Components is the number of values per voxel.
	Components int

	// Origin is the physical position of the first voxel.
	Origin [3]float64

	// Spacing is the physical size of one voxel.
	Spacing [3]float64

	// Pixels is the flat voxel buffer.
	Pixels []float64
}

// NewVolume allocates a zero-filled volume with unit spacing.
func NewVolume(width, height, depth, components int) *Volume {
	return &Volume{
		Width:      width,
		Height:     height,
		Depth:      depth,
		Components: components,
		Spacing:    [3]float64{1, 1, 1},
		Pixels:     make([]float64, width*height*depth*components),
	}
}

// At returns component c of the voxel at (x, y, z).
func (v *Volume) At(x, y, z, c int) float64 {
	return v.Pixels[((z*v.Height+y)*v.Width+x)*v.Components+c]
}

// Set assigns component c of the voxel at (x, y, z).
func (v *Volume) Set(x, y, z, c int, val float64) {
	v.Pixels[((z*v.Height+y)*v.Width+x)*v.Components+c] = val
}

// ByteSize returns the in-memory size of the voxel buffer in bytes.
func (v *Volume) ByteSize() int64 {
	return int64(len(v.Pixels)) * 8
}

// PlaneIndex returns the continuous plane coordinate of physical position z.
func (v *Volume) PlaneIndex(z float64) float64 {
	if v.Spacing[2] == 0 {
		return 0
	}
	return (z - v.Origin[2]) / v.Spacing[2]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
