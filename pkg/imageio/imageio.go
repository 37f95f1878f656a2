// Package imageio reads and writes the flat binary interchange format used
// for slide images and reference volumes inside a project directory. Real
// scanner formats are the registration engine's concern; the pipeline only
// needs a lossless round-trip for its own checkpoint artifacts.
//
// The encoding is little-endian: a four-byte magic, the dimensions, the
// geometry, then the raw float64 buffer.
package imageio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"histostack/internal/models"
)

var (
	imageMagic  = [4]byte{'H', 'S', 'I', '1'}
	volumeMagic = [4]byte{'H', 'S', 'V', '1'}
)

type imageHeader struct {
	Magic      [4]byte
	Width      int32
	Height     int32
	Components int32
	_          int32 // reserved
	Origin     [2]float64
	Spacing    [2]float64
}

type volumeHeader struct {
	Magic      [4]byte
	Width      int32
	Height     int32
	Depth      int32
	Components int32
	Origin     [3]float64
	Spacing    [3]float64
}

// EncodeImage serializes an image to its binary form.
func EncodeImage(im *models.Image) ([]byte, error) {
	hdr := imageHeader{
		Magic:      imageMagic,
		Width:      int32(im.Width),
		Height:     int32(im.Height),
		Components: int32(im.Components),
		Origin:     im.Origin,
		Spacing:    im.Spacing,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("failed to write image header: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, im.Pixels); err != nil {
		return nil, fmt.Errorf("failed to write pixel data: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeImage parses an image from its binary form.
func DecodeImage(data []byte) (*models.Image, error) {
	r := bytes.NewReader(data)
	var hdr imageHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if hdr.Magic != imageMagic {
		return nil, fmt.Errorf("bad image magic %q", hdr.Magic)
	}
	im := models.NewImage(int(hdr.Width), int(hdr.Height), int(hdr.Components))
	im.Origin = hdr.Origin
	im.Spacing = hdr.Spacing
	if err := binary.Read(r, binary.LittleEndian, im.Pixels); err != nil {
		return nil, fmt.Errorf("failed to read pixel data: %w", err)
	}
	return im, nil
}

// EncodeVolume serializes a volume to its binary form.
func EncodeVolume(v *models.Volume) ([]byte, error) {
	hdr := volumeHeader{
		Magic:      volumeMagic,
		Width:      int32(v.Width),
		Height:     int32(v.Height),
		Depth:      int32(v.Depth),
		Components: int32(v.Components),
		Origin:     v.Origin,
		Spacing:    v.Spacing,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("failed to write volume header: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, v.Pixels); err != nil {
		return nil, fmt.Errorf("failed to write voxel data: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVolume parses a volume from its binary form.
func DecodeVolume(data []byte) (*models.Volume, error) {
	r := bytes.NewReader(data)
	var hdr volumeHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read volume header: %w", err)
	}
	if hdr.Magic != volumeMagic {
		return nil, fmt.Errorf("bad volume magic %q", hdr.Magic)
	}
	v := models.NewVolume(int(hdr.Width), int(hdr.Height), int(hdr.Depth), int(hdr.Components))
	v.Origin = hdr.Origin
	v.Spacing = hdr.Spacing
	if err := binary.Read(r, binary.LittleEndian, v.Pixels); err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}
	return v, nil
}
