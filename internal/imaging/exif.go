package imaging

import (
	"bytes"
	"image"

	"github.com/rwcarlsen/goexif/exif"
)

// Orientation returns the EXIF orientation tag (1..8) of an encoded image,
// or 1 when the image carries no usable EXIF data.
func Orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}

// ApplyOrientation returns img transformed so that it displays upright for
// the given EXIF orientation. Orientation 1 returns an unmodified copy.
func ApplyOrientation(img image.Image, o int) *image.RGBA {
	switch o {
	case 2:
		return FlipHorizontal(img)
	case 3:
		return Rotate(img, 180)
	case 4:
		return FlipVertical(img)
	case 5:
		// transpose
		return FlipHorizontal(Rotate(img, 270))
	case 6:
		return Rotate(img, 270)
	case 7:
		// transverse
		return FlipHorizontal(Rotate(img, 90))
	case 8:
		return Rotate(img, 90)
	default:
		return ToRGBA(img)
	}
}
