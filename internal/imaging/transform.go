package imaging

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// NormalizeDegrees maps an angle onto [0, 360).
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Rotate turns img counter-clockwise by deg degrees. Multiples of 90 are
// exact pixel permutations; any other angle is resampled bilinearly onto a
// white canvas large enough to hold the whole rotated page.
func Rotate(img image.Image, deg float64) *image.RGBA {
	src := ToRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()

	switch NormalizeDegrees(deg) {
	case 0:
		return src
	case 90:
		return remap(src, h, w, func(x, y int) (int, int) { return w - 1 - y, x })
	case 180:
		return remap(src, w, h, func(x, y int) (int, int) { return w - 1 - x, h - 1 - y })
	case 270:
		return remap(src, h, w, func(x, y int) (int, int) { return y, h - 1 - x })
	}

	theta := NormalizeDegrees(deg) * math.Pi / 180
	sin, cos := math.Sincos(theta)
	dw := int(math.Ceil(math.Abs(float64(w)*cos) + math.Abs(float64(h)*sin)))
	dh := int(math.Ceil(math.Abs(float64(w)*sin) + math.Abs(float64(h)*cos)))

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)

	cx, cy := float64(w)/2, float64(h)/2
	dcx, dcy := float64(dw)/2, float64(dh)/2
	// source -> destination, y axis pointing down
	s2d := f64.Aff3{
		cos, sin, dcx - cx*cos - cy*sin,
		-sin, cos, dcy + cx*sin - cy*cos,
	}
	xdraw.BiLinear.Transform(dst, s2d, src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// FlipHorizontal mirrors img left to right.
func FlipHorizontal(img image.Image) *image.RGBA {
	src := ToRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	return remap(src, w, h, func(x, y int) (int, int) { return w - 1 - x, y })
}

// FlipVertical mirrors img top to bottom.
func FlipVertical(img image.Image) *image.RGBA {
	src := ToRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	return remap(src, w, h, func(x, y int) (int, int) { return x, h - 1 - y })
}

// AdjustBrightness scales every colour channel by factor; 1 is a no-op,
// 0 gives black.
func AdjustBrightness(img image.Image, factor float64) *image.RGBA {
	dst := ToRGBA(img)
	if factor == 1 {
		return dst
	}
	for i := 0; i < len(dst.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			dst.Pix[i+c] = clamp8(float64(dst.Pix[i+c]) * factor)
		}
	}
	return dst
}

// AdjustContrast stretches every channel away from the image's mean
// luminance by factor; 1 is a no-op, 0 gives a flat grey page.
func AdjustContrast(img image.Image, factor float64) *image.RGBA {
	dst := ToRGBA(img)
	if factor == 1 {
		return dst
	}
	mean := MeanLuminance(Luminance(dst))
	for i := 0; i < len(dst.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			dst.Pix[i+c] = clamp8(mean + (float64(dst.Pix[i+c])-mean)*factor)
		}
	}
	return dst
}

// MeanLuminance returns the average pixel value of g.
func MeanLuminance(g *image.Gray) float64 {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w == 0 || h == 0 {
		return 0
	}
	var sum uint64
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for _, v := range row {
			sum += uint64(v)
		}
	}
	return float64(sum) / float64(w*h)
}

// remap builds a w×h image whose pixel (x, y) is src pixel at(x, y).
func remap(src *image.RGBA, w, h int, at func(x, y int) (int, int)) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := at(x, y)
			si := src.PixOffset(sx, sy)
			di := dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.Round(v))
}
