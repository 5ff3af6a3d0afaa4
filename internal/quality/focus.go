package quality

import (
	"image"

	"github.com/pavelanni/examscan/internal/imaging"
)

// focusEdge bounds the long side of the luminance image the focus measure
// runs on, so the score does not depend on camera resolution.
const focusEdge = 1024

// FocusScore returns the variance of the 4-neighbour Laplacian over the
// image's luminance. Sharp pages score high; blurred and blank pages
// score near zero.
func FocusScore(img image.Image) float64 {
	g := imaging.Luminance(img)
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if long := max(w, h); long > focusEdge {
		w = max(1, w*focusEdge/long)
		h = max(1, h*focusEdge/long)
		g = imaging.ScaleGray(g, w, h)
	}
	if w < 3 || h < 3 {
		return 0
	}

	var sum, sumSq float64
	n := float64((w - 2) * (h - 2))
	for y := 1; y < h-1; y++ {
		row := y * g.Stride
		for x := 1; x < w-1; x++ {
			i := row + x
			lap := 4*float64(g.Pix[i]) -
				float64(g.Pix[i-1]) - float64(g.Pix[i+1]) -
				float64(g.Pix[i-g.Stride]) - float64(g.Pix[i+g.Stride])
			sum += lap
			sumSq += lap * lap
		}
	}
	mean := sum / n
	return sumSq/n - mean*mean
}
