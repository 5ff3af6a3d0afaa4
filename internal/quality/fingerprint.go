package quality

import (
	"image"
	"log/slog"

	"github.com/corona10/goimagehash"
)

// Fingerprint computes a 64-bit DCT perceptual hash of img. Resizing and
// recompression move few bits, so near-identical shots stay within a small
// Hamming distance. A nil or empty image hashes to zero.
func Fingerprint(img image.Image) uint64 {
	if img == nil || img.Bounds().Empty() {
		return 0
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		slog.Debug("perceptual hash failed", "error", err)
		return 0
	}
	return h.GetHash()
}
