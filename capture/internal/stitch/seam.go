package stitch

import "image"

// sigSamples is the number of columns sampled per row. Sampling keeps the
// signature cheap on wide frames without losing seam sensitivity.
const sigSamples = 64

// rowSignature reduces one raster row to a single brightness value by
// averaging sampled RGB channels. row is relative to the image bounds.
func rowSignature(img image.Image, row int) float64 {
	b := img.Bounds()
	if row < 0 || row >= b.Dy() {
		return 0
	}
	step := b.Dx() / sigSamples
	if step < 1 {
		step = 1
	}
	y := b.Min.Y + row

	if rgba, ok := img.(*image.RGBA); ok {
		var sum float64
		var n int
		i := rgba.PixOffset(b.Min.X, y)
		stride := 4 * step
		for x := b.Min.X; x < b.Max.X; x += step {
			sum += float64(rgba.Pix[i]) + float64(rgba.Pix[i+1]) + float64(rgba.Pix[i+2])
			n += 3
			i += stride
		}
		return sum / float64(n)
	}

	var sum float64
	var n int
	for x := b.Min.X; x < b.Max.X; x += step {
		r, g, bl, _ := img.At(x, y).RGBA()
		sum += float64(r>>8) + float64(g>>8) + float64(bl>>8)
		n += 3
	}
	return sum / float64(n)
}
