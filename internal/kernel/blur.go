// Copyright 2026 The IQM Authors. All rights reserved.

package kernel

import "math"

// GaussianWeights returns the K discrete Gaussian weights for
// radius r=(K-1)/2 and standard deviation sigma, normalized to
// sum to 1, per the separable-blur contract: w_i =
// exp(-i^2/(2*sigma^2)), implicitly normalized by the sum.
func GaussianWeights(k int, sigma float32) []float32 {
	r := (k - 1) / 2
	w := make([]float32, k)
	var sum float32
	for i := -r; i <= r; i++ {
		v := float32(math.Exp(-float64(i*i) / (2 * float64(sigma) * float64(sigma))))
		w[i+r] = v
		sum += v
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

func clampCoord(c, n int) int {
	if c < 0 {
		return 0
	}
	if c >= n {
		return n - 1
	}
	return c
}

// BlurHorizontal applies a 1D Gaussian kernel along the x axis
// of a single-channel float image, clamping out-of-bounds
// samples to the nearest valid coordinate.
func BlurHorizontal(src []float32, w, h, k int, sigma float32) []float32 {
	weights := GaussianWeights(k, sigma)
	r := (k - 1) / 2
	dst := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			var acc float32
			for i := -r; i <= r; i++ {
				sx := clampCoord(x+i, w)
				acc += weights[i+r] * src[row+sx]
			}
			dst[row+x] = acc
		}
	}
	return dst
}

// BlurVertical applies a 1D Gaussian kernel along the y axis.
func BlurVertical(src []float32, w, h, k int, sigma float32) []float32 {
	weights := GaussianWeights(k, sigma)
	r := (k - 1) / 2
	dst := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float32
			for i := -r; i <= r; i++ {
				sy := clampCoord(y+i, h)
				acc += weights[i+r] * src[sy*w+x]
			}
			dst[y*w+x] = acc
		}
	}
	return dst
}

// SeparableBlur runs the horizontal pass into scratch, then the
// vertical pass, matching the two-dispatch contract of §4.2's
// separable Gaussian blur primitive.
func SeparableBlur(src []float32, w, h, k int, sigma float32) []float32 {
	scratch := BlurHorizontal(src, w, h, k, sigma)
	return BlurVertical(scratch, w, h, k, sigma)
}
