// Copyright 2026 The IQM Authors. All rights reserved.

package flip

import "math"

// gaussianDerivativeWeights returns the first-derivative-of-Gaussian
// kernel of size k and standard deviation sigma, normalized so the
// sum of absolute weights is 1 (the edge half of §4.7's point/edge
// feature filter pair).
func gaussianDerivativeWeights(k int, sigma float32) []float32 {
	r := (k - 1) / 2
	w := make([]float32, k)
	var sumAbs float32
	sigma2 := float64(sigma) * float64(sigma)
	for i := -r; i <= r; i++ {
		v := float32(-float64(i) / sigma2 * math.Exp(-float64(i*i)/(2*sigma2)))
		w[i+r] = v
		if v < 0 {
			sumAbs -= v
		} else {
			sumAbs += v
		}
	}
	if sumAbs > 0 {
		for i := range w {
			w[i] /= sumAbs
		}
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

// convHorizontal/convVertical apply an arbitrary odd-length 1D
// kernel along one axis, clamping out-of-bounds samples, the
// building block for both the CSF prefilter and the point/edge
// feature filters of §4.7.
func convHorizontal(src []float32, w, h int, weights []float32) []float32 {
	r := (len(weights) - 1) / 2
	dst := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			var acc float32
			for i := -r; i <= r; i++ {
				acc += weights[i+r] * src[row+clampCoord(x+i, w)]
			}
			dst[row+x] = acc
		}
	}
	return dst
}

func convVertical(src []float32, w, h int, weights []float32) []float32 {
	r := (len(weights) - 1) / 2
	dst := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float32
			for i := -r; i <= r; i++ {
				acc += weights[i+r] * src[clampCoord(y+i, h)*w+x]
			}
			dst[y*w+x] = acc
		}
	}
	return dst
}

// hyab is the hybrid L1/L2 color difference FLIP measures
// perceptual color error with: the L1 distance on the luminance
// axis plus the L2 distance on the chroma plane.
func hyab(y1, cx1, cz1, y2, cx2, cz2 float32) float32 {
	dy := y1 - y2
	if dy < 0 {
		dy = -dy
	}
	dcx := cx1 - cx2
	dcz := cz1 - cz2
	return dy + float32(math.Hypot(float64(dcx), float64(dcz)))
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
