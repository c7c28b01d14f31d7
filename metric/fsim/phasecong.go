// Copyright 2026 The IQM Authors. All rights reserved.

package fsim

import (
	"math"

	"iqm/internal/fft"
	"iqm/internal/kernel"
)

// Phase congruency constants, §4.6, following Kovesi's published
// phasecong3 parameterization (the GLSL shader sources that would
// have carried the original implementation's literal constants
// were not part of the retrieved reference material, so these are
// the standard literature values the algorithm the spec describes
// is built on).
const (
	nscale        = 4
	norient       = 4
	minWaveLength = 6.0
	waveMult      = 2.0
	sigmaOnf      = 0.55
	dThetaOnSigma = 1.2
	noiseK        = 2.0
	butterCutoff  = 0.45
	butterOrder   = 15.0
	pcEps         = 1e-4
)

// downscaleFactor is §4.6's box-filter downscale factor,
// max(1, round(min(w,h)/256)), applied before the
// phase-congruency and gradient passes: images whose shorter
// side is under 384 pixels keep their full resolution.
func downscaleFactor(w, h int) int {
	m := w
	if h < m {
		m = h
	}
	f := int(math.Round(float64(m) / 256))
	if f < 1 {
		f = 1
	}
	return f
}

// boxDownscale averages src (w by h) over non-overlapping
// factor-by-factor blocks.
func boxDownscale(src []float32, w, h, factor int) []float32 {
	w2, h2 := w/factor, h/factor
	dst := make([]float32, w2*h2)
	area := float32(factor * factor)
	for y2 := 0; y2 < h2; y2++ {
		for x2 := 0; x2 < w2; x2++ {
			var sum float32
			for dy := 0; dy < factor; dy++ {
				row := (y2*factor + dy) * w
				for dx := 0; dx < factor; dx++ {
					sum += src[row+x2*factor+dx]
				}
			}
			dst[y2*w2+x2] = sum / area
		}
	}
	return dst
}

// rgbToYIQ255 converts normalized sRGB planes to the NTSC YIQ
// basis FSIMc's chrominance similarity terms operate over, scaled
// to the [0,255]-equivalent range the combination constants T3/T4
// are tuned for.
func rgbToYIQ255(r, g, b []float32) (y, iq, q []float32) {
	n := len(r)
	y = make([]float32, n)
	iq = make([]float32, n)
	q = make([]float32, n)
	for idx := range r {
		y[idx] = 255 * (0.299*r[idx] + 0.587*g[idx] + 0.114*b[idx])
		iq[idx] = 255 * (0.596*r[idx] - 0.274*g[idx] - 0.322*b[idx])
		q[idx] = 255 * (0.211*r[idx] - 0.523*g[idx] + 0.312*b[idx])
	}
	return
}

// freqGrids returns the normalized radial frequency and
// orientation angle at each pixel of a w by h DFT, following the
// standard unshifted FFT layout (DC at index 0).
func freqGrids(w, h int) (radius, theta []float64) {
	n := w * h
	radius = make([]float64, n)
	theta = make([]float64, n)
	for y := 0; y < h; y++ {
		fy := float64(y) / float64(h)
		if y > h/2 {
			fy = float64(y-h) / float64(h)
		}
		for x := 0; x < w; x++ {
			fx := float64(x) / float64(w)
			if x > w/2 {
				fx = float64(x-w) / float64(w)
			}
			i := y*w + x
			radius[i] = math.Hypot(fx, fy)
			theta[i] = math.Atan2(fy, fx)
		}
	}
	return
}

func butterworthLP(radius []float64, cutoff, order float64) []float64 {
	out := make([]float64, len(radius))
	for i, r := range radius {
		out[i] = 1 / (1 + math.Pow(r/cutoff, 2*order))
	}
	return out
}

// logGaborFilter builds the radial log-Gabor filter for centre
// frequency fo, zeroing the DC term (index 0).
func logGaborFilter(radius []float64, fo float64) []float64 {
	out := make([]float64, len(radius))
	denom := 2 * math.Log(sigmaOnf) * math.Log(sigmaOnf)
	for i, r := range radius {
		if r == 0 {
			r = 1
		}
		l := math.Log(r / fo)
		out[i] = math.Exp(-(l * l) / denom)
	}
	out[0] = 0
	return out
}

// angularSpread builds the Gaussian angular weighting centred on
// orientation angl.
func angularSpread(theta []float64, angl, thetaSigma float64) []float64 {
	out := make([]float64, len(theta))
	cosA, sinA := math.Cos(angl), math.Sin(angl)
	for i, th := range theta {
		ds := math.Sin(th)*cosA - math.Cos(th)*sinA
		dc := math.Cos(th)*cosA + math.Sin(th)*sinA
		dtheta := math.Abs(math.Atan2(ds, dc))
		out[i] = math.Exp(-(dtheta * dtheta) / (2 * thetaSigma * thetaSigma))
	}
	return out
}

// phaseCongruency computes Kovesi-style phase congruency over a
// w by h luma plane: nscale log-Gabor filters at norient
// orientations, combined into a noise-compensated energy map and
// normalized by the per-orientation amplitude sum, per §4.6's
// phase-congruency primitive.
func phaseCongruency(luma []float32, w, h int, plan *fft.Plan) []float32 {
	n := w * h
	im := make([]complex128, n)
	for i, v := range luma {
		im[i] = complex(float64(v), 0)
	}
	plan.Forward2D(im)

	radius, theta := freqGrids(w, h)
	lp := butterworthLP(radius, butterCutoff, butterOrder)
	loGabors := make([][]float64, nscale)
	for s := 0; s < nscale; s++ {
		fo := 1 / (minWaveLength * math.Pow(waveMult, float64(s)))
		g := logGaborFilter(radius, fo)
		for i := range g {
			g[i] *= lp[i]
		}
		loGabors[s] = g
	}
	thetaSigma := math.Pi / float64(norient) / dThetaOnSigma

	pcNum := make([]float64, n)
	pcDen := make([]float64, n)

	for o := 0; o < norient; o++ {
		angl := float64(o) * math.Pi / float64(norient)
		spread := angularSpread(theta, angl, thetaSigma)

		// Summed filter power for this orientation, packed while
		// building the per-scale filters, §4.6 step 6.
		var filterPower float64
		for s := 0; s < nscale; s++ {
			filter := loGabors[s]
			for i := range filter {
				g := filter[i] * spread[i]
				filterPower += g * g
			}
		}

		sumE := make([]float64, n)
		sumO := make([]float64, n)
		sumAn := make([]float64, n)
		eo := make([][]complex128, nscale)

		for s := 0; s < nscale; s++ {
			filter := loGabors[s]
			prod := make([]complex128, n)
			for i := range prod {
				prod[i] = im[i] * complex(filter[i]*spread[i], 0)
			}
			plan.Inverse2D(prod)
			eo[s] = prod
			for i, c := range prod {
				re, im2 := real(c), imag(c)
				sumAn[i] += math.Hypot(re, im2)
				sumE[i] += re
				sumO[i] += im2
			}
		}

		// Noise power, §4.6 step 9: pack squared magnitudes of the
		// finest-scale response, radix-sort, take the median, and
		// derive expected noise power as -median/ln(0.5) divided by
		// the summed filter power.
		sqMag := make([]float32, n)
		for i, c := range eo[0] {
			re, im2 := real(c), imag(c)
			sqMag[i] = float32(re*re + im2*im2)
		}
		medianSqMag := float64(kernel.Median(sqMag))
		noisePower := (-medianSqMag / math.Log(0.5)) / filterPower
		t := noiseK * math.Sqrt(noisePower)

		for i := 0; i < n; i++ {
			xEnergy := math.Sqrt(sumE[i]*sumE[i]+sumO[i]*sumO[i]) + pcEps
			meanE := sumE[i] / xEnergy
			meanO := sumO[i] / xEnergy
			var energy float64
			for s := 0; s < nscale; s++ {
				re, im2 := real(eo[s][i]), imag(eo[s][i])
				energy += re*meanE + im2*meanO - math.Abs(re*meanO-im2*meanE)
			}
			energy -= t
			if energy < 0 {
				energy = 0
			}
			pcNum[i] += energy
			pcDen[i] += sumAn[i]
		}
	}

	pc := make([]float32, n)
	for i := range pc {
		pc[i] = float32(pcNum[i] / (pcDen[i] + pcEps))
	}
	return pc
}

// scharrGradient computes the Scharr gradient magnitude of a w by
// h plane, §4.6's gradient-magnitude primitive.
func scharrGradient(luma []float32, w, h int) []float32 {
	gx := [3][3]float32{{3, 0, -3}, {10, 0, -10}, {3, 0, -3}}
	gy := [3][3]float32{{3, 10, 3}, {0, 0, 0}, {-3, -10, -3}}
	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sx, sy float32
			for dy := -1; dy <= 1; dy++ {
				cy := clampCoord(y+dy, h)
				for dx := -1; dx <= 1; dx++ {
					cx := clampCoord(x+dx, w)
					v := luma[cy*w+cx]
					sx += gx[dy+1][dx+1] * v
					sy += gy[dy+1][dx+1] * v
				}
			}
			out[y*w+x] = float32(math.Hypot(float64(sx/16), float64(sy/16)))
		}
	}
	return out
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
