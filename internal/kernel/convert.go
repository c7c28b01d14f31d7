// Copyright 2026 The IQM Authors. All rights reserved.

// Package kernel implements PrimitiveKit: the data-parallel
// building blocks reused by every metric pipeline. Each
// function here is pure Go, operating on plain slices; each
// metric package wraps the ones it needs in kernels registered
// with driver/cpu's software kernel registry, so that its
// pipelines invoke them exactly as they would invoke a real
// compute shader.
package kernel

import (
	"encoding/binary"
	"math"
)

// BytesToFloat32s reinterprets a little-endian byte slice as a
// float32 slice.
func BytesToFloat32s(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// Float32sToBytes writes f into a newly allocated little-endian
// byte slice.
func Float32sToBytes(f []float32) []byte {
	out := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// PutFloat32s writes f into dst (which must be at least
// len(f)*4 bytes) in little-endian order.
func PutFloat32s(dst []byte, f []float32) {
	for i, v := range f {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

// RGBA8ToFloat unpacks interleaved 8-bit sRGB+alpha texels into
// four float32 planes, each normalized to [0,1]. Alpha is
// carried through unmodified (every metric ignores it, per the
// module's pixel-image invariant).
func RGBA8ToFloat(rgba []byte) (r, g, b, a []float32) {
	n := len(rgba) / 4
	r = make([]float32, n)
	g = make([]float32, n)
	b = make([]float32, n)
	a = make([]float32, n)
	for i := 0; i < n; i++ {
		r[i] = float32(rgba[i*4+0]) / 255
		g[i] = float32(rgba[i*4+1]) / 255
		b[i] = float32(rgba[i*4+2]) / 255
		a[i] = float32(rgba[i*4+3]) / 255
	}
	return
}

// SRGBToLuma computes ITU-R BT.601 luma from sRGB-encoded
// red/green/blue planes. Used directly by PSNR's Luma variant
// and as an input stage to FSIM's phase congruency pipeline.
func SRGBToLuma(r, g, b []float32) []float32 {
	out := make([]float32, len(r))
	for i := range out {
		out[i] = 0.299*r[i] + 0.587*g[i] + 0.114*b[i]
	}
	return out
}

// SRGBToYUV converts sRGB planes to Y, U, V planes using the
// standard BT.601 matrix.
func SRGBToYUV(r, g, b []float32) (y, u, v []float32) {
	y = make([]float32, len(r))
	u = make([]float32, len(r))
	v = make([]float32, len(r))
	for i := range r {
		y[i] = 0.299*r[i] + 0.587*g[i] + 0.114*b[i]
		u[i] = -0.14713*r[i] - 0.28886*g[i] + 0.436*b[i]
		v[i] = 0.615*r[i] - 0.51499*g[i] - 0.10001*b[i]
	}
	return
}

// srgbToLinear applies the sRGB electro-optical transfer
// function to a single normalized channel value.
func srgbToLinear(c float32) float32 {
	if c <= 0.04045 {
		return c / 12.92
	}
	return float32(math.Pow((float64(c)+0.055)/1.055, 2.4))
}

// SRGBToYCxCz converts sRGB planes to the opponent YCxCz color
// space used throughout FLIP, following the reference
// implementation's matrices verbatim (spec's Open Question
// resolution: reproduce rather than re-derive).
func SRGBToYCxCz(r, g, b []float32) (y, cx, cz []float32) {
	n := len(r)
	y = make([]float32, n)
	cx = make([]float32, n)
	cz = make([]float32, n)
	// sRGB -> linear -> XYZ (D65) -> YCxCz, reference white
	// point as used by the FLIP reference implementation.
	const (
		refX = 95.0489
		refY = 100.0
		refZ = 108.8840
	)
	for i := 0; i < n; i++ {
		lr := srgbToLinear(r[i])
		lg := srgbToLinear(g[i])
		lb := srgbToLinear(b[i])
		x := (0.4124564*lr + 0.3575761*lg + 0.1804375*lb) * 100
		yy := (0.2126729*lr + 0.7151522*lg + 0.0721750*lb) * 100
		z := (0.0193339*lr + 0.1191920*lg + 0.9503041*lb) * 100
		y[i] = 116*(yy/refY) - 16
		cx[i] = 500 * (x/refX - yy/refY)
		cz[i] = 200 * (yy/refY - z/refZ)
	}
	return
}
