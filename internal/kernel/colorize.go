// Copyright 2026 The IQM Authors. All rights reserved.

package kernel

// Colormap is a 256-entry RGBA float lookup table, the CPU
// analogue of the 256x1 colormap texture of §4.2.
type Colormap [256][4]float32

// Colorize maps each value in p (expected in [0,1], optionally
// inverted) through cmap, producing interleaved RGBA8 output:
// colormap[floor(clamp(p*scaler,0,1)*255)].
func Colorize(p []float32, cmap *Colormap, scaler float32, invert bool) []byte {
	out := make([]byte, len(p)*4)
	for i, v := range p {
		if invert {
			v = 1 - v
		}
		v *= scaler
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		idx := int(v * 255)
		if idx > 255 {
			idx = 255
		}
		c := cmap[idx]
		out[i*4+0] = byte(c[0] * 255)
		out[i*4+1] = byte(c[1] * 255)
		out[i*4+2] = byte(c[2] * 255)
		out[i*4+3] = byte(c[3] * 255)
	}
	return out
}

// Grayscale maps each value in p (expected in [0,1], optionally
// inverted) through the same clamp-and-scale rule as Colorize,
// producing one 8-bit sample per pixel for the non-colorized
// visualization path.
func Grayscale(p []float32, scaler float32, invert bool) []byte {
	out := make([]byte, len(p))
	for i, v := range p {
		if invert {
			v = 1 - v
		}
		v *= scaler
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		out[i] = byte(v * 255)
	}
	return out
}

// Viridis returns a coarse, hand-sampled approximation of the
// viridis colormap used by the FLIP visualization path. It is
// deliberately minimal: a small number of stops, linearly
// interpolated, reproducing viridis's look without embedding
// the full 256-entry reference table.
func Viridis() *Colormap {
	stops := [][4]float32{
		{0.267, 0.005, 0.329, 1},
		{0.283, 0.141, 0.458, 1},
		{0.254, 0.265, 0.530, 1},
		{0.207, 0.372, 0.553, 1},
		{0.164, 0.471, 0.558, 1},
		{0.128, 0.567, 0.551, 1},
		{0.135, 0.659, 0.518, 1},
		{0.267, 0.749, 0.441, 1},
		{0.478, 0.821, 0.318, 1},
		{0.741, 0.873, 0.150, 1},
		{0.993, 0.906, 0.144, 1},
	}
	var cmap Colormap
	last := len(stops) - 1
	for i := 0; i < 256; i++ {
		t := float32(i) / 255 * float32(last)
		lo := int(t)
		if lo >= last {
			cmap[i] = stops[last]
			continue
		}
		frac := t - float32(lo)
		for c := 0; c < 4; c++ {
			cmap[i][c] = stops[lo][c] + (stops[lo+1][c]-stops[lo][c])*frac
		}
	}
	return &cmap
}
