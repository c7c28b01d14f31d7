// Copyright 2026 The IQM Authors. All rights reserved.

package fsim_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "iqm/driver/cpu"
	"iqm/internal/ctxt"
	"iqm/internal/imgio"
	"iqm/metric"
	_ "iqm/metric/fsim"
)

func TestMain(m *testing.M) {
	if err := ctxt.Load("cpu"); err != nil {
		panic(err)
	}
	m.Run()
}

// checkerImage builds a high-contrast checkerboard so that phase
// congruency has real edge features to measure (a flat solid
// image carries none, by construction).
func checkerImage(w, h, block int) *imgio.RGBA8 {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := byte(200)
			if ((x/block)+(y/block))%2 == 0 {
				c = 50
			}
			i := (y*w + x) * 4
			pix[i+0] = c
			pix[i+1] = c
			pix[i+2] = c
			pix[i+3] = 255
		}
	}
	return &imgio.RGBA8{Width: w, Height: h, Pix: pix}
}

func TestFSIMIdenticalIsOne(t *testing.T) {
	img := checkerImage(64, 64, 8)
	fn, err := metric.Lookup(metric.FSIM)
	require.NoError(t, err)
	res, err := fn(img, img, metric.DefaultOptions())
	require.NoError(t, err)
	require.InDelta(t, 1.0, res.Values["FSIM"], 1e-3)
	require.InDelta(t, 1.0, res.Values["FSIMc"], 1e-3)
}

func TestFSIMDistortedIsAtMostOne(t *testing.T) {
	img := checkerImage(64, 64, 8)
	noisy := checkerImage(64, 64, 8)
	for i := 3; i < len(noisy.Pix); i += 4 {
		// leave alpha untouched; lower every texel's red channel
		// by a fixed offset to simulate distortion.
		if i-3 < len(noisy.Pix) {
			idx := i - 3
			if noisy.Pix[idx] > 30 {
				noisy.Pix[idx] -= 30
			}
		}
	}
	fn, err := metric.Lookup(metric.FSIM)
	require.NoError(t, err)
	res, err := fn(img, noisy, metric.DefaultOptions())
	require.NoError(t, err)
	require.True(t, res.Values["FSIM"] <= 1.0)
	require.True(t, res.Values["FSIMc"] <= 1.0)
}

func TestFSIMSizeMismatch(t *testing.T) {
	test := checkerImage(32, 32, 8)
	ref := checkerImage(16, 16, 8)
	fn, err := metric.Lookup(metric.FSIM)
	require.NoError(t, err)
	_, err = fn(test, ref, metric.DefaultOptions())
	require.Error(t, err)
}
