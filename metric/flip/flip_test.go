// Copyright 2026 The IQM Authors. All rights reserved.

package flip_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "iqm/driver/cpu"
	"iqm/internal/ctxt"
	"iqm/internal/imgio"
	"iqm/metric"
	_ "iqm/metric/flip"
)

func TestMain(m *testing.M) {
	if err := ctxt.Load("cpu"); err != nil {
		panic(err)
	}
	m.Run()
}

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

func TestFLIPIdenticalIsZero(t *testing.T) {
	img := checkerImage(64, 64, 8)
	fn, err := metric.Lookup(metric.FLIP)
	require.NoError(t, err)
	res, err := fn(img, img, metric.DefaultOptions())
	require.NoError(t, err)
	require.InDelta(t, 0.0, res.Values["FLIP"], 1e-4)
}

func TestFLIPDistortedIsPositive(t *testing.T) {
	img := checkerImage(64, 64, 8)
	noisy := checkerImage(64, 64, 8)
	for i := 0; i < len(noisy.Pix); i += 4 {
		if noisy.Pix[i] > 30 {
			noisy.Pix[i] -= 30
			noisy.Pix[i+1] -= 30
			noisy.Pix[i+2] -= 30
		}
	}
	fn, err := metric.Lookup(metric.FLIP)
	require.NoError(t, err)
	res, err := fn(img, noisy, metric.DefaultOptions())
	require.NoError(t, err)
	require.True(t, res.Values["FLIP"] > 0)
}

func TestFLIPColorize(t *testing.T) {
	img := checkerImage(32, 32, 4)
	noisy := checkerImage(32, 32, 4)
	noisy.Pix[0] = 0
	opts := metric.DefaultOptions()
	opts.Colorize = true
	fn, err := metric.Lookup(metric.FLIP)
	require.NoError(t, err)
	res, err := fn(img, noisy, opts)
	require.NoError(t, err)
	require.True(t, res.VisRGBA)
	require.Equal(t, 32, res.VisW)
	require.Equal(t, 32, res.VisH)
	require.Len(t, res.Vis, 32*32*4)
}

func TestFLIPSizeMismatch(t *testing.T) {
	test := checkerImage(32, 32, 8)
	ref := checkerImage(16, 16, 8)
	fn, err := metric.Lookup(metric.FLIP)
	require.NoError(t, err)
	_, err = fn(test, ref, metric.DefaultOptions())
	require.Error(t, err)
}

func TestFLIPRequiresMonitorGeometry(t *testing.T) {
	img := checkerImage(16, 16, 4)
	opts := metric.DefaultOptions()
	opts.FlipMonitorWidth = 0
	fn, err := metric.Lookup(metric.FLIP)
	require.NoError(t, err)
	_, err = fn(img, img, opts)
	require.Error(t, err)
}
