// Copyright 2026 The IQM Authors. All rights reserved.

package ssim_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "iqm/driver/cpu"
	"iqm/internal/ctxt"
	"iqm/internal/imgio"
	"iqm/metric"
	_ "iqm/metric/ssim"
)

func TestMain(m *testing.M) {
	if err := ctxt.Load("cpu"); err != nil {
		panic(err)
	}
	m.Run()
}

func solidImage(w, h int, r, g, b byte) *imgio.RGBA8 {
	pix := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		pix[i*4+0] = r
		pix[i*4+1] = g
		pix[i*4+2] = b
		pix[i*4+3] = 255
	}
	return &imgio.RGBA8{Width: w, Height: h, Pix: pix}
}

func TestSSIMIdenticalIsOne(t *testing.T) {
	img := solidImage(128, 128, 128, 128, 128)
	fn, err := metric.Lookup(metric.SSIM)
	require.NoError(t, err)
	res, err := fn(img, img, metric.DefaultOptions())
	require.NoError(t, err)
	require.InDelta(t, 1.0, res.Values["MSSIM"], 1e-4)
}

func TestSSIMWindowCount(t *testing.T) {
	// A 128x128 image with an 11x11 window leaves a
	// (128-10)x(128-10) = 13924-pixel interior to average over.
	img := solidImage(128, 128, 64, 64, 64)
	noisy := solidImage(128, 128, 70, 70, 70)
	fn, err := metric.Lookup(metric.SSIM)
	require.NoError(t, err)
	res, err := fn(img, noisy, metric.DefaultOptions())
	require.NoError(t, err)
	require.True(t, res.Values["MSSIM"] < 1.0)
	require.True(t, res.Values["MSSIM"] > 0.0)
	// Every pixel of the flat pair has the same SSIM,
	// (2*64*70 + C1*255^2) / (64^2 + 70^2 + C1*255^2) ~= 0.99600,
	// so the mean equals it only if the sum is divided by the
	// 13924-pixel window.
	require.InDelta(t, 0.99600, res.Values["MSSIM"], 1e-3)
}

func TestSSIMSizeMismatch(t *testing.T) {
	test := solidImage(64, 64, 1, 1, 1)
	ref := solidImage(32, 32, 1, 1, 1)
	fn, err := metric.Lookup(metric.SSIM)
	require.NoError(t, err)
	_, err = fn(test, ref, metric.DefaultOptions())
	require.Error(t, err)
}
