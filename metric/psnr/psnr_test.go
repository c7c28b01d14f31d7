// Copyright 2026 The IQM Authors. All rights reserved.

package psnr_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	_ "iqm/driver/cpu"
	"iqm/internal/ctxt"
	"iqm/internal/imgio"
	"iqm/metric"
	_ "iqm/metric/psnr"
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

func TestPSNRIdenticalIsInfinite(t *testing.T) {
	img := solidImage(64, 64, 128, 128, 128)
	fn, err := metric.Lookup(metric.PSNR)
	require.NoError(t, err)
	res, err := fn(img, img, metric.DefaultOptions())
	require.NoError(t, err)
	require.True(t, math.IsInf(res.Values["PSNR"], 1))
}

func TestPSNRLumaOffByOne(t *testing.T) {
	test := solidImage(64, 64, 128, 128, 128)
	ref := solidImage(64, 64, 127, 127, 127)
	fn, err := metric.Lookup(metric.PSNR)
	require.NoError(t, err)
	res, err := fn(test, ref, metric.DefaultOptions())
	require.NoError(t, err)
	require.InDelta(t, 48.13, res.Values["PSNR"], 0.5)
}

func TestPSNRSizeMismatch(t *testing.T) {
	test := solidImage(64, 64, 1, 1, 1)
	ref := solidImage(32, 32, 1, 1, 1)
	fn, err := metric.Lookup(metric.PSNR)
	require.NoError(t, err)
	_, err = fn(test, ref, metric.DefaultOptions())
	require.Error(t, err)
}
