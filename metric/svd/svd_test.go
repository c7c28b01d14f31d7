// Copyright 2026 The IQM Authors. All rights reserved.

package svd_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "iqm/driver/cpu"
	"iqm/internal/ctxt"
	"iqm/internal/imgio"
	"iqm/metric"
	_ "iqm/metric/svd"
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

func TestSVDIdenticalIsZero(t *testing.T) {
	img := solidImage(16, 16, 100, 150, 200)
	fn, err := metric.Lookup(metric.SVD)
	require.NoError(t, err)
	res, err := fn(img, img, metric.DefaultOptions())
	require.NoError(t, err)
	require.InDelta(t, 0.0, res.Values["M-SVD"], 1e-5)
}

func TestSVDSizeMismatch(t *testing.T) {
	test := solidImage(16, 16, 1, 1, 1)
	ref := solidImage(8, 8, 1, 1, 1)
	fn, err := metric.Lookup(metric.SVD)
	require.NoError(t, err)
	_, err = fn(test, ref, metric.DefaultOptions())
	require.Error(t, err)
}
