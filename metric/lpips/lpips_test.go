// Copyright 2026 The IQM Authors. All rights reserved.

package lpips_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	_ "iqm/driver/cpu"
	"iqm/internal/ctxt"
	"iqm/internal/imgio"
	"iqm/internal/kernel"
	"iqm/metric"
	_ "iqm/metric/lpips"
)

func TestMain(m *testing.M) {
	if err := ctxt.Load("cpu"); err != nil {
		panic(err)
	}
	m.Run()
}

var blockChannels = [5][3]int{
	{11, 3, 64},
	{5, 64, 192},
	{3, 192, 384},
	{3, 384, 256},
	{3, 256, 256},
}

// writeWeightsBlob builds a zero-valued lpips.dat of the exact
// size §6's layout requires and returns its path. Every conv
// output is then just the (zero) bias, so the identical-input
// invariant holds independent of the particular weight values.
func writeWeightsBlob(t *testing.T) string {
	var floats int
	for _, b := range blockChannels {
		k, in, out := b[0], b[1], b[2]
		floats += out*in*k*k + out
	}
	for _, b := range blockChannels {
		floats += b[2]
	}
	blob := make([]byte, floats*4)
	for i := 0; i < floats; i++ {
		binary.LittleEndian.PutUint32(blob[i*4:], 0)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "lpips.dat")
	require.NoError(t, os.WriteFile(path, blob, 0o644))
	return path
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

func TestLPIPSIdenticalIsZero(t *testing.T) {
	weightsPath := writeWeightsBlob(t)
	img := solidImage(64, 64, 128, 128, 128)
	opts := metric.DefaultOptions()
	opts.LPIPSWeights = weightsPath
	fn, err := metric.Lookup(metric.LPIPS)
	require.NoError(t, err)
	res, err := fn(img, img, opts)
	require.NoError(t, err)
	require.InDelta(t, 0.0, res.Values["LPIPS"], 1e-6)
}

func TestLPIPSSizeMismatch(t *testing.T) {
	weightsPath := writeWeightsBlob(t)
	test := solidImage(64, 64, 100, 100, 100)
	ref := solidImage(32, 32, 100, 100, 100)
	opts := metric.DefaultOptions()
	opts.LPIPSWeights = weightsPath
	fn, err := metric.Lookup(metric.LPIPS)
	require.NoError(t, err)
	_, err = fn(test, ref, opts)
	require.Error(t, err)
}

func TestLPIPSWeightsWrongSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lpips.dat")
	require.NoError(t, os.WriteFile(path, kernel.Float32sToBytes([]float32{1, 2, 3}), 0o644))
	img := solidImage(64, 64, 10, 10, 10)
	opts := metric.DefaultOptions()
	opts.LPIPSWeights = path
	fn, err := metric.Lookup(metric.LPIPS)
	require.NoError(t, err)
	_, err = fn(img, img, opts)
	require.Error(t, err)
}

func TestLPIPSWeightsMissing(t *testing.T) {
	img := solidImage(32, 32, 10, 10, 10)
	opts := metric.DefaultOptions()
	opts.LPIPSWeights = filepath.Join(t.TempDir(), "missing.dat")
	fn, err := metric.Lookup(metric.LPIPS)
	require.NoError(t, err)
	_, err = fn(img, img, opts)
	require.Error(t, err)
}
