// Copyright 2026 The IQM Authors. All rights reserved.

package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeSumMatchesSerialSum(t *testing.T) {
	n := 5000
	buf := make([]float32, n)
	var serial float32
	for i := range buf {
		buf[i] = float32(i%7) * 0.125
		serial += buf[i]
	}
	got := TreeSum(buf)
	// Tree-sum equals the serial sum to within float error
	// proportional to sqrt(N).
	tol := float64(n)
	tol = math.Sqrt(tol) * 1e-2
	assert.InDelta(t, float64(serial), float64(got), tol)
}

func TestRadixSortIsStableNonDecreasing(t *testing.T) {
	keys := []float32{5, -3, 0, 2, -3, 1000, -0.5}
	sorted, perm := RadixSort(keys)
	require.Len(t, sorted, len(keys))
	for i := 1; i < len(sorted); i++ {
		assert.LessOrEqual(t, sorted[i-1], sorted[i])
		if sorted[i-1] == sorted[i] {
			// stable: equal keys keep their input order
			assert.Less(t, perm[i-1], perm[i])
		}
	}
	for i, p := range perm {
		assert.Equal(t, keys[p], sorted[i])
	}
}

func TestSeparableBlurIsLinear(t *testing.T) {
	w, h := 8, 8
	src := make([]float32, w*h)
	for i := range src {
		src[i] = float32(i%5) + 1
	}
	scaled := make([]float32, w*h)
	for i, v := range src {
		scaled[i] = v * 2
	}
	out1 := SeparableBlur(src, w, h, 5, 1.0)
	out2 := SeparableBlur(scaled, w, h, 5, 1.0)
	for i := range out1 {
		assert.InDelta(t, float64(out1[i]*2), float64(out2[i]), 1e-4)
	}
}

func TestConv2DReLUOutputSize(t *testing.T) {
	p := ConvParams{Kernel: 3, Pad: 1, Stride: 1, InCh: 2, OutCh: 1}
	w, h := 4, 4
	in := make([]float32, w*h*p.InCh)
	weights := make([]float32, p.OutCh*p.InCh*p.Kernel*p.Kernel)
	biases := make([]float32, p.OutCh)
	out, outW, outH := Conv2DReLU(in, w, h, weights, biases, p)
	assert.Equal(t, w, outW)
	assert.Equal(t, h, outH)
	assert.Len(t, out, outW*outH*p.OutCh)
}
