// Copyright 2026 The IQM Authors. All rights reserved.

// Package fft implements the FftPlanner black-box collaborator
// of §1/§4.6: cached forward and inverse 2D FFT plans for a
// given downscaled size, reused across images of identical
// dimension. The module treats the FFT algorithm itself as an
// external collaborator and delegates to gonum's 1D FFT,
// building the 2D transform from repeated row/column passes
// over cached per-size plans. Each call transforms one image;
// there is no multi-image batch entry point.
package fft

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Plan caches the row and column 1D FFT plans for one image
// size, so that repeated forward/inverse transforms of the same
// dimension (the common case across an image pair) reuse them.
type Plan struct {
	w, h   int
	rowFFT *fourier.CmplxFFT
	colFFT *fourier.CmplxFFT
}

func newPlan(w, h int) *Plan {
	return &Plan{w: w, h: h, rowFFT: fourier.NewCmplxFFT(w), colFFT: fourier.NewCmplxFFT(h)}
}

// Cache is the FftPlanCache design note of §9: an explicit,
// caller-owned cache of Plans keyed by size, replacing any
// process-global plan cache.
type Cache struct {
	mu    sync.Mutex
	plans map[[2]int]*Plan
}

// NewCache creates an empty plan cache.
func NewCache() *Cache {
	return &Cache{plans: make(map[[2]int]*Plan)}
}

// Get returns the cached Plan for (w,h), creating and caching
// one if necessary.
func (c *Cache) Get(w, h int) *Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := [2]int{w, h}
	p, ok := c.plans[key]
	if !ok {
		p = newPlan(w, h)
		c.plans[key] = p
	}
	return p
}

// Forward2D computes the forward 2D FFT of an image stored
// row-major in data (length w*h), in place.
func (p *Plan) Forward2D(data []complex128) {
	p.transform2D(data, false)
}

// Inverse2D computes the inverse 2D FFT of data, in place,
// normalizing by 1/(w*h).
func (p *Plan) Inverse2D(data []complex128) {
	p.transform2D(data, true)
	n := complex(float64(p.w*p.h), 0)
	for i := range data {
		data[i] /= n
	}
}

func (p *Plan) transform2D(data []complex128, inverse bool) {
	row := make([]complex128, p.w)
	for y := 0; y < p.h; y++ {
		copy(row, data[y*p.w:(y+1)*p.w])
		if inverse {
			p.rowFFT.Sequence(row, row)
		} else {
			p.rowFFT.Coefficients(row, row)
		}
		copy(data[y*p.w:(y+1)*p.w], row)
	}
	col := make([]complex128, p.h)
	for x := 0; x < p.w; x++ {
		for y := 0; y < p.h; y++ {
			col[y] = data[y*p.w+x]
		}
		if inverse {
			p.colFFT.Sequence(col, col)
		} else {
			p.colFFT.Coefficients(col, col)
		}
		for y := 0; y < p.h; y++ {
			data[y*p.w+x] = col[y]
		}
	}
}
