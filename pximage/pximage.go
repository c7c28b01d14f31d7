// Copyright 2026 The IQM Authors. All rights reserved.

// Package pximage implements the "Pixel image" entity of the
// data model: a GPU-resident image with a per-layer memory
// layout state machine, created by an orchestrator for one
// metric invocation and destroyed with its owning Resources
// bundle.
package pximage

import (
	"errors"
	"sync/atomic"

	"iqm/driver"
	"iqm/internal/ctxt"
)

const invalLayout = -1

// Image wraps a driver.Image together with one view per layer
// and this module's layout-transition bookkeeping.
type Image struct {
	img     driver.Image
	views   []driver.ImageView
	pf      driver.PixelFmt
	dim     driver.Dim3D
	layers  int
	layouts []atomic.Int64
}

// New creates a new Image with the given format, dimensions and
// layer count, usable for storage-image bindings (usg is
// combined with UShaderRead|UShaderWrite|UCopySrc|UCopyDst as
// needed by callers).
func New(pf driver.PixelFmt, dim driver.Dim3D, layers int, usg driver.Usage) (*Image, error) {
	if layers < 1 {
		layers = 1
	}
	lim := ctxt.Limits()
	if dim.Width <= 0 || dim.Height <= 0 {
		return nil, errors.New("pximage: invalid dimensions")
	}
	if dim.Width > lim.MaxImageWidth || dim.Height > lim.MaxImageHeight {
		return nil, errors.New("pximage: dimensions exceed device limits")
	}
	raw, err := ctxt.GPU().NewImage(pf, dim, layers, 1, 1, usg)
	if err != nil {
		return nil, err
	}
	views := make([]driver.ImageView, layers)
	for i := 0; i < layers; i++ {
		v, err := raw.NewView(i, 1, 0, 1)
		if err != nil {
			raw.Destroy()
			return nil, err
		}
		views[i] = v
	}
	im := &Image{img: raw, views: views, pf: pf, dim: dim, layers: layers}
	im.layouts = make([]atomic.Int64, layers)
	for i := range im.layouts {
		im.layouts[i].Store(int64(driver.LUndefined))
	}
	return im, nil
}

// Driver returns the underlying driver.Image.
func (im *Image) Driver() driver.Image { return im.img }

// View returns the view for the given layer.
func (im *Image) View(layer int) driver.ImageView { return im.views[layer] }

// PixelFmt returns the image's pixel format.
func (im *Image) PixelFmt() driver.PixelFmt { return im.pf }

// Width returns the image's width.
func (im *Image) Width() int { return im.dim.Width }

// Height returns the image's height.
func (im *Image) Height() int { return im.dim.Height }

// Layers returns the image's layer count.
func (im *Image) Layers() int { return im.layers }

// Layout returns the current layout of the given layer.
func (im *Image) Layout(layer int) driver.Layout {
	return driver.Layout(im.layouts[layer].Load())
}

// setPending marks layer as having an in-flight transition,
// returning its layout immediately prior. It panics if the
// layer is already pending, mirroring the invariant that a
// layer cannot have two in-flight transitions at once.
func (im *Image) setPending(layer int) driver.Layout {
	prev := im.layouts[layer].Swap(int64(invalLayout))
	if prev == int64(invalLayout) {
		panic("pximage: layer already has a pending transition")
	}
	return driver.Layout(prev)
}

// unsetPending clears the pending state of layer, setting its
// final layout.
func (im *Image) unsetPending(layer int, final driver.Layout) {
	if !im.layouts[layer].CompareAndSwap(int64(invalLayout), int64(final)) {
		panic("pximage: layer does not have a pending transition")
	}
}

// Transition records a layout transition for the given layer on
// cb, using barrier as its memory barrier, and marks the layer
// pending until SetLayout is called.
func (im *Image) Transition(layer int, cb driver.CmdBuffer, newLayout driver.Layout, barrier driver.Barrier) {
	before := im.setPending(layer)
	t := driver.Transition{
		Barrier:      barrier,
		LayoutBefore: before,
		LayoutAfter:  newLayout,
		Img:          im.img,
		Layer:        layer,
		Layers:       1,
		Level:        0,
		Levels:       1,
	}
	cb.Transition([]driver.Transition{t})
}

// SetLayout finalizes a transition started by Transition. It
// must be called exactly once after the transition executes.
func (im *Image) SetLayout(layer int, layout driver.Layout) {
	im.unsetPending(layer, layout)
}

// Free destroys the image and all of its views.
func (im *Image) Free() {
	for _, v := range im.views {
		if v != nil {
			v.Destroy()
		}
	}
	im.views = nil
	if im.img != nil {
		im.img.Destroy()
	}
	im.img = nil
}
