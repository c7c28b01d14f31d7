// Copyright 2026 The IQM Authors. All rights reserved.

// Package gpukit provides descriptor-table and push-constant
// helpers shared by every metric's compute pipelines, generalized
// from §4.1's create_descriptor_layout/create_descriptor_pool/
// allocate_sets contract to the storage-image/storage-buffer
// bindings every metric dispatch needs.
package gpukit

import (
	"iqm/driver"
	"iqm/internal/ctxt"
)

// StorageImage returns a compute-visible storage-image
// descriptor at binding nr.
func StorageImage(nr int) driver.Descriptor {
	return driver.Descriptor{Type: driver.DImage, Stages: driver.SCompute, Nr: nr, Len: 1}
}

// StorageBuffer returns a compute-visible storage-buffer
// descriptor at binding nr.
func StorageBuffer(nr int) driver.Descriptor {
	return driver.Descriptor{Type: driver.DBuffer, Stages: driver.SCompute, Nr: nr, Len: 1}
}

// NewHeap creates a descriptor heap from the given bindings and
// immediately allocates one copy, returning the heap and that
// copy's index.
func NewHeap(desc []driver.Descriptor) (driver.DescHeap, int, error) {
	h, err := ctxt.GPU().NewDescHeap(desc)
	if err != nil {
		return nil, 0, err
	}
	idx, err := h.New(1)
	if err != nil {
		h.Destroy()
		return nil, 0, err
	}
	return h, idx, nil
}

// NewTable wraps a single heap in a descriptor table — the
// common case for this module's compute-only pipelines, where
// each dispatch binds exactly one heap.
func NewTable(heap driver.DescHeap) (driver.DescTable, error) {
	return ctxt.GPU().NewDescTable([]driver.DescHeap{heap})
}

// NewPipeline creates a compute pipeline bound to table, whose
// shader entry point is named kernelName and which declares a
// push-constant range of pushSize bytes (0 if the stage takes
// no push constants).
func NewPipeline(kernelName string, table driver.DescTable, pushSize int) (driver.Pipeline, error) {
	code, err := ctxt.GPU().NewShaderCode(kernelName)
	if err != nil {
		return nil, err
	}
	return ctxt.GPU().NewPipeline(&driver.CompState{
		Func:  driver.ShaderFunc{Code: code, Name: kernelName},
		Desc:  table,
		Const: driver.PushConstant{Size: pushSize},
	})
}

// Groups2D performs the ceiling-divide group-count computation
// of §4.1's compute_2d_groups(w, h, tile).
func Groups2D(w, h, tile int) (groupsX, groupsY int) {
	groupsX = w / tile
	if w%tile != 0 {
		groupsX++
	}
	groupsY = h / tile
	if h%tile != 0 {
		groupsY++
	}
	return
}
