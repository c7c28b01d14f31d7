// Copyright 2026 The IQM Authors. All rights reserved.

// Package cpu implements a software driver.Driver that executes
// compute dispatches as plain Go function calls instead of
// submitting them to a real GPU. It exists so that every metric
// pipeline in this module can be exercised without a GPU device,
// a SPIR-V toolchain, or any platform-specific driver — exactly
// the collaborators this repository treats as out of scope.
//
// Shader modules are identified by name; a dispatch resolves its
// pipeline's entry-point name against a package-level kernel
// registry populated by each metric package's init function.
package cpu

import (
	"fmt"
	"sync"

	"iqm/driver"
)

const driverName = "cpu"

func init() {
	driver.Register(&cpuDriver{})
}

type cpuDriver struct {
	mu   sync.Mutex
	gpu  *GPU
	open bool
}

func (d *cpuDriver) Name() string { return driverName }

func (d *cpuDriver) Open() (driver.GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		d.gpu = &GPU{}
		d.open = true
	}
	return d.gpu, nil
}

func (d *cpuDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.gpu = nil
}

// KernelFunc is the signature of a registered software kernel.
// It is the CPU backend's analogue of a compiled shader's entry
// point.
type KernelFunc func(ctx *KernelContext) error

var (
	regMu sync.RWMutex
	reg   = make(map[string]KernelFunc)
)

// RegisterKernel registers fn under name. Metric packages call
// this from an init function, once per pipeline stage they
// define, using a name unique across the whole program (e.g.
// "psnr.pack").
func RegisterKernel(name string, fn KernelFunc) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := reg[name]; ok {
		panic("cpu: kernel already registered: " + name)
	}
	reg[name] = fn
}

func lookupKernel(name string) (KernelFunc, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	fn, ok := reg[name]
	return fn, ok
}

// KernelContext is the argument passed to a KernelFunc. It
// exposes the resources bound through the currently set
// descriptor table and the bytes most recently pushed via
// PushConstants.
type KernelContext struct {
	table *descTable
	copy  int
	push  []byte
}

// Push returns the raw push-constant bytes active for this
// dispatch.
func (c *KernelContext) Push() []byte { return c.push }

// Buffer returns the bytes backing the buffer bound at
// (heapIdx, nr) in the descriptor table's current copy.
func (c *KernelContext) Buffer(heapIdx, nr int) ([]byte, error) {
	h, err := c.table.heapAt(heapIdx)
	if err != nil {
		return nil, err
	}
	return h.bufferAt(c.copy, nr)
}

// ImageData returns the bytes, pixel format and dimensions of
// the image view bound at (heapIdx, nr) in the descriptor
// table's current copy.
func (c *KernelContext) ImageData(heapIdx, nr int) (*ImageData, error) {
	h, err := c.table.heapAt(heapIdx)
	if err != nil {
		return nil, err
	}
	return h.imageAt(c.copy, nr)
}

// ImageData is a CPU-addressable view into an Image's texel
// storage for a single bound layer range.
type ImageData struct {
	Bytes  []byte
	Fmt    driver.PixelFmt
	Dim    driver.Dim3D
	Layer  int
	Layers int
}

// TexelSize returns the size in bytes of a single texel of pf.
func TexelSize(pf driver.PixelFmt) int {
	switch pf {
	case driver.RGBA8Unorm, driver.RGBA8SRGB:
		return 4
	case driver.RGBA32Float:
		return 16
	case driver.RG32Float:
		return 8
	case driver.R32Float, driver.R32Uint:
		return 4
	default:
		return 4
	}
}

var errUnknownKernel = fmt.Errorf("cpu: unknown kernel")
