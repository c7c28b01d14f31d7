// Copyright 2026 The IQM Authors. All rights reserved.

// Package primitive registers the small set of software kernels
// shared by more than one metric's compute graph, so that every
// metric package can depend on them without depending on each
// other. Every metric package that dispatches one of these
// kernels imports this package for its side effect.
package primitive

import (
	"encoding/binary"
	"math"

	"iqm/driver/cpu"
	"iqm/internal/kernel"
)

func init() {
	cpu.RegisterKernel("primitive.treesum", treeSumKernel)
}

// treeSumKernel reduces the float32 buffer bound at heap 0's
// binding given by the push-constant int32 to its sum, writing
// the result back at the buffer's first four bytes. The binding
// number is a push constant rather than a fixed convention so a
// single registered kernel can serve every metric's reduction
// step regardless of where that metric places its scratch
// buffer within its own descriptor heap.
func treeSumKernel(ctx *cpu.KernelContext) error {
	nr := int(int32(binary.LittleEndian.Uint32(ctx.Push())))
	buf, err := ctx.Buffer(0, nr)
	if err != nil {
		return err
	}
	vals := kernel.BytesToFloat32s(buf)
	sum := kernel.TreeSum(vals)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(sum))
	return nil
}
