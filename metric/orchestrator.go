// Copyright 2026 The IQM Authors. All rights reserved.

// Package metric implements the Orchestrator of §4.9: the
// per-invocation upload -> compute -> readback scaffolding
// shared by every metric, factored per §9 as a higher-order
// routine parameterized by the compute graph and the readback
// copies a concrete metric needs, plus the Resources bundle
// each invocation uniquely owns.
package metric

import (
	"time"

	"iqm/driver"
	"iqm/internal/ctxt"
	"iqm/internal/iqmlog"
	"iqm/internal/staging"
)

// Method identifies one of the six supported metrics.
type Method string

const (
	PSNR  Method = "PSNR"
	SSIM  Method = "SSIM"
	SVD   Method = "SVD"
	FSIM  Method = "FSIM"
	FLIP  Method = "FLIP"
	LPIPS Method = "LPIPS"
)

// Result is the outcome of one metric invocation: one or more
// named scalar values (FSIM/FSIMc both produce two) and an
// optional visualization image.
type Result struct {
	Values map[string]float64
	Vis    []byte
	VisW   int
	VisH   int
	// VisRGBA is true when the visualization is an interleaved
	// RGBA8 image (colorize active); otherwise it is
	// single-channel 8-bit grayscale, one byte per pixel.
	VisRGBA bool
}

// Invocation owns every GPU resource created for one metric
// comparison: its staging buffer and compute command buffer.
// Per §3's ownership rule, nothing here is shared with any
// other invocation.
type Invocation struct {
	staging *staging.Buffer
	compute driver.CmdBuffer
}

// NewInvocation allocates a fresh Invocation, step 1 of §4.9.
func NewInvocation(stagingBytes int) (*Invocation, error) {
	s, err := staging.New(stagingBytes)
	if err != nil {
		return nil, err
	}
	cb, err := ctxt.GPU().NewCmdBuffer()
	if err != nil {
		s.Free()
		return nil, err
	}
	return &Invocation{staging: s, compute: cb}, nil
}

// Staging returns the invocation's staging buffer, for metric
// code that needs to stage input pixels or read back results.
func (inv *Invocation) Staging() *staging.Buffer { return inv.staging }

// Compute returns the invocation's compute command buffer.
func (inv *Invocation) Compute() driver.CmdBuffer { return inv.compute }

// Upload runs fn to record transfer commands on the staging
// buffer's command buffer, then commits and waits on the
// transfer fence, per §4.9 step 2.
func (inv *Invocation) Upload(fn func(s *staging.Buffer) error) error {
	start := time.Now()
	if err := inv.staging.Begin(); err != nil {
		return err
	}
	if err := fn(inv.staging); err != nil {
		return err
	}
	if err := inv.staging.Commit(); err != nil {
		return err
	}
	iqmlog.Phase("upload", time.Since(start).Seconds())
	return nil
}

// RunCompute runs fn to record the metric's compute graph, then
// submits it to the compute queue and waits for completion, per
// §4.9 step 3.
func (inv *Invocation) RunCompute(fn func(cb driver.CmdBuffer) error) error {
	start := time.Now()
	if err := inv.compute.Begin(); err != nil {
		return err
	}
	if err := fn(inv.compute); err != nil {
		return err
	}
	if err := inv.compute.End(); err != nil {
		return err
	}
	wk := &driver.WorkItem{Work: []driver.CmdBuffer{inv.compute}}
	ch := make(chan *driver.WorkItem, 1)
	if err := ctxt.GPU().Commit(wk, ch); err != nil {
		return err
	}
	wk = <-ch
	if wk.Err != nil {
		return wk.Err
	}
	if err := inv.compute.Reset(); err != nil {
		return err
	}
	iqmlog.Phase("compute", time.Since(start).Seconds())
	return nil
}

// Readback runs fn to record the readback copies and retrieve
// the result, per §4.9 step 4-5 (device-wait-idle, map, copy
// out, unmap).
func (inv *Invocation) Readback(fn func(s *staging.Buffer) error) error {
	start := time.Now()
	if err := inv.staging.Begin(); err != nil {
		return err
	}
	if err := fn(inv.staging); err != nil {
		return err
	}
	if err := inv.staging.Commit(); err != nil {
		return err
	}
	if err := ctxt.GPU().WaitIdle(); err != nil {
		return err
	}
	iqmlog.Phase("readback", time.Since(start).Seconds())
	return nil
}

// Close releases the invocation's resources.
func (inv *Invocation) Close() {
	inv.staging.Free()
}
