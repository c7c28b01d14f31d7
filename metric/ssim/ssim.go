// Copyright 2026 The IQM Authors. All rights reserved.

// Package ssim implements the Ssim metric pipeline of §4.4:
// lumapack, five separable Gaussian blurs, per-pixel SSIM, and
// a windowed tree-sum yielding MSSIM.
package ssim

import (
	"encoding/binary"
	"math"
	"sync"

	"iqm/driver"
	"iqm/driver/cpu"
	"iqm/internal/ctxt"
	"iqm/internal/gpukit"
	"iqm/internal/imgio"
	"iqm/internal/kernel"
	"iqm/internal/staging"
	"iqm/iqmerr"
	"iqm/metric"
	_ "iqm/metric/primitive"
	"iqm/pximage"
)

const (
	kernelSize = 11
	k1         = 0.01
	k2         = 0.03
	sigma      = 1.5

	bindTest    = 0
	bindRef     = 1
	bindPacked  = 2
	bindBlurred = 3
	bindSSIMMap = 4
	bindWindow  = 5
)

func init() {
	cpu.RegisterKernel("ssim.lumapack", lumapackKernel)
	cpu.RegisterKernel("ssim.blur5", blur5Kernel)
	cpu.RegisterKernel("ssim.ssim", ssimKernel)
	cpu.RegisterKernel("ssim.window", windowKernel)
	metric.Register(metric.SSIM, Run)
}

// activeDims carries the active invocation's image size into the CPU
// kernels, which (unlike a real GPU shader) have no other way to
// learn it short of a push constant; since blur5Kernel and
// windowKernel already spend their push-constant slot on
// nothing, this package-level value is set once at the top of
// Run for the duration of the (non-reentrant) invocation
// instead.
var activeDims struct{ w, h int }

// runMu serializes Run invocations against each other: activeDims is
// a single package-level slot, so two concurrent calls into this
// package would otherwise stomp each other's dimensions mid-flight.
// Concurrent invocations of *different* metrics are unaffected.
var runMu sync.Mutex

// lumapackKernel implements §4.4 step 1. Heap bindings: test
// image, reference image, and a packed-buffer binding holding
// five contiguous n-float planes {La, Lb, La^2, Lb^2, La*Lb}.
func lumapackKernel(ctx *cpu.KernelContext) error {
	test, err := ctx.ImageData(0, bindTest)
	if err != nil {
		return err
	}
	ref, err := ctx.ImageData(0, bindRef)
	if err != nil {
		return err
	}
	buf, err := ctx.Buffer(0, bindPacked)
	if err != nil {
		return err
	}
	n := len(test.Bytes) / 4
	tr, tg, tb, _ := kernel.RGBA8ToFloat(test.Bytes)
	rr, rg, rb, _ := kernel.RGBA8ToFloat(ref.Bytes)
	la := kernel.SRGBToLuma(tr, tg, tb)
	lb := kernel.SRGBToLuma(rr, rg, rb)
	la2 := make([]float32, n)
	lb2 := make([]float32, n)
	lab := make([]float32, n)
	for i := 0; i < n; i++ {
		la2[i] = la[i] * la[i]
		lb2[i] = lb[i] * lb[i]
		lab[i] = la[i] * lb[i]
	}
	kernel.PutFloat32s(buf[0*n*4:], la)
	kernel.PutFloat32s(buf[1*n*4:], lb)
	kernel.PutFloat32s(buf[2*n*4:], la2)
	kernel.PutFloat32s(buf[3*n*4:], lb2)
	kernel.PutFloat32s(buf[4*n*4:], lab)
	return nil
}

// blur5Kernel implements §4.4 step 2, running the same
// separable Gaussian over all five packed planes, writing the
// blurred planes to the blurred-buffer binding.
func blur5Kernel(ctx *cpu.KernelContext) error {
	src, err := ctx.Buffer(0, bindPacked)
	if err != nil {
		return err
	}
	dst, err := ctx.Buffer(0, bindBlurred)
	if err != nil {
		return err
	}
	w, h := activeDims.w, activeDims.h
	n := w * h
	for p := 0; p < 5; p++ {
		plane := kernel.BytesToFloat32s(src[p*n*4 : (p+1)*n*4])
		blurred := kernel.SeparableBlur(plane, w, h, kernelSize, sigma)
		kernel.PutFloat32s(dst[p*n*4:], blurred)
	}
	return nil
}

// ssimKernel implements §4.4 step 3, reading the five blurred
// planes and writing the per-pixel SSIM map.
func ssimKernel(ctx *cpu.KernelContext) error {
	in, err := ctx.Buffer(0, bindBlurred)
	if err != nil {
		return err
	}
	out, err := ctx.Buffer(0, bindSSIMMap)
	if err != nil {
		return err
	}
	n := activeDims.w * activeDims.h
	muA := kernel.BytesToFloat32s(in[0*n*4 : 1*n*4])
	muB := kernel.BytesToFloat32s(in[1*n*4 : 2*n*4])
	ea2 := kernel.BytesToFloat32s(in[2*n*4 : 3*n*4])
	eb2 := kernel.BytesToFloat32s(in[3*n*4 : 4*n*4])
	eab := kernel.BytesToFloat32s(in[4*n*4 : 5*n*4])

	c1 := float32(k1 * k1)
	c2 := float32(k2 * k2)
	ssimMap := make([]float32, n)
	for i := 0; i < n; i++ {
		sa2 := ea2[i] - muA[i]*muA[i]
		sb2 := eb2[i] - muB[i]*muB[i]
		sab := eab[i] - muA[i]*muB[i]
		num := (2*muA[i]*muB[i] + c1) * (2*sab + c2)
		den := (muA[i]*muA[i] + muB[i]*muB[i] + c1) * (sa2 + sb2 + c2)
		ssimMap[i] = num / den
	}
	kernel.PutFloat32s(out, ssimMap)
	return nil
}

// windowKernel implements §4.4 step 4: copy the centered
// interior (W-K+1)x(H-K+1) window from the SSIM map, discarding
// the K-1 border, into the window binding ready for reduction.
func windowKernel(ctx *cpu.KernelContext) error {
	in, err := ctx.Buffer(0, bindSSIMMap)
	if err != nil {
		return err
	}
	out, err := ctx.Buffer(0, bindWindow)
	if err != nil {
		return err
	}
	w, h := activeDims.w, activeDims.h
	ssimMap := kernel.BytesToFloat32s(in)
	border := kernelSize - 1
	ow := w - border
	oh := h - border
	half := border / 2
	window := make([]float32, ow*oh)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			window[y*ow+x] = ssimMap[(y+half)*w+(x+half)]
		}
	}
	kernel.PutFloat32s(out, window)
	return nil
}

// Run executes the SSIM Orchestrator invocation end to end.
func Run(test, ref *imgio.RGBA8, opts metric.Options) (metric.Result, error) {
	runMu.Lock()
	defer runMu.Unlock()
	if err := imgio.CheckSameSize(test, ref); err != nil {
		return metric.Result{}, err
	}
	w, h := test.Width, test.Height
	n := w * h
	border := kernelSize - 1
	ow, oh := w-border, h-border
	if ow <= 0 || oh <= 0 {
		return metric.Result{}, iqmerr.New(iqmerr.ArgError, "ssim.Run", nil)
	}
	activeDims.w, activeDims.h = w, h

	gpu := ctxt.GPU()
	dim := driver.Dim3D{Width: w, Height: h, Depth: 1}

	testImg, err := pximage.New(driver.RGBA8Unorm, dim, 1, driver.UCopyDst|driver.UShaderRead)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "ssim.Run", err)
	}
	defer testImg.Free()
	refImg, err := pximage.New(driver.RGBA8Unorm, dim, 1, driver.UCopyDst|driver.UShaderRead)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "ssim.Run", err)
	}
	defer refImg.Free()

	packed, err := gpu.NewBuffer(int64(n)*4*5, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "ssim.Run", err)
	}
	defer packed.Destroy()
	blurred, err := gpu.NewBuffer(int64(n)*4*5, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "ssim.Run", err)
	}
	defer blurred.Destroy()
	ssimMap, err := gpu.NewBuffer(int64(n)*4, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "ssim.Run", err)
	}
	defer ssimMap.Destroy()
	window, err := gpu.NewBuffer(int64(ow*oh)*4, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "ssim.Run", err)
	}
	defer window.Destroy()

	heap, copyIdx, err := gpukit.NewHeap([]driver.Descriptor{
		gpukit.StorageImage(bindTest), gpukit.StorageImage(bindRef),
		gpukit.StorageBuffer(bindPacked), gpukit.StorageBuffer(bindBlurred),
		gpukit.StorageBuffer(bindSSIMMap), gpukit.StorageBuffer(bindWindow),
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "ssim.Run", err)
	}
	defer heap.Destroy()
	if err := heap.SetImage(copyIdx, bindTest, 0, []driver.ImageView{testImg.View(0)}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetImage(copyIdx, bindRef, 0, []driver.ImageView{refImg.View(0)}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindPacked, 0, []driver.Buffer{packed}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindBlurred, 0, []driver.Buffer{blurred}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindSSIMMap, 0, []driver.Buffer{ssimMap}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindWindow, 0, []driver.Buffer{window}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	table, err := gpukit.NewTable(heap)
	if err != nil {
		return metric.Result{}, err
	}
	defer table.Destroy()

	lumaPipe, err := gpukit.NewPipeline("ssim.lumapack", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "ssim.Run", err)
	}
	defer lumaPipe.Destroy()
	blurPipe, err := gpukit.NewPipeline("ssim.blur5", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "ssim.Run", err)
	}
	defer blurPipe.Destroy()
	ssimPipe, err := gpukit.NewPipeline("ssim.ssim", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "ssim.Run", err)
	}
	defer ssimPipe.Destroy()
	windowPipe, err := gpukit.NewPipeline("ssim.window", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "ssim.Run", err)
	}
	defer windowPipe.Destroy()
	sumPipe, err := gpukit.NewPipeline("primitive.treesum", table, 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "ssim.Run", err)
	}
	defer sumPipe.Destroy()

	inv, err := metric.NewInvocation(len(test.Pix) + len(ref.Pix) + 4 + n*4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "ssim.Run", err)
	}
	defer inv.Close()

	err = inv.Upload(func(s *staging.Buffer) error {
		off, e := s.Stage(test.Pix)
		if e != nil {
			return e
		}
		s.CopyToImage(testImg, 0, off, driver.LGeneral)
		off, e = s.Stage(ref.Pix)
		if e != nil {
			return e
		}
		s.CopyToImage(refImg, 0, off, driver.LGeneral)
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "ssim.Run", err)
	}

	sumNrBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sumNrBytes, uint32(bindWindow))
	groupsX, groupsY := gpukit.Groups2D(w, h, 16)
	err = inv.RunCompute(func(cb driver.CmdBuffer) error {
		cb.SetDescTable(table, copyIdx)
		cb.SetPipeline(lumaPipe)
		cb.Dispatch(groupsX, groupsY, 1)
		cb.SetPipeline(blurPipe)
		cb.Dispatch(groupsX, groupsY, 1)
		cb.SetPipeline(ssimPipe)
		cb.Dispatch(groupsX, groupsY, 1)
		cb.SetPipeline(windowPipe)
		cb.Dispatch(groupsX, groupsY, 1)
		cb.SetPipeline(sumPipe)
		cb.PushConstants(sumNrBytes, 0)
		cb.Dispatch(1, 1, 1)
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "ssim.Run", err)
	}

	result := make([]byte, 4)
	mapBytes := make([]byte, n*4)
	var resultOff, mapOff int64
	err = inv.Readback(func(s *staging.Buffer) error {
		var e error
		resultOff, e = s.Stage(result)
		if e != nil {
			return e
		}
		s.CmdBuffer().CopyBuffer(s.DriverBuffer(), window, []driver.BufferCopy{{DstOff: resultOff, SrcOff: 0, Size: 4}})
		mapOff, e = s.Stage(mapBytes)
		if e != nil {
			return e
		}
		s.CmdBuffer().CopyBuffer(s.DriverBuffer(), ssimMap, []driver.BufferCopy{{DstOff: mapOff, SrcOff: 0, Size: int64(len(mapBytes))}})
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "ssim.Run", err)
	}
	inv.Staging().Unstage(resultOff, result)
	sum := math.Float32frombits(binary.LittleEndian.Uint32(result))
	mssim := float64(sum) / float64(ow*oh)

	inv.Staging().Unstage(mapOff, mapBytes)
	res := metric.Result{Values: map[string]float64{"MSSIM": mssim}}
	smap := kernel.BytesToFloat32s(mapBytes)
	if opts.Colorize {
		res.Vis = kernel.Colorize(smap, kernel.Viridis(), 1, false)
		res.VisRGBA = true
	} else {
		res.Vis = kernel.Grayscale(smap, 1, false)
		res.VisRGBA = false
	}
	res.VisW, res.VisH = w, h
	return res, nil
}
