// Copyright 2026 The IQM Authors. All rights reserved.

// Package psnr implements the Psnr metric pipeline of §4.3:
// pack squared-difference per pixel, tree-sum, and postprocess
// to decibels.
package psnr

import (
	"encoding/binary"
	"math"

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

func init() {
	cpu.RegisterKernel("psnr.pack", packKernel)
	cpu.RegisterKernel("psnr.post", postKernel)
	metric.Register(metric.PSNR, Run)
}

// packKernel implements §4.3 step 1: heap bindings are
// (0) test image, (1) reference image, (2) output float buffer.
// Push constants: one int32 variant selector.
func packKernel(ctx *cpu.KernelContext) error {
	test, err := ctx.ImageData(0, 0)
	if err != nil {
		return err
	}
	ref, err := ctx.ImageData(0, 1)
	if err != nil {
		return err
	}
	outBuf, err := ctx.Buffer(0, 2)
	if err != nil {
		return err
	}
	variant := metric.PSNRVariant(int32(binary.LittleEndian.Uint32(ctx.Push())))

	n := len(test.Bytes) / 4
	out := make([]float32, n)
	tr, tg, tb, _ := kernel.RGBA8ToFloat(test.Bytes)
	rr, rg, rb, _ := kernel.RGBA8ToFloat(ref.Bytes)
	switch variant {
	case metric.PSNRLuma:
		tl := kernel.SRGBToLuma(tr, tg, tb)
		rl := kernel.SRGBToLuma(rr, rg, rb)
		for i := range out {
			d := tl[i] - rl[i]
			out[i] = d * d
		}
	case metric.PSNRRGB:
		for i := range out {
			dr := tr[i] - rr[i]
			dg := tg[i] - rg[i]
			db := tb[i] - rb[i]
			out[i] = (dr*dr + dg*dg + db*db) / 3
		}
	case metric.PSNRYUV:
		ty, tu, tv := kernel.SRGBToYUV(tr, tg, tb)
		ry, ru, rv := kernel.SRGBToYUV(rr, rg, rb)
		const wY, wU, wV = 0.5, 0.25, 0.25
		for i := range out {
			dy := ty[i] - ry[i]
			du := tu[i] - ru[i]
			dv := tv[i] - rv[i]
			out[i] = wY*dy*dy + wU*du*du + wV*dv*dv
		}
	}
	kernel.PutFloat32s(outBuf, out)
	return nil
}

// postKernel implements §4.3 step 3. Push constants: one int32
// pixel count (w*h).
func postKernel(ctx *cpu.KernelContext) error {
	buf, err := ctx.Buffer(0, 2)
	if err != nil {
		return err
	}
	n := int32(binary.LittleEndian.Uint32(ctx.Push()))
	sum := math.Float32frombits(binary.LittleEndian.Uint32(buf))
	mse := sum / float32(n)
	var result float64
	if mse == 0 {
		result = math.Inf(1)
	} else {
		result = 10 * math.Log10(1/float64(mse))
	}
	binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(result)))
	return nil
}

// Run executes the PSNR Orchestrator invocation end to end.
func Run(test, ref *imgio.RGBA8, opts metric.Options) (metric.Result, error) {
	if err := checkSize(test, ref); err != nil {
		return metric.Result{}, err
	}
	w, h := test.Width, test.Height
	n := w * h

	gpu := ctxt.GPU()
	dim := driver.Dim3D{Width: w, Height: h, Depth: 1}

	testImg, err := pximage.New(driver.RGBA8Unorm, dim, 1, driver.UCopyDst|driver.UShaderRead)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "psnr.Run", err)
	}
	defer testImg.Free()
	refImg, err := pximage.New(driver.RGBA8Unorm, dim, 1, driver.UCopyDst|driver.UShaderRead)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "psnr.Run", err)
	}
	defer refImg.Free()

	diffBuf, err := gpu.NewBuffer(int64(n)*4, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "psnr.Run", err)
	}
	defer diffBuf.Destroy()

	heap, copyIdx, err := gpukit.NewHeap([]driver.Descriptor{
		gpukit.StorageImage(0), gpukit.StorageImage(1), gpukit.StorageBuffer(2),
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "psnr.Run", err)
	}
	defer heap.Destroy()
	if err := heap.SetImage(copyIdx, 0, 0, []driver.ImageView{testImg.View(0)}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetImage(copyIdx, 1, 0, []driver.ImageView{refImg.View(0)}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, 2, 0, []driver.Buffer{diffBuf}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	table, err := gpukit.NewTable(heap)
	if err != nil {
		return metric.Result{}, err
	}
	defer table.Destroy()

	packPipe, err := gpukit.NewPipeline("psnr.pack", table, 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "psnr.Run", err)
	}
	defer packPipe.Destroy()
	sumPipe, err := gpukit.NewPipeline("primitive.treesum", table, 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "psnr.Run", err)
	}
	defer sumPipe.Destroy()
	postPipe, err := gpukit.NewPipeline("psnr.post", table, 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "psnr.Run", err)
	}
	defer postPipe.Destroy()

	inv, err := metric.NewInvocation(len(test.Pix) + len(ref.Pix) + 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "psnr.Run", err)
	}
	defer inv.Close()

	var testOff, refOff int64
	err = inv.Upload(func(s *staging.Buffer) error {
		var e error
		testOff, e = s.Stage(test.Pix)
		if e != nil {
			return e
		}
		s.CopyToImage(testImg, 0, testOff, driver.LGeneral)
		refOff, e = s.Stage(ref.Pix)
		if e != nil {
			return e
		}
		s.CopyToImage(refImg, 0, refOff, driver.LGeneral)
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "psnr.Run", err)
	}

	variantBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(variantBytes, uint32(opts.PSNRVariant))
	countBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBytes, uint32(n))
	sumNrBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sumNrBytes, uint32(2))
	groupsX, groupsY := gpukit.Groups2D(w, h, 16)

	err = inv.RunCompute(func(cb driver.CmdBuffer) error {
		cb.SetDescTable(table, copyIdx)
		cb.SetPipeline(packPipe)
		cb.PushConstants(variantBytes, 0)
		cb.Dispatch(groupsX, groupsY, 1)
		cb.SetPipeline(sumPipe)
		cb.PushConstants(sumNrBytes, 0)
		cb.Dispatch(1, 1, 1)
		cb.SetPipeline(postPipe)
		cb.PushConstants(countBytes, 0)
		cb.Dispatch(1, 1, 1)
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "psnr.Run", err)
	}

	var resultOff int64
	result := make([]byte, 4)
	err = inv.Readback(func(s *staging.Buffer) error {
		var e error
		resultOff, e = s.Stage(result)
		if e != nil {
			return e
		}
		s.CmdBuffer().CopyBuffer(s.DriverBuffer(), diffBuf, []driver.BufferCopy{{DstOff: resultOff, SrcOff: 0, Size: 4}})
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "psnr.Run", err)
	}
	inv.Staging().Unstage(resultOff, result)
	value := math.Float32frombits(binary.LittleEndian.Uint32(result))

	return metric.Result{Values: map[string]float64{"PSNR": float64(value)}}, nil
}

func checkSize(test, ref *imgio.RGBA8) error {
	return imgio.CheckSameSize(test, ref)
}
