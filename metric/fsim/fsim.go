// Copyright 2026 The IQM Authors. All rights reserved.

// Package fsim implements the Fsim metric pipeline of §4.6:
// box-filter downscale, log-Gabor/FFT-based phase congruency and
// Scharr gradient maps for test and reference independently, a
// chrominance similarity term from the YIQ basis, and the
// FSIM/FSIMc similarity combination reduced by tree-sum.
package fsim

import (
	"encoding/binary"
	"math"
	"sync"

	"iqm/driver"
	"iqm/driver/cpu"
	"iqm/internal/ctxt"
	"iqm/internal/fft"
	"iqm/internal/gpukit"
	"iqm/internal/imgio"
	"iqm/internal/kernel"
	"iqm/internal/staging"
	"iqm/iqmerr"
	"iqm/metric"
	_ "iqm/metric/primitive"
	"iqm/pximage"
)

// Similarity combination constants, §4.6, the Zhang et al. FSIM
// combination constants as reproduced from the published paper
// (likewise unavailable in the filtered reference material's
// orchestration-only sources).
const (
	t1     = 0.85
	t2     = 160.0
	t3     = 200.0
	t4     = 200.0
	lambda = 0.03
)

const (
	bindTest     = 0
	bindRef      = 1
	bindPrepared = 2
	bindPCGrad   = 3
	bindCombine  = 4
	bindNum      = 5
	bindNumC     = 6
	bindDen      = 7
	bindSumNum   = 8
	bindSumNumC  = 9
	bindSumDen   = 10
)

func init() {
	cpu.RegisterKernel("fsim.prepare", prepareKernel)
	cpu.RegisterKernel("fsim.pc", pcKernel)
	cpu.RegisterKernel("fsim.combine", combineKernel)
	metric.Register(metric.FSIM, Run)
}

var activeDims struct {
	w, h, origW, origH, factor int
}
var fftPlan *fft.Plan

// fftCache is shared across every Run invocation so that plans for
// a repeated image size (the common case across a batch) are built
// once and reused, per §9's FftPlanCache design note.
var fftCache = fft.NewCache()

// runMu serializes Run invocations against each other, since
// activeDims and fftPlan are both single package-level slots; see
// the identical note in metric/ssim. fftCache itself is already
// internally synchronized and does not need this.
var runMu sync.Mutex

// prepareKernel implements §4.6's downscale-and-convert step:
// heap bindings (0) test image, (1) reference image, (2) output
// buffer holding six contiguous w2*h2-float planes: test luma,
// reference luma, test I, reference I, test Q, reference Q.
func prepareKernel(ctx *cpu.KernelContext) error {
	test, err := ctx.ImageData(0, bindTest)
	if err != nil {
		return err
	}
	ref, err := ctx.ImageData(0, bindRef)
	if err != nil {
		return err
	}
	buf, err := ctx.Buffer(0, bindPrepared)
	if err != nil {
		return err
	}
	w, h, factor := activeDims.origW, activeDims.origH, activeDims.factor
	n2 := activeDims.w * activeDims.h

	tr, tg, tb, _ := kernel.RGBA8ToFloat(test.Bytes)
	rr, rg, rb, _ := kernel.RGBA8ToFloat(ref.Bytes)
	tr2 := boxDownscale(tr, w, h, factor)
	tg2 := boxDownscale(tg, w, h, factor)
	tb2 := boxDownscale(tb, w, h, factor)
	rr2 := boxDownscale(rr, w, h, factor)
	rg2 := boxDownscale(rg, w, h, factor)
	rb2 := boxDownscale(rb, w, h, factor)

	lumaT, iT, qT := rgbToYIQ255(tr2, tg2, tb2)
	lumaR, iR, qR := rgbToYIQ255(rr2, rg2, rb2)

	kernel.PutFloat32s(buf[0*n2*4:], lumaT)
	kernel.PutFloat32s(buf[1*n2*4:], lumaR)
	kernel.PutFloat32s(buf[2*n2*4:], iT)
	kernel.PutFloat32s(buf[3*n2*4:], iR)
	kernel.PutFloat32s(buf[4*n2*4:], qT)
	kernel.PutFloat32s(buf[5*n2*4:], qR)
	return nil
}

// pcKernel implements §4.6's phase-congruency and gradient step
// for one of the two images, selected by an int32 push constant
// (0 test, 1 reference). Heap bindings (2) the prepared buffer,
// (3) output buffer holding four w2*h2-float planes: PC of test,
// PC of reference, gradient of test, gradient of reference.
func pcKernel(ctx *cpu.KernelContext) error {
	prepared, err := ctx.Buffer(0, bindPrepared)
	if err != nil {
		return err
	}
	out, err := ctx.Buffer(0, bindPCGrad)
	if err != nil {
		return err
	}
	which := int(int32(binary.LittleEndian.Uint32(ctx.Push())))
	w2, h2 := activeDims.w, activeDims.h
	n2 := w2 * h2

	lumaBytes := prepared[which*n2*4 : (which+1)*n2*4]
	luma := kernel.BytesToFloat32s(lumaBytes)

	pc := phaseCongruency(luma, w2, h2, fftPlan)
	grad := scharrGradient(luma, w2, h2)

	kernel.PutFloat32s(out[which*n2*4:], pc)
	kernel.PutFloat32s(out[(2+which)*n2*4:], grad)
	return nil
}

// combineKernel implements §4.6's final similarity combination:
// heap bindings (2) prepared buffer, (3) PC/gradient buffer, (4)
// output buffer holding three w2*h2-float planes: the FSIM
// numerator, the FSIMc numerator, and the shared denominator.
func combineKernel(ctx *cpu.KernelContext) error {
	prepared, err := ctx.Buffer(0, bindPrepared)
	if err != nil {
		return err
	}
	pcgrad, err := ctx.Buffer(0, bindPCGrad)
	if err != nil {
		return err
	}
	out, err := ctx.Buffer(0, bindCombine)
	if err != nil {
		return err
	}
	n2 := activeDims.w * activeDims.h

	iT := kernel.BytesToFloat32s(prepared[2*n2*4 : 3*n2*4])
	iR := kernel.BytesToFloat32s(prepared[3*n2*4 : 4*n2*4])
	qT := kernel.BytesToFloat32s(prepared[4*n2*4 : 5*n2*4])
	qR := kernel.BytesToFloat32s(prepared[5*n2*4 : 6*n2*4])
	pcA := kernel.BytesToFloat32s(pcgrad[0*n2*4 : 1*n2*4])
	pcB := kernel.BytesToFloat32s(pcgrad[1*n2*4 : 2*n2*4])
	gA := kernel.BytesToFloat32s(pcgrad[2*n2*4 : 3*n2*4])
	gB := kernel.BytesToFloat32s(pcgrad[3*n2*4 : 4*n2*4])

	num := make([]float32, n2)
	numC := make([]float32, n2)
	den := make([]float32, n2)
	for i := 0; i < n2; i++ {
		sPC := (2*pcA[i]*pcB[i] + t1) / (pcA[i]*pcA[i] + pcB[i]*pcB[i] + t1)
		sG := (2*gA[i]*gB[i] + t2) / (gA[i]*gA[i] + gB[i]*gB[i] + t2)
		sL := sPC * sG
		pcm := pcA[i]
		if pcB[i] > pcm {
			pcm = pcB[i]
		}
		sI := (2*iT[i]*iR[i] + t3) / (iT[i]*iT[i] + iR[i]*iR[i] + t3)
		sQ := (2*qT[i]*qR[i] + t4) / (qT[i]*qT[i] + qR[i]*qR[i] + t4)
		sC := sI * sQ
		if sC < 0 {
			sC = 0
		}

		num[i] = sL * pcm
		den[i] = pcm
		numC[i] = sL * float32(math.Pow(float64(sC), lambda)) * pcm
	}
	kernel.PutFloat32s(out[0*n2*4:], num)
	kernel.PutFloat32s(out[1*n2*4:], numC)
	kernel.PutFloat32s(out[2*n2*4:], den)
	return nil
}

// Run executes the FSIM Orchestrator invocation end to end.
func Run(test, ref *imgio.RGBA8, opts metric.Options) (metric.Result, error) {
	runMu.Lock()
	defer runMu.Unlock()
	if err := imgio.CheckSameSize(test, ref); err != nil {
		return metric.Result{}, err
	}
	w, h := test.Width, test.Height
	factor := downscaleFactor(w, h)
	w2, h2 := w/factor, h/factor
	if w2 < 1 || h2 < 1 {
		return metric.Result{}, iqmerr.New(iqmerr.ArgError, "fsim.Run", nil)
	}
	n2 := w2 * h2
	activeDims.w, activeDims.h = w2, h2
	activeDims.origW, activeDims.origH = w, h
	activeDims.factor = factor
	fftPlan = fftCache.Get(w2, h2)

	gpu := ctxt.GPU()
	dim := driver.Dim3D{Width: w, Height: h, Depth: 1}

	testImg, err := pximage.New(driver.RGBA8Unorm, dim, 1, driver.UCopyDst|driver.UShaderRead)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "fsim.Run", err)
	}
	defer testImg.Free()
	refImg, err := pximage.New(driver.RGBA8Unorm, dim, 1, driver.UCopyDst|driver.UShaderRead)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "fsim.Run", err)
	}
	defer refImg.Free()

	prepared, err := gpu.NewBuffer(int64(n2)*4*6, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "fsim.Run", err)
	}
	defer prepared.Destroy()
	pcgrad, err := gpu.NewBuffer(int64(n2)*4*4, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "fsim.Run", err)
	}
	defer pcgrad.Destroy()
	combine, err := gpu.NewBuffer(int64(n2)*4*3, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "fsim.Run", err)
	}
	defer combine.Destroy()
	// sumScratch holds a disposable copy of combine's three planes:
	// the tree-sum primitive reduces in place, and the local
	// similarity map (num/den) is also the default Vis, so the
	// reduction runs against this scratch copy rather than combine
	// itself, the same pattern metric/lpips uses for its
	// reconstruction-map visualization.
	sumScratch, err := gpu.NewBuffer(int64(n2)*4*3, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "fsim.Run", err)
	}
	defer sumScratch.Destroy()

	heap, copyIdx, err := gpukit.NewHeap([]driver.Descriptor{
		gpukit.StorageImage(bindTest), gpukit.StorageImage(bindRef),
		gpukit.StorageBuffer(bindPrepared), gpukit.StorageBuffer(bindPCGrad),
		gpukit.StorageBuffer(bindCombine), gpukit.StorageBuffer(bindNum),
		gpukit.StorageBuffer(bindNumC), gpukit.StorageBuffer(bindDen),
		gpukit.StorageBuffer(bindSumNum), gpukit.StorageBuffer(bindSumNumC),
		gpukit.StorageBuffer(bindSumDen),
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "fsim.Run", err)
	}
	defer heap.Destroy()
	if err := heap.SetImage(copyIdx, bindTest, 0, []driver.ImageView{testImg.View(0)}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetImage(copyIdx, bindRef, 0, []driver.ImageView{refImg.View(0)}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindPrepared, 0, []driver.Buffer{prepared}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindPCGrad, 0, []driver.Buffer{pcgrad}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindCombine, 0, []driver.Buffer{combine}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	planeSize := int64(n2) * 4
	if err := heap.SetBuffer(copyIdx, bindNum, 0, []driver.Buffer{combine}, []int64{0}, []int64{planeSize}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindNumC, 0, []driver.Buffer{combine}, []int64{planeSize}, []int64{planeSize}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindDen, 0, []driver.Buffer{combine}, []int64{planeSize * 2}, []int64{planeSize}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindSumNum, 0, []driver.Buffer{sumScratch}, []int64{0}, []int64{planeSize}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindSumNumC, 0, []driver.Buffer{sumScratch}, []int64{planeSize}, []int64{planeSize}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindSumDen, 0, []driver.Buffer{sumScratch}, []int64{planeSize * 2}, []int64{planeSize}); err != nil {
		return metric.Result{}, err
	}
	table, err := gpukit.NewTable(heap)
	if err != nil {
		return metric.Result{}, err
	}
	defer table.Destroy()

	preparePipe, err := gpukit.NewPipeline("fsim.prepare", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "fsim.Run", err)
	}
	defer preparePipe.Destroy()
	pcPipe, err := gpukit.NewPipeline("fsim.pc", table, 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "fsim.Run", err)
	}
	defer pcPipe.Destroy()
	combinePipe, err := gpukit.NewPipeline("fsim.combine", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "fsim.Run", err)
	}
	defer combinePipe.Destroy()
	sumPipe, err := gpukit.NewPipeline("primitive.treesum", table, 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "fsim.Run", err)
	}
	defer sumPipe.Destroy()

	inv, err := metric.NewInvocation(len(test.Pix) + len(ref.Pix) + 16 + int(planeSize)*2)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "fsim.Run", err)
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
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "fsim.Run", err)
	}

	testSel := make([]byte, 4)
	refSel := make([]byte, 4)
	binary.LittleEndian.PutUint32(refSel, 1)
	sumNumNr := make([]byte, 4)
	sumNumCNr := make([]byte, 4)
	sumDenNr := make([]byte, 4)
	binary.LittleEndian.PutUint32(sumNumNr, uint32(bindSumNum))
	binary.LittleEndian.PutUint32(sumNumCNr, uint32(bindSumNumC))
	binary.LittleEndian.PutUint32(sumDenNr, uint32(bindSumDen))
	groupsX, groupsY := gpukit.Groups2D(w2, h2, 16)

	err = inv.RunCompute(func(cb driver.CmdBuffer) error {
		cb.SetDescTable(table, copyIdx)
		cb.SetPipeline(preparePipe)
		cb.Dispatch(groupsX, groupsY, 1)
		cb.SetPipeline(pcPipe)
		cb.PushConstants(testSel, 0)
		cb.Dispatch(1, 1, 1)
		cb.PushConstants(refSel, 0)
		cb.Dispatch(1, 1, 1)
		cb.SetPipeline(combinePipe)
		cb.Dispatch(groupsX, groupsY, 1)
		cb.CopyBuffer(sumScratch, combine, []driver.BufferCopy{{DstOff: 0, SrcOff: 0, Size: planeSize * 3}})
		cb.SetPipeline(sumPipe)
		cb.PushConstants(sumNumNr, 0)
		cb.Dispatch(1, 1, 1)
		cb.PushConstants(sumNumCNr, 0)
		cb.Dispatch(1, 1, 1)
		cb.PushConstants(sumDenNr, 0)
		cb.Dispatch(1, 1, 1)
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "fsim.Run", err)
	}

	result := make([]byte, 12)
	mapBytes := make([]byte, planeSize*2)
	var resultOff, mapOff int64
	err = inv.Readback(func(s *staging.Buffer) error {
		var e error
		resultOff, e = s.Stage(result)
		if e != nil {
			return e
		}
		s.CmdBuffer().CopyBuffer(s.DriverBuffer(), sumScratch, []driver.BufferCopy{
			{DstOff: resultOff, SrcOff: 0, Size: 4},
			{DstOff: resultOff + 4, SrcOff: planeSize, Size: 4},
			{DstOff: resultOff + 8, SrcOff: planeSize * 2, Size: 4},
		})
		mapOff, e = s.Stage(mapBytes)
		if e != nil {
			return e
		}
		s.CmdBuffer().CopyBuffer(s.DriverBuffer(), combine, []driver.BufferCopy{
			{DstOff: mapOff, SrcOff: 0, Size: planeSize},
			{DstOff: mapOff + planeSize, SrcOff: planeSize * 2, Size: planeSize},
		})
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "fsim.Run", err)
	}
	inv.Staging().Unstage(resultOff, result)

	numSum := math.Float32frombits(binary.LittleEndian.Uint32(result[0:4]))
	numCSum := math.Float32frombits(binary.LittleEndian.Uint32(result[4:8]))
	denSum := math.Float32frombits(binary.LittleEndian.Uint32(result[8:12]))

	var fsimVal, fsimcVal float64
	if denSum == 0 {
		// No phase-congruent features anywhere (e.g. a perfectly
		// flat image pair): the similarity sum is vacuously 1.
		fsimVal, fsimcVal = 1, 1
	} else {
		fsimVal = float64(numSum) / float64(denSum)
		fsimcVal = float64(numCSum) / float64(denSum)
	}

	inv.Staging().Unstage(mapOff, mapBytes)
	num := kernel.BytesToFloat32s(mapBytes[0:planeSize])
	den := kernel.BytesToFloat32s(mapBytes[planeSize:])
	sim := make([]float32, n2)
	for i := range sim {
		if den[i] != 0 {
			sim[i] = num[i] / den[i]
		} else {
			sim[i] = 1
		}
	}

	res := metric.Result{Values: map[string]float64{"FSIM": fsimVal, "FSIMc": fsimcVal}}
	if opts.Colorize {
		res.Vis = kernel.Colorize(sim, kernel.Viridis(), 1, false)
		res.VisRGBA = true
	} else {
		res.Vis = kernel.Grayscale(sim, 1, false)
		res.VisRGBA = false
	}
	res.VisW, res.VisH = w2, h2
	return res, nil
}
