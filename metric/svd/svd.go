// Copyright 2026 The IQM Authors. All rights reserved.

// Package svd implements the Svd metric pipeline of §4.5:
// grayscale conversion, per-8x8-block singular-value scoring via
// one-sided Jacobi SVD, a radix sort for the max/median scores,
// and a tree-sum yielding M-SVD.
package svd

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
	blockSize = 8
	eps       = 1e-6

	bindTest   = 0
	bindRef    = 1
	bindGray   = 2
	bindScores = 3
	bindDiffs  = 4
)

func init() {
	cpu.RegisterKernel("svd.grayscale", grayscaleKernel)
	cpu.RegisterKernel("svd.blockscore", blockScoreKernel)
	cpu.RegisterKernel("svd.stat", statKernel)
	metric.Register(metric.SVD, Run)
}

var activeDims struct{ w, h, blocksX, blocksY int }

// runMu serializes Run invocations against each other; see the
// identical note in metric/ssim.
var runMu sync.Mutex

// grayscaleKernel implements §4.5's grayscale-conversion step.
// Heap: test image, reference image -> a buffer holding two
// contiguous n-float grayscale planes.
func grayscaleKernel(ctx *cpu.KernelContext) error {
	test, err := ctx.ImageData(0, bindTest)
	if err != nil {
		return err
	}
	ref, err := ctx.ImageData(0, bindRef)
	if err != nil {
		return err
	}
	buf, err := ctx.Buffer(0, bindGray)
	if err != nil {
		return err
	}
	n := len(test.Bytes) / 4
	tr, tg, tb, _ := kernel.RGBA8ToFloat(test.Bytes)
	rr, rg, rb, _ := kernel.RGBA8ToFloat(ref.Bytes)
	gt := kernel.SRGBToLuma(tr, tg, tb)
	gr := kernel.SRGBToLuma(rr, rg, rb)
	kernel.PutFloat32s(buf[0:], gt)
	kernel.PutFloat32s(buf[n*4:], gr)
	return nil
}

// blockScoreKernel implements §4.5's per-block SVD score: for
// each 8x8 block, compute the L1 distance between the test and
// reference singular-value vectors, divided by 8.
func blockScoreKernel(ctx *cpu.KernelContext) error {
	in, err := ctx.Buffer(0, bindGray)
	if err != nil {
		return err
	}
	out, err := ctx.Buffer(0, bindScores)
	if err != nil {
		return err
	}
	w, h := activeDims.w, activeDims.h
	n := w * h
	gt := kernel.BytesToFloat32s(in[0 : n*4])
	gr := kernel.BytesToFloat32s(in[n*4 : 2*n*4])
	bx, by := activeDims.blocksX, activeDims.blocksY
	scores := make([]float32, bx*by)
	blockA := make([]float32, blockSize*blockSize)
	blockB := make([]float32, blockSize*blockSize)
	for byi := 0; byi < by; byi++ {
		for bxi := 0; bxi < bx; bxi++ {
			for r := 0; r < blockSize; r++ {
				row := (byi*blockSize+r)*w + bxi*blockSize
				copy(blockA[r*blockSize:], gt[row:row+blockSize])
				copy(blockB[r*blockSize:], gr[row:row+blockSize])
			}
			sa := kernel.SingularValues8x8(blockA)
			sb := kernel.SingularValues8x8(blockB)
			var l1 float32
			for i := range sa {
				d := sa[i] - sb[i]
				if d < 0 {
					d = -d
				}
				l1 += d
			}
			scores[byi*bx+bxi] = l1 / blockSize
		}
	}
	kernel.PutFloat32s(out, scores)
	return nil
}

// statKernel implements §4.5 steps 1-2: radix-sort the per-block
// scores to find the max and median, then write each block's
// |score-median|/(|max-median|+eps) contribution.
func statKernel(ctx *cpu.KernelContext) error {
	in, err := ctx.Buffer(0, bindScores)
	if err != nil {
		return err
	}
	out, err := ctx.Buffer(0, bindDiffs)
	if err != nil {
		return err
	}
	scores := kernel.BytesToFloat32s(in)
	sorted, _ := kernel.RadixSort(scores)
	median := sorted[len(sorted)/2]
	max := sorted[len(sorted)-1]
	denom := max - median
	if denom < 0 {
		denom = -denom
	}
	denom += eps
	diffs := make([]float32, len(scores))
	for i, v := range scores {
		d := v - median
		if d < 0 {
			d = -d
		}
		diffs[i] = d / denom
	}
	kernel.PutFloat32s(out, diffs)
	return nil
}

// Run executes the SVD Orchestrator invocation end to end.
func Run(test, ref *imgio.RGBA8, opts metric.Options) (metric.Result, error) {
	runMu.Lock()
	defer runMu.Unlock()
	if err := imgio.CheckSameSize(test, ref); err != nil {
		return metric.Result{}, err
	}
	w, h := test.Width, test.Height
	n := w * h
	bx, by := w/blockSize, h/blockSize
	if bx < 1 || by < 1 {
		return metric.Result{}, iqmerr.New(iqmerr.ArgError, "svd.Run", nil)
	}
	numBlocks := bx * by
	activeDims.w, activeDims.h, activeDims.blocksX, activeDims.blocksY = w, h, bx, by

	gpu := ctxt.GPU()
	dim := driver.Dim3D{Width: w, Height: h, Depth: 1}

	testImg, err := pximage.New(driver.RGBA8Unorm, dim, 1, driver.UCopyDst|driver.UShaderRead)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "svd.Run", err)
	}
	defer testImg.Free()
	refImg, err := pximage.New(driver.RGBA8Unorm, dim, 1, driver.UCopyDst|driver.UShaderRead)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "svd.Run", err)
	}
	defer refImg.Free()

	gray, err := gpu.NewBuffer(int64(n)*4*2, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "svd.Run", err)
	}
	defer gray.Destroy()
	scores, err := gpu.NewBuffer(int64(numBlocks)*4, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "svd.Run", err)
	}
	defer scores.Destroy()
	diffs, err := gpu.NewBuffer(int64(numBlocks)*4, false, driver.UShaderRead|driver.UShaderWrite)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "svd.Run", err)
	}
	defer diffs.Destroy()

	heap, copyIdx, err := gpukit.NewHeap([]driver.Descriptor{
		gpukit.StorageImage(bindTest), gpukit.StorageImage(bindRef),
		gpukit.StorageBuffer(bindGray), gpukit.StorageBuffer(bindScores),
		gpukit.StorageBuffer(bindDiffs),
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "svd.Run", err)
	}
	defer heap.Destroy()
	if err := heap.SetImage(copyIdx, bindTest, 0, []driver.ImageView{testImg.View(0)}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetImage(copyIdx, bindRef, 0, []driver.ImageView{refImg.View(0)}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindGray, 0, []driver.Buffer{gray}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindScores, 0, []driver.Buffer{scores}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetBuffer(copyIdx, bindDiffs, 0, []driver.Buffer{diffs}, nil, nil); err != nil {
		return metric.Result{}, err
	}
	table, err := gpukit.NewTable(heap)
	if err != nil {
		return metric.Result{}, err
	}
	defer table.Destroy()

	grayPipe, err := gpukit.NewPipeline("svd.grayscale", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "svd.Run", err)
	}
	defer grayPipe.Destroy()
	scorePipe, err := gpukit.NewPipeline("svd.blockscore", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "svd.Run", err)
	}
	defer scorePipe.Destroy()
	statPipe, err := gpukit.NewPipeline("svd.stat", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "svd.Run", err)
	}
	defer statPipe.Destroy()
	sumPipe, err := gpukit.NewPipeline("primitive.treesum", table, 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "svd.Run", err)
	}
	defer sumPipe.Destroy()

	inv, err := metric.NewInvocation(len(test.Pix) + len(ref.Pix) + 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "svd.Run", err)
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
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "svd.Run", err)
	}

	sumNrBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sumNrBytes, uint32(bindDiffs))
	groupsX, groupsY := gpukit.Groups2D(w, h, 16)
	err = inv.RunCompute(func(cb driver.CmdBuffer) error {
		cb.SetDescTable(table, copyIdx)
		cb.SetPipeline(grayPipe)
		cb.Dispatch(groupsX, groupsY, 1)
		cb.SetPipeline(scorePipe)
		cb.Dispatch(bx, by, 1)
		cb.SetPipeline(statPipe)
		cb.Dispatch(1, 1, 1)
		cb.SetPipeline(sumPipe)
		cb.PushConstants(sumNrBytes, 0)
		cb.Dispatch(1, 1, 1)
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "svd.Run", err)
	}

	result := make([]byte, 4)
	var resultOff int64
	err = inv.Readback(func(s *staging.Buffer) error {
		var e error
		resultOff, e = s.Stage(result)
		if e != nil {
			return e
		}
		s.CmdBuffer().CopyBuffer(s.DriverBuffer(), diffs, []driver.BufferCopy{{DstOff: resultOff, SrcOff: 0, Size: 4}})
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "svd.Run", err)
	}
	inv.Staging().Unstage(resultOff, result)
	sum := math.Float32frombits(binary.LittleEndian.Uint32(result))
	mSVD := float64(sum) / float64(numBlocks)

	return metric.Result{Values: map[string]float64{"M-SVD": mSVD}}, nil
}
