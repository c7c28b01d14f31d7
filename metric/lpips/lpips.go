// Copyright 2026 The IQM Authors. All rights reserved.

// Package lpips implements the Lpips metric pipeline of §4.8: a
// fixed five-block convolutional backbone run over both images,
// a learned per-channel compare-weight distance computed after
// each block's ReLU, nearest-neighbor reconstruction across
// block resolutions, and a tree-sum mean distance.
package lpips

import (
	"encoding/binary"
	"math"
	"os"
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

// Preprocessing normalization, §4.8 step 1: the standard
// ImageNet per-channel mean/std the backbone's conv0 weights are
// calibrated against (published torchvision constants — the
// reference implementation's weights blob carries no embedded
// preprocessing metadata of its own).
var (
	preMean = [3]float32{0.485, 0.456, 0.406}
	preStd  = [3]float32{0.229, 0.224, 0.225}
)

var blockParams = [5]kernel.ConvParams{
	{Kernel: 11, Pad: 2, Stride: 4, InCh: 3, OutCh: 64},
	{Kernel: 5, Pad: 2, Stride: 1, InCh: 64, OutCh: 192},
	{Kernel: 3, Pad: 1, Stride: 1, InCh: 192, OutCh: 384},
	{Kernel: 3, Pad: 1, Stride: 1, InCh: 384, OutCh: 256},
	{Kernel: 3, Pad: 1, Stride: 1, InCh: 256, OutCh: 256},
}

var poolAfter = [5]bool{true, true, false, false, false}

const (
	bindTest = 0
	bindRef  = 1
	bindPrep = 2
	// bindConv0..4 and bindPool0..1 are offsets from bindConv0.
	bindConv0 = 3
	bindPool0 = 8
	// bindLayer0..4 are offsets from bindLayer0.
	bindLayer0 = 10
	bindRecon  = 15
	bindSum    = 16
)

func bindConv(i int) int  { return bindConv0 + i }
func bindPool(i int) int  { return bindPool0 + i }
func bindLayer(i int) int { return bindLayer0 + i }

// weights holds one loaded lpips.dat blob: per-block conv
// weights/biases and per-block compare-weight vectors, §6's
// lpips.dat layout.
type weights struct {
	convW [5][]float32
	convB [5][]float32
	compW [5][]float32
}

// parseWeights decodes a flat little-endian float32 blob into
// per-block tensors, per §3/§6's LPIPS model blob layout.
func parseWeights(blob []byte) (*weights, error) {
	vals := kernel.BytesToFloat32s(blob)
	w := &weights{}
	off := 0
	for i, p := range blockParams {
		wn := p.OutCh * p.InCh * p.Kernel * p.Kernel
		if off+wn+p.OutCh > len(vals) {
			return nil, iqmerr.New(iqmerr.IoError, "lpips.parseWeights", nil)
		}
		w.convW[i] = vals[off : off+wn]
		off += wn
		w.convB[i] = vals[off : off+p.OutCh]
		off += p.OutCh
	}
	for i, p := range blockParams {
		if off+p.OutCh > len(vals) {
			return nil, iqmerr.New(iqmerr.IoError, "lpips.parseWeights", nil)
		}
		w.compW[i] = vals[off : off+p.OutCh]
		off += p.OutCh
	}
	if off != len(vals) {
		return nil, iqmerr.New(iqmerr.IoError, "lpips.parseWeights", nil)
	}
	return w, nil
}

// blockDims is the per-block spatial resolution computed for one
// invocation: the ReLU-output (pre-pool) size and, when the
// block pools, the pooled size that feeds the next block.
type blockDims struct {
	w, h             int
	pooledW, pooledH int
}

var activeDims [5]blockDims
var activeImgW, activeImgH int
var activeW *weights

// runMu serializes Run invocations against each other; see the
// identical note in metric/ssim.
var runMu sync.Mutex

func init() {
	cpu.RegisterKernel("lpips.preprocess", preprocessKernel)
	cpu.RegisterKernel("lpips.block", blockKernel)
	cpu.RegisterKernel("lpips.reconstruct", reconstructKernel)
	metric.Register(metric.LPIPS, Run)
}

// preprocessKernel implements §4.8 step 1: per-channel
// normalize both images into one NHWC buffer, test then
// reference.
func preprocessKernel(ctx *cpu.KernelContext) error {
	test, err := ctx.ImageData(0, bindTest)
	if err != nil {
		return err
	}
	ref, err := ctx.ImageData(0, bindRef)
	if err != nil {
		return err
	}
	out, err := ctx.Buffer(0, bindPrep)
	if err != nil {
		return err
	}
	n := len(test.Bytes) / 4
	normalize := func(rgba []byte, dst []byte) {
		r, g, b, _ := kernel.RGBA8ToFloat(rgba)
		planes := [3][]float32{r, g, b}
		nhwc := make([]float32, n*3)
		for c := 0; c < 3; c++ {
			p := planes[c]
			for i := 0; i < n; i++ {
				nhwc[i*3+c] = (p[i] - preMean[c]) / preStd[c]
			}
		}
		kernel.PutFloat32s(dst, nhwc)
	}
	normalize(test.Bytes, out[:n*3*4])
	normalize(ref.Bytes, out[n*3*4:])
	return nil
}

// l2NormalizeChannels normalizes each spatial location's channel
// vector to unit length, the per-spatial-channel-vector map of
// §4.8's distance step.
func l2NormalizeChannels(nhwc []float32, n, ch int) []float32 {
	out := make([]float32, len(nhwc))
	for i := 0; i < n; i++ {
		base := i * ch
		var sumSq float32
		for c := 0; c < ch; c++ {
			v := nhwc[base+c]
			sumSq += v * v
		}
		norm := float32(math.Sqrt(float64(sumSq))) + 1e-10
		for c := 0; c < ch; c++ {
			out[base+c] = nhwc[base+c] / norm
		}
	}
	return out
}

// blockKernel implements §4.8 steps 2-6 for one block, selected
// by an int32 push constant: convolve+ReLU both images, compute
// the compare-weighted squared-difference layer map from the
// L2-normalized activations, and max-pool the ReLU output to
// feed the next block when the block spec calls for it.
func blockKernel(ctx *cpu.KernelContext) error {
	i := int(int32(binary.LittleEndian.Uint32(ctx.Push())))
	p := blockParams[i]

	in, err := ctx.Buffer(0, bindInputFor(i))
	if err != nil {
		return err
	}
	out, err := ctx.Buffer(0, bindConv(i))
	if err != nil {
		return err
	}
	layer, err := ctx.Buffer(0, bindLayer(i))
	if err != nil {
		return err
	}

	inDims := inputDimsFor(i)
	inN := inDims.w * inDims.h
	testIn := kernel.BytesToFloat32s(in[0 : inN*p.InCh*4])
	refIn := kernel.BytesToFloat32s(in[inN*p.InCh*4 : inN*p.InCh*4*2])

	testOut, outW, outH := kernel.Conv2DReLU(testIn, inDims.w, inDims.h, activeW.convW[i], activeW.convB[i], p)
	refOut, _, _ := kernel.Conv2DReLU(refIn, inDims.w, inDims.h, activeW.convW[i], activeW.convB[i], p)
	n := outW * outH

	testNorm := l2NormalizeChannels(testOut, n, p.OutCh)
	refNorm := l2NormalizeChannels(refOut, n, p.OutCh)

	lmap := make([]float32, n)
	cw := activeW.compW[i]
	for s := 0; s < n; s++ {
		base := s * p.OutCh
		var acc float32
		for c := 0; c < p.OutCh; c++ {
			d := testNorm[base+c] - refNorm[base+c]
			acc += cw[c] * d * d
		}
		lmap[s] = acc
	}
	kernel.PutFloat32s(layer, lmap)

	kernel.PutFloat32s(out[0:n*p.OutCh*4], testOut)
	kernel.PutFloat32s(out[n*p.OutCh*4:n*p.OutCh*4*2], refOut)

	if poolAfter[i] {
		pool, err := ctx.Buffer(0, bindPool(i))
		if err != nil {
			return err
		}
		testPool, poolW, poolH := kernel.MaxPool3x3Stride2(testOut, outW, outH, p.OutCh)
		refPool, _, _ := kernel.MaxPool3x3Stride2(refOut, outW, outH, p.OutCh)
		pn := poolW * poolH
		kernel.PutFloat32s(pool[0:pn*p.OutCh*4], testPool)
		kernel.PutFloat32s(pool[pn*p.OutCh*4:pn*p.OutCh*4*2], refPool)
	}
	return nil
}

func bindInputFor(i int) int {
	switch i {
	case 0:
		return bindPrep
	case 1:
		return bindPool(0)
	case 2:
		return bindPool(1)
	default:
		return bindConv(i - 1)
	}
}

func inputDimsFor(i int) struct{ w, h int } {
	if i == 0 {
		return struct{ w, h int }{activeImgW, activeImgH}
	}
	if poolAfter[i-1] {
		return struct{ w, h int }{activeDims[i-1].pooledW, activeDims[i-1].pooledH}
	}
	return struct{ w, h int }{activeDims[i-1].w, activeDims[i-1].h}
}

// reconstructKernel implements §4.8's reconstruction step:
// nearest-neighbor upsample every block's layer map to block 0's
// resolution and sum them.
func reconstructKernel(ctx *cpu.KernelContext) error {
	out, err := ctx.Buffer(0, bindRecon)
	if err != nil {
		return err
	}
	w0, h0 := activeDims[0].w, activeDims[0].h
	recon := make([]float32, w0*h0)
	for i := 0; i < 5; i++ {
		buf, err := ctx.Buffer(0, bindLayer(i))
		if err != nil {
			return err
		}
		lmap := kernel.BytesToFloat32s(buf)
		wi, hi := activeDims[i].w, activeDims[i].h
		for y := 0; y < h0; y++ {
			sy := y * hi / h0
			for x := 0; x < w0; x++ {
				sx := x * wi / w0
				recon[y*w0+x] += lmap[sy*wi+sx]
			}
		}
	}
	kernel.PutFloat32s(out, recon)
	return nil
}

// Run executes the LPIPS Orchestrator invocation end to end.
func Run(test, ref *imgio.RGBA8, opts metric.Options) (metric.Result, error) {
	runMu.Lock()
	defer runMu.Unlock()
	if err := imgio.CheckSameSize(test, ref); err != nil {
		return metric.Result{}, err
	}
	w, h := test.Width, test.Height
	activeImgW, activeImgH = w, h

	blob, err := os.ReadFile(opts.LPIPSWeights)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.IoError, "lpips.Run", err)
	}
	wts, err := parseWeights(blob)
	if err != nil {
		return metric.Result{}, err
	}
	activeW = wts

	curW, curH := w, h
	for i, p := range blockParams {
		outW, outH := p.OutSize(curW, curH)
		activeDims[i].w, activeDims[i].h = outW, outH
		if poolAfter[i] {
			poolW := (outW-3)/2 + 1
			poolH := (outH-3)/2 + 1
			activeDims[i].pooledW, activeDims[i].pooledH = poolW, poolH
			curW, curH = poolW, poolH
		} else {
			curW, curH = outW, outH
		}
	}

	w0, h0 := activeDims[0].w, activeDims[0].h

	gpu := ctxt.GPU()
	dim := driver.Dim3D{Width: w, Height: h, Depth: 1}

	testImg, err := pximage.New(driver.RGBA8Unorm, dim, 1, driver.UCopyDst|driver.UShaderRead)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "lpips.Run", err)
	}
	defer testImg.Free()
	refImg, err := pximage.New(driver.RGBA8Unorm, dim, 1, driver.UCopyDst|driver.UShaderRead)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "lpips.Run", err)
	}
	defer refImg.Free()

	descs := []driver.Descriptor{gpukit.StorageImage(bindTest), gpukit.StorageImage(bindRef), gpukit.StorageBuffer(bindPrep)}
	buffers := map[int]driver.Buffer{}

	newBuf := func(floats int64) (driver.Buffer, error) {
		return gpu.NewBuffer(floats*4, false, driver.UShaderRead|driver.UShaderWrite)
	}

	prepBuf, err := newBuf(int64(w*h*3) * 2)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "lpips.Run", err)
	}
	defer prepBuf.Destroy()
	buffers[bindPrep] = prepBuf

	for i, p := range blockParams {
		n := activeDims[i].w * activeDims[i].h
		cb, err := newBuf(int64(n*p.OutCh) * 2)
		if err != nil {
			return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "lpips.Run", err)
		}
		defer cb.Destroy()
		buffers[bindConv(i)] = cb
		descs = append(descs, gpukit.StorageBuffer(bindConv(i)))

		if poolAfter[i] {
			pn := activeDims[i].pooledW * activeDims[i].pooledH
			pb, err := newBuf(int64(pn*p.OutCh) * 2)
			if err != nil {
				return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "lpips.Run", err)
			}
			defer pb.Destroy()
			buffers[bindPool(i)] = pb
			descs = append(descs, gpukit.StorageBuffer(bindPool(i)))
		}

		lb, err := newBuf(int64(n))
		if err != nil {
			return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "lpips.Run", err)
		}
		defer lb.Destroy()
		buffers[bindLayer(i)] = lb
		descs = append(descs, gpukit.StorageBuffer(bindLayer(i)))
	}

	reconBuf, err := newBuf(int64(w0 * h0))
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "lpips.Run", err)
	}
	defer reconBuf.Destroy()
	buffers[bindRecon] = reconBuf
	descs = append(descs, gpukit.StorageBuffer(bindRecon))

	sumBuf, err := newBuf(int64(w0 * h0))
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "lpips.Run", err)
	}
	defer sumBuf.Destroy()
	buffers[bindSum] = sumBuf
	descs = append(descs, gpukit.StorageBuffer(bindSum))

	heap, copyIdx, err := gpukit.NewHeap(descs)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "lpips.Run", err)
	}
	defer heap.Destroy()
	if err := heap.SetImage(copyIdx, bindTest, 0, []driver.ImageView{testImg.View(0)}); err != nil {
		return metric.Result{}, err
	}
	if err := heap.SetImage(copyIdx, bindRef, 0, []driver.ImageView{refImg.View(0)}); err != nil {
		return metric.Result{}, err
	}
	for nr, buf := range buffers {
		if err := heap.SetBuffer(copyIdx, nr, 0, []driver.Buffer{buf}, nil, nil); err != nil {
			return metric.Result{}, err
		}
	}
	table, err := gpukit.NewTable(heap)
	if err != nil {
		return metric.Result{}, err
	}
	defer table.Destroy()

	preprocessPipe, err := gpukit.NewPipeline("lpips.preprocess", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "lpips.Run", err)
	}
	defer preprocessPipe.Destroy()
	blockPipe, err := gpukit.NewPipeline("lpips.block", table, 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "lpips.Run", err)
	}
	defer blockPipe.Destroy()
	reconstructPipe, err := gpukit.NewPipeline("lpips.reconstruct", table, 0)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "lpips.Run", err)
	}
	defer reconstructPipe.Destroy()
	sumPipe, err := gpukit.NewPipeline("primitive.treesum", table, 4)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "lpips.Run", err)
	}
	defer sumPipe.Destroy()

	inv, err := metric.NewInvocation(len(test.Pix) + len(ref.Pix) + w0*h0*4 + 16)
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuResource, "lpips.Run", err)
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
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "lpips.Run", err)
	}

	sumNr := make([]byte, 4)
	binary.LittleEndian.PutUint32(sumNr, uint32(bindSum))

	err = inv.RunCompute(func(cb driver.CmdBuffer) error {
		cb.SetDescTable(table, copyIdx)
		cb.SetPipeline(preprocessPipe)
		cb.Dispatch(1, 1, 1)
		cb.SetPipeline(blockPipe)
		for i := range blockParams {
			push := make([]byte, 4)
			binary.LittleEndian.PutUint32(push, uint32(i))
			cb.PushConstants(push, 0)
			cb.Dispatch(1, 1, 1)
		}
		cb.SetPipeline(reconstructPipe)
		cb.Dispatch(1, 1, 1)
		// The tree-sum primitive reduces in place, overwriting its
		// buffer's first element with the running sum; copy the
		// reconstruction map into a scratch buffer first so reconBuf
		// stays intact for the optional visualization readback.
		cb.CopyBuffer(sumBuf, reconBuf, []driver.BufferCopy{{DstOff: 0, SrcOff: 0, Size: int64(w0 * h0 * 4)}})
		cb.SetPipeline(sumPipe)
		cb.PushConstants(sumNr, 0)
		cb.Dispatch(1, 1, 1)
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "lpips.Run", err)
	}

	result := make([]byte, 4)
	visMap := make([]byte, w0*h0*4)
	var resultOff, visOff int64
	err = inv.Readback(func(s *staging.Buffer) error {
		var e error
		resultOff, e = s.Stage(result)
		if e != nil {
			return e
		}
		s.CmdBuffer().CopyBuffer(s.DriverBuffer(), sumBuf, []driver.BufferCopy{{DstOff: resultOff, SrcOff: 0, Size: 4}})
		visOff, e = s.Stage(visMap)
		if e != nil {
			return e
		}
		s.CmdBuffer().CopyBuffer(s.DriverBuffer(), reconBuf, []driver.BufferCopy{{DstOff: visOff, SrcOff: 0, Size: int64(len(visMap))}})
		return nil
	})
	if err != nil {
		return metric.Result{}, iqmerr.New(iqmerr.GpuExecution, "lpips.Run", err)
	}
	inv.Staging().Unstage(resultOff, result)
	sum := math.Float32frombits(binary.LittleEndian.Uint32(result))
	distance := float64(sum) / float64(w0*h0)

	res := metric.Result{Values: map[string]float64{"LPIPS": distance}}
	inv.Staging().Unstage(visOff, visMap)
	recon := kernel.BytesToFloat32s(visMap)
	if opts.Colorize {
		res.Vis = kernel.Colorize(recon, kernel.Viridis(), 1, false)
		res.VisRGBA = true
	} else {
		res.Vis = kernel.Grayscale(recon, 1, false)
		res.VisRGBA = false
	}
	res.VisW, res.VisH = w0, h0
	return res, nil
}
