// Copyright 2026 The IQM Authors. All rights reserved.

package cpu

import (
	"errors"
	"sync"

	"iqm/driver"
)

// GPU is the cpu driver's driver.GPU implementation.
type GPU struct {
	mu sync.Mutex
}

func (g *GPU) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	if size <= 0 {
		return nil, errors.New("cpu: buffer size must be positive")
	}
	return &cpuBuffer{data: make([]byte, size), usage: usg}, nil
}

func (g *GPU) NewImage(pf driver.PixelFmt, dim driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	if layers < 1 {
		layers = 1
	}
	if levels < 1 {
		levels = 1
	}
	sz := dim.Width * dim.Height * dim.Depth * TexelSize(pf)
	data := make([][]byte, layers)
	for i := range data {
		data[i] = make([]byte, sz)
	}
	return &cpuImage{pf: pf, dim: dim, layers: layers, levels: levels, usage: usg, data: data}, nil
}

func (g *GPU) NewShaderCode(name string) (driver.ShaderCode, error) {
	return &cpuShaderCode{name: name}, nil
}

func (g *GPU) NewDescHeap(desc []driver.Descriptor) (driver.DescHeap, error) {
	d := make([]driver.Descriptor, len(desc))
	copy(d, desc)
	return &descHeap{layout: d}, nil
}

func (g *GPU) NewDescTable(heaps []driver.DescHeap) (driver.DescTable, error) {
	hs := make([]*descHeap, len(heaps))
	for i, h := range heaps {
		dh, ok := h.(*descHeap)
		if !ok {
			return nil, errors.New("cpu: foreign descriptor heap")
		}
		hs[i] = dh
	}
	return &descTable{heaps: hs}, nil
}

func (g *GPU) NewPipeline(state *driver.CompState) (driver.Pipeline, error) {
	fn, ok := lookupKernel(state.Func.Name)
	if !ok {
		return nil, errUnknownKernel
	}
	dt, ok := state.Desc.(*descTable)
	if !ok {
		return nil, errors.New("cpu: foreign descriptor table")
	}
	return &cpuPipeline{fn: fn, table: dt, pushSize: state.Const.Size}, nil
}

func (g *GPU) NewCmdBuffer() (driver.CmdBuffer, error) {
	return &cpuCmdBuffer{state: cbIdle}, nil
}

func (g *GPU) Commit(wk *driver.WorkItem, ch chan<- *driver.WorkItem) error {
	for _, cb := range wk.Work {
		b, ok := cb.(*cpuCmdBuffer)
		if !ok {
			return errors.New("cpu: foreign command buffer")
		}
		if b.state != cbEnded {
			return driver.ErrInvalidState
		}
	}
	go func() {
		var err error
		for _, cb := range wk.Work {
			b := cb.(*cpuCmdBuffer)
			if err == nil && b.err != nil {
				err = b.err
			}
			if b.err != nil {
				b.state = cbFailed
			} else {
				b.state = cbCommitted
			}
		}
		wk.Err = err
		ch <- wk
	}()
	return nil
}

func (g *GPU) WaitIdle() error { return nil }

func (g *GPU) Limits() driver.Limits {
	return driver.Limits{
		MaxImageWidth:    16384,
		MaxImageHeight:   16384,
		MaxBufferSize:    1 << 30,
		MaxDescHeaps:     4,
		MaxPushConstants: 256,
	}
}

func (g *GPU) Close() {}

type cpuBuffer struct {
	data  []byte
	usage driver.Usage
}

func (b *cpuBuffer) Bytes() []byte { return b.data }
func (b *cpuBuffer) Size() int64   { return int64(len(b.data)) }
func (b *cpuBuffer) Destroy()      { b.data = nil }

type cpuImage struct {
	pf     driver.PixelFmt
	dim    driver.Dim3D
	layers int
	levels int
	usage  driver.Usage
	data   [][]byte
}

func (im *cpuImage) NewView(layer, layers, level, levels int) (driver.ImageView, error) {
	if layer < 0 || layer+layers > im.layers {
		return nil, errors.New("cpu: view layer range out of bounds")
	}
	return &cpuImageView{img: im, layer: layer, layers: layers}, nil
}

func (im *cpuImage) Destroy() { im.data = nil }

type cpuImageView struct {
	img    *cpuImage
	layer  int
	layers int
}

func (v *cpuImageView) Destroy() {}

type cpuShaderCode struct{ name string }

func (s *cpuShaderCode) Destroy() {}

type descHeap struct {
	mu     sync.Mutex
	layout []driver.Descriptor
	copies []heapCopy
}

type heapCopy struct {
	bufs   map[int][]byte
	images map[int]*ImageData
}

func (h *descHeap) New(n int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	first := len(h.copies)
	for i := 0; i < n; i++ {
		h.copies = append(h.copies, heapCopy{
			bufs:   make(map[int][]byte),
			images: make(map[int]*ImageData),
		})
	}
	return first, nil
}

func (h *descHeap) SetBuffer(copyIdx, nr, idx int, bufs []driver.Buffer, offs, sizes []int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if copyIdx < 0 || copyIdx >= len(h.copies) {
		return errors.New("cpu: descriptor copy out of range")
	}
	b, ok := bufs[idx].(*cpuBuffer)
	if !ok {
		return errors.New("cpu: foreign buffer")
	}
	data := b.data
	if len(offs) > idx && offs[idx] != 0 || len(sizes) > idx && sizes[idx] != 0 {
		off := int64(0)
		sz := int64(len(data))
		if len(offs) > idx {
			off = offs[idx]
		}
		if len(sizes) > idx && sizes[idx] != 0 {
			sz = sizes[idx]
		}
		data = data[off : off+sz]
	}
	h.copies[copyIdx].bufs[nr] = data
	return nil
}

func (h *descHeap) SetImage(copyIdx, nr, idx int, views []driver.ImageView) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if copyIdx < 0 || copyIdx >= len(h.copies) {
		return errors.New("cpu: descriptor copy out of range")
	}
	v, ok := views[idx].(*cpuImageView)
	if !ok {
		return errors.New("cpu: foreign image view")
	}
	h.copies[copyIdx].images[nr] = &ImageData{
		Fmt:    v.img.pf,
		Dim:    v.img.dim,
		Layer:  v.layer,
		Layers: v.layers,
		Bytes:  v.img.data[v.layer],
	}
	return nil
}

func (h *descHeap) Free(copyIdx int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if copyIdx >= 0 && copyIdx < len(h.copies) {
		h.copies[copyIdx] = heapCopy{}
	}
}

func (h *descHeap) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.copies = nil
}

func (h *descHeap) bufferAt(copyIdx, nr int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if copyIdx < 0 || copyIdx >= len(h.copies) {
		return nil, errors.New("cpu: descriptor copy out of range")
	}
	b, ok := h.copies[copyIdx].bufs[nr]
	if !ok {
		return nil, errors.New("cpu: no buffer bound at that slot")
	}
	return b, nil
}

func (h *descHeap) imageAt(copyIdx, nr int) (*ImageData, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if copyIdx < 0 || copyIdx >= len(h.copies) {
		return nil, errors.New("cpu: descriptor copy out of range")
	}
	im, ok := h.copies[copyIdx].images[nr]
	if !ok {
		return nil, errors.New("cpu: no image bound at that slot")
	}
	return im, nil
}

type descTable struct {
	heaps []*descHeap
}

func (t *descTable) Heap(i int) driver.DescHeap { return t.heaps[i] }
func (t *descTable) Destroy()                    {}

func (t *descTable) heapAt(i int) (*descHeap, error) {
	if i < 0 || i >= len(t.heaps) {
		return nil, errors.New("cpu: descriptor heap index out of range")
	}
	return t.heaps[i], nil
}

type cpuPipeline struct {
	fn       KernelFunc
	table    *descTable
	pushSize int
}

func (p *cpuPipeline) Destroy() {}

type cbStatus int

const (
	cbIdle cbStatus = iota
	cbBegun
	cbEnded
	cbCommitted
	cbFailed
)

type cpuCmdBuffer struct {
	state   cbStatus
	pipe    *cpuPipeline
	copyIdx int
	push    []byte
	err     error
}

func (b *cpuCmdBuffer) Begin() error {
	if b.state != cbIdle && b.state != cbCommitted && b.state != cbFailed {
		return driver.ErrInvalidState
	}
	b.state = cbBegun
	b.pipe = nil
	b.push = nil
	b.err = nil
	return nil
}

func (b *cpuCmdBuffer) End() error {
	if b.state != cbBegun {
		return driver.ErrInvalidState
	}
	b.state = cbEnded
	return nil
}

func (b *cpuCmdBuffer) Reset() error {
	b.state = cbIdle
	b.pipe = nil
	b.push = nil
	b.err = nil
	return nil
}

func (b *cpuCmdBuffer) IsRecording() bool { return b.state == cbBegun }

func (b *cpuCmdBuffer) SetPipeline(p driver.Pipeline) {
	b.pipe = p.(*cpuPipeline)
}

func (b *cpuCmdBuffer) SetDescTable(t driver.DescTable, copyIdx int) {
	b.copyIdx = copyIdx
}

func (b *cpuCmdBuffer) PushConstants(data []byte, off int) {
	need := off + len(data)
	if len(b.push) < need {
		grown := make([]byte, need)
		copy(grown, b.push)
		b.push = grown
	}
	copy(b.push[off:], data)
}

func (b *cpuCmdBuffer) Dispatch(grpCountX, grpCountY, grpCountZ int) {
	if b.pipe == nil || b.err != nil {
		return
	}
	ctx := &KernelContext{table: b.pipe.table, copy: b.copyIdx, push: b.push}
	if err := b.pipe.fn(ctx); err != nil {
		b.err = err
	}
}

func (b *cpuCmdBuffer) CopyBuffer(dst, src driver.Buffer, copies []driver.BufferCopy) {
	d := dst.(*cpuBuffer)
	s := src.(*cpuBuffer)
	for _, c := range copies {
		copy(d.data[c.DstOff:c.DstOff+c.Size], s.data[c.SrcOff:c.SrcOff+c.Size])
	}
}

func (b *cpuCmdBuffer) CopyImage(dst, src driver.Image, copies []driver.ImageCopy) {
	d := dst.(*cpuImage)
	s := src.(*cpuImage)
	for _, c := range copies {
		n := len(s.data[c.SrcLayer])
		if len(d.data[c.DstLayer]) < n {
			n = len(d.data[c.DstLayer])
		}
		copy(d.data[c.DstLayer][:n], s.data[c.SrcLayer][:n])
	}
}

func (b *cpuCmdBuffer) CopyBufToImg(dst driver.Image, src driver.Buffer, copies []driver.BufImgCopy) {
	d := dst.(*cpuImage)
	s := src.(*cpuBuffer)
	for _, c := range copies {
		n := len(d.data[c.ImgLayer])
		end := c.BufOff + int64(n)
		if end > int64(len(s.data)) {
			end = int64(len(s.data))
			n = int(end - c.BufOff)
		}
		copy(d.data[c.ImgLayer][:n], s.data[c.BufOff:end])
	}
}

func (b *cpuCmdBuffer) CopyImgToBuf(dst driver.Buffer, src driver.Image, copies []driver.BufImgCopy) {
	d := dst.(*cpuBuffer)
	s := src.(*cpuImage)
	for _, c := range copies {
		n := len(s.data[c.ImgLayer])
		end := c.BufOff + int64(n)
		if end > int64(len(d.data)) {
			end = int64(len(d.data))
			n = int(end - c.BufOff)
		}
		copy(d.data[c.BufOff:end], s.data[c.ImgLayer][:n])
	}
}

func (b *cpuCmdBuffer) Fill(dst driver.Buffer, off, size int64, value byte) {
	d := dst.(*cpuBuffer)
	region := d.data[off : off+size]
	for i := range region {
		region[i] = value
	}
}

func (b *cpuCmdBuffer) Barrier(barriers []driver.Barrier) {}

func (b *cpuCmdBuffer) Transition(transitions []driver.Transition) {}
