// Copyright 2026 The IQM Authors. All rights reserved.

// Package staging implements the host<->device staging-buffer
// pool used by the Orchestrator's upload and readback phases
// (§4.9 steps 2 and 4), adapted from the teacher's per-texture
// staging pool to this module's simpler, per-invocation usage
// pattern: one staging buffer lives for exactly one metric
// invocation's Resources bundle rather than a long-lived pool.
package staging

import (
	"errors"

	"iqm/driver"
	"iqm/internal/bitm"
	"iqm/internal/ctxt"
	"iqm/pximage"
)

const blockSize = 4096

// Buffer is a single host-visible staging buffer backed by a
// growable, bitmap-allocated block arena.
type Buffer struct {
	cb  driver.CmdBuffer
	buf driver.Buffer
	bm  bitm.Bitm[uint32]
	pend []pendingCopy
}

type pendingCopy struct {
	img   *pximage.Image
	layer int
	final driver.Layout
}

// New creates a staging buffer with an initial capacity of at
// least n bytes.
func New(n int) (*Buffer, error) {
	cb, err := ctxt.GPU().NewCmdBuffer()
	if err != nil {
		return nil, err
	}
	s := &Buffer{cb: cb}
	if err := s.reserve(n); err != nil {
		return nil, err
	}
	return s, nil
}

// growBlocks grows the bitmap (and, if needed, the underlying
// buffer) so that at least nblocks blocks are free, preserving
// any previously staged, uncommitted data.
func (s *Buffer) growBlocks(nblocks int) error {
	if s.bm.Rem() >= nblocks {
		return nil
	}
	extra := nblocks - s.bm.Rem()
	s.bm.Grow(extra)
	total := int64(s.bm.Len()) * blockSize
	buf, err := ctxt.GPU().NewBuffer(total, true, driver.UCopySrc|driver.UCopyDst)
	if err != nil {
		return err
	}
	if s.buf != nil {
		copy(buf.Bytes(), s.buf.Bytes())
		s.buf.Destroy()
	}
	s.buf = buf
	return nil
}

func (s *Buffer) reserve(n int) error {
	blocks := (n + blockSize - 1) / blockSize
	if blocks < 1 {
		blocks = 1
	}
	return s.growBlocks(blocks)
}

// Stage copies data into a newly allocated region of the
// staging buffer's host-visible memory and returns that
// region's byte offset.
func (s *Buffer) Stage(data []byte) (int64, error) {
	blocks := (len(data) + blockSize - 1) / blockSize
	if blocks < 1 {
		blocks = 1
	}
	if err := s.growBlocks(blocks); err != nil {
		return 0, err
	}
	idx, ok := s.bm.SearchRange(blocks)
	if !ok {
		return 0, errNotReserved
	}
	for i := idx; i < idx+blocks; i++ {
		s.bm.Set(i)
	}
	off := int64(idx) * blockSize
	copy(s.buf.Bytes()[off:], data)
	return off, nil
}

// Unstage copies len(dst) bytes from the staging buffer at off
// into dst.
func (s *Buffer) Unstage(off int64, dst []byte) {
	copy(dst, s.buf.Bytes()[off:off+int64(len(dst))])
}

// Begin starts recording the staging buffer's command buffer.
func (s *Buffer) Begin() error { return s.cb.Begin() }

// CmdBuffer returns the underlying command buffer so callers can
// record copies directly.
func (s *Buffer) CmdBuffer() driver.CmdBuffer { return s.cb }

// DriverBuffer returns the underlying driver.Buffer, for callers
// that need to record a direct buffer-to-buffer copy into or out
// of the staging area.
func (s *Buffer) DriverBuffer() driver.Buffer { return s.buf }

// CopyToImage records a buffer->image copy from the staging
// buffer's off into img's layer, transitioning the layer to
// finalLayout once the copy completes.
func (s *Buffer) CopyToImage(img *pximage.Image, layer int, off int64, finalLayout driver.Layout) {
	img.Transition(layer, s.cb, driver.LTransferDst, driver.Barrier{
		SyncBefore: driver.SNone, SyncAfter: driver.STransfer,
		AccessBefore: driver.ANone, AccessAfter: driver.ATransferWrite,
	})
	w, h := img.Width(), img.Height()
	s.cb.CopyBufToImg(img.Driver(), s.buf, []driver.BufImgCopy{{
		BufOff: off,
		Dim:    driver.Dim3D{Width: w, Height: h, Depth: 1},
		ImgLayer: layer,
	}})
	s.pend = append(s.pend, pendingCopy{img: img, layer: layer, final: finalLayout})
}

// CopyFromImage records an image->buffer copy of img's layer
// into a newly staged region, returning its offset.
func (s *Buffer) CopyFromImage(img *pximage.Image, layer int, size int) (int64, error) {
	off, err := s.Stage(make([]byte, size))
	if err != nil {
		return 0, err
	}
	img.Transition(layer, s.cb, driver.LTransferSrc, driver.Barrier{
		SyncBefore: driver.SComputeShading, SyncAfter: driver.STransfer,
		AccessBefore: driver.AShaderWrite, AccessAfter: driver.ATransferRead,
	})
	w, h := img.Width(), img.Height()
	s.cb.CopyImgToBuf(s.buf, img.Driver(), []driver.BufImgCopy{{
		BufOff: off,
		Dim:    driver.Dim3D{Width: w, Height: h, Depth: 1},
		ImgLayer: layer,
	}})
	s.pend = append(s.pend, pendingCopy{img: img, layer: layer, final: driver.LGeneral})
	return off, nil
}

// Commit ends recording, submits the staging buffer's command
// buffer and blocks until it completes, finalizing every
// pending image-layout transition recorded since the last
// Commit.
func (s *Buffer) Commit() error {
	if err := s.cb.End(); err != nil {
		return err
	}
	wk := &driver.WorkItem{Work: []driver.CmdBuffer{s.cb}}
	ch := make(chan *driver.WorkItem, 1)
	if err := ctxt.GPU().Commit(wk, ch); err != nil {
		s.drainPending(true)
		return err
	}
	wk = <-ch
	s.drainPending(wk.Err != nil)
	if err := s.cb.Reset(); err != nil {
		return err
	}
	return wk.Err
}

func (s *Buffer) drainPending(failed bool) {
	for _, p := range s.pend {
		if failed {
			p.img.SetLayout(p.layer, driver.LUndefined)
		} else {
			p.img.SetLayout(p.layer, p.final)
		}
	}
	s.pend = s.pend[:0]
}

// Free destroys the staging buffer's driver buffer. The command
// buffer is not destroyed here.
func (s *Buffer) Free() {
	if s.buf != nil {
		s.buf.Destroy()
	}
	s.buf = nil
}

var errNotReserved = errors.New("staging: buffer not reserved")
