// Copyright 2026 The IQM Authors. All rights reserved.

package driver

import "errors"

// GPU is the interface that provides access to a compute
// device's queues and resource-creation methods.
//
// Implementations must be safe for concurrent use by
// multiple goroutines, except where noted otherwise.
type GPU interface {
	// NewBuffer creates a new buffer.
	// size is the length in bytes. visible requests a
	// host-visible (mappable) allocation; this is needed
	// for staging buffers and is never required for
	// device-local scratch buffers.
	NewBuffer(size int64, visible bool, usg Usage) (Buffer, error)

	// NewImage creates a new image.
	NewImage(pf PixelFmt, dim Dim3D, layers, levels, samples int, usg Usage) (Image, error)

	// NewShaderCode creates shader code from a named kernel.
	// The name identifies an entry in the driver's kernel
	// registry; it plays the role that a SPIR-V module plays
	// in a real GPU driver.
	NewShaderCode(name string) (ShaderCode, error)

	// NewDescHeap creates a new descriptor heap describing a
	// fixed layout of bindings.
	NewDescHeap(desc []Descriptor) (DescHeap, error)

	// NewDescTable creates a new descriptor table from one or
	// more descriptor heaps.
	NewDescTable(heaps []DescHeap) (DescTable, error)

	// NewPipeline creates a new compute pipeline.
	NewPipeline(state *CompState) (Pipeline, error)

	// NewCmdBuffer creates a new command buffer.
	NewCmdBuffer() (CmdBuffer, error)

	// Commit submits a work item for execution.
	// On completion (success or failure) the same *WorkItem
	// is sent on ch, with its Err field set accordingly.
	// Commit returns immediately; it does not block on
	// completion.
	Commit(wk *WorkItem, ch chan<- *WorkItem) error

	// WaitIdle blocks until all submitted work has completed.
	WaitIdle() error

	// Limits returns the device's resource limits.
	Limits() Limits

	// Close releases the GPU and any resources it created.
	Close()
}

// WorkItem is a batch of command buffers submitted together.
type WorkItem struct {
	Work []CmdBuffer
	Err  error
}

// CmdBuffer is the interface that records GPU commands.
type CmdBuffer interface {
	// Begin starts recording. It must be called before any
	// other recording method and exactly once per Reset.
	Begin() error

	// End finishes recording.
	End() error

	// Reset discards any recorded commands, readying the
	// buffer for another Begin.
	Reset() error

	// IsRecording reports whether the buffer is between a
	// Begin and an End call.
	IsRecording() bool

	// SetPipeline binds the given pipeline for subsequent
	// dispatches.
	SetPipeline(p Pipeline)

	// SetDescTable binds a descriptor table (and, for tables
	// spanning more than one heap, a specific heap copy index)
	// for subsequent dispatches.
	SetDescTable(t DescTable, copyIdx int)

	// PushConstants uploads data that is visible to the
	// currently bound pipeline's shader as push constants.
	// off and len(data) must stay within the pipeline's
	// declared push-constant range.
	PushConstants(data []byte, off int)

	// Dispatch records a compute dispatch with the given
	// workgroup counts.
	Dispatch(grpCountX, grpCountY, grpCountZ int)

	// CopyBuffer records a buffer-to-buffer copy.
	CopyBuffer(dst, src Buffer, copies []BufferCopy)

	// CopyImage records an image-to-image copy.
	CopyImage(dst, src Image, copies []ImageCopy)

	// CopyBufToImg records a buffer-to-image copy.
	CopyBufToImg(dst Image, src Buffer, copies []BufImgCopy)

	// CopyImgToBuf records an image-to-buffer copy.
	CopyImgToBuf(dst Buffer, src Image, copies []BufImgCopy)

	// Fill fills a buffer range with a repeating byte value.
	Fill(dst Buffer, off, size int64, value byte)

	// Barrier records a memory barrier between two ranges of
	// GPU work.
	Barrier(barriers []Barrier)

	// Transition records an image layout transition.
	Transition(transitions []Transition)
}

// BufferCopy describes a single buffer-to-buffer copy region.
type BufferCopy struct {
	DstOff int64
	SrcOff int64
	Size   int64
}

// ImageCopy describes a single image-to-image copy region.
type ImageCopy struct {
	DstOff   Off3D
	DstLayer int
	DstLevel int
	SrcOff   Off3D
	SrcLayer int
	SrcLevel int
	Dim      Dim3D
}

// BufImgCopy describes a single buffer<->image copy region.
type BufImgCopy struct {
	BufOff   int64
	RowStrd  int64
	SlcStrd  int64
	ImgOff   Off3D
	ImgLayer int
	ImgLevel int
	Dim      Dim3D
}

// Sync identifies pipeline stages for barrier scoping.
type Sync uint32

const (
	SNone           Sync = 0
	SComputeShading Sync = 1 << 0
	STransfer       Sync = 1 << 1
	SHost           Sync = 1 << 2
)

// Access identifies memory-access types for barrier scoping.
type Access uint32

const (
	ANone         Access = 0
	AShaderRead   Access = 1 << 0
	AShaderWrite  Access = 1 << 1
	ATransferRead Access = 1 << 2
	ATransferWrite Access = 1 << 3
	AHostRead     Access = 1 << 4
	AHostWrite    Access = 1 << 5
)

// Layout identifies an image's memory layout.
type Layout int32

const (
	LUndefined Layout = iota
	LGeneral
	LShaderStore
	LTransferSrc
	LTransferDst
)

// Barrier describes a memory dependency between commands
// previously recorded and commands recorded after it.
type Barrier struct {
	SyncBefore   Sync
	SyncAfter    Sync
	AccessBefore Access
	AccessAfter  Access
	Buf          Buffer
	Off          int64
	Size         int64
}

// Transition describes an image layout transition, optionally
// combined with a memory barrier.
type Transition struct {
	Barrier
	LayoutBefore Layout
	LayoutAfter  Layout
	Img          Image
	Layer        int
	Layers       int
	Level        int
	Levels       int
}

// ShaderCode is an opaque, driver-specific representation of
// compute shader code.
type ShaderCode interface {
	Destroy()
}

// ShaderFunc names a single entry point within a ShaderCode.
type ShaderFunc struct {
	Code ShaderCode
	Name string
}

// Stage identifies shader stages. Since this is a compute-only
// abstraction, SCompute is the only stage.
type Stage int32

const (
	SCompute Stage = iota
)

// DescType identifies descriptor types.
type DescType int32

const (
	DBuffer DescType = iota
	DImage
	DSampler
	DTexture
)

// Descriptor describes a single binding slot within a
// descriptor heap.
type Descriptor struct {
	Type   DescType
	Stages Stage
	Nr     int
	Len    int
}

// DescHeap is the interface that manages a fixed-layout table
// of descriptor bindings, with storage for N independent
// copies (sets) of that layout.
type DescHeap interface {
	// New allocates n independent copies of the heap's layout.
	// It returns the index of the first copy created.
	New(n int) (int, error)

	// SetBuffer sets a buffer descriptor within the copy
	// identified by copyIdx.
	SetBuffer(copyIdx, nr, idx int, bufs []Buffer, offs, sizes []int64) error

	// SetImage sets an image descriptor within the copy
	// identified by copyIdx.
	SetImage(copyIdx, nr, idx int, views []ImageView) error

	// Free releases the copy identified by copyIdx.
	Free(copyIdx int)

	// Destroy destroys the heap and every copy it manages.
	Destroy()
}

// DescTable is the interface that groups one or more
// DescHeaps for binding to a pipeline.
type DescTable interface {
	// Heap returns the i-th heap of the table.
	Heap(i int) DescHeap

	// Destroy destroys the table. It does not destroy the
	// underlying heaps.
	Destroy()
}

// PushConstant describes a push-constant range visible to the
// compute stage.
type PushConstant struct {
	Size int
}

// CompState describes a compute pipeline's state.
type CompState struct {
	Func  ShaderFunc
	Desc  DescTable
	Const PushConstant
}

// Pipeline is the interface that represents a compiled compute
// pipeline.
type Pipeline interface {
	Destroy()
}

// Usage is a bitmask describing how a buffer or image may be
// used.
type Usage uint32

const (
	UNone        Usage = 0
	UShaderRead  Usage = 1 << 0
	UShaderWrite Usage = 1 << 1
	UCopySrc     Usage = 1 << 2
	UCopyDst     Usage = 1 << 3
)

// Buffer is the interface that represents a region of GPU
// memory with linear layout.
type Buffer interface {
	// Bytes returns a CPU-addressable view of the buffer.
	// It is valid only for buffers created with visible=true,
	// and only while no GPU command that writes to the buffer
	// is in flight.
	Bytes() []byte

	// Size returns the buffer's size in bytes.
	Size() int64

	Destroy()
}

// PixelFmt identifies an image's pixel format.
type PixelFmt int32

const (
	RGBA8Unorm PixelFmt = iota
	RGBA8SRGB
	RGBA32Float
	RG32Float
	R32Float
	R32Uint
)

// Dim3D describes a 3D extent.
type Dim3D struct {
	Width  int
	Height int
	Depth  int
}

// Off3D describes a 3D offset.
type Off3D struct {
	X int
	Y int
	Z int
}

// Image is the interface that represents GPU memory
// structured as a grid of texels.
type Image interface {
	// NewView creates a view over a subset of the image's
	// layers/levels.
	NewView(layer, layers, level, levels int) (ImageView, error)

	Destroy()
}

// ImageView is the interface that represents a typed,
// sliced view into an Image.
type ImageView interface {
	Destroy()
}

// Limits describes a GPU's resource limits.
type Limits struct {
	MaxImageWidth     int
	MaxImageHeight    int
	MaxBufferSize     int64
	MaxDescHeaps      int
	MaxPushConstants  int
}

// ErrInvalidState is returned when a method is called on a
// CmdBuffer in the wrong recording state.
var ErrInvalidState = errors.New("driver: invalid command buffer state")
