// Copyright 2026 The IQM Authors. All rights reserved.

// Package imgio implements the image I/O collaborator that §1
// explicitly places out of scope: PNG decode/encode and color
// conversion to 8-bit RGBA. It is deliberately thin: stdlib
// image/png for decode/encode, plus golang.org/x/image/draw for
// the conversion of decoded images to RGBA.
package imgio

import (
	"fmt"
	"image"
	"image/png"
	"os"

	"golang.org/x/image/draw"

	"iqm/iqmerr"
)

// RGBA8 is a decoded 8-bit sRGB+alpha image, row-major,
// interleaved R,G,B,A.
type RGBA8 struct {
	Width  int
	Height int
	Pix    []byte
}

// Read decodes the PNG file at path into an RGBA8 image, per
// §6: "Input images are 8-bit sRGB decoded to RGBA where alpha
// is ignored by all metrics."
func Read(path string) (*RGBA8, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, iqmerr.New(iqmerr.IoError, "imgio.Read", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, iqmerr.New(iqmerr.IoError, "imgio.Read", err)
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return &RGBA8{Width: b.Dx(), Height: b.Dy(), Pix: rgba.Pix}, nil
}

// Write encodes img as an 8-bit PNG at path, single-channel
// (grayscale) unless rgba is true (colorize active).
func Write(path string, width, height int, pix []byte, rgbaMode bool) error {
	f, err := os.Create(path)
	if err != nil {
		return iqmerr.New(iqmerr.IoError, "imgio.Write", err)
	}
	defer f.Close()
	if rgbaMode {
		img := &image.RGBA{Pix: pix, Stride: width * 4, Rect: image.Rect(0, 0, width, height)}
		if err := png.Encode(f, img); err != nil {
			return iqmerr.New(iqmerr.IoError, "imgio.Write", err)
		}
		return nil
	}
	img := &image.Gray{Pix: pix, Stride: width, Rect: image.Rect(0, 0, width, height)}
	if err := png.Encode(f, img); err != nil {
		return iqmerr.New(iqmerr.IoError, "imgio.Write", err)
	}
	return nil
}

// CheckSameSize returns a SizeMismatch error when a and b differ
// in width or height, per §7.
func CheckSameSize(a, b *RGBA8) error {
	if a.Width != b.Width || a.Height != b.Height {
		return iqmerr.New(iqmerr.SizeMismatch, "imgio.CheckSameSize",
			fmt.Errorf("test is %dx%d, reference is %dx%d", a.Width, a.Height, b.Width, b.Height))
	}
	return nil
}
