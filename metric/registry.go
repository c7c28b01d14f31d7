// Copyright 2026 The IQM Authors. All rights reserved.

package metric

import (
	"iqm/internal/imgio"
	"iqm/iqmerr"
)

// PSNRVariant selects PSNR's distance formula, per §4.3.
type PSNRVariant int

const (
	PSNRLuma PSNRVariant = iota
	PSNRRGB
	PSNRYUV
)

// Options carries every per-metric configuration knob named in
// §3's "Metric configuration" entity and §6's flag set.
type Options struct {
	PSNRVariant PSNRVariant

	// FLIP display geometry, per §4.7.
	FlipMonitorWidth    float64 // meters
	FlipMonitorResPx    float64 // pixels
	FlipMonitorDistance float64 // meters

	// LPIPSWeights is the path to the lpips.dat weights blob.
	LPIPSWeights string

	Colorize bool
}

// DefaultOptions returns the option defaults used when a flag
// is not supplied, matching §4.7's FLIPArguments defaults as
// reproduced from the reference implementation.
func DefaultOptions() Options {
	return Options{
		PSNRVariant:         PSNRLuma,
		FlipMonitorWidth:    0.7,
		FlipMonitorResPx:    2560,
		FlipMonitorDistance: 0.6,
		LPIPSWeights:        "lpips.dat",
	}
}

// Func is the signature every metric package registers: given a
// decoded test/reference image pair and options, compute the
// metric's Result.
type Func func(test, ref *imgio.RGBA8, opts Options) (Result, error)

var registry = make(map[Method]Func)

// Register registers fn as the implementation of method. Metric
// packages call this from an init function.
func Register(method Method, fn Func) {
	if _, exists := registry[method]; exists {
		panic("metric: method already registered: " + string(method))
	}
	registry[method] = fn
}

// Lookup returns the registered implementation of method, or an
// Unsupported error if none is registered, per §7.
func Lookup(method Method) (Func, error) {
	fn, ok := registry[method]
	if !ok {
		return nil, iqmerr.New(iqmerr.Unsupported, "metric.Lookup", nil)
	}
	return fn, nil
}

// ParseMethod validates a case-sensitive exact method name, per
// §6's CLI contract.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case PSNR, SSIM, SVD, FSIM, FLIP, LPIPS:
		return Method(s), nil
	default:
		return "", iqmerr.New(iqmerr.ArgError, "metric.ParseMethod", nil)
	}
}
