// Copyright 2026 The IQM Authors. All rights reserved.

// Command iqm-profile runs a metric repeatedly over the same
// test/reference pair to measure steady-state throughput, per
// §6. It presents no real window: the reference implementation's
// profiling swapchain is purely cosmetic and out of scope here,
// so each iteration is just a timed Orchestrator round trip.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	_ "iqm/driver/cpu"
	"iqm/internal/ctxt"
	"iqm/internal/imgio"
	"iqm/internal/iqmlog"
	"iqm/iqmerr"
	"iqm/metric"
	_ "iqm/metric/flip"
	_ "iqm/metric/fsim"
	_ "iqm/metric/lpips"
	_ "iqm/metric/psnr"
	_ "iqm/metric/ssim"
	_ "iqm/metric/svd"
)

var (
	methodFlag      string
	inputFlag       string
	refFlag         string
	verboseFlag     bool
	colorizeFlag    bool
	psnrVariantFlag string
	flipWidthFlag   float64
	flipResFlag     float64
	flipDistFlag    float64
	lpipsWeights    string
	iterationsFlag  int
)

var rootCmd = &cobra.Command{
	Use:           "iqm-profile",
	Short:         "Profile a metric's steady-state throughput over repeated runs",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&methodFlag, "method", "", "metric to profile: PSNR, SSIM, SVD, FSIM, FLIP, LPIPS (required)")
	f.StringVar(&inputFlag, "input", "", "test image path (required)")
	f.StringVar(&refFlag, "ref", "", "reference image path (required)")
	f.BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")
	f.BoolVarP(&colorizeFlag, "colorize", "c", false, "colorize the visualization output")
	f.StringVar(&psnrVariantFlag, "psnr-variant", "luma", "PSNR variant: luma, rgb, yuv")
	f.Float64Var(&flipWidthFlag, "flip-width", 0.7, "FLIP monitor width, meters")
	f.Float64Var(&flipResFlag, "flip-res", 2560, "FLIP monitor horizontal resolution, pixels")
	f.Float64Var(&flipDistFlag, "flip-distance", 0.6, "FLIP viewing distance, meters")
	f.StringVar(&lpipsWeights, "lpips-weights", "lpips.dat", "path to the LPIPS weights blob")
	f.IntVar(&iterationsFlag, "iterations", 100, "number of repeated invocations")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(-1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	iqmlog.SetVerbose(verboseFlag)

	if methodFlag == "" || inputFlag == "" || refFlag == "" {
		err := iqmerr.New(iqmerr.ArgError, "main.run", fmt.Errorf("--method, --input and --ref are required"))
		iqmlog.InputError(inputFlag, err)
		return err
	}
	if iterationsFlag < 1 {
		err := iqmerr.New(iqmerr.ArgError, "main.run", fmt.Errorf("--iterations must be >= 1"))
		iqmlog.InputError(inputFlag, err)
		return err
	}

	method, err := metric.ParseMethod(methodFlag)
	if err != nil {
		iqmlog.InputError(inputFlag, err)
		return err
	}

	opts, err := buildOptions()
	if err != nil {
		iqmlog.InputError(inputFlag, err)
		return err
	}

	if err := ctxt.Load("cpu"); err != nil {
		return iqmerr.New(iqmerr.GpuInit, "main.run", err)
	}

	test, err := imgio.Read(inputFlag)
	if err != nil {
		iqmlog.InputError(inputFlag, err)
		return err
	}
	ref, err := imgio.Read(refFlag)
	if err != nil {
		iqmlog.InputError(refFlag, err)
		return err
	}

	fn, err := metric.Lookup(method)
	if err != nil {
		iqmlog.InputError(inputFlag, err)
		return err
	}

	var total time.Duration
	for i := 0; i < iterationsFlag; i++ {
		start := time.Now()
		if _, err := fn(test, ref, opts); err != nil {
			iqmlog.InputError(inputFlag, err)
			return err
		}
		elapsed := time.Since(start)
		total += elapsed
		iqmlog.Log.WithField("iteration", i).Debugf("%.4fs", elapsed.Seconds())
	}

	mean := total.Seconds() / float64(iterationsFlag)
	fmt.Printf("%s: %d iterations, mean %.4fs, %.2f/s\n", inputFlag, iterationsFlag, mean, 1/mean)
	return nil
}

func buildOptions() (metric.Options, error) {
	opts := metric.DefaultOptions()
	opts.Colorize = colorizeFlag
	opts.LPIPSWeights = lpipsWeights
	opts.FlipMonitorWidth = flipWidthFlag
	opts.FlipMonitorResPx = flipResFlag
	opts.FlipMonitorDistance = flipDistFlag

	switch psnrVariantFlag {
	case "luma":
		opts.PSNRVariant = metric.PSNRLuma
	case "rgb":
		opts.PSNRVariant = metric.PSNRRGB
	case "yuv":
		opts.PSNRVariant = metric.PSNRYUV
	default:
		return opts, iqmerr.New(iqmerr.ArgError, "main.buildOptions",
			fmt.Errorf("unrecognized --psnr-variant %q", psnrVariantFlag))
	}
	return opts, nil
}
