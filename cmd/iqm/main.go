// Copyright 2026 The IQM Authors. All rights reserved.

// Command iqm computes one of the six supported image-quality
// metrics for a single test/reference image pair, per §6.
package main

import (
	"fmt"
	"os"

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
	outputFlag      string
	verboseFlag     bool
	colorizeFlag    bool
	psnrVariantFlag string
	flipWidthFlag   float64
	flipResFlag     float64
	flipDistFlag    float64
	lpipsWeights    string
)

var rootCmd = &cobra.Command{
	Use:           "iqm",
	Short:         "Compute an image-quality metric for a test/reference pair",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&methodFlag, "method", "", "metric to compute: PSNR, SSIM, SVD, FSIM, FLIP, LPIPS (required)")
	f.StringVar(&inputFlag, "input", "", "test image path (required)")
	f.StringVar(&refFlag, "ref", "", "reference image path (required)")
	f.StringVar(&outputFlag, "output", "", "optional visualization output path")
	f.BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")
	f.BoolVarP(&colorizeFlag, "colorize", "c", false, "colorize the visualization output")
	f.StringVar(&psnrVariantFlag, "psnr-variant", "luma", "PSNR variant: luma, rgb, yuv")
	f.Float64Var(&flipWidthFlag, "flip-width", 0.7, "FLIP monitor width, meters")
	f.Float64Var(&flipResFlag, "flip-res", 2560, "FLIP monitor horizontal resolution, pixels")
	f.Float64Var(&flipDistFlag, "flip-distance", 0.6, "FLIP viewing distance, meters")
	f.StringVar(&lpipsWeights, "lpips-weights", "lpips.dat", "path to the LPIPS weights blob")
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

	method, err := metric.ParseMethod(methodFlag)
	if err != nil {
		iqmlog.InputError(inputFlag, err)
		return err
	}

	opts, err := buildOptions(method)
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

	res, err := fn(test, ref, opts)
	if err != nil {
		iqmlog.InputError(inputFlag, err)
		return err
	}

	fmt.Printf("%s: %s\n", inputFlag, formatResult(method, res))

	if outputFlag != "" {
		if err := writeVis(res); err != nil {
			iqmlog.InputError(outputFlag, err)
			return err
		}
	}
	return nil
}

func buildOptions(method metric.Method) (metric.Options, error) {
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

func formatResult(method metric.Method, res metric.Result) string {
	switch method {
	case metric.PSNR:
		return fmt.Sprintf("%.4f dB", res.Values["PSNR"])
	case metric.SSIM:
		return fmt.Sprintf("MSSIM %.4f", res.Values["MSSIM"])
	case metric.SVD:
		return fmt.Sprintf("M-SVD %.4f", res.Values["M-SVD"])
	case metric.FSIM:
		return fmt.Sprintf("FSIM %.4f FSIMc %.4f", res.Values["FSIM"], res.Values["FSIMc"])
	case metric.FLIP:
		return fmt.Sprintf("mean FLIP %.4f", res.Values["FLIP"])
	case metric.LPIPS:
		return fmt.Sprintf("LPIPS distance %.4f", res.Values["LPIPS"])
	default:
		return fmt.Sprintf("%v", res.Values)
	}
}

func writeVis(res metric.Result) error {
	if res.Vis == nil {
		return iqmerr.New(iqmerr.ArgError, "main.writeVis", fmt.Errorf("metric produced no visualization"))
	}
	return imgio.Write(outputFlag, res.VisW, res.VisH, res.Vis, res.VisRGBA)
}
