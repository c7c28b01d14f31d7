// Copyright 2026 The IQM Authors. All rights reserved.

// Package iqmlog provides the module's ambient structured
// logging, configured once by the CLI entry points.
package iqmlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the package-level logger used throughout the module.
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	Log.SetLevel(logrus.InfoLevel)
}

// SetVerbose switches the logger to debug level when verbose is
// true, and back to info level otherwise.
func SetVerbose(verbose bool) {
	if verbose {
		Log.SetLevel(logrus.DebugLevel)
	} else {
		Log.SetLevel(logrus.InfoLevel)
	}
}

// Phase logs the duration of a named Orchestrator phase
// (upload/compute/readback) at debug level, matching the
// original implementation's verbose timing report.
func Phase(name string, seconds float64) {
	Log.WithField("phase", name).Debugf("%.4fs", seconds)
}

// InputError logs an error that aborted a single metric
// invocation, identifying the offending input path, per §7's
// propagation policy: batch mode continues with the next pair.
func InputError(path string, err error) {
	Log.WithField("input", path).Error(err)
}
