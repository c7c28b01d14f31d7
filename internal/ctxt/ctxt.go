// Copyright 2026 The IQM Authors. All rights reserved.

// Package ctxt provides the single active GPU driver used by
// the rest of the module.
package ctxt

import (
	"errors"
	"strings"

	"iqm/driver"
)

var (
	drv    driver.Driver
	gpu    driver.GPU
	limits driver.Limits
)

var errNoDriver = errors.New("ctxt: driver not found")

// Load attempts to load any registered driver whose name
// contains the given name fragment. It is case-sensitive. If
// name is the empty string, all drivers are considered in
// registration order and the first one that opens wins.
//
// It assumes that the package holds no valid driver/GPU yet
// and replaces both on success. It also caches limits with a
// call to gpu.Limits().
func Load(name string) error {
	drivers := driver.Drivers()
	err := errNoDriver
	for i := range drivers {
		if !strings.Contains(drivers[i].Name(), name) {
			continue
		}
		var u driver.GPU
		if u, err = drivers[i].Open(); err != nil {
			continue
		}
		drv = drivers[i]
		gpu = u
		limits = gpu.Limits()
		return nil
	}
	return err
}

// Driver returns the active driver.Driver.
func Driver() driver.Driver { return drv }

// GPU returns the active driver.GPU.
func GPU() driver.GPU { return gpu }

// Limits returns the active GPU's resource limits. The
// returned value must not be modified by the caller.
func Limits() *driver.Limits { return &limits }
