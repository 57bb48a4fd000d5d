//go:build cuda

package main

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/cu"
)

// DetectCUDA lists the CUDA devices visible to the driver.
// Requires building with -tags cuda and the CUDA driver libraries.
func DetectCUDA() ([]GPUInfo, error) {
	n, err := cu.NumDevices()
	if err != nil {
		return nil, errors.Wrap(err, "cuda: count devices")
	}

	gpus := make([]GPUInfo, 0, n)
	for i := 0; i < n; i++ {
		dev := cu.Device(i)

		name, err := dev.Name()
		if err != nil {
			return nil, errors.Wrapf(err, "cuda: device %d name", i)
		}
		mem, err := dev.TotalMem()
		if err != nil {
			return nil, errors.Wrapf(err, "cuda: device %d memory", i)
		}
		major, minor, err := dev.ComputeCapability()
		if err != nil {
			return nil, errors.Wrapf(err, "cuda: device %d compute capability", i)
		}

		gpus = append(gpus, GPUInfo{
			Index:             i,
			Name:              name,
			TotalMem:          mem,
			ComputeCapability: fmt.Sprintf("%d.%d", major, minor),
		})
	}

	return gpus, nil
}
