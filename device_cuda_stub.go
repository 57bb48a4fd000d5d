//go:build !cuda

package main

import "errors"

// ErrCUDAUnavailable is returned by DetectCUDA in builds without the cuda tag.
var ErrCUDAUnavailable = errors.New("cuda: not compiled in (build with -tags cuda)")

// DetectCUDA reports that CUDA support was not compiled in.
func DetectCUDA() ([]GPUInfo, error) {
	return nil, ErrCUDAUnavailable
}
