package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The compute device. Every kernel in this repo runs on the host in pure Go,
// so the only device that executes work is the host device. The abstraction
// still matters for two reasons:
//
//   1. The batch formatter moves every batch field "to the device". On the
//      host that is a no-op, exactly as it is when no accelerator is present.
//      Tests plug in a tagging device to observe per-field transfers.
//
//   2. The trainer releases cached memory through the device once per step
//      (or per epoch, per the release policy). On the host that means
//      dropping the scratch-buffer pools and returning freed heap to the OS.
//
// CUDA devices are detected (device_cuda.go, built with -tags cuda) and
// reported by `dvaetune info`, but kernels are not offloaded.
//
// ===========================================================================

// Device is the compute device tensors are transferred to.
type Device interface {
	// Name identifies the device in logs and tensor tags.
	Name() string

	// IsAccelerator reports whether Transfer moves data at all.
	IsAccelerator() bool

	// Transfer returns t resident on this device. nil stays nil, and
	// tensors already resident are returned unchanged.
	Transfer(t *Tensor) *Tensor

	// ReleaseCache drops cached allocations held on behalf of the device.
	ReleaseCache()
}

// HostDevice executes on the CPU. Transfer is a no-op.
type HostDevice struct {
	pool *BufferPool
}

// NewHostDevice creates a host device whose cache is pool.
func NewHostDevice(pool *BufferPool) *HostDevice {
	return &HostDevice{pool: pool}
}

func (d *HostDevice) Name() string        { return "cpu" }
func (d *HostDevice) IsAccelerator() bool { return false }

func (d *HostDevice) Transfer(t *Tensor) *Tensor {
	return t
}

// ReleaseCache drops pooled scratch buffers and returns freed memory to the OS.
func (d *HostDevice) ReleaseCache() {
	if d.pool != nil {
		d.pool.Release()
	}
	debug.FreeOSMemory()
}

// Pool returns the scratch-buffer pool backing this device.
func (d *HostDevice) Pool() *BufferPool {
	return d.pool
}

// SelectDevice resolves the configured device name.
//
//   - "auto", "cpu": the host device
//   - "cuda": fails unless a CUDA device is present; even then compute stays
//     on the host, so the caller is warned and gets the host device
func SelectDevice(name string, pool *BufferPool, logger *log.Logger) (Device, error) {
	switch strings.ToLower(name) {
	case "", "auto", "cpu":
		return NewHostDevice(pool), nil
	case "cuda":
		gpus, err := DetectCUDA()
		if err != nil {
			return nil, errors.Wrap(err, "select cuda device")
		}
		if len(gpus) == 0 {
			return nil, errors.New("select cuda device: no CUDA devices found")
		}
		logger.Warn("CUDA device present but kernels run on the host", "gpu", gpus[0].Name)
		return NewHostDevice(pool), nil
	default:
		return nil, errors.Errorf("unknown device %q (want auto, cpu or cuda)", name)
	}
}

// GPUInfo describes one detected CUDA device.
type GPUInfo struct {
	Index             int
	Name              string
	TotalMem          int64
	ComputeCapability string
}

// HostInfo describes the CPU the trainer runs on.
type HostInfo struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	GOMAXPROCS    int
	Features      []string
	L2CacheBytes  int
}

// DetectHost reads CPU identification through cpuid.
func DetectHost() HostInfo {
	var features []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "asimd"},
		{cpuid.SVE, "sve"},
	} {
		if cpuid.CPU.Supports(f.id) {
			features = append(features, f.name)
		}
	}

	return HostInfo{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
		Features:      features,
		L2CacheBytes:  cpuid.CPU.Cache.L2,
	}
}

// String formats host info for the info command.
func (h HostInfo) String() string {
	brand := h.Brand
	if brand == "" {
		brand = "unknown CPU"
	}
	return fmt.Sprintf("%s (%d physical / %d logical cores, GOMAXPROCS=%d, features=[%s])",
		brand, h.PhysicalCores, h.LogicalCores, h.GOMAXPROCS, strings.Join(h.Features, " "))
}
