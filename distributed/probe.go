package distributed

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device describes the compute device a rank runs on.
type Device struct {
	Kind  string
	Name  string
	Cores int
}

// Probe checks that the device a rank was asked to use is available.
type Probe interface {
	Probe() (Device, error)
}

// ErrNoDevice is returned by probes that find nothing to run on.
var ErrNoDevice = errors.New("no usable device")

// CPUProbe reports the host CPU.
type CPUProbe struct{}

func (CPUProbe) Probe() (Device, error) {
	cores := cpuid.CPU.LogicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	if cores <= 0 {
		return Device{}, ErrNoDevice
	}
	name := strings.TrimSpace(cpuid.CPU.BrandName)
	if name == "" {
		name = runtime.GOARCH
	}
	return Device{Kind: "cpu", Name: name, Cores: cores}, nil
}

// AcceleratorProbe stands for a GPU request. This build has no accelerator
// backend, so it always reports ErrNoDevice.
type AcceleratorProbe struct {
	Kind string
}

func (p AcceleratorProbe) Probe() (Device, error) {
	return Device{}, fmt.Errorf("%s: %w", p.Kind, ErrNoDevice)
}

// ProbeFor maps a --device value to its probe.
func ProbeFor(device string) (Probe, error) {
	switch strings.ToLower(device) {
	case "", "cpu":
		return CPUProbe{}, nil
	case "cuda", "gpu", "mps":
		return AcceleratorProbe{Kind: strings.ToLower(device)}, nil
	default:
		return nil, fmt.Errorf("unknown device %q", device)
	}
}
