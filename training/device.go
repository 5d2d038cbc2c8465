package training

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device describes the compute device a run executes on. Only the CPU
// backend exists; requesting anything else is a configuration error rather
// than a silent fallback.
type Device struct {
	Kind             string
	Brand            string
	PhysicalCores    int
	LogicalCores     int
	VectorExtensions []string
}

// ResolveDevice maps the configured device name to a concrete device.
// "cpu", "auto" and the empty string select the host CPU.
func ResolveDevice(name string) (*Device, error) {
	switch name {
	case "", "cpu", "auto":
	default:
		return nil, &ConfigurationError{
			Field:  "device",
			Reason: fmt.Sprintf("unsupported device %q, only cpu is available", name),
		}
	}

	dev := &Device{
		Kind:          "cpu",
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	for _, feature := range []cpuid.FeatureID{cpuid.SSE42, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F} {
		if cpuid.CPU.Supports(feature) {
			dev.VectorExtensions = append(dev.VectorExtensions, feature.String())
		}
	}
	return dev, nil
}

// String renders a one-line device summary for run banners.
func (d *Device) String() string {
	ext := "none"
	if len(d.VectorExtensions) > 0 {
		ext = strings.Join(d.VectorExtensions, ",")
	}
	return fmt.Sprintf("%s (%s, %d cores, %d threads, simd: %s)",
		d.Kind, d.Brand, d.PhysicalCores, d.LogicalCores, ext)
}

// Threads returns how many worker threads heavy loops may use. Deterministic
// runs are pinned to one thread so floating point reduction order never
// changes between runs.
func (d *Device) Threads(deterministic bool) int {
	if deterministic || d.LogicalCores < 1 {
		return 1
	}
	return d.LogicalCores
}
