// Package device picks the compute device model bindings target.
package device

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/nulzo/image-captioner/internal/core/domain"
)

// Probe reports whether an accelerator is usable on this host.
type Probe func() bool

// nvidiaDeviceNode is the first GPU node the NVIDIA driver creates.
var nvidiaDeviceNode = "/dev/nvidia0"

// NVIDIAProbe looks for an NVIDIA device node or the nvidia-smi tool.
// CUDA_VISIBLE_DEVICES set to "" or "-1" hides every GPU.
func NVIDIAProbe() bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		v = strings.TrimSpace(v)
		if v == "" || v == "-1" {
			return false
		}
	}
	if _, err := os.Stat(nvidiaDeviceNode); err == nil {
		return true
	}
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

// Parse validates a configured device name.
func Parse(name string) (domain.Device, error) {
	switch d := domain.Device(strings.ToLower(strings.TrimSpace(name))); d {
	case "", domain.DeviceAuto:
		return domain.DeviceAuto, nil
	case domain.DeviceCPU, domain.DeviceCUDA:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported device %q (want auto, cuda or cpu)", name)
	}
}

// Select resolves requested into a concrete device. Auto uses cuda when probe
// reports an accelerator and cpu otherwise.
func Select(requested domain.Device, probe Probe) domain.Device {
	if requested != domain.DeviceAuto && requested != "" {
		return requested
	}
	if probe != nil && probe() {
		return domain.DeviceCUDA
	}
	return domain.DeviceCPU
}
