package inference

import (
	"os/exec"
	"runtime"
)

// SelectDevice resolves the compute device for prediction. An explicit
// non-empty device wins. Otherwise an Apple-Silicon-class accelerator is
// preferred when available, then a discrete GPU, then CPU execution.
func SelectDevice(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "mps"
	}
	if hasNvidiaGPU() {
		return "cuda"
	}
	return "cpu"
}

// hasNvidiaGPU reports whether an NVIDIA device appears usable on this
// host. Presence of the driver tooling is a good enough proxy; the
// predictor validates the device for real.
func hasNvidiaGPU() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}
