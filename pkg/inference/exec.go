package inference

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"tumorscan/pkg/volume"
)

// execPredictor invokes an external nnUNet-style segmentation command.
// The command receives the modality files, output directory, model
// folder, device and fold selection as arguments, and is expected to
// write its segmentation as a NIfTI file into the output directory. If
// it prints the path of that file on stdout, the predictor loads and
// returns it directly; otherwise it returns (nil, nil) and the adapter
// recovers the output from disk.
type execPredictor struct {
	command     string
	modelFolder string
	device      string
	folds       []int
	mirroring   bool
}

func (p *execPredictor) Predict(ctx context.Context, inputs []string, outDir string) (*volume.Volume, error) {
	args := []string{"-o", outDir, "-m", p.modelFolder, "-d", p.device}
	folds := make([]string, len(p.folds))
	for i, f := range p.folds {
		folds[i] = strconv.Itoa(f)
	}
	args = append(args, "-f", strings.Join(folds, ","))
	if !p.mirroring {
		args = append(args, "--disable-tta")
	}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}

	cmd := exec.CommandContext(ctx, p.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("predictor command failed: %w (stderr: %s)",
			err, strings.TrimSpace(stderr.String()))
	}

	// A well-behaved predictor prints its output file path; treat
	// anything else as "persisted to the output directory only".
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, nil
	}
	if lines := strings.Split(out, "\n"); len(lines) > 0 {
		candidate := strings.TrimSpace(lines[len(lines)-1])
		if _, err := os.Stat(candidate); err == nil {
			seg, err := volume.ReadFile(candidate)
			if err != nil {
				return nil, fmt.Errorf("failed to load predictor output %s: %w", candidate, err)
			}
			return seg, nil
		}
	}
	return nil, nil
}
