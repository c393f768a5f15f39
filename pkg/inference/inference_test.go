package inference

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tumorscan/pkg/volume"
)

// countingPredictor returns a fixed segmentation and records invocations.
type countingPredictor struct {
	seg      *volume.Volume
	predicts int
}

func (p *countingPredictor) Predict(ctx context.Context, inputs []string, outDir string) (*volume.Volume, error) {
	p.predicts++
	return p.seg, nil
}

// persistingPredictor writes its segmentation into outDir and returns
// (nil, nil), exercising the disk-scan path.
type persistingPredictor struct {
	seg *volume.Volume
}

func (p *persistingPredictor) Predict(ctx context.Context, inputs []string, outDir string) (*volume.Volume, error) {
	if p.seg == nil {
		return nil, nil
	}
	return nil, volume.WriteFile(filepath.Join(outDir, "seg.nii.gz"), p.seg, volume.DTUint8)
}

// labeledSeg builds a small multi-class segmentation.
func labeledSeg() *volume.Volume {
	seg := volume.New([3]int{4, 4, 4})
	seg.Set(1, 1, 1, 1)
	seg.Set(2, 2, 2, 4)
	return seg
}

// adapterWith returns an adapter whose loader installs the given
// predictor, counting loads.
func adapterWith(pred Predictor, loads *int) *Adapter {
	a := NewAdapter("")
	a.Loader = func(opts Options) (Predictor, error) {
		*loads++
		return pred, nil
	}
	return a
}

// TestSegmentReturnsPrediction verifies the direct-return path
func TestSegmentReturnsPrediction(t *testing.T) {
	pred := &countingPredictor{seg: labeledSeg()}
	loads := 0
	a := adapterWith(pred, &loads)

	seg, err := a.Segment(context.Background(), []string{"in.nii.gz"}, t.TempDir(),
		Options{ModelFolder: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to segment: %v", err)
	}
	if seg.CountPositive() != 2 {
		t.Errorf("Expected 2 labeled voxels, got %d", seg.CountPositive())
	}
	// Label values are preserved, not collapsed.
	if seg.At(2, 2, 2) != 4 {
		t.Errorf("Expected label 4 to survive, got %f", seg.At(2, 2, 2))
	}
	if pred.predicts != 1 {
		t.Errorf("Expected 1 prediction, got %d", pred.predicts)
	}
}

// TestSegmentCachesPredictor verifies the (model folder, device) cache
func TestSegmentCachesPredictor(t *testing.T) {
	pred := &countingPredictor{seg: labeledSeg()}
	loads := 0
	a := adapterWith(pred, &loads)
	model := t.TempDir()

	opts := Options{ModelFolder: model, Device: "cpu"}
	for i := 0; i < 3; i++ {
		if _, err := a.Segment(context.Background(), nil, t.TempDir(), opts); err != nil {
			t.Fatalf("Failed to segment: %v", err)
		}
	}
	if loads != 1 {
		t.Errorf("Expected a single predictor load across repeat invocations, got %d", loads)
	}

	// A different device is a cache miss.
	if _, err := a.Segment(context.Background(), nil, t.TempDir(),
		Options{ModelFolder: model, Device: "cuda"}); err != nil {
		t.Fatalf("Failed to segment: %v", err)
	}
	if loads != 2 {
		t.Errorf("Expected a second load for a new device, got %d", loads)
	}

	// Changing only folds reuses the cached predictor.
	if _, err := a.Segment(context.Background(), nil, t.TempDir(),
		Options{ModelFolder: model, Device: "cpu", Folds: []int{1, 2}}); err != nil {
		t.Fatalf("Failed to segment: %v", err)
	}
	if loads != 2 {
		t.Errorf("Expected no load for a folds-only change, got %d", loads)
	}
}

// TestSegmentConcurrent verifies that one shared adapter survives
// parallel first-time loads on the same and on different cache keys
func TestSegmentConcurrent(t *testing.T) {
	var loads atomic.Int32
	a := NewAdapter("")
	a.Loader = func(opts Options) (Predictor, error) {
		loads.Add(1)
		time.Sleep(5 * time.Millisecond) // widen the load window
		return &countingPredictor{seg: labeledSeg()}, nil
	}

	model := t.TempDir()
	devices := []string{"cpu", "cuda"}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.Segment(context.Background(), nil, t.TempDir(),
				Options{ModelFolder: model, Device: devices[i%2]})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Expected goroutine %d to succeed, got %v", i, err)
		}
	}
	// One load per cache key, not per caller.
	if got := loads.Load(); got != 2 {
		t.Errorf("Expected 2 loads for 2 cache keys, got %d", got)
	}
}

// TestSegmentLoadsPersistedOutput verifies the disk-scan normalization
func TestSegmentLoadsPersistedOutput(t *testing.T) {
	loads := 0
	a := adapterWith(&persistingPredictor{seg: labeledSeg()}, &loads)
	outDir := t.TempDir()

	// A staged input in the scratch directory must not be mistaken for
	// predictor output.
	staged := volume.New([3]int{4, 4, 4})
	staged.Set(0, 0, 0, 999)
	if err := volume.WriteFile(filepath.Join(outDir, "mod_0.nii.gz"), staged, volume.DTFloat32); err != nil {
		t.Fatal(err)
	}

	seg, err := a.Segment(context.Background(), nil, outDir, Options{ModelFolder: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to segment: %v", err)
	}
	if seg.CountPositive() != 2 {
		t.Errorf("Expected the persisted segmentation, got %d positive voxels", seg.CountPositive())
	}
	if seg.At(0, 0, 0) != 0 {
		t.Error("Expected the staged input to be skipped by the scan")
	}
}

// TestSegmentNoOutput verifies the sentinel when nothing was produced
func TestSegmentNoOutput(t *testing.T) {
	loads := 0
	a := adapterWith(&persistingPredictor{}, &loads)

	_, err := a.Segment(context.Background(), nil, t.TempDir(), Options{ModelFolder: t.TempDir()})
	if !errors.Is(err, ErrNoOutput) {
		t.Errorf("Expected ErrNoOutput, got %v", err)
	}
}

// TestSegmentLoadFailure verifies that loader errors surface
func TestSegmentLoadFailure(t *testing.T) {
	a := NewAdapter("")
	a.Loader = func(opts Options) (Predictor, error) {
		return nil, errors.New("model unavailable")
	}

	if _, err := a.Segment(context.Background(), nil, t.TempDir(), Options{ModelFolder: t.TempDir()}); err == nil {
		t.Error("Expected loader failure to surface")
	}
}

// TestExecLoaderRequiresCommand verifies the default loader preconditions
func TestExecLoaderRequiresCommand(t *testing.T) {
	a := NewAdapter("")
	if _, err := a.Segment(context.Background(), nil, t.TempDir(), Options{ModelFolder: t.TempDir()}); err == nil {
		t.Error("Expected error when no predictor command is configured")
	}

	a = NewAdapter("nnunet-predict")
	missing := filepath.Join(t.TempDir(), "absent-model")
	if _, err := a.Segment(context.Background(), nil, t.TempDir(), Options{ModelFolder: missing}); err == nil {
		t.Error("Expected error for a missing model folder")
	}
}

// TestSelectDevice verifies that an explicit device always wins
func TestSelectDevice(t *testing.T) {
	if got := SelectDevice("cpu"); got != "cpu" {
		t.Errorf("Expected explicit cpu, got %s", got)
	}
	if got := SelectDevice("cuda"); got != "cuda" {
		t.Errorf("Expected explicit cuda, got %s", got)
	}

	// Automatic selection resolves to some known device.
	got := SelectDevice("")
	if got != "cpu" && got != "cuda" && got != "mps" {
		t.Errorf("Expected a known device, got %q", got)
	}
}
