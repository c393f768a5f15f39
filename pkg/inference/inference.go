// Package inference owns the lifecycle of the external segmentation
// predictor: device selection, predictor caching, invocation and output
// normalization.
//
// The predictor itself is a black box behind the Predictor interface;
// the default implementation shells out to an external nnUNet-style
// command-line tool that reads the modality volumes by location and
// writes its segmentation into a scratch directory.
package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tumorscan/pkg/volume"
)

// ErrNoOutput is returned when the predictor neither returned a usable
// segmentation nor persisted one into the scratch directory.
var ErrNoOutput = errors.New("no segmentation output produced")

// Options selects the model and runtime behavior for one invocation.
type Options struct {
	// ModelFolder is the path to the trained model folder.
	ModelFolder string

	// Device is the compute device string ("cpu", "cuda", "mps").
	// Empty selects automatically, see SelectDevice.
	Device string

	// Folds are the cross-validation folds to run. Defaults to fold 0.
	Folds []int

	// Mirroring enables test-time augmentation (slower, more accurate).
	Mirroring bool
}

// Predictor runs segmentation over a set of modality volume files and
// writes its output into outDir. Implementations may also return the
// segmentation directly; returning (nil, nil) means "output persisted to
// outDir only" and triggers the adapter's disk scan.
type Predictor interface {
	Predict(ctx context.Context, inputs []string, outDir string) (*volume.Volume, error)
}

// cacheKey identifies a loaded predictor. Folds and mirroring are
// deliberately absent: changing them without changing the model folder
// or device silently reuses the previously loaded predictor. This
// mirrors the cached-load contract of the upstream engine.
type cacheKey struct {
	modelFolder string
	device      string
}

// Adapter loads, caches and invokes predictors. It is safe for
// concurrent use: predictor loads are serialized by an internal lock,
// so one Adapter can be shared across requests. Command and Loader must
// not be mutated after the first Segment call.
type Adapter struct {
	// Command is the external predictor executable. Empty disables the
	// exec-based loader, which makes every load fail and pushes the
	// orchestrator onto its fallback path.
	Command string

	// Loader creates a predictor for the given options. Nil selects the
	// exec-based loader; callers embedding their own engine can plug one
	// in here.
	Loader func(opts Options) (Predictor, error)

	mu    sync.Mutex
	cache map[cacheKey]Predictor
}

// NewAdapter creates an adapter that shells out to command for
// prediction.
func NewAdapter(command string) *Adapter {
	return &Adapter{
		Command: command,
		cache:   make(map[cacheKey]Predictor),
	}
}

// Segment runs the predictor over the modality files, writing output to
// outDir, and returns the labeled segmentation in cropped (or full, if
// inputs were not cropped) volume space. Label values are left as-is;
// the orchestrator collapses them to a binary mask after reconstitution.
func (a *Adapter) Segment(ctx context.Context, inputs []string, outDir string, opts Options) (*volume.Volume, error) {
	if opts.Device == "" {
		opts.Device = SelectDevice("")
	}
	if len(opts.Folds) == 0 {
		opts.Folds = []int{0}
	}

	pred, err := a.predictor(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize predictor: %w", err)
	}

	seg, err := pred.Predict(ctx, inputs, outDir)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}
	if seg != nil {
		return seg, nil
	}

	// The predictor persisted its output instead of returning it; recover
	// the segmentation from the scratch directory.
	seg, err = loadPersistedOutput(outDir)
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// predictor returns the cached predictor for the options, loading one on
// a cache miss. The key is (absolute model folder, device) only; see
// cacheKey for the staleness caveat.
func (a *Adapter) predictor(opts Options) (Predictor, error) {
	abs, err := filepath.Abs(opts.ModelFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model folder: %w", err)
	}
	key := cacheKey{modelFolder: abs, device: opts.Device}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache == nil {
		a.cache = make(map[cacheKey]Predictor)
	}
	if p, ok := a.cache[key]; ok {
		return p, nil
	}

	load := a.Loader
	if load == nil {
		load = a.loadExec
	}
	p, err := load(opts)
	if err != nil {
		return nil, err
	}
	a.cache[key] = p
	return p, nil
}

// loadExec validates the model folder and builds an exec-based predictor.
func (a *Adapter) loadExec(opts Options) (Predictor, error) {
	if a.Command == "" {
		return nil, errors.New("no predictor command configured")
	}
	info, err := os.Stat(opts.ModelFolder)
	if err != nil {
		return nil, fmt.Errorf("model folder not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model folder %s is not a directory", opts.ModelFolder)
	}
	return &execPredictor{
		command:     a.Command,
		modelFolder: opts.ModelFolder,
		device:      opts.Device,
		folds:       opts.Folds,
		mirroring:   opts.Mirroring,
	}, nil
}

// loadPersistedOutput scans dir for a persisted segmentation artifact
// and loads the first one found.
func loadPersistedOutput(dir string) (*volume.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan predictor output directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".nii.gz") && !strings.HasSuffix(name, ".nii") {
			continue
		}
		// Skip the staged inputs; the predictor output never uses the
		// mod_ prefix the cropper writes.
		if strings.HasPrefix(name, "mod_") {
			continue
		}
		seg, err := volume.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load persisted segmentation %s: %w", name, err)
		}
		return seg, nil
	}
	return nil, ErrNoOutput
}
