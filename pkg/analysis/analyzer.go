// Package analysis orchestrates one tumor detection run: ROI cropping,
// inference, reconstitution into full-volume space, mask post-processing
// and the geometric/volumetric analysis of the resulting mask.
//
// Each Analyzer owns the mutable state of exactly one run (mask,
// detection flag, metadata snapshot) and is not safe for concurrent use;
// the service layer creates one Analyzer per request.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"tumorscan/pkg/geometry"
	"tumorscan/pkg/inference"
	"tumorscan/pkg/radiomics"
	"tumorscan/pkg/roi"
	"tumorscan/pkg/synthetic"
	"tumorscan/pkg/volume"
)

// State tracks the analyzer lifecycle. Analyzed and NotDetected are
// terminal.
type State int

const (
	StateUninitialized State = iota
	StateDetecting
	StateDetected
	StateNotDetected
	StateAnalyzed
)

// SyntheticMode controls when the synthetic mask generator replaces the
// inference-derived mask.
type SyntheticMode string

const (
	// SyntheticAlways replaces the mask on every run, including after a
	// successful real inference. This matches the upstream demo behavior
	// and is the default.
	SyntheticAlways SyntheticMode = "always"

	// SyntheticFallback generates a mask only when inference failed or
	// produced an empty mask.
	SyntheticFallback SyntheticMode = "fallback"
)

// Sentinel errors surfaced by the post-detection operations.
var (
	ErrNotDetected = errors.New("no tumor detected")
	ErrNoMetadata  = errors.New("image metadata not available")
	ErrNoMask      = errors.New("tumor mask not available, run Detect first")
	ErrNoReference = errors.New("reference image path not available")
)

// defaultCropMargin is the per-face ROI margin in voxels.
const defaultCropMargin = 8

// Params configures an Analyzer.
type Params struct {
	// ImagePaths are the modality volume files in [T1, T1ce, T2, FLAIR]
	// order. The last entry is the reference FLAIR by convention.
	ImagePaths []string

	// Adapter invokes the segmentation predictor. Nil disables real
	// inference, leaving only the synthetic path.
	Adapter *inference.Adapter

	// Generator produces synthetic masks. Nil creates a time-seeded one.
	Generator *synthetic.Generator

	// Extractor is the optional radiomics collaborator.
	Extractor radiomics.Extractor

	// SyntheticMode defaults to SyntheticAlways.
	SyntheticMode SyntheticMode

	// CropMargin is the ROI margin in voxels; zero selects the default.
	CropMargin int
}

// Analyzer runs detection and analysis for one modality set.
type Analyzer struct {
	paths     []string
	flairPath string

	adapter   *inference.Adapter
	generator *synthetic.Generator
	extractor radiomics.Extractor
	mode      SyntheticMode
	margin    int

	state    State
	mask     *volume.Volume
	detected bool
	meta     *Metadata
	result   *Result
}

// NewAnalyzer creates an analyzer for one detection run.
func NewAnalyzer(params *Params) (*Analyzer, error) {
	if len(params.ImagePaths) == 0 {
		return nil, errors.New("at least one image path is required")
	}
	a := &Analyzer{
		paths:     params.ImagePaths,
		flairPath: params.ImagePaths[len(params.ImagePaths)-1],
		adapter:   params.Adapter,
		generator: params.Generator,
		extractor: params.Extractor,
		mode:      params.SyntheticMode,
		margin:    params.CropMargin,
		state:     StateUninitialized,
	}
	if a.adapter == nil {
		a.adapter = inference.NewAdapter("")
	}
	if a.generator == nil {
		a.generator = synthetic.New(rand.New(rand.NewSource(time.Now().UnixNano())))
	}
	if a.mode == "" {
		a.mode = SyntheticAlways
	}
	if a.margin <= 0 {
		a.margin = defaultCropMargin
	}
	return a, nil
}

// Detect runs the detection pipeline and reports whether the resulting
// mask contains any positive voxel. Inference failures never propagate:
// every failure path degrades to the synthetic generator so a plausible
// result is always produced.
func (a *Analyzer) Detect(ctx context.Context, opts inference.Options) bool {
	a.state = StateDetecting

	if opts.ModelFolder == "" {
		log.Warn().Msg("no model folder provided, using synthetic detection")
		return a.syntheticDetect()
	}
	if _, err := os.Stat(opts.ModelFolder); err != nil {
		log.Warn().Str("modelFolder", opts.ModelFolder).Msg("model folder not found, using synthetic detection")
		return a.syntheticDetect()
	}
	for _, p := range a.paths {
		if _, err := os.Stat(p); err != nil {
			log.Warn().Str("path", p).Msg("image file not found, using synthetic detection")
			return a.syntheticDetect()
		}
	}

	ref, err := volume.ReadFile(a.paths[0])
	if err != nil {
		log.Warn().Err(err).Msg("failed to read reference volume, using synthetic detection")
		return a.syntheticDetect()
	}

	mask, err := a.runInference(ctx, ref, opts)
	if err != nil {
		log.Warn().Err(err).Msg("inference failed, using synthetic detection")
		return a.syntheticDetectWith(ref)
	}

	if a.mode == SyntheticAlways || !mask.AnyPositive() {
		mask = a.generator.Generate(ref, mask)
	}
	return a.finish(ref, mask)
}

// runInference crops the modality set, invokes the predictor and maps
// the segmentation back into full-volume space as a binary mask.
func (a *Analyzer) runInference(ctx context.Context, ref *volume.Volume, opts inference.Options) (*volume.Volume, error) {
	scratch, err := os.MkdirTemp("", "tumorscan_pred_")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	crop, err := roi.CropFiles(a.paths, a.margin, scratch)
	if err != nil {
		return nil, fmt.Errorf("ROI crop failed: %w", err)
	}

	inputs := a.paths
	if crop != nil {
		inputs = crop.Paths
		log.Info().
			Int("croppedVoxels", crop.Box.NumVoxels()).
			Int("originalVoxels", ref.NumVoxels()).
			Msg("running inference on cropped ROI")
	}

	seg, err := a.adapter.Segment(ctx, inputs, scratch, opts)
	if err != nil {
		return nil, err
	}

	if crop != nil {
		if seg.Shape != crop.Box.Shape() {
			return nil, fmt.Errorf("segmentation shape %v does not match crop shape %v",
				seg.Shape, crop.Box.Shape())
		}
		seg = geometry.ExpandToFullShape(seg, crop.Box, ref)
	} else if !seg.SameShape(ref) {
		return nil, fmt.Errorf("segmentation shape %v does not match reference shape %v",
			seg.Shape, ref.Shape)
	}

	// Any label value above zero is tumor-positive; multi-class labels
	// collapse to a binary mask.
	seg.Binarize()
	return seg, nil
}

// syntheticDetect loads the reference volume and runs the synthetic-only
// path. A reference that cannot be read terminates the run as not
// detected.
func (a *Analyzer) syntheticDetect() bool {
	ref, err := volume.ReadFile(a.paths[0])
	if err != nil {
		log.Warn().Err(err).Msg("synthetic detection failed to read reference volume")
		a.state = StateNotDetected
		return false
	}
	return a.syntheticDetectWith(ref)
}

func (a *Analyzer) syntheticDetectWith(ref *volume.Volume) bool {
	mask := a.generator.Generate(ref, volume.NewLike(ref))
	return a.finish(ref, mask)
}

// finish stores the final mask and metadata snapshot and settles the
// detection state.
func (a *Analyzer) finish(ref *volume.Volume, mask *volume.Volume) bool {
	a.mask = mask
	a.detected = mask.AnyPositive()
	a.meta = &Metadata{
		Spacing:    ref.Spacing,
		Origin:     ref.Origin,
		Dimensions: [3]int{ref.Shape[2], ref.Shape[1], ref.Shape[0]},
		Direction:  ref.Direction,
	}
	if a.detected {
		a.state = StateDetected
		log.Info().Int("voxels", mask.CountPositive()).Msg("tumor detected")
	} else {
		a.state = StateNotDetected
		log.Info().Msg("no tumor detected")
	}
	return a.detected
}

// Analyze computes the quantitative metrics for the detected tumor.
// Requires a prior positive detection and a loaded metadata snapshot.
func (a *Analyzer) Analyze() (*Result, error) {
	if !a.detected || a.mask == nil {
		return nil, ErrNotDetected
	}
	if a.meta == nil {
		return nil, ErrNoMetadata
	}

	spacing := a.meta.Spacing // (X, Y, Z)
	voxelVolume := spacing[0] * spacing[1] * spacing[2]

	var sumZ, sumY, sumX float64
	voxels := 0
	for z := 0; z < a.mask.Shape[0]; z++ {
		for y := 0; y < a.mask.Shape[1]; y++ {
			for x := 0; x < a.mask.Shape[2]; x++ {
				if a.mask.At(z, y, x) > 0 {
					sumZ += float64(z)
					sumY += float64(y)
					sumX += float64(x)
					voxels++
				}
			}
		}
	}
	if voxels == 0 {
		return nil, ErrNotDetected
	}

	n := float64(voxels)
	centroid := [3]float64{sumZ / n, sumY / n, sumX / n} // (Z, Y, X)

	volumeMM3 := n * voxelVolume

	// Axis reversal: centroid is (Z, Y, X), metadata is (X, Y, Z).
	physical := [3]float64{
		a.meta.Origin[0] + centroid[2]*spacing[0],
		a.meta.Origin[1] + centroid[1]*spacing[1],
		a.meta.Origin[2] + centroid[0]*spacing[2],
	}

	midX := float64(a.mask.Shape[2]) / 2
	hemisphere := "left"
	if centroid[2] > midX {
		hemisphere = "right"
	}
	shiftMM := centroid[2] - midX
	if shiftMM < 0 {
		shiftMM = -shiftMM
	}
	shiftMM *= spacing[0]

	result := &Result{
		VolumeCC:            volumeMM3 / 1000.0,
		VolumeMM3:           volumeMM3,
		VoxelCount:          voxels,
		CentroidVoxelZYX:    centroid,
		CentroidPhysicalXYZ: physical,
		Hemisphere:          hemisphere,
		MidlineShiftMM:      shiftMM,
		ImageMetadata:       a.meta,
		MaskShape:           a.mask.Shape,
		MaskDtype:           "uint8",
	}

	if a.extractor != nil {
		if features, err := a.extractRadiomics(); err != nil {
			log.Warn().Err(err).Msg("radiomics extraction failed, omitting features")
		} else {
			result.Radiomics = features
		}
	}

	a.result = result
	a.state = StateAnalyzed
	return result, nil
}

// extractRadiomics feeds the reference image and current mask to the
// radiomics collaborator.
func (a *Analyzer) extractRadiomics() (map[string]float64, error) {
	img, err := volume.ReadFile(a.paths[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read reference image: %w", err)
	}
	return a.extractor.Extract(img, a.mask)
}

// SaveMask writes the current tumor mask as a compressed NIfTI file,
// deriving spacing/origin/direction from the reference FLAIR volume and
// binarizing on the way out.
func (a *Analyzer) SaveMask(path string) error {
	if a.mask == nil {
		return ErrNoMask
	}
	if a.flairPath == "" {
		return ErrNoReference
	}
	ref, err := volume.ReadFile(a.flairPath)
	if err != nil {
		return fmt.Errorf("failed to read reference volume: %w", err)
	}

	out := a.mask.Binarized()
	out.Spacing = ref.Spacing
	out.Origin = ref.Origin
	out.Direction = ref.Direction

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create mask directory: %w", err)
	}
	return volume.WriteFile(path, out, volume.DTUint8)
}

// CopyReferenceTo copies the reference FLAIR file verbatim.
func (a *Analyzer) CopyReferenceTo(path string) error {
	if a.flairPath == "" {
		return ErrNoReference
	}
	src, err := os.Open(a.flairPath)
	if err != nil {
		return fmt.Errorf("failed to open reference volume: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy reference volume: %w", err)
	}
	return dst.Close()
}

// Detected reports whether the last detection run found a tumor.
func (a *Analyzer) Detected() bool { return a.detected }

// Mask returns the current tumor mask, or nil before detection.
func (a *Analyzer) Mask() *volume.Volume { return a.mask }

// ImageMetadata returns the metadata snapshot taken during detection.
func (a *Analyzer) ImageMetadata() *Metadata { return a.meta }

// State returns the current lifecycle state.
func (a *Analyzer) State() State { return a.state }
