// Package detect exposes the file-based detection entry point: validate
// the request, run one analyzer, persist the record and shape the
// response consumed by the HTTP boundary.
package detect

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"tumorscan/pkg/analysis"
	"tumorscan/pkg/config"
	"tumorscan/pkg/inference"
	"tumorscan/pkg/radiomics"
	"tumorscan/pkg/storage"
	"tumorscan/pkg/synthetic"
)

// requiredModalities is the exact number of input volumes, in
// [T1, T1ce, T2, FLAIR] order.
const requiredModalities = 4

// Options are the per-request parameters.
type Options struct {
	// ModelFolder overrides the configured default model folder.
	ModelFolder string

	// Device overrides automatic device selection.
	Device string

	// Folds selects cross-validation folds; empty uses the configured
	// default.
	Folds []int

	// Mirroring enables test-time augmentation.
	Mirroring bool

	// PatientName labels the persisted record.
	PatientName string

	// PatientMetadata is merged into the record's patient block.
	PatientMetadata map[string]any
}

// Response is the structured detection result. Locator fields are nil
// unless a record was persisted; negative responses serialize them as
// explicit nulls.
type Response struct {
	Detected    int              `json:"detected"`
	Message     string           `json:"message"`
	Results     *analysis.Result `json:"results"`
	StoragePath *string          `json:"storagePath"`
	FlairURL    *string          `json:"flairUrl"`
	MaskURL     *string          `json:"maskUrl"`
	MetadataURL *string          `json:"metadataUrl"`
}

// Service wires the detection pipeline to its collaborators.
type Service struct {
	cfg     *config.Config
	store   *storage.Store
	adapter *inference.Adapter
}

// NewService builds a service from configuration. The store's records
// directory is created eagerly so persistence failures surface at
// startup rather than on the first successful detection.
func NewService(cfg *config.Config) (*Service, error) {
	store, err := storage.NewStore(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record storage: %w", err)
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		adapter: inference.NewAdapter(cfg.Model.Command),
	}, nil
}

// Store returns the record store, for callers serving persisted
// artifacts.
func (s *Service) Store() *storage.Store { return s.store }

// FromFiles runs detection over exactly four modality volume files and
// persists a record on success.
//
// Input-validation failures surface immediately as a negative response
// with no partial work. Inference failures never fail the request (the
// analyzer degrades to the synthetic generator). Persistence failures do
// fail the request: once detection succeeds, the artifacts are the
// product.
func (s *Service) FromFiles(ctx context.Context, imagePaths []string, opts Options) *Response {
	if len(imagePaths) != requiredModalities {
		return &Response{
			Detected: 0,
			Message:  "Error: Exactly 4 image files required (T1, T1ce, T2, FLAIR)",
		}
	}
	for _, p := range imagePaths {
		if _, err := os.Stat(p); err != nil {
			return &Response{
				Detected: 0,
				Message:  fmt.Sprintf("Error: Image file not found: %s", p),
			}
		}
	}

	modelFolder := opts.ModelFolder
	if modelFolder == "" {
		modelFolder = s.cfg.Model.Folder
	}
	if _, err := os.Stat(modelFolder); err != nil {
		return &Response{
			Detected: 0,
			Message:  fmt.Sprintf("Error: Model folder not found: %s", modelFolder),
		}
	}

	analyzer, err := analysis.NewAnalyzer(&analysis.Params{
		ImagePaths:    imagePaths,
		Adapter:       s.adapter,
		Generator:     s.newGenerator(),
		Extractor:     &radiomics.FirstOrder{},
		SyntheticMode: analysis.SyntheticMode(s.cfg.Synthetic.Mode),
		CropMargin:    s.cfg.Detection.CropMargin,
	})
	if err != nil {
		return &Response{Detected: 0, Message: fmt.Sprintf("Error during detection: %v", err)}
	}

	folds := opts.Folds
	if len(folds) == 0 {
		folds = s.cfg.Model.Folds
	}
	device := opts.Device
	if device == "" {
		device = s.cfg.Model.Device
	}
	mirroring := opts.Mirroring || s.cfg.Model.Mirroring

	detected := analyzer.Detect(ctx, inference.Options{
		ModelFolder: modelFolder,
		Device:      device,
		Folds:       folds,
		Mirroring:   mirroring,
	})
	if !detected {
		return &Response{Detected: 0, Message: "No tumor detected"}
	}

	result, err := analyzer.Analyze()
	if err != nil {
		return &Response{Detected: 0, Message: fmt.Sprintf("Error during detection: %v", err)}
	}

	locators, err := s.store.Persist(analyzer, opts.PatientName, opts.PatientMetadata, result)
	if err != nil {
		log.Error().Err(err).Msg("failed to persist detection record")
		return &Response{Detected: 0, Message: fmt.Sprintf("Error during detection: %v", err)}
	}

	log.Info().
		Str("recordId", locators.RecordID).
		Float64("volumeCC", result.VolumeCC).
		Str("hemisphere", result.Hemisphere).
		Msg("detection record persisted")

	return &Response{
		Detected:    1,
		Message:     "Tumor detected",
		Results:     result,
		StoragePath: &locators.StoragePath,
		FlairURL:    &locators.FlairURL,
		MaskURL:     &locators.MaskURL,
		MetadataURL: &locators.MetadataURL,
	}
}

// newGenerator builds the synthetic generator from configuration. A zero
// seed keeps the clock-seeded demo variety; a fixed seed makes runs
// reproducible.
func (s *Service) newGenerator() *synthetic.Generator {
	seed := s.cfg.Synthetic.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gen := synthetic.New(rand.New(rand.NewSource(seed)))
	if s.cfg.Synthetic.BrainThreshold > 0 {
		gen.BrainThreshold = s.cfg.Synthetic.BrainThreshold
	}
	if s.cfg.Synthetic.TargetFraction > 0 {
		gen.TargetFraction = s.cfg.Synthetic.TargetFraction
	}
	return gen
}
