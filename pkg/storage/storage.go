// Package storage persists detection records. A record is a uniquely
// identified directory under <root>/storage/records holding the
// reference FLAIR copy, the tumor mask and a metadata document; records
// are never mutated after creation and are addressed by relative
// locators from the storage root.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	"github.com/goccy/go-json"

	"tumorscan/pkg/analysis"
)

const (
	// recordsSubdir is the records directory relative to the store root.
	recordsSubdir = "storage/records"

	// suffixLen is the length of the random hex suffix on record ids.
	suffixLen = 12

	// maxCreateAttempts bounds the collision retry loop. With 12 hex
	// characters a collision is already vanishingly unlikely.
	maxCreateAttempts = 5
)

var hexChars = []byte("0123456789abcdef")

// Artifacts is what the store needs from an analyzer to materialize a
// record's files.
type Artifacts interface {
	SaveMask(path string) error
	CopyReferenceTo(path string) error
}

// Locators are the relative artifact paths of a persisted record, of the
// form storage/records/{recordId}/{artifact}.
type Locators struct {
	RecordID    string
	StoragePath string
	FlairURL    string
	MaskURL     string
	MetadataURL string
}

// metadataDocument is the persisted metadata.json schema.
type metadataDocument struct {
	Patient   map[string]any   `json:"patient"`
	Tumor     *analysis.Result `json:"tumor"`
	RecordID  string           `json:"recordId"`
	CreatedAt string           `json:"createdAt"`
}

// Store writes records under a fixed root directory.
type Store struct {
	root string

	// now is overridable for tests.
	now func() time.Time
}

// NewStore creates a store rooted at root and ensures the records base
// directory exists.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, recordsSubdir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create records directory: %w", err)
	}
	return &Store{root: root, now: time.Now}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Slugify turns a patient name into a filesystem-safe slug: lowercase,
// spaces to underscores, everything outside [a-z0-9_-] stripped. Empty
// input (or input with nothing left after stripping) becomes "unknown".
func Slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// CreateRecord creates a unique record directory for the patient and
// returns its id and absolute path. Ids are slug + 12 random hex
// characters; an existing directory with the same id triggers a retry
// with a fresh suffix.
func (s *Store) CreateRecord(patientName string) (recordID, recordDir string, err error) {
	slug := Slugify(patientName)
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		recordID = fmt.Sprintf("%s_%s", slug, uniuri.NewLenChars(suffixLen, hexChars))
		recordDir = filepath.Join(s.root, recordsSubdir, recordID)
		if _, err := os.Stat(recordDir); err == nil {
			continue // id collision, retry with a fresh suffix
		}
		if err := os.MkdirAll(recordDir, 0755); err != nil {
			return "", "", fmt.Errorf("failed to create record directory: %w", err)
		}
		return recordID, recordDir, nil
	}
	return "", "", fmt.Errorf("failed to allocate a unique record id for %q", slug)
}

// Persist writes the reference volume, mask and metadata document for a
// completed detection run and returns the record's relative locators.
// The patient block of the metadata document merges the caller-supplied
// metadata with a default name field.
func (s *Store) Persist(artifacts Artifacts, patientName string, patientMetadata map[string]any, result *analysis.Result) (*Locators, error) {
	recordID, recordDir, err := s.CreateRecord(patientName)
	if err != nil {
		return nil, err
	}

	if err := artifacts.CopyReferenceTo(filepath.Join(recordDir, "flair.nii.gz")); err != nil {
		return nil, fmt.Errorf("failed to store reference volume: %w", err)
	}
	if err := artifacts.SaveMask(filepath.Join(recordDir, "mask.nii.gz")); err != nil {
		return nil, fmt.Errorf("failed to store tumor mask: %w", err)
	}

	patient := make(map[string]any, len(patientMetadata)+1)
	for k, v := range patientMetadata {
		patient[k] = v
	}
	if patientName != "" {
		if _, ok := patient["name"]; !ok {
			patient["name"] = patientName
		}
	}

	doc := metadataDocument{
		Patient:   patient,
		Tumor:     result,
		RecordID:  recordID,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(recordDir, "metadata.json"), payload, 0644); err != nil {
		return nil, fmt.Errorf("failed to write metadata document: %w", err)
	}

	base := fmt.Sprintf("%s/%s", recordsSubdir, recordID)
	return &Locators{
		RecordID:    recordID,
		StoragePath: base,
		FlairURL:    base + "/flair.nii.gz",
		MaskURL:     base + "/mask.nii.gz",
		MetadataURL: base + "/metadata.json",
	}, nil
}
