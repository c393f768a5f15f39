package storage

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumorscan/pkg/analysis"
)

// stubArtifacts writes placeholder files for the record artifacts.
type stubArtifacts struct {
	maskErr error
}

func (s *stubArtifacts) SaveMask(path string) error {
	if s.maskErr != nil {
		return s.maskErr
	}
	return os.WriteFile(path, []byte("mask"), 0o644)
}

func (s *stubArtifacts) CopyReferenceTo(path string) error {
	return os.WriteFile(path, []byte("flair"), 0o644)
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"John Doe", "john_doe"},
		{"  Jane  ", "jane"},
		{"O'Brien, Pat", "obrien_pat"},
		{"patient-07_b", "patient-07_b"},
		{"ÅÄÖ", "unknown"},
		{"", "unknown"},
		{"***", "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Slugify(tc.in), "Slugify(%q)", tc.in)
	}
}

func TestCreateRecord(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	idPattern := regexp.MustCompile(`^john_doe_[0-9a-f]{12}$`)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		recordID, recordDir, err := store.CreateRecord("John Doe")
		require.NoError(t, err)
		assert.Regexp(t, idPattern, recordID)
		assert.DirExists(t, recordDir)
		assert.False(t, seen[recordID], "record id %s allocated twice", recordID)
		seen[recordID] = true
	}
}

func TestNewStoreCreatesRecordsDir(t *testing.T) {
	root := t.TempDir()
	_, err := NewStore(root)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(root, "storage", "records"))
}

func TestPersist(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	store.now = func() time.Time {
		return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	}

	result := &analysis.Result{
		VolumeCC:   12.5,
		VolumeMM3:  12500,
		VoxelCount: 12500,
		Hemisphere: "left",
		MaskDtype:  "uint8",
	}
	meta := map[string]any{"age": 54, "name": "custom"}

	locators, err := store.Persist(&stubArtifacts{}, "John Doe", meta, result)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(locators.RecordID, "john_doe_"))
	assert.Equal(t, "storage/records/"+locators.RecordID, locators.StoragePath)
	assert.Equal(t, locators.StoragePath+"/flair.nii.gz", locators.FlairURL)
	assert.Equal(t, locators.StoragePath+"/mask.nii.gz", locators.MaskURL)
	assert.Equal(t, locators.StoragePath+"/metadata.json", locators.MetadataURL)

	recordDir := filepath.Join(root, "storage", "records", locators.RecordID)
	assert.FileExists(t, filepath.Join(recordDir, "flair.nii.gz"))
	assert.FileExists(t, filepath.Join(recordDir, "mask.nii.gz"))

	payload, err := os.ReadFile(filepath.Join(recordDir, "metadata.json"))
	require.NoError(t, err)

	var doc struct {
		Patient   map[string]any `json:"patient"`
		Tumor     map[string]any `json:"tumor"`
		RecordID  string         `json:"recordId"`
		CreatedAt string         `json:"createdAt"`
	}
	require.NoError(t, json.Unmarshal(payload, &doc))

	assert.Equal(t, locators.RecordID, doc.RecordID)
	assert.Equal(t, "2026-03-14T15:09:26Z", doc.CreatedAt)
	// A caller-supplied name is not overwritten.
	assert.Equal(t, "custom", doc.Patient["name"])
	assert.Equal(t, float64(54), doc.Patient["age"])
	assert.Equal(t, float64(12500), doc.Tumor["voxel_count"])
	assert.Equal(t, "left", doc.Tumor["hemisphere"])
}

func TestPersistDefaultsPatientName(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	locators, err := store.Persist(&stubArtifacts{}, "Jane Roe", nil, &analysis.Result{})
	require.NoError(t, err)

	payload, err := os.ReadFile(filepath.Join(store.Root(), locators.MetadataURL))
	require.NoError(t, err)

	var doc struct {
		Patient map[string]any `json:"patient"`
	}
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Equal(t, "Jane Roe", doc.Patient["name"])
}

func TestPersistArtifactFailure(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Persist(&stubArtifacts{maskErr: os.ErrPermission}, "x", nil, &analysis.Result{})
	assert.Error(t, err)
}
