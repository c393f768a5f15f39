package server

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumorscan/pkg/config"
	"tumorscan/pkg/detect"
	"tumorscan/pkg/volume"
)

// newTestServer builds a server over temp storage with synthetic-only
// detection (no predictor command, empty-but-existing model folder).
func newTestServer(t *testing.T) (*Server, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Root = t.TempDir()
	cfg.Model.Folder = t.TempDir()
	cfg.Model.Command = ""
	cfg.Synthetic.Seed = 7

	service, err := detect.NewService(cfg)
	require.NoError(t, err)
	return New(cfg, service), cfg
}

// modalityPayload serializes one bright test volume.
func modalityPayload(t *testing.T) []byte {
	t.Helper()
	v := volume.New([3]int{20, 20, 20})
	for z := 6; z <= 13; z++ {
		for y := 6; y <= 13; y++ {
			for x := 6; x <= 13; x++ {
				v.Set(z, y, x, 300)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "mod.nii.gz")
	require.NoError(t, volume.WriteFile(path, v, volume.DTFloat32))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// detectRequest builds a multipart /detect request with the given fields
// and modality files.
func detectRequest(t *testing.T, fields map[string]string, modalities []string) *http.Request {
	t.Helper()
	payload := modalityPayload(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, m := range modalities {
		part, err := w.CreateFormFile(m, m+".nii.gz")
		require.NoError(t, err)
		_, err = part.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/detect", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestRootAndHealth(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
}

func TestDetectEndpoint(t *testing.T) {
	s, cfg := newTestServer(t)

	req := detectRequest(t, map[string]string{
		"patientName":     "John Doe",
		"patientMetadata": `{"age": 61}`,
	}, []string{"t1", "t1ce", "t2", "flair"})

	resp, err := s.App().Test(req, 120000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out detect.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	assert.Equal(t, 1, out.Detected)
	assert.Equal(t, "Tumor detected", out.Message)
	require.NotNil(t, out.Results)
	assert.Greater(t, out.Results.VoxelCount, 0)
	require.NotNil(t, out.MaskURL)

	// Persisted artifacts are reachable through the static route.
	staticReq := httptest.NewRequest(http.MethodGet, "/"+*out.MetadataURL, nil)
	staticResp, err := s.App().Test(staticReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, staticResp.StatusCode)

	payload, err := io.ReadAll(staticResp.Body)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Contains(t, doc, "recordId")

	// And on disk under the storage root.
	assert.FileExists(t, filepath.Join(cfg.Storage.Root, *out.MaskURL))
}

func TestDetectRequiresPatientName(t *testing.T) {
	s, _ := newTestServer(t)

	req := detectRequest(t, nil, []string{"t1", "t1ce", "t2", "flair"})
	resp, err := s.App().Test(req, 120000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDetectRequiresAllModalities(t *testing.T) {
	s, _ := newTestServer(t)

	req := detectRequest(t, map[string]string{"patientName": "x"},
		[]string{"t1", "t1ce", "t2"})
	resp, err := s.App().Test(req, 120000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "flair")
}

func TestDetectInvalidPatientMetadata(t *testing.T) {
	s, cfg := newTestServer(t)

	req := detectRequest(t, map[string]string{
		"patientName":     "Jane Roe",
		"patientMetadata": "{not json",
	}, []string{"t1", "t1ce", "t2", "flair"})

	resp, err := s.App().Test(req, 120000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out detect.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out.Detected)

	// The malformed metadata lands in the record as a raw string.
	payload, err := os.ReadFile(filepath.Join(cfg.Storage.Root, *out.MetadataURL))
	require.NoError(t, err)
	var doc struct {
		Patient map[string]any `json:"patient"`
	}
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Equal(t, "{not json", doc.Patient["raw"])
	assert.Equal(t, "Jane Roe", doc.Patient["name"])
}

func TestParsePatientMetadata(t *testing.T) {
	assert.Nil(t, parsePatientMetadata(""))
	assert.Equal(t, map[string]any{"a": float64(1)}, parsePatientMetadata(`{"a": 1}`))
	assert.Equal(t, map[string]any{"raw": "oops"}, parsePatientMetadata("oops"))
}
