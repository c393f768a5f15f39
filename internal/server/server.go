// Package server provides the HTTP boundary for the detection service:
// multipart upload of the four modality volumes, request validation and
// temp-file lifecycle, delegating all detection work to pkg/detect.
package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"tumorscan/pkg/config"
	"tumorscan/pkg/detect"
)

// modalityFields are the multipart field names in pipeline input order.
var modalityFields = [4]string{"t1", "t1ce", "t2", "flair"}

// Server hosts the detection HTTP API.
type Server struct {
	app     *fiber.App
	service *detect.Service
	cfg     *config.Config
}

// New builds the fiber application and its routes.
func New(cfg *config.Config, service *detect.Service) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "Tumor Detection API",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BodyLimit:    cfg.Server.BodyLimit,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET, POST, OPTIONS",
		AllowHeaders: "Content-Type, Authorization, X-Requested-With",
	}))

	s := &Server{app: app, service: service, cfg: cfg}

	app.Get("/", s.root)
	app.Get("/health", s.health)
	app.Post("/detect", s.detect)

	// Persisted records are addressed by relative locators under
	// storage/records; serve them for the viewer.
	app.Static("/storage", filepath.Join(cfg.Storage.Root, "storage"))

	return s
}

// Listen serves until the listener fails or Shutdown is called.
func (s *Server) Listen() error {
	log.Info().Str("address", s.cfg.Server.Address).Msg("starting tumor detection server")
	return s.app.Listen(s.cfg.Server.Address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber application for in-process testing.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "running",
		"message": "Tumor Detection API is running",
		"endpoints": fiber.Map{
			"detect": "/detect (POST) - Upload 4 NIfTI files for tumor detection",
		},
	})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy"})
}

// detect handles one detection request. Uploaded volumes live in a
// request-scoped temp directory that is removed on every exit path.
func (s *Server) detect(c *fiber.Ctx) error {
	patientName := c.FormValue("patientName")
	if patientName == "" {
		return fiber.NewError(fiber.StatusBadRequest, "patientName is required")
	}

	tempDir, err := os.MkdirTemp("", "tumor_detection_")
	if err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	imagePaths := make([]string, 0, len(modalityFields))
	for _, field := range modalityFields {
		header, err := c.FormFile(field)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest,
				fmt.Sprintf("missing %s file upload", field))
		}
		path, err := saveUpload(header, tempDir, field)
		if err != nil {
			log.Warn().Err(err).Str("field", field).Msg("failed to save uploaded modality")
			return fiber.NewError(fiber.StatusBadRequest,
				fmt.Sprintf("failed to save %s file", field))
		}
		imagePaths = append(imagePaths, path)
	}

	opts := detect.Options{
		ModelFolder:     c.FormValue("modelFolder"),
		Device:          c.FormValue("device"),
		PatientName:     patientName,
		PatientMetadata: parsePatientMetadata(c.FormValue("patientMetadata")),
	}

	response := s.service.FromFiles(c.Context(), imagePaths, opts)
	return c.JSON(response)
}

// saveUpload writes one uploaded modality into dir with a normalized
// extension: anything that is not .nii or .nii.gz is stored as .nii.gz.
func saveUpload(header *multipart.FileHeader, dir, modality string) (string, error) {
	ext := ".nii.gz"
	name := header.Filename
	if strings.HasSuffix(name, ".nii") {
		ext = ".nii"
	}

	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	path := filepath.Join(dir, modality+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	return path, dst.Close()
}

// parsePatientMetadata decodes the optional patientMetadata form field.
// Invalid JSON is kept rather than rejected, wrapped as a raw string.
func parsePatientMetadata(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return map[string]any{"raw": raw}
	}
	return parsed
}
