package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tumorscan/internal/server"
	"tumorscan/pkg/config"
	"tumorscan/pkg/detect"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	addr := flag.String("addr", "", "Listen address (overrides configuration)")
	storageRoot := flag.String("storage", "", "Storage root directory (overrides configuration)")
	modelFolder := flag.String("model", "", "Trained model folder (overrides configuration)")
	device := flag.String("device", "", "Compute device: cpu, cuda or mps (default: auto)")
	patient := flag.String("patient", "", "Patient name for one-shot detection")

	// One-shot mode: when all four modality flags are given, run a single
	// detection and print the response instead of serving HTTP.
	t1 := flag.String("t1", "", "T1-weighted volume file")
	t1ce := flag.String("t1ce", "", "T1ce-weighted volume file")
	t2 := flag.String("t2", "", "T2-weighted volume file")
	flair := flag.String("flair", "", "FLAIR volume file")

	pretty := flag.Bool("pretty", false, "Human-readable log output")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *storageRoot != "" {
		cfg.Storage.Root = *storageRoot
	}
	if *modelFolder != "" {
		cfg.Model.Folder = *modelFolder
	}
	if *device != "" {
		cfg.Model.Device = *device
	}

	service, err := detect.NewService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize detection service")
	}

	oneShot := *t1 != "" || *t1ce != "" || *t2 != "" || *flair != ""
	if oneShot {
		if *t1 == "" || *t1ce == "" || *t2 == "" || *flair == "" {
			fmt.Fprintln(os.Stderr, "one-shot mode requires all of -t1, -t1ce, -t2 and -flair")
			os.Exit(1)
		}
		response := service.FromFiles(context.Background(),
			[]string{*t1, *t1ce, *t2, *flair},
			detect.Options{PatientName: *patient})

		out, err := json.MarshalIndent(response, "", "  ")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to encode detection response")
		}
		fmt.Println(string(out))
		if response.Detected == 0 {
			os.Exit(1)
		}
		return
	}

	srv := server.New(cfg, service)
	if err := srv.Listen(); err != nil {
		log.Fatal().Err(err).Msg("server terminated")
	}
}
