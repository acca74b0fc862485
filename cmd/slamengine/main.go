// Command slamengine drives the SLAM engine's system.System from a
// YAML config and a pre-extracted feature dataset (spec.md section 1
// scopes real feature extraction out: see dataset.go). Grounded on the
// teacher's `module/main.go` and `slam/cmd/server/main.go` entrypoint
// shape, generalized from an RDK module/robot-server registration to a
// standalone batch/stream driver per SPEC_FULL.md section A.4, using
// the standard library `flag` package as the teacher's own
// `module/main.go` does.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/soallak/openvslam/config"
	"github.com/soallak/openvslam/logging"
	"github.com/soallak/openvslam/mapping"
	"github.com/soallak/openvslam/system"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML engine configuration")
	datasetDir := flag.String("dataset", "", "directory of pre-extracted feature-frame JSON files")
	vocabPath := flag.String("vocab", "", "path to a JSON vocabulary-center file (default: built-in placeholder quantizer)")
	loadMapPath := flag.String("load-map", "", "map file to load before feeding begins")
	saveMapPath := flag.String("save-map", "", "map file to write once feeding completes")
	debugPlotPath := flag.String("debug-plot", "", "write a PNG scatter of the reconstructed trajectory to this path")
	flag.Parse()

	if *configPath == "" || *datasetDir == "" {
		return errors.New("both -config and -dataset are required")
	}

	log := logging.New("slamengine")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	cam, err := cfg.NewPerspectiveCamera()
	if err != nil {
		return errors.Wrap(err, "constructing camera model")
	}

	frames, err := loadDataset(*datasetDir)
	if err != nil {
		return errors.Wrap(err, "loading dataset")
	}
	extractor := newDatasetExtractor(frames)

	var vocab mapping.BoWVocabulary
	if *vocabPath != "" {
		vocab, err = loadVocabulary(*vocabPath)
		if err != nil {
			return errors.Wrap(err, "loading vocabulary")
		}
	} else {
		vocab = newHashVocabulary()
	}

	sys := system.New(cfg, cam, extractor, vocab, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *loadMapPath != "" {
		if err := sys.LoadMap(*loadMapPath); err != nil {
			return errors.Wrap(err, "loading map")
		}
	}

	if err := sys.Start(ctx); err != nil {
		return errors.Wrap(err, "starting system")
	}

	if err := feedDataset(ctx, sys, cfg.Camera.Setup, frames, log); err != nil {
		log.Warnw("feed loop stopped early", "error", err)
	}

	if err := sys.RequestTerminate(); err != nil {
		return errors.Wrap(err, "terminating system")
	}

	if *saveMapPath != "" {
		if err := sys.SaveMap(*saveMapPath); err != nil {
			return errors.Wrap(err, "saving map")
		}
	}

	if *debugPlotPath != "" {
		if err := writeDebugPlot(*debugPlotPath, sys.Trajectory()); err != nil {
			return errors.Wrap(err, "writing debug plot")
		}
	}

	log.Infow("run complete", "frames_processed", len(frames)-extractor.remaining(), "trajectory_points", len(sys.Trajectory()))
	return nil
}
