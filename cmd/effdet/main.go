package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-effdet/config"
	"github.com/nvr-ai/go-effdet/images"
	"github.com/nvr-ai/go-effdet/inference"
	"github.com/nvr-ai/go-effdet/models"
	"github.com/nvr-ai/go-effdet/models/effdet"
	"github.com/nvr-ai/go-effdet/profiler"
	"github.com/nvr-ai/go-effdet/util"
	"github.com/pkg/errors"
)

// imageDetections is the JSON record written for each input image.
type imageDetections struct {
	Path       string      `json:"path"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []detection `json:"detections"`
}

type detection struct {
	Box   images.Rect `json:"box"`
	Class int         `json:"class"`
	Label string      `json:"label"`
	Score float32     `json:"score"`
}

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("effdet", "Detect objects in images with an EfficientDet model")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML config file", Required: false, Default: ""})
	modelFile := parser.String("m", "model", &argparse.Options{Help: "Path to the .onnx model, overrides runtime.model_path", Required: false, Default: ""})
	input := parser.String("i", "input", &argparse.Options{Help: "Input image file or directory", Required: true})
	output := parser.String("o", "output", &argparse.Options{Help: "Output JSON file, - for stdout", Required: false, Default: "-"})
	annotateDir := parser.String("a", "annotate", &argparse.Options{Help: "Write annotated copies of the images to this directory", Required: false, Default: ""})
	threshold := parser.Float("t", "threshold", &argparse.Options{Help: "Confidence threshold, overrides model.confidence_threshold", Required: false, Default: -1.0})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		check(err)
		cfg = *loaded
	}
	if *modelFile != "" {
		cfg.Runtime.ModelPath = *modelFile
	}
	if *threshold >= 0 {
		cfg.Model.ConfidenceThreshold = float32(*threshold)
	}
	check(cfg.Validate())

	session, err := inference.NewSession(logger, cfg.SessionConfig())
	check(err)
	defer session.Close()

	detector, err := models.NewDetector(logger, session, cfg.Model.Name, cfg.DetectorOptions())
	check(err)
	prof := profiler.New(0)
	detector.SetProfiler(prof)

	files, err := util.LoadImageFiles(*input)
	check(err)
	logger.Infof("Running %v on %v images", cfg.Model.Architecture, len(files))

	results := make([]imageDetections, 0, len(files))
	for start := 0; start < len(files); start += cfg.Training.BatchSize {
		batch := files[start:min(start+cfg.Training.BatchSize, len(files))]
		records, err := predictBatch(detector, cfg, batch)
		check(err)
		results = append(results, records...)
	}
	prof.Report(logger)

	if *annotateDir != "" {
		check(os.MkdirAll(*annotateDir, 0755))
		for _, r := range results {
			anns := make([]images.Annotation, 0, len(r.Detections))
			for _, d := range r.Detections {
				anns = append(anns, images.Annotation{Box: d.Box, Label: d.Label, Score: d.Score})
			}
			dst := filepath.Join(*annotateDir, filepath.Base(r.Path))
			if err := images.AnnotateFile(r.Path, dst, anns); err != nil {
				logger.Warnf("Failed to annotate %v: %v", r.Path, err)
			}
		}
	}

	out := os.Stdout
	if *output != "-" {
		out, err = os.Create(*output)
		check(err)
		defer out.Close()
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(results))
}

func predictBatch(detector *effdet.EfficientDet, cfg config.Config, files []util.ImageFile) ([]imageDetections, error) {
	decoded := make([]image.Image, len(files))
	records := make([]imageDetections, len(files))
	for i, f := range files {
		img := &images.Image{Data: f.Data}
		d, err := images.Decode(img)
		if err != nil {
			return nil, errors.Wrap(err, f.Path)
		}
		decoded[i] = d
		records[i] = imageDetections{Path: f.Path, Width: img.Width, Height: img.Height, Detections: []detection{}}
	}

	preds, err := detector.PredictImages(context.Background(), decoded)
	if err != nil {
		return nil, err
	}

	for i := range records {
		for j, box := range preds.Boxes[i] {
			class := preds.Labels[i][j]
			records[i].Detections = append(records[i].Detections, detection{
				Box:   box,
				Class: class,
				Label: cfg.ClassName(class),
				Score: preds.Confidences[i][j],
			})
		}
	}
	return records, nil
}
