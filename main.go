package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/sirupsen/logrus"

	"tf_object_detector/config"
	"tf_object_detector/imageio"
	"tf_object_detector/inference/tfengine"
	"tf_object_detector/overlay"
	"tf_object_detector/service"
)

// MaxWorkers bounds the number of worker sessions in serve mode.
const MaxWorkers = 10

var logger *logrus.Logger

// initLogger initializes a Logrus logger that outputs to stdout and, if
// logFile is set, to that file as well.
func initLogger(logFile string, verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if logFile == "" {
		return log
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Warnf("Failed to log to file %s, using stdout only", logFile)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, file))
	}
	return log
}

func loadClasses(cfg *config.ModelConfig) []string {
	if cfg.Labels == "" {
		return nil
	}
	classes, err := config.LoadClassFile(cfg.Labels)
	if err != nil {
		logger.Warnf("Ignoring class labels: %v", err)
		return nil
	}
	return classes
}

func runDetect(cfg *config.ModelConfig, imagePath, overlayPath string, threshold float32, asJSON bool) error {
	img, err := imageio.Open(imagePath)
	if err != nil {
		return err
	}
	input, err := imageio.ToInput(img, cfg.InputWidth, cfg.InputHeight, cfg.Channels)
	if err != nil {
		return err
	}
	detector, err := service.OpenDetector(tfengine.New(), cfg, logger)
	if err != nil {
		return err
	}
	defer detector.Session().Close()

	start := time.Now()
	dets, err := detector.Detect(input, img.Bounds().Dx(), img.Bounds().Dy())
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"image":      imagePath,
		"detections": len(dets),
		"elapsed":    time.Since(start),
	}).Info("Detection complete")

	dets = service.FilterByScore(dets, threshold)
	classes := loadClasses(cfg)
	if asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(service.ToJSON(dets, classes)); err != nil {
			return err
		}
	} else {
		for _, d := range dets {
			fmt.Printf("Class Id: %d (%s) Confidence: %.4f Box: [%.4f %.4f %.4f %.4f] Rect: x=%.1f y=%.1f w=%.1f h=%.1f\n",
				d.ClassID, config.Label(classes, d.ClassID), d.Confidence,
				d.Box.Top, d.Box.Left, d.Box.Bottom, d.Box.Right,
				d.Rect.X, d.Rect.Y, d.Rect.Width, d.Rect.Height)
		}
	}

	if overlayPath != "" {
		if err := overlay.Save(overlay.Draw(img, dets, classes), overlayPath); err != nil {
			return err
		}
		logger.Infof("Overlay written to %s", overlayPath)
	}
	return nil
}

// defaultWorkerCount is 80% of the cores, capped at MaxWorkers.
func defaultWorkerCount() int {
	workerCount := int(math.Round(float64(runtime.NumCPU()) * 0.8))
	if workerCount < 1 {
		workerCount = 1
	}
	if workerCount > MaxWorkers {
		workerCount = MaxWorkers
	}
	return workerCount
}

func runServe(cfg *config.ModelConfig, addr string, workers int, timeout time.Duration) error {
	if workers <= 0 {
		workers = defaultWorkerCount()
	}
	app, err := service.NewApp(tfengine.New(), cfg, loadClasses(cfg), workers, timeout, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Handler:      app.Router(),
		Addr:         addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on %s (TensorFlow %s)", addr, tfengine.Version())
		errc <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case sig := <-stop:
		logger.Infof("Received %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func main() {
	parser := argparse.NewParser("tf_object_detector", "Run a TensorFlow object detection model")
	modelPath := parser.String("m", "model", &argparse.Options{Help: "Frozen graph (.pb) or SavedModel directory"})
	configFile := parser.String("c", "config", &argparse.Options{Help: "Model config JSON file"})
	labelsFile := parser.String("l", "labels", &argparse.Options{Help: "Class label file, one name per line"})
	maxDetections := parser.Int("n", "max", &argparse.Options{Help: "Maximum detections per image (0 reads it from the model)", Default: 0})
	threshold := parser.Float("t", "threshold", &argparse.Options{Help: "Drop detections below this confidence (0 keeps all)", Default: 0.0})
	logFile := parser.String("", "logfile", &argparse.Options{Help: "Also write logs to this file"})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Debug logging"})

	detectCmd := parser.NewCommand("detect", "Detect objects in one image")
	imagePath := detectCmd.String("i", "image", &argparse.Options{Help: "Input image (JPEG or PNG)", Required: true})
	overlayPath := detectCmd.String("o", "overlay", &argparse.Options{Help: "Write the image with boxes drawn to this file (.png or .jpg)"})
	asJSON := detectCmd.Flag("j", "json", &argparse.Options{Help: "Print detections as JSON"})

	serveCmd := parser.NewCommand("serve", "Serve detections over HTTP")
	addr := serveCmd.String("a", "addr", &argparse.Options{Help: "Listen address", Default: ":8000"})
	workers := serveCmd.Int("w", "workers", &argparse.Options{Help: "Worker sessions (0 picks from the CPU count)", Default: 0})
	timeout := serveCmd.Int("", "timeout", &argparse.Options{Help: "Per-image inference timeout in seconds (0 waits forever)", Default: 30})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger = initLogger(*logFile, *verbose)

	cfg, err := config.Resolve(*configFile, *modelPath, *labelsFile, *maxDetections)
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	switch {
	case detectCmd.Happened():
		err = runDetect(cfg, *imagePath, *overlayPath, float32(*threshold), *asJSON)
	case serveCmd.Happened():
		err = runServe(cfg, *addr, *workers, time.Duration(*timeout)*time.Second)
	}
	if err != nil {
		logger.Fatalf("%v", err)
	}
}
