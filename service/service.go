// Package service serves detections over HTTP. Each worker owns an
// independent session, so images from one request run in parallel.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"tf_object_detector/config"
	"tf_object_detector/imageio"
	"tf_object_detector/inference"
)

// DetectionJSON is one detection as returned to HTTP and --json clients.
type DetectionJSON struct {
	ClassID    int            `json:"class_id"`
	Label      string         `json:"label,omitempty"`
	Confidence float32        `json:"confidence"`
	Box        inference.Box  `json:"box"`
	Rect       inference.Rect `json:"rect"`
}

// ToJSON attaches class labels to detections.
func ToJSON(dets []inference.Detection, classes []string) []DetectionJSON {
	out := make([]DetectionJSON, len(dets))
	for i, d := range dets {
		out[i] = DetectionJSON{
			ClassID:    d.ClassID,
			Label:      config.Label(classes, d.ClassID),
			Confidence: d.Confidence,
			Box:        d.Box,
			Rect:       d.Rect,
		}
	}
	return out
}

// ErrClosed is returned for images submitted after Close.
var ErrClosed = errors.New("service is shutting down")

// InferenceJob represents one image to process.
type InferenceJob struct {
	ctx        context.Context
	key        string
	img        image.Image
	resultChan chan InferenceResult
}

// InferenceResult is the result of processing one image.
type InferenceResult struct {
	key        string
	detections []inference.Detection
	err        error
}

// Metrics are the service counters reported by /metrics.
type Metrics struct {
	Requests   atomic.Int64
	Images     atomic.Int64
	Failures   atomic.Int64
	InFlight   atomic.Int64
	InferNanos atomic.Int64
}

// App owns one detector session per worker and a shared job queue.
type App struct {
	cfg       *config.ModelConfig
	classes   []string
	timeout   time.Duration
	log       logrus.FieldLogger
	jobQueue  chan InferenceJob
	queueMu   sync.RWMutex // guards closed and sends on jobQueue
	closed    bool
	workersWg sync.WaitGroup
	detectors []*inference.Detector
	metrics   Metrics
	closeOnce sync.Once
}

// NewApp loads workerCount independent sessions, warms each one up and
// starts a dedicated worker goroutine per session.
func NewApp(engine inference.Engine, cfg *config.ModelConfig, classes []string, workerCount int, timeout time.Duration, log logrus.FieldLogger) (*App, error) {
	app := &App{
		cfg:      cfg,
		classes:  classes,
		timeout:  timeout,
		log:      log,
		jobQueue: make(chan InferenceJob, 100),
	}
	for i := 0; i < workerCount; i++ {
		detector, err := OpenDetector(engine, cfg, log.WithField("worker", i))
		if err != nil {
			app.closeDetectors()
			return nil, fmt.Errorf("create model session %d: %w", i, err)
		}
		if err := app.warmUp(detector); err != nil {
			log.Errorf("Warmup error for session %d: %v", i, err)
		}
		app.detectors = append(app.detectors, detector)
	}
	for i, detector := range app.detectors {
		app.workersWg.Add(1)
		go app.inferenceWorker(i, detector)
	}
	log.Infof("Started %d inference workers", workerCount)
	return app, nil
}

// warmUp runs a dummy inference so the first request does not pay for
// kernel setup.
func (a *App) warmUp(detector *inference.Detector) error {
	w, h := a.cfg.InputWidth, a.cfg.InputHeight
	if w == 0 || h == 0 {
		w, h = 300, 300
	}
	channels := a.cfg.Channels
	if channels == 0 {
		channels = inference.DefaultChannels
	}
	_, err := detector.Detect(inference.Image{Pixels: make([]byte, w*h*channels), Width: w, Height: h, Channels: channels}, w, h)
	return err
}

// inferenceWorker is a dedicated worker that processes incoming jobs on its
// own session. It locks its OS thread to reserve a core for inference.
func (a *App) inferenceWorker(workerID int, detector *inference.Detector) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer a.workersWg.Done()

	a.log.Debugf("Worker %d started", workerID)
	for job := range a.jobQueue {
		detections, err := a.detect(job, detector)
		job.resultChan <- InferenceResult{key: job.key, detections: detections, err: err}
	}
	a.log.Debugf("Worker %d exiting", workerID)
}

func (a *App) detect(job InferenceJob, detector *inference.Detector) ([]inference.Detection, error) {
	input, err := imageio.ToInput(job.img, a.cfg.InputWidth, a.cfg.InputHeight, a.cfg.Channels)
	if err != nil {
		return nil, err
	}
	ctx := job.ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	a.metrics.InFlight.Add(1)
	defer a.metrics.InFlight.Add(-1)
	start := time.Now()
	dets, err := detector.DetectContext(ctx, input, job.img.Bounds().Dx(), job.img.Bounds().Dy())
	a.metrics.InferNanos.Add(int64(time.Since(start)))
	return dets, err
}

// Router returns the HTTP routes of the service.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/detect", a.handleDetection).Methods(http.MethodPost)
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", a.handleMetrics).Methods(http.MethodGet)
	return r
}

// handleDetection receives multipart form images under keys starting with
// "camera_" and returns the detections for each key. An optional
// "threshold" query parameter drops low-confidence detections.
func (a *App) handleDetection(w http.ResponseWriter, r *http.Request) {
	a.metrics.Requests.Add(1)

	var threshold float64
	if q := r.URL.Query().Get("threshold"); q != "" {
		var err error
		if threshold, err = strconv.ParseFloat(q, 32); err != nil {
			http.Error(w, "Invalid threshold", http.StatusBadRequest)
			return
		}
	}

	// Parse multipart form with a 32MB limit.
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	var wg sync.WaitGroup
	resultsMutex := sync.Mutex{}
	results := make(map[string][]DetectionJSON)
	failures := make(map[string]string)

	for key, fileHeaders := range r.MultipartForm.File {
		if !strings.HasPrefix(key, "camera_") || len(fileHeaders) == 0 {
			continue
		}
		wg.Add(1)
		go func(key string, fh *multipart.FileHeader) {
			defer wg.Done()
			dets, err := a.submit(r.Context(), key, fh)
			resultsMutex.Lock()
			defer resultsMutex.Unlock()
			if err != nil {
				a.metrics.Failures.Add(1)
				a.log.Errorf("Error processing %s: %v", key, err)
				failures[key] = err.Error()
				return
			}
			results[key] = ToJSON(FilterByScore(dets, float32(threshold)), a.classes)
		}(key, fileHeaders[0])
	}
	wg.Wait()

	w.Header().Set("Content-Type", "application/json")
	if len(results) == 0 && len(failures) > 0 {
		w.WriteHeader(http.StatusInternalServerError)
	}
	response := map[string]interface{}{"detections": results}
	if len(failures) > 0 {
		response["errors"] = failures
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// submit decodes one uploaded image, queues it and waits for its result.
func (a *App) submit(ctx context.Context, key string, fh *multipart.FileHeader) ([]inference.Detection, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, err
	}
	img, err := imageio.Decode(file)
	file.Close()
	if err != nil {
		return nil, err
	}
	a.metrics.Images.Add(1)

	job := InferenceJob{
		ctx:        ctx,
		key:        key,
		img:        img,
		resultChan: make(chan InferenceResult, 1),
	}
	if err := a.enqueue(job); err != nil {
		return nil, err
	}
	res := <-job.resultChan
	return res.detections, res.err
}

func (a *App) enqueue(job InferenceJob) error {
	a.queueMu.RLock()
	defer a.queueMu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.jobQueue <- job:
		return nil
	case <-job.ctx.Done():
		return job.ctx.Err()
	}
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	for _, d := range a.detectors {
		if d.Session().State() == inference.StateClosed {
			http.Error(w, "session closed", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("ok\n"))
}

func (a *App) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	liveIn, liveOut := inference.LiveTensors()
	response := map[string]interface{}{
		"workers":           len(a.detectors),
		"requests":          a.metrics.Requests.Load(),
		"images":            a.metrics.Images.Load(),
		"failures":          a.metrics.Failures.Load(),
		"in_flight":         a.metrics.InFlight.Load(),
		"inference_seconds": time.Duration(a.metrics.InferNanos.Load()).Seconds(),
		"live_inputs":       liveIn,
		"live_outputs":      liveOut,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Close stops the workers and closes every session. Jobs already queued
// are still processed; later submissions fail with ErrClosed.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.queueMu.Lock()
		a.closed = true
		close(a.jobQueue)
		a.queueMu.Unlock()
		a.workersWg.Wait()
		a.closeDetectors()
	})
}

func (a *App) closeDetectors() {
	for _, d := range a.detectors {
		d.Session().Close()
	}
}

// FilterByScore keeps detections with a confidence of at least threshold.
func FilterByScore(dets []inference.Detection, threshold float32) []inference.Detection {
	if threshold <= 0 {
		return dets
	}
	kept := make([]inference.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= threshold {
			kept = append(kept, d)
		}
	}
	return kept
}

// OpenDetector loads the model and binds its signature. The session is
// closed again if binding fails.
func OpenDetector(engine inference.Engine, cfg *config.ModelConfig, log logrus.FieldLogger) (*inference.Detector, error) {
	session, err := inference.Load(engine, cfg.Path, inference.WithTags(cfg.Tags...), inference.WithLogger(log))
	if err != nil {
		return nil, err
	}
	detector, err := session.Bind(cfg.Signature, cfg.MaxDetections)
	if err != nil {
		session.Close()
		return nil, err
	}
	return detector, nil
}
