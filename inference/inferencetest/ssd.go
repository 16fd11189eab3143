package inferencetest

import (
	"os"
	"path/filepath"
	"testing"

	"tf_object_detector/inference"
)

// Port names of a TensorFlow Object Detection API export.
var (
	ImageTensor      = inference.Port{Op: "image_tensor"}
	DetectionClasses = inference.Port{Op: "detection_classes"}
	DetectionScores  = inference.Port{Op: "detection_scores"}
	DetectionBoxes   = inference.Port{Op: "detection_boxes"}
	NumDetections    = inference.Port{Op: "num_detections"}
)

// SSDSignature binds the Object Detection API port names, without count.
func SSDSignature() inference.Signature {
	return inference.Signature{
		Input:   ImageTensor,
		Classes: DetectionClasses,
		Scores:  DetectionScores,
		Boxes:   DetectionBoxes,
	}
}

// NewSSD returns an engine whose graphs look like an SSD export producing
// the given raw outputs. boxes holds four values per detection.
func NewSSD(classes, scores, boxes []float32) *Engine {
	n := int64(len(scores))
	return &Engine{
		Ops: map[string]int{
			ImageTensor.Op:      1,
			DetectionClasses.Op: 1,
			DetectionScores.Op:  1,
			DetectionBoxes.Op:   1,
			NumDetections.Op:    1,
		},
		Shapes: map[inference.Port][]int64{
			DetectionBoxes: {-1, -1, 4},
		},
		Outputs: map[inference.Port]Output{
			DetectionClasses: {Shape: []int64{1, n}, Data: classes},
			DetectionScores:  {Shape: []int64{1, n}, Data: scores},
			DetectionBoxes:   {Shape: []int64{1, n, 4}, Data: boxes},
			NumDetections:    {Shape: []int64{1}, Data: []float32{float32(n)}},
		},
	}
}

// WriteGraph writes a graph file the fake engine accepts and returns its path.
func WriteGraph(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "frozen_inference_graph.pb")
	if err := os.WriteFile(path, []byte(GraphMagic+"\x00graph"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
