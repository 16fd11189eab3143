// Package config loads the per-model settings: where the artifact lives and
// which graph ports play which detection role.
package config

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"tf_object_detector/inference"
)

// ModelConfig is saved as JSON next to the model artifact.
type ModelConfig struct {
	Path          string              `json:"path"`                     // frozen .pb file or SavedModel directory
	Tags          []string            `json:"tags,omitempty"`           // SavedModel tags, default ["serve"]
	Signature     inference.Signature `json:"signature"`                // role -> port table
	MaxDetections int                 `json:"max_detections,omitempty"` // 0 takes the count from the model
	Channels      int                 `json:"channels,omitempty"`       // default 3
	InputWidth    int                 `json:"input_width,omitempty"`    // resize to this before running, 0 keeps the image size
	InputHeight   int                 `json:"input_height,omitempty"`
	Labels        string              `json:"labels,omitempty"` // class name file, one per line
}

// Default returns the configuration of a TensorFlow Object Detection API
// export, which names its ports image_tensor, detection_classes,
// detection_scores, detection_boxes and num_detections.
func Default() *ModelConfig {
	count := inference.Port{Op: "num_detections"}
	return &ModelConfig{
		Tags: []string{inference.ServeTag},
		Signature: inference.Signature{
			Input:   inference.Port{Op: "image_tensor"},
			Classes: inference.Port{Op: "detection_classes"},
			Scores:  inference.Port{Op: "detection_scores"},
			Boxes:   inference.Port{Op: "detection_boxes"},
			Count:   &count,
		},
		Channels: inference.DefaultChannels,
	}
}

// LoadModelConfig reads a JSON config. Fields missing from the file keep
// their Default values, except that a signature in the file replaces the
// default one wholesale.
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "read model config")
	}
	cfg := Default()
	var raw struct {
		Signature *json.RawMessage `json:"signature"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrapf(err, "parse model config %s", filename)
	}
	if raw.Signature != nil {
		cfg.Signature = inference.Signature{}
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse model config %s", filename)
	}
	return cfg, cfg.Validate()
}

// Resolve builds a config from an optional JSON file plus command line
// overrides. Relative paths inside the file are taken relative to the file.
func Resolve(configFile, modelPath, labelsFile string, maxDetections int) (*ModelConfig, error) {
	cfg := Default()
	if configFile != "" {
		var err error
		if cfg, err = LoadModelConfig(configFile); err != nil {
			return nil, err
		}
		dir := filepath.Dir(configFile)
		if cfg.Path != "" && !filepath.IsAbs(cfg.Path) {
			cfg.Path = filepath.Join(dir, cfg.Path)
		}
		if cfg.Labels != "" && !filepath.IsAbs(cfg.Labels) {
			cfg.Labels = filepath.Join(dir, cfg.Labels)
		}
	}
	if modelPath != "" {
		cfg.Path = modelPath
	}
	if labelsFile != "" {
		cfg.Labels = labelsFile
	}
	if maxDetections > 0 {
		cfg.MaxDetections = maxDetections
	}
	if cfg.Path == "" {
		return nil, errors.New("no model path given (use --model or set \"path\" in the config file)")
	}
	return cfg, cfg.Validate()
}

// Validate checks that the config is complete enough to load and bind.
func (c *ModelConfig) Validate() error {
	sig := c.Signature
	for role, p := range map[string]inference.Port{
		"input":   sig.Input,
		"classes": sig.Classes,
		"scores":  sig.Scores,
		"boxes":   sig.Boxes,
	} {
		if p.Op == "" {
			return errors.Errorf("signature: %s port has no operation name", role)
		}
		if p.Index < 0 {
			return errors.Errorf("signature: %s port has negative index %d", role, p.Index)
		}
	}
	if sig.Count != nil && sig.Count.Op == "" {
		return errors.New("signature: count port has no operation name")
	}
	if c.Channels < 0 || c.MaxDetections < 0 {
		return errors.New("channels and max_detections must not be negative")
	}
	if (c.InputWidth == 0) != (c.InputHeight == 0) {
		return errors.New("input_width and input_height must be set together")
	}
	return nil
}

// LoadClassFile reads a text file with one class name per line. The first
// non-blank line names class id 0.
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "open class file")
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, errors.Wrap(scanner.Err(), "read class file")
}

// Label returns the name of class id, or "" if there is none.
func Label(classes []string, id int) string {
	if id < 0 || id >= len(classes) {
		return ""
	}
	return classes[id]
}
