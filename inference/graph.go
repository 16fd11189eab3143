package inference

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// ServeTag is the SavedModel export tag used for inference.
const ServeTag = "serve"

// Artifact kinds accepted by Load.
const (
	KindFrozenGraph = "frozen_graph"
	KindSavedModel  = "saved_model"
)

type loadOptions struct {
	tags []string
	log  logrus.FieldLogger
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithTags overrides the SavedModel tags. The default is ["serve"].
func WithTags(tags ...string) LoadOption {
	return func(o *loadOptions) {
		if len(tags) > 0 {
			o.tags = tags
		}
	}
}

// WithLogger sets the logger used by the session.
func WithLogger(log logrus.FieldLogger) LoadOption {
	return func(o *loadOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// Load parses the artifact at path and binds a new session to it. A
// directory is loaded as a SavedModel bundle, a regular file as a frozen
// GraphDef. Nothing is retried: a failed load returns no graph and no session.
func Load(engine Engine, path string, opts ...LoadOption) (*Session, error) {
	o := loadOptions{
		tags: []string{ServeTag},
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.WithField("path", path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Path: path, Message: "cannot stat artifact", Cause: err}
	}

	start := time.Now()
	var (
		graph  Graph
		runner Runner
		kind   string
	)
	if info.IsDir() {
		kind = KindSavedModel
		graph, runner, err = engine.LoadSavedModel(path, o.tags)
		if err != nil {
			return nil, &LoadError{Path: path, Message: "cannot load saved model", Cause: err}
		}
	} else {
		kind = KindFrozenGraph
		graph, err = importGraph(engine, path)
		if err != nil {
			return nil, err
		}
		runner, err = engine.NewRunner(graph)
		if err != nil {
			return nil, &EngineError{Message: "cannot create session", Cause: err}
		}
	}

	log.WithFields(logrus.Fields{
		"kind":    kind,
		"elapsed": time.Since(start),
	}).Info("Model loaded")
	return newSession(graph, runner, kind, log), nil
}

func importGraph(engine Engine, path string) (Graph, error) {
	def, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Message: "cannot read graph", Cause: err}
	}
	if len(def) == 0 {
		return nil, &LoadError{Path: path, Message: "graph file is empty"}
	}
	graph, err := engine.ImportGraph(def)
	if err != nil {
		return nil, &LoadError{Path: path, Message: "cannot import graph", Cause: err}
	}
	return graph, nil
}
