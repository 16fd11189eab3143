// Package tfengine implements inference.Engine on top of the TensorFlow C
// library through github.com/wamuir/graft.
package tfengine

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	tf "github.com/wamuir/graft/tensorflow"

	"tf_object_detector/inference"
)

// Engine is the TensorFlow backend. The zero value is ready to use.
type Engine struct {
	// Options are passed to every new session. Nil means engine defaults.
	Options *tf.SessionOptions
}

var _ inference.Engine = (*Engine)(nil)

// New returns an Engine with default session options.
func New() *Engine {
	return &Engine{}
}

// Version returns the version of the linked TensorFlow library.
func Version() string {
	return tf.Version()
}

func (e *Engine) ImportGraph(def []byte) (inference.Graph, error) {
	g := tf.NewGraph()
	if err := g.Import(def, ""); err != nil {
		return nil, err
	}
	return &graph{g: g}, nil
}

func (e *Engine) NewRunner(g inference.Graph) (inference.Runner, error) {
	tg, ok := g.(*graph)
	if !ok {
		return nil, fmt.Errorf("graph of type %T was not created by tfengine", g)
	}
	s, err := tf.NewSession(tg.g, e.Options)
	if err != nil {
		return nil, err
	}
	return &runner{graph: tg, session: s}, nil
}

func (e *Engine) LoadSavedModel(dir string, tags []string) (inference.Graph, inference.Runner, error) {
	m, err := tf.LoadSavedModel(dir, tags, e.Options)
	if err != nil {
		return nil, nil, err
	}
	g := &graph{g: m.Graph}
	return g, &runner{graph: g, session: m.Session}, nil
}

type graph struct {
	g *tf.Graph
}

func (g *graph) output(p inference.Port) (tf.Output, bool) {
	op := g.g.Operation(p.Op)
	if op == nil || p.Index < 0 || p.Index >= op.NumOutputs() {
		return tf.Output{}, false
	}
	return op.Output(p.Index), true
}

func (g *graph) HasPort(p inference.Port) bool {
	_, ok := g.output(p)
	return ok
}

func (g *graph) PortShape(p inference.Port) []int64 {
	out, ok := g.output(p)
	if !ok {
		return nil
	}
	shape := out.Shape()
	n := shape.NumDimensions()
	if n < 0 {
		return nil
	}
	dims := make([]int64, n)
	for i := range dims {
		dims[i] = shape.Size(i)
	}
	return dims
}

type runner struct {
	graph   *graph
	session *tf.Session
}

func (r *runner) Run(feeds []inference.Feed, fetches []inference.Port) ([]inference.NativeTensor, error) {
	feedMap := make(map[tf.Output]*tf.Tensor, len(feeds))
	for _, f := range feeds {
		out, ok := r.graph.output(f.Port)
		if !ok {
			return nil, fmt.Errorf("no such input %s", f.Port)
		}
		// ReadTensor copies into TensorFlow-owned memory, so f.Data is not
		// referenced once this returns.
		t, err := tf.ReadTensor(tf.Uint8, f.Shape, bytes.NewReader(f.Data))
		if err != nil {
			return nil, errors.Wrapf(err, "marshal input %s", f.Port)
		}
		feedMap[out] = t
	}

	fetchOutputs := make([]tf.Output, len(fetches))
	for i, p := range fetches {
		out, ok := r.graph.output(p)
		if !ok {
			return nil, fmt.Errorf("no such output %s", p)
		}
		fetchOutputs[i] = out
	}

	results, err := r.session.Run(feedMap, fetchOutputs, nil)
	if err != nil {
		return nil, err
	}
	natives := make([]inference.NativeTensor, len(results))
	for i, t := range results {
		natives[i] = &tensor{t: t}
	}
	return natives, nil
}

func (r *runner) Close() error {
	return r.session.Close()
}

// tensor wraps a TensorFlow-allocated result. graft frees the underlying
// TF_Tensor from a finalizer, so Release drops the only reference to it.
type tensor struct {
	t *tf.Tensor
}

func (t *tensor) Shape() []int64 {
	return t.t.Shape()
}

func (t *tensor) Float32s() ([]float32, error) {
	if t.t.DataType() != tf.Float {
		return nil, fmt.Errorf("tensor has data type %v, want float", t.t.DataType())
	}
	return flatten(t.t.Value())
}

func (t *tensor) Release() {
	t.t = nil
}

func flatten(v interface{}) ([]float32, error) {
	switch x := v.(type) {
	case float32:
		return []float32{x}, nil
	case []float32:
		return append([]float32(nil), x...), nil
	case [][]float32:
		var out []float32
		for _, row := range x {
			out = append(out, row...)
		}
		return out, nil
	case [][][]float32:
		var out []float32
		for _, plane := range x {
			for _, row := range plane {
				out = append(out, row...)
			}
		}
		return out, nil
	case [][][][]float32:
		var out []float32
		for _, cube := range x {
			for _, plane := range cube {
				for _, row := range plane {
					out = append(out, row...)
				}
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported tensor value %T", v)
}
