// Package inferencetest provides an in-memory inference.Engine that counts
// dispatches, allocations and contract violations.
package inferencetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"tf_object_detector/inference"
)

// ErrCorruptGraph is returned by ImportGraph for graph bytes that do not
// start with GraphMagic.
var ErrCorruptGraph = errors.New("corrupt graph definition")

// GraphMagic prefixes every serialized graph the fake engine accepts.
const GraphMagic = "FAKEGRAPH"

// Output is the canned result for one port.
type Output struct {
	Shape []int64
	Data  []float32
}

// Engine is a fake inference engine. Ops lists the operation names every
// graph contains with their number of endpoints; Outputs holds the data
// returned for each fetched port.
type Engine struct {
	Ops     map[string]int
	Shapes  map[inference.Port][]int64
	Outputs map[inference.Port]Output

	// RunErr, when set, fails every run. PartialOnError additionally
	// returns one allocated tensor alongside the error.
	RunErr         error
	PartialOnError bool
	// NewRunnerErr fails session creation.
	NewRunnerErr error
	// OnRun is called inside every dispatch, before outputs are built.
	OnRun func(feeds []inference.Feed)

	dispatches      atomic.Int64
	allocated       atomic.Int64
	live            atomic.Int64
	useAfterRelease atomic.Int64
	doubleRelease   atomic.Int64
	closes          atomic.Int64

	mu        sync.Mutex
	lastFeeds []inference.Feed
}

var _ inference.Engine = (*Engine)(nil)

// Dispatches returns how many runs reached the engine.
func (e *Engine) Dispatches() int64 { return e.dispatches.Load() }

// Allocated returns how many output tensors were ever allocated.
func (e *Engine) Allocated() int64 { return e.allocated.Load() }

// Live returns how many output tensors are allocated and not yet released.
func (e *Engine) Live() int64 { return e.live.Load() }

// UseAfterRelease returns how many reads hit a released tensor.
func (e *Engine) UseAfterRelease() int64 { return e.useAfterRelease.Load() }

// DoubleReleases returns how many tensors were released more than once.
func (e *Engine) DoubleReleases() int64 { return e.doubleRelease.Load() }

// Closes returns how many runners were closed.
func (e *Engine) Closes() int64 { return e.closes.Load() }

// LastFeeds returns copies of the feeds seen by the most recent dispatch.
func (e *Engine) LastFeeds() []inference.Feed {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFeeds
}

func (e *Engine) ImportGraph(def []byte) (inference.Graph, error) {
	if len(def) < len(GraphMagic) || string(def[:len(GraphMagic)]) != GraphMagic {
		return nil, ErrCorruptGraph
	}
	return &graph{e: e}, nil
}

func (e *Engine) NewRunner(g inference.Graph) (inference.Runner, error) {
	if e.NewRunnerErr != nil {
		return nil, e.NewRunnerErr
	}
	return &runner{e: e}, nil
}

func (e *Engine) LoadSavedModel(dir string, tags []string) (inference.Graph, inference.Runner, error) {
	found := false
	for _, t := range tags {
		if t == inference.ServeTag {
			found = true
		}
	}
	if !found {
		return nil, nil, fmt.Errorf("no meta graph with tags %v", tags)
	}
	if e.NewRunnerErr != nil {
		return nil, nil, e.NewRunnerErr
	}
	return &graph{e: e}, &runner{e: e}, nil
}

type graph struct {
	e *Engine
}

func (g *graph) HasPort(p inference.Port) bool {
	n, ok := g.e.Ops[p.Op]
	return ok && p.Index >= 0 && p.Index < n
}

func (g *graph) PortShape(p inference.Port) []int64 {
	return g.e.Shapes[p]
}

type runner struct {
	e *Engine
}

func (r *runner) Run(feeds []inference.Feed, fetches []inference.Port) ([]inference.NativeTensor, error) {
	e := r.e
	e.dispatches.Add(1)

	copied := make([]inference.Feed, len(feeds))
	for i, f := range feeds {
		copied[i] = inference.Feed{
			Port:  f.Port,
			Shape: append([]int64(nil), f.Shape...),
			Data:  append([]byte(nil), f.Data...),
		}
	}
	e.mu.Lock()
	e.lastFeeds = copied
	e.mu.Unlock()

	if e.OnRun != nil {
		e.OnRun(feeds)
	}
	if e.RunErr != nil {
		if e.PartialOnError {
			return []inference.NativeTensor{e.alloc(Output{Shape: []int64{1}, Data: []float32{0}})}, e.RunErr
		}
		return nil, e.RunErr
	}

	out := make([]inference.NativeTensor, len(fetches))
	for i, p := range fetches {
		o, ok := e.Outputs[p]
		if !ok {
			for _, t := range out[:i] {
				t.Release()
			}
			return nil, fmt.Errorf("no canned output for %s", p)
		}
		out[i] = e.alloc(o)
	}
	return out, nil
}

func (r *runner) Close() error {
	r.e.closes.Add(1)
	return nil
}

func (e *Engine) alloc(o Output) *Tensor {
	e.allocated.Add(1)
	e.live.Add(1)
	return &Tensor{
		e:     e,
		shape: append([]int64(nil), o.Shape...),
		data:  append([]float32(nil), o.Data...),
	}
}

// Tensor is a fake engine-owned tensor.
type Tensor struct {
	e        *Engine
	shape    []int64
	data     []float32
	released atomic.Bool
}

func (t *Tensor) Shape() []int64 {
	if t.released.Load() {
		t.e.useAfterRelease.Add(1)
		return nil
	}
	return t.shape
}

func (t *Tensor) Float32s() ([]float32, error) {
	if t.released.Load() {
		t.e.useAfterRelease.Add(1)
		return nil, inference.ErrTensorReleased
	}
	return append([]float32(nil), t.data...), nil
}

func (t *Tensor) Release() {
	if !t.released.CompareAndSwap(false, true) {
		t.e.doubleRelease.Add(1)
		return
	}
	t.data = nil
	t.e.live.Add(-1)
}
