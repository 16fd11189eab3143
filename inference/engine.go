package inference

import "fmt"

// Port names one endpoint of a graph operation, e.g. "detection_boxes:0".
type Port struct {
	Op    string `json:"op"`
	Index int    `json:"index"`
}

func (p Port) String() string {
	return fmt.Sprintf("%s:%d", p.Op, p.Index)
}

// Feed is what the engine receives for one input binding. Data is owned by
// the InputTensor it came from and must not be retained after Run returns.
type Feed struct {
	Port  Port
	Shape []int64
	Data  []byte
}

// Engine is the native inference library underneath a Session.
type Engine interface {
	// ImportGraph parses a serialized GraphDef with default import options.
	ImportGraph(def []byte) (Graph, error)
	// NewRunner creates an execution session bound to g.
	NewRunner(g Graph) (Runner, error)
	// LoadSavedModel loads a SavedModel bundle and its bound runner.
	LoadSavedModel(dir string, tags []string) (Graph, Runner, error)
}

// Graph is a parsed computation graph.
type Graph interface {
	// HasPort reports whether the graph has an operation named p.Op with an
	// endpoint at p.Index.
	HasPort(p Port) bool
	// PortShape returns the declared shape of an output endpoint. Unknown
	// dimensions are -1; an unknown rank yields nil.
	PortShape(p Port) []int64
}

// Runner executes forward passes. Implementations need not be safe for
// concurrent use; Session serializes calls.
type Runner interface {
	// Run executes one forward pass. On success it returns exactly one
	// tensor per fetch, in fetch order.
	Run(feeds []Feed, fetches []Port) ([]NativeTensor, error)
	Close() error
}

// NativeTensor is an engine-allocated output buffer.
type NativeTensor interface {
	Shape() []int64
	// Float32s copies the tensor contents out as a flat row-major slice.
	Float32s() ([]float32, error)
	// Release frees the engine memory. Called exactly once.
	Release()
}
