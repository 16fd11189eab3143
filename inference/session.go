package inference

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateLoaded State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Input binds an input tensor to a graph port.
type Input struct {
	Port   Port
	Tensor *InputTensor
}

// Session is an execution context bound to one graph. Runs on a Session are
// serialized; use separate Sessions to run in parallel.
type Session struct {
	mu     sync.Mutex // held for the duration of a run
	state  atomic.Int32
	graph  Graph
	runner Runner
	kind   string
	log    logrus.FieldLogger
	closed sync.Once
}

func newSession(graph Graph, runner Runner, kind string, log logrus.FieldLogger) *Session {
	return &Session{
		graph:  graph,
		runner: runner,
		kind:   kind,
		log:    log,
	}
}

// Graph returns the graph the session is bound to.
func (s *Session) Graph() Graph {
	return s.graph
}

// Kind returns KindFrozenGraph or KindSavedModel.
func (s *Session) Kind() string {
	return s.kind
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Resolve checks every port against the graph and returns an
// UnresolvedOperationError for the first one that is missing.
func (s *Session) Resolve(ports ...Port) error {
	for _, p := range ports {
		if !s.graph.HasPort(p) {
			return &UnresolvedOperationError{Port: p}
		}
	}
	return nil
}

// Run executes one forward pass. All ports are resolved before anything is
// dispatched. Inputs are consumed by the call whatever its outcome. On
// success the outputs are returned in the order requested and the caller
// must release them.
func (s *Session) Run(inputs []Input, outputs []Port) ([]*RawOutputTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Inputs are released before the lock is dropped.
	defer func() {
		for _, in := range inputs {
			if in.Tensor != nil {
				in.Tensor.release()
			}
		}
	}()

	if s.State() == StateClosed {
		return nil, &ClosedSessionError{}
	}

	feeds := make([]Feed, len(inputs))
	for i, in := range inputs {
		if err := s.Resolve(in.Port); err != nil {
			return nil, err
		}
		if in.Tensor == nil {
			return nil, fmt.Errorf("input %s: nil tensor", in.Port)
		}
		if in.Tensor.Consumed() {
			return nil, fmt.Errorf("input %s: %w", in.Port, ErrInputConsumed)
		}
		feeds[i] = Feed{Port: in.Port, Shape: in.Tensor.shape, Data: in.Tensor.data}
	}
	if err := s.Resolve(outputs...); err != nil {
		return nil, err
	}

	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateLoaded))

	start := time.Now()
	natives, err := s.runner.Run(feeds, outputs)
	if err != nil {
		releaseNatives(natives)
		s.log.WithError(err).Warn("Run failed")
		return nil, &RunError{Message: "engine reported failure", Cause: err}
	}
	if len(natives) != len(outputs) {
		releaseNatives(natives)
		return nil, &RunError{Message: fmt.Sprintf("engine returned %d tensors for %d fetches", len(natives), len(outputs))}
	}
	for i, n := range natives {
		if n == nil {
			releaseNatives(natives)
			return nil, &RunError{Message: fmt.Sprintf("engine returned no tensor for %s", outputs[i])}
		}
	}

	result := make([]*RawOutputTensor, len(natives))
	for i, n := range natives {
		result[i] = newRawOutput(outputs[i], n)
	}
	s.log.WithField("elapsed", time.Since(start)).Debug("Run complete")
	return result, nil
}

// RunContext is Run with a deadline. The engine cannot be interrupted: if ctx
// ends first, RunContext returns ctx.Err() while the pass finishes in the
// background, and whatever it produces is released there.
func (s *Session) RunContext(ctx context.Context, inputs []Input, outputs []Port) ([]*RawOutputTensor, error) {
	if err := ctx.Err(); err != nil {
		for _, in := range inputs {
			if in.Tensor != nil {
				in.Tensor.release()
			}
		}
		return nil, err
	}

	type result struct {
		outputs []*RawOutputTensor
		err     error
	}
	done := make(chan result)
	abandoned := make(chan struct{})

	go func() {
		out, err := s.Run(inputs, outputs)
		select {
		case done <- result{out, err}:
		case <-abandoned:
			ReleaseOutputs(out)
		}
	}()

	select {
	case r := <-done:
		return r.outputs, r.err
	case <-ctx.Done():
		close(abandoned)
		return nil, ctx.Err()
	}
}

// Close tears down the engine session. Only the first call does anything; a
// run in flight finishes before the session closes.
func (s *Session) Close() error {
	var err error
	s.closed.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.state.Store(int32(StateClosed))
		err = s.runner.Close()
		if err != nil {
			s.log.WithError(err).Warn("Session close reported an error")
		} else {
			s.log.Info("Session closed")
		}
	})
	return err
}

func releaseNatives(ts []NativeTensor) {
	for _, t := range ts {
		if t != nil {
			t.Release()
		}
	}
}
