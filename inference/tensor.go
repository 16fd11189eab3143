package inference

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultChannels is the channel count of an 8-bit RGB input.
const DefaultChannels = 3

// Debug counters. Tests use them to prove that every tensor handed out was
// released exactly once.
var (
	liveInputs      atomic.Int64
	liveOutputs     atomic.Int64
	useAfterRelease atomic.Int64
	doubleRelease   atomic.Int64
)

// LiveTensors returns the number of input and output tensors currently alive.
func LiveTensors() (inputs, outputs int64) {
	return liveInputs.Load(), liveOutputs.Load()
}

// Violations returns how many reads-after-release and double releases have
// been observed.
func Violations() (useAfter, double int64) {
	return useAfterRelease.Load(), doubleRelease.Load()
}

// InputTensor is a [1, height, width, channels] uint8 tensor in NHWC layout.
// It always holds its own copy of the pixels.
type InputTensor struct {
	shape    []int64
	data     []byte
	once     sync.Once
	consumed atomic.Bool
	dealloc  func()
}

// WrapInput copies pixels into a new input tensor. pixels must be row-major
// with exactly width*height*channels bytes.
func WrapInput(pixels []byte, width, height, channels int) (*InputTensor, error) {
	if width <= 0 || height <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid input dimensions %dx%dx%d", width, height, channels)
	}
	if want := width * height * channels; len(pixels) != want {
		return nil, fmt.Errorf("pixel buffer has %d bytes, want %d for %dx%dx%d", len(pixels), want, width, height, channels)
	}
	t := &InputTensor{
		shape: []int64{1, int64(height), int64(width), int64(channels)},
		data:  append([]byte(nil), pixels...),
	}
	// The callback frees this tensor's buffer and nothing else.
	t.dealloc = func() {
		t.consumed.Store(true)
		t.data = nil
		liveInputs.Add(-1)
	}
	liveInputs.Add(1)
	return t, nil
}

// Shape returns the tensor shape, [1, H, W, C].
func (t *InputTensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

// Consumed reports whether the deallocation callback has fired.
func (t *InputTensor) Consumed() bool {
	return t.consumed.Load()
}

// release fires the deallocation callback. Only the first call has effect.
func (t *InputTensor) release() {
	t.once.Do(t.dealloc)
}

// RawOutputTensor is an output produced by Session.Run. The caller owns it
// and must Release it once its data has been copied out.
type RawOutputTensor struct {
	port     Port
	native   NativeTensor
	released atomic.Bool
}

func newRawOutput(port Port, native NativeTensor) *RawOutputTensor {
	liveOutputs.Add(1)
	return &RawOutputTensor{port: port, native: native}
}

// Port returns the endpoint this tensor was fetched from.
func (t *RawOutputTensor) Port() Port {
	return t.port
}

// Shape returns the tensor shape, or nil after release.
func (t *RawOutputTensor) Shape() []int64 {
	if t.released.Load() {
		useAfterRelease.Add(1)
		return nil
	}
	return t.native.Shape()
}

// Float32s copies the tensor contents into a new slice. The result stays
// valid after Release.
func (t *RawOutputTensor) Float32s() ([]float32, error) {
	if t.released.Load() {
		useAfterRelease.Add(1)
		return nil, fmt.Errorf("%s: %w", t.port, ErrTensorReleased)
	}
	return t.native.Float32s()
}

// Release frees the engine memory behind the tensor.
func (t *RawOutputTensor) Release() {
	if !t.released.CompareAndSwap(false, true) {
		doubleRelease.Add(1)
		return
	}
	t.native.Release()
	t.native = nil
	liveOutputs.Add(-1)
}

// ReleaseOutputs releases every tensor in ts. Nil entries are skipped.
func ReleaseOutputs(ts []*RawOutputTensor) {
	for _, t := range ts {
		if t != nil {
			t.Release()
		}
	}
}
