package inference_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tf_object_detector/inference"
	"tf_object_detector/inference/inferencetest"
)

func TestWrapInputCopiesPixels(t *testing.T) {
	s, engine := loadSSD(t)
	pixels := []byte{1, 2, 3, 4, 5, 6}
	tensor, err := inference.WrapInput(pixels, 2, 1, 3)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 1, 2, 3}, tensor.Shape())

	// Caller reuses its buffer before the run.
	pixels[0] = 99
	outputs, err := s.Run([]inference.Input{{Port: inferencetest.ImageTensor, Tensor: tensor}}, []inference.Port{inferencetest.DetectionScores})
	require.NoError(t, err)
	inference.ReleaseOutputs(outputs)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, engine.LastFeeds()[0].Data)
}

func TestWrapInputValidates(t *testing.T) {
	_, err := inference.WrapInput(make([]byte, 10), 2, 2, 3)
	require.Error(t, err)
	_, err = inference.WrapInput(nil, 0, 2, 3)
	require.Error(t, err)
	_, err = inference.WrapInput(make([]byte, 4), 2, 2, 1)
	require.NoError(t, err)
}

func TestInputDeallocatedOnceAfterRun(t *testing.T) {
	s, engine := loadSSD(t)
	baseIn, _ := inference.LiveTensors()
	tensor, err := inference.WrapInput(make([]byte, 12), 2, 2, 3)
	require.NoError(t, err)
	in, _ := inference.LiveTensors()
	require.Equal(t, baseIn+1, in)

	input := []inference.Input{{Port: inferencetest.ImageTensor, Tensor: tensor}}
	outputs, err := s.Run(input, []inference.Port{inferencetest.DetectionScores})
	require.NoError(t, err)
	inference.ReleaseOutputs(outputs)
	require.True(t, tensor.Consumed())
	in, _ = inference.LiveTensors()
	require.Equal(t, baseIn, in)

	// Feeding the same tensor again is refused before dispatch, and the
	// callback does not fire a second time.
	_, err = s.Run(input, []inference.Port{inferencetest.DetectionScores})
	require.ErrorIs(t, err, inference.ErrInputConsumed)
	require.EqualValues(t, 1, engine.Dispatches())
	in, _ = inference.LiveTensors()
	require.Equal(t, baseIn, in)

	// Session state is untouched by the callback.
	require.Equal(t, inference.StateLoaded, s.State())
	require.EqualValues(t, 0, engine.Closes())
}

func TestReadAfterReleaseIsDetected(t *testing.T) {
	s, _ := loadSSD(t)
	outputs, err := s.Run(imageInput(t), []inference.Port{inferencetest.DetectionScores})
	require.NoError(t, err)
	useBefore, doubleBefore := inference.Violations()

	inference.ReleaseOutputs(outputs)
	_, err = outputs[0].Float32s()
	require.ErrorIs(t, err, inference.ErrTensorReleased)
	require.Nil(t, outputs[0].Shape())
	outputs[0].Release()

	useAfter, doubleAfter := inference.Violations()
	require.Equal(t, useBefore+2, useAfter)
	require.Equal(t, doubleBefore+1, doubleAfter)
}

func TestFakeTensorCountsUseAfterRelease(t *testing.T) {
	engine := inferencetest.NewSSD(testClasses, testScores, testBoxes)
	runner, err := engine.NewRunner(nil)
	require.NoError(t, err)
	natives, err := runner.Run(nil, []inference.Port{inferencetest.DetectionScores})
	require.NoError(t, err)

	natives[0].Release()
	_, err = natives[0].Float32s()
	require.Error(t, err)
	require.EqualValues(t, 1, engine.UseAfterRelease())
	require.EqualValues(t, 0, engine.Live())
}

func TestReleaseOutputsSkipsNil(t *testing.T) {
	require.NotPanics(t, func() {
		inference.ReleaseOutputs([]*inference.RawOutputTensor{nil, nil})
	})
}
