//go:build tensorflow

package tfengine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	tf "github.com/wamuir/graft/tensorflow"

	"tf_object_detector/inference"
)

// writeSSDGraph builds a tiny graph with the Object Detection API port names
// whose outputs are constants, and writes it as a frozen GraphDef.
func writeSSDGraph(t *testing.T) string {
	g := tf.NewGraph()
	_, err := g.AddOperation(tf.OpSpec{
		Type:  "Placeholder",
		Name:  "image_tensor",
		Attrs: map[string]interface{}{"dtype": tf.Uint8},
	})
	require.NoError(t, err)

	constant := func(name string, value interface{}) {
		v, err := tf.NewTensor(value)
		require.NoError(t, err)
		c, err := g.AddOperation(tf.OpSpec{
			Type:  "Const",
			Name:  name + "/value",
			Attrs: map[string]interface{}{"dtype": v.DataType(), "value": v},
		})
		require.NoError(t, err)
		_, err = g.AddOperation(tf.OpSpec{
			Type:  "Identity",
			Name:  name,
			Input: []tf.Input{c.Output(0)},
		})
		require.NoError(t, err)
	}
	constant("detection_classes", [][]float32{{1, 18}})
	constant("detection_scores", [][]float32{{0.9, 0.4}})
	constant("detection_boxes", [][][]float32{{{0.25, 0.25, 0.75, 0.75}, {0, 0, 0.5, 0.5}}})

	var buf bytes.Buffer
	_, err = g.WriteTo(&buf)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "frozen_inference_graph.pb")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestFrozenGraphDetect(t *testing.T) {
	s, err := inference.Load(New(), writeSSDGraph(t))
	require.NoError(t, err)
	defer s.Close()

	d, err := s.Bind(inference.Signature{
		Input:   inference.Port{Op: "image_tensor"},
		Classes: inference.Port{Op: "detection_classes"},
		Scores:  inference.Port{Op: "detection_scores"},
		Boxes:   inference.Port{Op: "detection_boxes"},
	}, 0)
	require.NoError(t, err)

	dets, err := d.Detect(inference.Image{Pixels: make([]byte, 4*4*3), Width: 4, Height: 4, Channels: 3}, 512, 512)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	require.Equal(t, 18, dets[1].ClassID)
	require.Equal(t, inference.Rect{X: 128, Y: 128, Width: 256, Height: 256}, dets[0].Rect)
}

func TestFrozenGraphUnknownOp(t *testing.T) {
	s, err := inference.Load(New(), writeSSDGraph(t))
	require.NoError(t, err)
	defer s.Close()
	require.False(t, s.Graph().HasPort(inference.Port{Op: "num_detections"}))
	require.Equal(t, []int64{1, 2, 4}, s.Graph().PortShape(inference.Port{Op: "detection_boxes"}))
}

func TestImportGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pb")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 0x01}, 0o644))
	_, err := inference.Load(New(), path)
	var loadErr *inference.LoadError
	require.ErrorAs(t, err, &loadErr)
}

func TestFlatten(t *testing.T) {
	out, err := flatten([][][]float32{{{1, 2}, {3, 4}}})
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, out)
	_, err = flatten([]int32{1})
	require.Error(t, err)
}
