package inference

import (
	"context"
	"fmt"

	"github.com/chewxy/math32"
)

// Signature maps the logical roles of a detection model to graph ports.
// Count is optional; when set its first value bounds the number of valid
// detections.
type Signature struct {
	Input   Port  `json:"input"`
	Classes Port  `json:"classes"`
	Scores  Port  `json:"scores"`
	Boxes   Port  `json:"boxes"`
	Count   *Port `json:"count,omitempty"`
}

// Ports returns every port the signature names, input first.
func (sig Signature) Ports() []Port {
	return append([]Port{sig.Input}, sig.Fetches()...)
}

// Fetches returns the output ports in fetch order: classes, scores, boxes
// and then count if present.
func (sig Signature) Fetches() []Port {
	f := []Port{sig.Classes, sig.Scores, sig.Boxes}
	if sig.Count != nil {
		f = append(f, *sig.Count)
	}
	return f
}

// Image is an 8-bit row-major pixel buffer.
type Image struct {
	Pixels   []byte
	Width    int
	Height   int
	Channels int
}

// Detector runs a bound signature on a session and decodes the result.
type Detector struct {
	session       *Session
	sig           Signature
	maxDetections int
}

// Bind validates sig against the session's graph and returns a Detector.
// maxDetections <= 0 takes the count from the boxes output's declared shape
// when the graph knows it, and otherwise decodes everything available.
func (s *Session) Bind(sig Signature, maxDetections int) (*Detector, error) {
	if s.State() == StateClosed {
		return nil, &ClosedSessionError{}
	}
	if err := s.Resolve(sig.Ports()...); err != nil {
		return nil, err
	}
	if maxDetections <= 0 {
		maxDetections = NoLimit
		if shape := s.graph.PortShape(sig.Boxes); len(shape) >= 2 && shape[len(shape)-2] > 0 {
			maxDetections = int(shape[len(shape)-2])
		}
	}
	s.log.WithField("max_detections", maxDetections).Debug("Signature bound")
	return &Detector{session: s, sig: sig, maxDetections: maxDetections}, nil
}

// Session returns the session the detector runs on.
func (d *Detector) Session() *Session {
	return d.session
}

// MaxDetections returns the configured cap, or NoLimit.
func (d *Detector) MaxDetections() int {
	return d.maxDetections
}

// Detect runs the model on img. Box pixel coordinates are computed against
// imageWidth x imageHeight, the size of the original image (which may
// differ from img if the caller resized it for the model).
func (d *Detector) Detect(img Image, imageWidth, imageHeight int) ([]Detection, error) {
	return d.DetectContext(context.Background(), img, imageWidth, imageHeight)
}

// DetectContext is Detect with a deadline, see Session.RunContext.
func (d *Detector) DetectContext(ctx context.Context, img Image, imageWidth, imageHeight int) ([]Detection, error) {
	channels := img.Channels
	if channels == 0 {
		channels = DefaultChannels
	}
	input, err := WrapInput(img.Pixels, img.Width, img.Height, channels)
	if err != nil {
		return nil, err
	}

	outputs, err := d.session.RunContext(ctx, []Input{{Port: d.sig.Input, Tensor: input}}, d.sig.Fetches())
	if err != nil {
		return nil, err
	}
	defer ReleaseOutputs(outputs)

	raw := make([][]float32, len(outputs))
	for i, t := range outputs {
		if raw[i], err = t.Float32s(); err != nil {
			return nil, fmt.Errorf("read %s: %w", t.Port(), err)
		}
	}

	limit := d.maxDetections
	if d.sig.Count != nil && len(raw[3]) > 0 {
		count := int(math32.Round(raw[3][0]))
		if count >= 0 && (limit < 0 || count < limit) {
			limit = count
		}
	}
	return Decode(raw[0], raw[1], raw[2], limit, imageWidth, imageHeight), nil
}
