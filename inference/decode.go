package inference

import "github.com/chewxy/math32"

// NoLimit passed as maxDetections decodes every available entry.
const NoLimit = -1

// Box is a normalized [top, left, bottom, right] box in model space.
type Box struct {
	Top    float32 `json:"top"`
	Left   float32 `json:"left"`
	Bottom float32 `json:"bottom"`
	Right  float32 `json:"right"`
}

// Rect is a box in pixel space of the original image.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one decoded object.
type Detection struct {
	ClassID    int     `json:"class_id"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
	Rect       Rect    `json:"rect"`
}

// Decode turns the raw classes, scores and boxes outputs into detections.
// It returns min(maxDetections, available) entries in raw order, where
// available is bounded by the shortest of the three arrays (boxes hold four
// values per entry). Nothing is sorted, filtered or clamped.
func Decode(classes, scores, boxes []float32, maxDetections, imageWidth, imageHeight int) []Detection {
	n := min(len(classes), len(scores), len(boxes)/4)
	if maxDetections >= 0 && maxDetections < n {
		n = maxDetections
	}
	w, h := float64(imageWidth), float64(imageHeight)
	dets := make([]Detection, n)
	for i := range dets {
		b := Box{
			Top:    boxes[i*4],
			Left:   boxes[i*4+1],
			Bottom: boxes[i*4+2],
			Right:  boxes[i*4+3],
		}
		dets[i] = Detection{
			ClassID:    int(math32.Round(classes[i])),
			Confidence: scores[i],
			Box:        b,
			Rect: Rect{
				X:      float64(b.Left) * w,
				Y:      float64(b.Top) * h,
				Width:  float64(b.Right-b.Left) * w,
				Height: float64(b.Bottom-b.Top) * h,
			},
		}
	}
	return dets
}
