// Package overlay renders detections on top of the image they came from.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"tf_object_detector/config"
	"tf_object_detector/inference"
)

var palette = []color.RGBA{
	{230, 25, 75, 255},
	{60, 180, 75, 255},
	{255, 225, 25, 255},
	{0, 130, 200, 255},
	{245, 130, 48, 255},
	{145, 30, 180, 255},
	{70, 240, 240, 255},
	{240, 50, 230, 255},
}

// Color returns the stroke color used for a class id.
func Color(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Caption is the text drawn above a box.
func Caption(d inference.Detection, classes []string) string {
	name := config.Label(classes, d.ClassID)
	if name == "" {
		name = fmt.Sprintf("class %d", d.ClassID)
	}
	return fmt.Sprintf("%s %.0f%%", name, d.Confidence*100)
}

// Draw returns a copy of img with a rectangle and caption for each detection.
func Draw(img image.Image, dets []inference.Detection, classes []string) image.Image {
	dc := gg.NewContextForImage(img)
	lineWidth := float64(max(img.Bounds().Dx(), img.Bounds().Dy())) / 300
	if lineWidth < 1 {
		lineWidth = 1
	}
	dc.SetLineWidth(lineWidth)
	for _, d := range dets {
		r := d.Rect
		dc.SetColor(Color(d.ClassID))
		dc.DrawRectangle(r.X, r.Y, r.Width, r.Height)
		dc.Stroke()
		dc.DrawStringAnchored(Caption(d, classes), r.X, r.Y-lineWidth, 0, 0)
	}
	return dc.Image()
}

// Save writes img to path. PNG and JPEG are chosen by extension.
func Save(img image.Image, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return errors.Wrap(gg.SavePNG(path, img), "save overlay")
	case ".jpg", ".jpeg":
		return errors.Wrap(imaging.Save(img, path, imaging.JPEGQuality(90)), "save overlay")
	}
	return errors.Errorf("unsupported overlay format %q", filepath.Ext(path))
}
