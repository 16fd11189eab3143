// Package imageio turns image files into the 8-bit RGB buffers the detector
// consumes. Resizing to a model's fixed input size happens here, on the
// caller's side of the inference boundary.
package imageio

import (
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"tf_object_detector/inference"
)

// Open reads and decodes an image file, applying its EXIF orientation.
func Open(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	return img, nil
}

// Decode decodes an image stream, applying its EXIF orientation.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	return img, nil
}

// ToInput converts img to a buffer with the given channel count: 3 for RGB,
// 1 for grayscale, 0 meaning 3. When width and height are positive and
// differ from the image size, the image is first resized to exactly
// width x height.
func ToInput(img image.Image, width, height, channels int) (inference.Image, error) {
	b := img.Bounds()
	if width > 0 && height > 0 && (b.Dx() != width || b.Dy() != height) {
		img = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	}
	switch channels {
	case 0, 3:
		return RGB(img), nil
	case 1:
		return Gray(img), nil
	}
	return inference.Image{}, errors.Errorf("unsupported channel count %d", channels)
}

// Gray copies img into a row-major 8-bit luma buffer.
func Gray(img image.Image) inference.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, 0, w*h)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			pix = append(pix, color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
		}
	}
	return inference.Image{Pixels: pix, Width: w, Height: h, Channels: 1}
}

// RGB copies img into a row-major RGB buffer, dropping alpha.
func RGB(img image.Image) inference.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h*3)

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			copyRow(pix[y*w*3:], row, w)
		}
	case *image.RGBA:
		// Opaque images are the common case and premultiplication is a no-op
		// for them.
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			copyRow(pix[y*w*3:], row, w)
		}
	default:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				pix[i] = uint8(r >> 8)
				pix[i+1] = uint8(g >> 8)
				pix[i+2] = uint8(bl >> 8)
				i += 3
			}
		}
	}
	return inference.Image{Pixels: pix, Width: w, Height: h, Channels: 3}
}

func copyRow(dst, src []byte, w int) {
	for x := 0; x < w; x++ {
		dst[x*3] = src[x*4]
		dst[x*3+1] = src[x*4+1]
		dst[x*3+2] = src[x*4+2]
	}
}
