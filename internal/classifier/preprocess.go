package classifier

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"

	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	"golang.org/x/image/draw"
)

// DefaultImageSize is the square input resolution of the shipped model.
const DefaultImageSize = 128

// DefaultMaxDimension caps the width and height of an accepted upload.
const DefaultMaxDimension = 4096

// ErrImageTooLarge is returned for images whose declared dimensions exceed
// the configured limit. Nothing is decoded in that case.
var ErrImageTooLarge = errors.New("image dimensions exceed limit")

// Tensor is a normalized single-channel image batch laid out as NHWC.
type Tensor struct {
	Shape  []int
	Pixels []float32
}

// Preprocess decodes an image, converts it to grayscale, resizes it to
// size x size and scales intensities to [0, 1]. The result has shape
// [1, size, size, 1]. Images wider or taller than maxDimension pixels are
// rejected from their header before any pixel data is decoded.
func Preprocess(r io.Reader, size, maxDimension int) (*Tensor, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if maxDimension > 0 && (cfg.Width > maxDimension || cfg.Height > maxDimension) {
		return nil, fmt.Errorf("%w: %dx%d, max %d", ErrImageTooLarge, cfg.Width, cfg.Height, maxDimension)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if src.Bounds().Empty() {
		return nil, errors.New("image has no pixels")
	}

	gray := image.NewGray(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(gray, gray.Bounds(), src, src.Bounds(), draw.Src, nil)

	pixels := make([]float32, size*size)
	for y := 0; y < size; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+size]
		for x, v := range row {
			pixels[y*size+x] = float32(v) / 255.0
		}
	}

	return &Tensor{Shape: []int{1, size, size, 1}, Pixels: pixels}, nil
}
