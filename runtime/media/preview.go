// Package media renders stored image frames for display.
package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/draw"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine"
)

// bytesPerSample is the stored sample width: unsigned 16-bit.
const bytesPerSample = 2

// flatGray is the output level for frames with no contrast to stretch.
const flatGray = 128

// PreviewConfig configures frame preview rendering.
type PreviewConfig struct {
	// MaxEdge is the maximum width or height in pixels (0 = no limit).
	// Larger frames are downscaled preserving aspect ratio.
	MaxEdge int
}

// Preview contains a rendered frame preview.
type Preview struct {
	// PNG is the encoded image.
	PNG []byte

	// Width and Height are the rendered dimensions after any downscale.
	Width  int
	Height int

	// Rows and Columns are the stored frame dimensions.
	Rows    int
	Columns int

	// WindowMin and WindowMax are the sample range mapped onto the 8-bit
	// output.
	WindowMin uint16
	WindowMax uint16
}

// RenderPreview renders one stored frame as an 8-bit grayscale PNG.
//
// Samples are unsigned 16-bit little-endian, row-major. The frame's own
// minimum and maximum are stretched onto the full 8-bit range, so
// low-contrast acquisitions stay visible. Frames larger than MaxEdge are
// downscaled with high-quality resampling.
func RenderPreview(frame *engine.Frame, config PreviewConfig) (*Preview, error) {
	if frame == nil {
		return nil, fmt.Errorf("nil frame")
	}

	samples, err := samplesOf(frame)
	if err != nil {
		return nil, err
	}

	rows, columns, err := frameDimensions(frame)
	if err != nil {
		return nil, err
	}
	if rows*columns != len(samples) {
		return nil, fmt.Errorf("frame declares %dx%d but carries %d samples", rows, columns, len(samples))
	}

	lo, hi := sampleRange(samples)
	img := grayImage(samples, rows, columns, lo, hi)

	width, height := columns, rows
	if config.MaxEdge > 0 && (width > config.MaxEdge || height > config.MaxEdge) {
		width, height = fitWithin(width, height, config.MaxEdge)
		img = downscale(img, width, height)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}

	return &Preview{
		PNG:       buf.Bytes(),
		Width:     width,
		Height:    height,
		Rows:      rows,
		Columns:   columns,
		WindowMin: lo,
		WindowMax: hi,
	}, nil
}

// samplesOf unpacks the frame's pixel buffer into 16-bit samples.
func samplesOf(frame *engine.Frame) ([]uint16, error) {
	if len(frame.Pixels) == 0 {
		return nil, fmt.Errorf("frame has no pixel data")
	}
	if len(frame.Pixels)%bytesPerSample != 0 {
		return nil, fmt.Errorf("pixel buffer of %d bytes is not a whole number of 16-bit samples", len(frame.Pixels))
	}

	samples := make([]uint16, len(frame.Pixels)/bytesPerSample)
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint16(frame.Pixels[i*bytesPerSample:])
	}
	return samples, nil
}

// frameDimensions resolves the stored grid from frame metadata, falling
// back to a square layout when the metadata names no dimensions.
func frameDimensions(frame *engine.Frame) (rows, columns int, err error) {
	rows = dimension(frame.Metadata, "rows", "height")
	columns = dimension(frame.Metadata, "columns", "width")
	if rows > 0 && columns > 0 {
		return rows, columns, nil
	}

	samples := len(frame.Pixels) / bytesPerSample
	if side := int(math.Sqrt(float64(samples))); side > 0 && side*side == samples {
		return side, side, nil
	}
	return 0, 0, fmt.Errorf("frame metadata carries no dimensions and %d samples do not form a square", samples)
}

// dimension reads the first usable positive integer field among names.
// JSON round-trips deliver numbers as float64.
func dimension(meta map[string]any, names ...string) int {
	for _, name := range names {
		switch v := meta[name].(type) {
		case int:
			if v > 0 {
				return v
			}
		case float64:
			if v > 0 && v == math.Trunc(v) {
				return int(v)
			}
		}
	}
	return 0
}

func sampleRange(samples []uint16) (lo, hi uint16) {
	lo, hi = samples[0], samples[0]
	for _, s := range samples[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return lo, hi
}

// grayImage maps samples onto 8 bits with min/max windowing.
func grayImage(samples []uint16, rows, columns int, lo, hi uint16) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, columns, rows))
	if lo == hi {
		for i := range img.Pix {
			img.Pix[i] = flatGray
		}
		return img
	}

	span := uint32(hi - lo)
	for i, s := range samples {
		img.Pix[i] = uint8(uint32(s-lo) * 255 / span)
	}
	return img
}

// fitWithin scales dimensions so the longer edge equals maxEdge,
// preserving aspect ratio.
func fitWithin(width, height, maxEdge int) (int, int) {
	if width >= height {
		scaled := height * maxEdge / width
		if scaled < 1 {
			scaled = 1
		}
		return maxEdge, scaled
	}

	scaled := width * maxEdge / height
	if scaled < 1 {
		scaled = 1
	}
	return scaled, maxEdge
}

// downscale resamples using CatmullRom for high-quality reduction.
func downscale(src *image.Gray, width, height int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}
