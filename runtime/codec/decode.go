package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine"
)

// ErrFramesNotAllowed is returned when an authoring payload carries
// frames but the target schema is not image-bearing.
var ErrFramesNotAllowed = errors.New("codec: frames supplied for a non-image schema")

// FrameConstructionError aborts an entire module creation: a partially
// written module is worse than no module, so unlike the encode
// direction there is no per-frame tolerance here.
type FrameConstructionError struct {
	FrameIndex int
	Cause      error
}

func (e *FrameConstructionError) Error() string {
	return fmt.Sprintf("codec: frame %d: %v", e.FrameIndex, e.Cause)
}

func (e *FrameConstructionError) Unwrap() error { return e.Cause }

// DecodeAuthoring converts a client module-creation body into the
// payload shape the engine expects.
//
// When the body carries frames and the schema is image-bearing, each
// frame's 2-D pixel matrix is flattened row-major and packed as
// unsigned 16-bit little-endian samples. Otherwise the body's metadata
// and data attach directly.
func DecodeAuthoring(body map[string]any, imageBearing bool) (*engine.ModulePayload, error) {
	if body == nil {
		body = map[string]any{}
	}

	payload := &engine.ModulePayload{}
	meta, err := moduleMetadata(body)
	if err != nil {
		return nil, err
	}
	payload.Metadata = meta

	rawFrames, hasFrames := body["frames"]
	if hasFrames {
		if !imageBearing {
			return nil, ErrFramesNotAllowed
		}
		frames, err := decodeFrames(rawFrames)
		if err != nil {
			return nil, err
		}
		payload.Frames = frames
		return payload, nil
	}

	payload.Data = body["data"]
	return payload, nil
}

// moduleMetadata takes the "metadata" map when present; a body carrying
// neither "metadata" nor "data" nor "frames" is itself the metadata.
func moduleMetadata(body map[string]any) (map[string]any, error) {
	raw, present := body["metadata"]
	if !present {
		if _, ok := body["data"]; ok {
			return nil, nil
		}
		if _, ok := body["frames"]; ok {
			return nil, nil
		}
		if len(body) == 0 {
			return nil, nil
		}
		return body, nil
	}

	meta, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("codec: metadata is %T, not a map", raw)
	}
	return meta, nil
}

func decodeFrames(raw any) ([]engine.Frame, error) {
	seq, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("codec: frames is %T, not a sequence", raw)
	}

	frames := make([]engine.Frame, 0, len(seq))
	for i, elem := range seq {
		frame, err := decodeFrame(elem)
		if err != nil {
			return nil, &FrameConstructionError{FrameIndex: i, Cause: err}
		}
		frames = append(frames, *frame)
	}
	return frames, nil
}

func decodeFrame(elem any) (*engine.Frame, error) {
	m, ok := elem.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("frame is %T, not a map", elem)
	}

	rawPixels, present := m["pixels"]
	if !present {
		return nil, errors.New("frame has no pixels")
	}

	pixels, err := packPixels(rawPixels)
	if err != nil {
		return nil, err
	}

	meta, err := frameMetadata(m)
	if err != nil {
		return nil, err
	}
	return &engine.Frame{Metadata: meta, Pixels: pixels}, nil
}

// frameMetadata unwraps a nested "metadata" map one level; frames
// without one treat every non-pixel field as metadata.
func frameMetadata(m map[string]any) (map[string]any, error) {
	if raw, present := m["metadata"]; present {
		meta, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("frame metadata is %T, not a map", raw)
		}
		return meta, nil
	}

	meta := make(map[string]any, len(m))
	for k, v := range m {
		if k == "pixels" {
			continue
		}
		meta[k] = v
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

// packPixels flattens a rectangular 2-D matrix row-major into uint16
// little-endian bytes: sample (r,c) of an R x C matrix lands at offset
// 2*(r*C+c).
func packPixels(raw any) ([]byte, error) {
	rows, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("pixels is %T, not a matrix", raw)
	}
	if len(rows) == 0 {
		return []byte{}, nil
	}

	first, ok := rows[0].([]any)
	if !ok {
		return nil, fmt.Errorf("pixel row 0 is %T, not a sequence", rows[0])
	}
	columns := len(first)

	buf := make([]byte, 2*len(rows)*columns)
	for r, rawRow := range rows {
		row, ok := rawRow.([]any)
		if !ok {
			return nil, fmt.Errorf("pixel row %d is %T, not a sequence", r, rawRow)
		}
		if len(row) != columns {
			return nil, fmt.Errorf("pixel row %d has %d samples, want %d", r, len(row), columns)
		}
		for c, rawSample := range row {
			sample, err := pixelSample(rawSample)
			if err != nil {
				return nil, fmt.Errorf("pixel (%d,%d): %w", r, c, err)
			}
			binary.LittleEndian.PutUint16(buf[2*(r*columns+c):], sample)
		}
	}
	return buf, nil
}

func pixelSample(raw any) (uint16, error) {
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("sample %v is not an integer", v)
		}
		if v < 0 || v > math.MaxUint16 {
			return 0, fmt.Errorf("sample %v outside uint16 range", v)
		}
		return uint16(v), nil
	case int:
		if v < 0 || v > math.MaxUint16 {
			return 0, fmt.Errorf("sample %d outside uint16 range", v)
		}
		return uint16(v), nil
	default:
		return 0, fmt.Errorf("sample is %T, not a number", raw)
	}
}
