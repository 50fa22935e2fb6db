package codec

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine"
)

// ErrNotImage is returned when a frame is requested from a module whose
// payload carries no frame sequence.
var ErrNotImage = errors.New("codec: module does not carry image frames")

// ErrFrameOutOfRange is returned when a frame index is past the end of
// the module's frame sequence.
var ErrFrameOutOfRange = errors.New("codec: frame index out of range")

// maxRendering bounds the best-effort rendering of unclassifiable
// payloads.
const maxRendering = 512

// EncodeModule renders a native module result as a wire document.
//
// Metadata and data extraction are independent: either side failing is
// recorded as a Failure marker without blocking the other. Per-frame
// extraction failures become FrameFailure entries while the remaining
// frames are still delivered.
func EncodeModule(moduleID string, result engine.ModuleResult) *Document {
	doc := &Document{ModuleID: moduleID, SchemaPath: result.SchemaPath()}

	meta, err := result.Metadata()
	switch {
	case err != nil:
		doc.Metadata = Failure{Error: err.Error()}
	case meta != nil:
		doc.Metadata = meta
	}

	data, err := result.Data()
	if err != nil {
		doc.Data = Failure{Error: err.Error()}
	} else {
		doc.Data = encodePayload(result.Kind(), data)
	}

	// The digest is a convenience for caching; a document that cannot
	// canonicalize still ships, without one.
	if digest, err := DigestOf(doc); err == nil {
		doc.Digest = digest
	}
	return doc
}

func encodePayload(kind engine.PayloadKind, data any) any {
	var reason string
	if kind == engine.PayloadUnspecified {
		kind, reason = classify(data)
	}

	switch kind {
	case engine.PayloadImage:
		seq, err := frameSequence(data)
		if err != nil {
			return unknownData(data, err.Error())
		}
		return encodeFrames(seq)
	case engine.PayloadTabular:
		tab, err := tabularData(data)
		if err != nil {
			return unknownData(data, err.Error())
		}
		return *tab
	default:
		return unknownData(data, reason)
	}
}

// classify detects the payload shape for engines that do not declare
// one. A sequence element counts as a frame when it carries a raw pixel
// buffer under "data"; flat maps without one are tabular records.
func classify(data any) (engine.PayloadKind, string) {
	switch seq := data.(type) {
	case nil:
		return engine.PayloadTabular, ""
	case []map[string]any:
		return engine.PayloadTabular, ""
	case []any:
		if len(seq) == 0 {
			return engine.PayloadTabular, ""
		}
		frames := 0
		for i, elem := range seq {
			m, ok := elem.(map[string]any)
			if !ok {
				return engine.PayloadUnspecified, fmt.Sprintf("sequence element %d is %T, not a map", i, elem)
			}
			if _, ok := m["data"].([]byte); ok {
				frames++
			}
		}
		switch frames {
		case len(seq):
			return engine.PayloadImage, ""
		case 0:
			return engine.PayloadTabular, ""
		default:
			return engine.PayloadUnspecified, "sequence mixes frame and record elements"
		}
	default:
		return engine.PayloadUnspecified, fmt.Sprintf("payload is %T, not a sequence", data)
	}
}

func frameSequence(data any) ([]any, error) {
	switch seq := data.(type) {
	case nil:
		return nil, nil
	case []any:
		return seq, nil
	case []map[string]any:
		out := make([]any, len(seq))
		for i, m := range seq {
			out[i] = m
		}
		return out, nil
	default:
		return nil, fmt.Errorf("image payload is %T, not a frame sequence", data)
	}
}

func encodeFrames(seq []any) ImageData {
	frames := make([]any, 0, len(seq))
	for i, elem := range seq {
		frames = append(frames, encodeFrame(i, elem))
	}
	return ImageData{Type: typeImage, FrameCount: len(seq), Frames: frames}
}

func encodeFrame(index int, elem any) any {
	m, ok := elem.(map[string]any)
	if !ok {
		return FrameFailure{FrameIndex: index, Error: fmt.Sprintf("frame is %T, not a map", elem)}
	}

	raw, present := m["data"]
	if !present {
		return FrameFailure{FrameIndex: index, Error: "frame has no pixel buffer"}
	}
	pixels, ok := raw.([]byte)
	if !ok {
		return FrameFailure{FrameIndex: index, Error: fmt.Sprintf("pixel buffer is %T, not bytes", raw)}
	}

	var meta map[string]any
	if rawMeta, present := m["metadata"]; present {
		meta, ok = rawMeta.(map[string]any)
		if !ok {
			return FrameFailure{FrameIndex: index, Error: fmt.Sprintf("frame metadata is %T, not a map", rawMeta)}
		}
	}

	return EncodedFrame{
		FrameIndex: index,
		ByteLength: len(pixels),
		Metadata:   meta,
		PixelsHex:  hex.EncodeToString(pixels),
	}
}

func tabularData(data any) (*TabularData, error) {
	var records []map[string]any
	switch seq := data.(type) {
	case nil:
	case []map[string]any:
		records = seq
	case []any:
		records = make([]map[string]any, len(seq))
		for i, elem := range seq {
			m, ok := elem.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("record %d is %T, not a map", i, elem)
			}
			records[i] = m
		}
	default:
		return nil, fmt.Errorf("tabular payload is %T, not a record sequence", data)
	}

	tab := &TabularData{Type: typeTabular, RecordCount: len(records), Records: records}
	if len(records) > 0 {
		tab.SampleRecord = records[0]
	}
	return tab, nil
}

func unknownData(data any, reason string) UnknownData {
	rendering := fmt.Sprintf("%v", data)
	if len(rendering) > maxRendering {
		rendering = rendering[:maxRendering] + "..."
	}
	return UnknownData{Type: typeUnknown, Rendering: rendering, Reason: reason}
}

// ExtractFrame pulls one raw frame out of an image module result, for
// consumers that need pixels rather than the wire document.
func ExtractFrame(result engine.ModuleResult, index int) (*engine.Frame, error) {
	data, err := result.Data()
	if err != nil {
		return nil, fmt.Errorf("codec: extract frame data: %w", err)
	}

	kind := result.Kind()
	if kind == engine.PayloadUnspecified {
		kind, _ = classify(data)
	}
	if kind != engine.PayloadImage {
		return nil, ErrNotImage
	}

	seq, err := frameSequence(data)
	if err != nil {
		return nil, fmt.Errorf("codec: %s", err)
	}
	if index < 0 || index >= len(seq) {
		return nil, fmt.Errorf("%w: frame %d, module has %d frames", ErrFrameOutOfRange, index, len(seq))
	}

	m, ok := seq[index].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("codec: frame %d is %T, not a map", index, seq[index])
	}
	pixels, ok := m["data"].([]byte)
	if !ok {
		return nil, fmt.Errorf("codec: frame %d has no pixel buffer", index)
	}
	meta, _ := m["metadata"].(map[string]any)
	return &engine.Frame{Metadata: meta, Pixels: pixels}, nil
}
