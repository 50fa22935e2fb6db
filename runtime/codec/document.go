// Package codec converts native module payloads into transport-safe
// documents and client authoring payloads back into the shapes the
// engine expects.
//
// Payload shape is resolved exactly once, at this boundary. Modules
// whose engine declares a payload kind keep that kind; otherwise the
// raw payload is classified here and the result is carried on the
// document so downstream consumers never re-detect shapes.
package codec

// Document is the wire representation of one module.
type Document struct {
	ModuleID   string `json:"moduleId"`
	SchemaPath string `json:"schemaPath,omitempty"`

	// Metadata is the module metadata map, or a Failure marker when
	// metadata extraction failed.
	Metadata any `json:"metadata,omitempty"`

	// Data is one of TabularData, ImageData, UnknownData, or a Failure
	// marker when data extraction failed.
	Data any `json:"data,omitempty"`

	// Digest is a canonical-form content digest, omitted when the
	// document cannot be canonicalized.
	Digest string `json:"digest,omitempty"`
}

// TabularData renders a sequence of flat records.
type TabularData struct {
	Type         string           `json:"type"`
	RecordCount  int              `json:"recordCount"`
	Records      []map[string]any `json:"records,omitempty"`
	SampleRecord map[string]any   `json:"sampleRecord,omitempty"`
}

// ImageData renders a frame sequence. Frames holds EncodedFrame entries
// for healthy frames and FrameFailure entries for the rest, in engine
// order.
type ImageData struct {
	Type       string `json:"type"`
	FrameCount int    `json:"frameCount"`
	Frames     []any  `json:"frames"`
}

// EncodedFrame is one healthy frame on the wire. Pixel bytes travel hex
// encoded; ByteLength is the decoded length.
type EncodedFrame struct {
	FrameIndex int            `json:"frameIndex"`
	ByteLength int            `json:"byteLength"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	PixelsHex  string         `json:"pixelsHex"`
}

// FrameFailure marks a frame whose extraction failed. The surrounding
// sequence still carries every other frame.
type FrameFailure struct {
	FrameIndex int    `json:"frameIndex"`
	Error      string `json:"error"`
}

// UnknownData carries a payload the codec could not classify.
type UnknownData struct {
	Type      string `json:"type"`
	Rendering string `json:"rendering"`
	Reason    string `json:"reason"`
}

// Failure marks a metadata or data extraction that failed while the
// other half of the document remains usable.
type Failure struct {
	Error string `json:"error"`
}

const (
	typeTabular = "tabular"
	typeImage   = "image"
	typeUnknown = "unknown"
)
