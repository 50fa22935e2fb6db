// Package engine defines the contract between the UI backend and the UMDF
// container engine.
//
// The engine owns the container format: opening and decrypting files,
// module storage, encounter graphs, and durability. This package only
// names the operations the backend consumes; implementations live in
// subpackages (memengine) or out of process.
//
// All methods are synchronous. Errors carry the engine's own message
// verbatim; callers wrap them but never rewrite them.
package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by engine implementations. Callers match with
// errors.Is.
var (
	// ErrNotOpen is returned when a handle is used before Open or after
	// Close.
	ErrNotOpen = errors.New("engine: no container file is open")

	// ErrDecryptionFailed is returned when a container or module cannot
	// be decrypted with the supplied secret. It is an expected outcome,
	// not a fault.
	ErrDecryptionFailed = errors.New("engine: decryption failed")

	// ErrModuleNotFound is returned when a module ID does not exist in
	// the open container.
	ErrModuleNotFound = errors.New("engine: module not found")

	// ErrEncounterNotFound is returned when an encounter ID does not
	// exist in the open container.
	ErrEncounterNotFound = errors.New("engine: encounter not found")

	// ErrReadsUnsupported is returned by writer handles whose
	// CanServeReads reports false.
	ErrReadsUnsupported = errors.New("engine: writer handle does not serve reads")
)

// PayloadKind tags the shape of a module's payload.
type PayloadKind string

const (
	// PayloadUnspecified means the engine could not classify the payload;
	// the codec performs shape detection once at the boundary.
	PayloadUnspecified PayloadKind = ""

	// PayloadImage marks a frame-sequence payload.
	PayloadImage PayloadKind = "image"

	// PayloadTabular marks a flat-record payload.
	PayloadTabular PayloadKind = "tabular"
)

// Relation describes how a module hangs off the encounter graph.
type Relation string

const (
	RelationRoot       Relation = "root"
	RelationVariant    Relation = "variant"
	RelationAnnotation Relation = "annotation"
)

// ModuleResult is the engine's answer to a module-data lookup.
//
// Metadata and Data are independent accessors: either may fail without
// affecting the other. Data returns the payload in the engine's raw
// dynamic shape; for image modules that is a sequence of frame maps, each
// carrying "metadata" (map) and "data" (raw bytes) entries.
type ModuleResult interface {
	// SchemaPath returns the schema path the module was created under.
	SchemaPath() string

	// Kind reports the engine's own payload classification, or
	// PayloadUnspecified when it has none.
	Kind() PayloadKind

	// Metadata returns the module's metadata document.
	Metadata() (any, error)

	// Data returns the module's primary payload.
	Data() (any, error)
}

// ModulePayload is the native input for module creation and update, built
// by the codec from an authoring request.
type ModulePayload struct {
	// Metadata is attached to the module as-is.
	Metadata map[string]any

	// Data holds non-image payloads: a record sequence or a flat map.
	// Nil when Frames is set.
	Data any

	// Frames holds image payloads. Nil for non-image modules.
	Frames []Frame
}

// Frame is one constructed image frame.
type Frame struct {
	// Metadata holds the per-frame fields (dimensions, spacing, ...).
	Metadata map[string]any

	// Pixels holds the packed sample bytes, unsigned 16-bit
	// little-endian, row-major.
	Pixels []byte
}

// AuditEntry is one entry in a module's modification history.
type AuditEntry struct {
	ModuleID  uuid.UUID `json:"moduleId"`
	Version   int       `json:"version"`
	Operation string    `json:"operation"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// ModuleInfo summarizes one module for file-info listings.
type ModuleInfo struct {
	ID         uuid.UUID   `json:"uuid"`
	SchemaID   string      `json:"schemaId"`
	SchemaPath string      `json:"schemaPath"`
	Kind       PayloadKind `json:"type"`
}

// ModuleNode is a node in an encounter's module tree. Children are the
// module's variants and annotations.
type ModuleNode struct {
	ID       uuid.UUID    `json:"uuid"`
	Relation Relation     `json:"relation"`
	Children []ModuleNode `json:"children,omitempty"`
}

// EncounterInfo is one encounter and its module tree.
type EncounterInfo struct {
	ID      uuid.UUID    `json:"encounterId"`
	Modules []ModuleNode `json:"moduleTree"`
}

// FileInfo describes an open container.
type FileInfo struct {
	ModuleCount int             `json:"moduleCount"`
	Modules     []ModuleInfo    `json:"modules"`
	Encounters  []EncounterInfo `json:"encounters"`
}

// Reader is a read-only handle onto one container file. A handle is
// single-use per Open/Close cycle and not safe for concurrent use.
type Reader interface {
	// Open decrypts and attaches the file at path. A wrong secret yields
	// ErrDecryptionFailed.
	Open(path, secret string) error

	// FileInfo describes the open container.
	FileInfo() (*FileInfo, error)

	// ModuleData looks up one module's payload. A module that exists but
	// cannot be decrypted yields ErrDecryptionFailed.
	ModuleData(id uuid.UUID) (ModuleResult, error)

	// AuditTrail returns the module's modification history, oldest first.
	AuditTrail(id uuid.UUID) ([]AuditEntry, error)

	// Close detaches the file. Closing an unopened handle is an error.
	Close() error
}

// Writer is a read-write handle onto one container file. Mutations stage
// in the handle and become durable only on Finalize; Cancel discards them.
type Writer interface {
	// Open attaches an existing file at path for editing.
	Open(path, identity, secret string) error

	// Create makes a new empty container at path and attaches it.
	Create(path, identity, secret string) error

	// NewEncounter adds an encounter and returns its ID.
	NewEncounter() (uuid.UUID, error)

	// AddModule attaches a module under an encounter and returns the new
	// module ID.
	AddModule(encounterID uuid.UUID, schemaPath string, payload *ModulePayload) (uuid.UUID, error)

	// AddVariantModule attaches a module as a variant of an existing
	// module.
	AddVariantModule(parentID uuid.UUID, schemaPath string, payload *ModulePayload) (uuid.UUID, error)

	// AddAnnotation attaches an annotation module to an existing module.
	AddAnnotation(parentID uuid.UUID, schemaPath string, payload *ModulePayload) (uuid.UUID, error)

	// UpdateModule replaces an existing module's payload.
	UpdateModule(id uuid.UUID, payload *ModulePayload) error

	// ModuleData serves reads through the writer when CanServeReads
	// reports true; otherwise it returns ErrReadsUnsupported.
	ModuleData(id uuid.UUID) (ModuleResult, error)

	// CanServeReads reports whether this handle can serve module reads.
	CanServeReads() bool

	// Finalize commits staged mutations to the file and closes the
	// handle.
	Finalize() error

	// Cancel discards staged mutations and closes the handle.
	Cancel() error
}

// Engine produces container handles. Implementations must allow multiple
// independent handles on distinct paths; two writers on one path is
// caller error.
type Engine interface {
	NewReader() Reader
	NewWriter() Writer
}
