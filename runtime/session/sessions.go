// Package session manages access to one open container at a time: a
// standing read-only session while viewing, a write session gated
// behind stored credentials while editing, and the coordinator that
// arbitrates which handle serves a given request.
package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine"
)

var (
	// ErrAlreadyOpen rejects opening a second container while one is open.
	ErrAlreadyOpen = errors.New("session: a container is already open")

	// ErrNotOpen rejects operations that need an open container.
	ErrNotOpen = errors.New("session: no container is open")

	// ErrNotEditing rejects authoring operations outside an edit session.
	ErrNotEditing = errors.New("session: container is not open for editing")

	// ErrAuthRequired rejects beginning an edit without stored credentials.
	ErrAuthRequired = errors.New("session: authentication required")
)

// EngineError wraps a native engine failure. The engine's own message
// travels verbatim; Unwrap keeps sentinel checks working through it.
type EngineError struct {
	Op    string
	Cause error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("session: engine %s: %v", e.Op, e.Cause)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Message returns the native error text without the session prefix.
func (e *EngineError) Message() string { return e.Cause.Error() }

func engineErr(op string, err error) error {
	return &EngineError{Op: op, Cause: err}
}

// ReaderSession wraps one read-only container handle. The path is set
// on successful open and cleared on close; every other operation
// requires it to be set.
type ReaderSession struct {
	reader engine.Reader
	path   string
}

// NewReaderSession returns an unopened reader session.
func NewReaderSession(eng engine.Engine) *ReaderSession {
	return &ReaderSession{reader: eng.NewReader()}
}

func (s *ReaderSession) IsOpen() bool { return s.path != "" }

func (s *ReaderSession) Path() string { return s.path }

func (s *ReaderSession) Open(path, secret string) error {
	if err := s.reader.Open(path, secret); err != nil {
		return engineErr("openReader", err)
	}
	s.path = path
	return nil
}

func (s *ReaderSession) FileInfo() (*engine.FileInfo, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	info, err := s.reader.FileInfo()
	if err != nil {
		return nil, engineErr("getFileInfo", err)
	}
	return info, nil
}

func (s *ReaderSession) ModuleData(id uuid.UUID) (engine.ModuleResult, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	result, err := s.reader.ModuleData(id)
	if err != nil {
		return nil, engineErr("getModuleData", err)
	}
	return result, nil
}

func (s *ReaderSession) AuditTrail(id uuid.UUID) ([]engine.AuditEntry, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	trail, err := s.reader.AuditTrail(id)
	if err != nil {
		return nil, engineErr("getAuditTrail", err)
	}
	return trail, nil
}

// Close clears the path even when the native close reports a failure;
// the handle is unusable either way.
func (s *ReaderSession) Close() error {
	if !s.IsOpen() {
		return nil
	}
	s.path = ""
	if err := s.reader.Close(); err != nil {
		return engineErr("closeReader", err)
	}
	return nil
}

// WriterSession wraps one read-write container handle and remembers the
// encounters created through it, so a repeated edit request can return
// the running context.
type WriterSession struct {
	writer     engine.Writer
	path       string
	encounters []uuid.UUID
}

// NewWriterSession returns an unopened writer session.
func NewWriterSession(eng engine.Engine) *WriterSession {
	return &WriterSession{writer: eng.NewWriter()}
}

func (s *WriterSession) IsOpen() bool { return s.path != "" }

func (s *WriterSession) Path() string { return s.path }

// Encounters lists the encounter IDs created during this session, in
// creation order.
func (s *WriterSession) Encounters() []uuid.UUID {
	out := make([]uuid.UUID, len(s.encounters))
	copy(out, s.encounters)
	return out
}

func (s *WriterSession) Open(path, identity, secret string) error {
	if err := s.writer.Open(path, identity, secret); err != nil {
		return engineErr("openWriter", err)
	}
	s.path = path
	return nil
}

func (s *WriterSession) CreateEncounter() (uuid.UUID, error) {
	if !s.IsOpen() {
		return uuid.Nil, ErrNotOpen
	}
	id, err := s.writer.NewEncounter()
	if err != nil {
		return uuid.Nil, engineErr("createEncounter", err)
	}
	s.encounters = append(s.encounters, id)
	return id, nil
}

func (s *WriterSession) AddModule(encounterID uuid.UUID, schemaPath string, payload *engine.ModulePayload) (uuid.UUID, error) {
	if !s.IsOpen() {
		return uuid.Nil, ErrNotOpen
	}
	id, err := s.writer.AddModule(encounterID, schemaPath, payload)
	if err != nil {
		return uuid.Nil, engineErr("addModule", err)
	}
	return id, nil
}

func (s *WriterSession) AddVariant(parentID uuid.UUID, schemaPath string, payload *engine.ModulePayload) (uuid.UUID, error) {
	if !s.IsOpen() {
		return uuid.Nil, ErrNotOpen
	}
	id, err := s.writer.AddVariantModule(parentID, schemaPath, payload)
	if err != nil {
		return uuid.Nil, engineErr("addVariantModule", err)
	}
	return id, nil
}

func (s *WriterSession) AddAnnotation(parentID uuid.UUID, schemaPath string, payload *engine.ModulePayload) (uuid.UUID, error) {
	if !s.IsOpen() {
		return uuid.Nil, ErrNotOpen
	}
	id, err := s.writer.AddAnnotation(parentID, schemaPath, payload)
	if err != nil {
		return uuid.Nil, engineErr("addAnnotation", err)
	}
	return id, nil
}

func (s *WriterSession) UpdateModule(id uuid.UUID, payload *engine.ModulePayload) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if err := s.writer.UpdateModule(id, payload); err != nil {
		return engineErr("updateModule", err)
	}
	return nil
}

// CanServeReads reports whether this handle can look up module data
// itself. A false answer is a capability gap, not an error; the
// coordinator recovers through a reader.
func (s *WriterSession) CanServeReads() bool {
	return s.IsOpen() && s.writer.CanServeReads()
}

func (s *WriterSession) ModuleData(id uuid.UUID) (engine.ModuleResult, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	result, err := s.writer.ModuleData(id)
	if err != nil {
		return nil, engineErr("getModuleData", err)
	}
	return result, nil
}

// Finalize makes the session's changes durable and closes the handle.
func (s *WriterSession) Finalize() error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if err := s.writer.Finalize(); err != nil {
		return engineErr("closeAndFinalize", err)
	}
	s.path = ""
	return nil
}

// Cancel discards the session's changes and closes the handle.
func (s *WriterSession) Cancel() error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if err := s.writer.Cancel(); err != nil {
		return engineErr("cancelAndClose", err)
	}
	s.path = ""
	return nil
}
