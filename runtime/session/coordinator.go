package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/credentials"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/logger"
)

// State is the coordinator's lifecycle position.
type State string

const (
	StateClosed  State = "closed"
	StateViewing State = "viewing"
	StateEditing State = "editing"

	// StateSaving is the transient sub-state of editing while a
	// finalize is in flight.
	StateSaving State = "saving"
)

var validTransitions = map[State]map[State]bool{
	StateClosed:  {StateViewing: true},
	StateViewing: {StateEditing: true, StateClosed: true},
	StateEditing: {StateSaving: true, StateViewing: true, StateClosed: true},
	StateSaving:  {StateEditing: true, StateViewing: true, StateClosed: true},
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	State State  `json:"state"`
	Path  string `json:"path,omitempty"`
}

// EditContext describes the running edit session: the container path
// and the encounters created since the edit began.
type EditContext struct {
	Path       string      `json:"path"`
	Encounters []uuid.UUID `json:"encounterIds"`
}

// Coordinator owns at most one open container across the process. While
// viewing, a standing reader serves all reads. While editing, reads
// first try the writer's own lookup capability; writers that cannot
// serve reads fall back to a reader opened on demand against the same
// path, which then stays attached until the edit ends. The standing
// reader is closed before the fallback opens so a single read handle
// references the container at any time.
type Coordinator struct {
	mu    sync.Mutex
	eng   engine.Engine
	creds *credentials.Store

	state    State
	path     string
	reader   *ReaderSession
	writer   *WriterSession
	fallback *ReaderSession
}

// NewCoordinator returns a closed coordinator backed by eng and gated
// on creds.
func NewCoordinator(eng engine.Engine, creds *credentials.Store) *Coordinator {
	return &Coordinator{eng: eng, creds: creds, state: StateClosed}
}

func (c *Coordinator) setState(to State) {
	if !validTransitions[c.state][to] {
		logger.Error("invalid session transition", "from", c.state, "to", to)
		return
	}
	logger.Transition(string(c.state), string(to))
	c.state = to
}

// Status reports the current state and container path.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Path: c.path}
}

// OpenForViewing opens the container at path read-only. Exactly one
// container may be open per process; a second open fails fast instead
// of leaking the first handle.
func (c *Coordinator) OpenForViewing(path, secret string) (*engine.FileInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateClosed {
		return nil, ErrAlreadyOpen
	}

	reader := NewReaderSession(c.eng)
	if err := reader.Open(path, secret); err != nil {
		logger.EngineError("reader", "openReader", err, "path", path)
		return nil, err
	}
	info, err := reader.FileInfo()
	if err != nil {
		logger.EngineError("reader", "getFileInfo", err, "path", path)
		if cerr := reader.Close(); cerr != nil {
			logger.Warn("closing reader after failed file info", "error", cerr)
		}
		return nil, err
	}

	c.reader = reader
	c.path = path
	c.setState(StateViewing)
	return info, nil
}

// BeginEdit opens a writer for the current container using the stored
// credentials. Calling it while an edit is already running is a no-op
// success that reports the running context rather than an error; two
// writers are never open against the same path.
func (c *Coordinator) BeginEdit() (*EditContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateEditing {
		return c.editContext(), nil
	}
	if c.state != StateViewing {
		return nil, ErrNotOpen
	}

	identity, secret, ok := c.creds.EngineCredentials()
	if !ok {
		return nil, ErrAuthRequired
	}

	writer := NewWriterSession(c.eng)
	if err := writer.Open(c.path, identity, secret); err != nil {
		logger.EngineError("writer", "openWriter", err, "path", c.path)
		return nil, err
	}

	c.writer = writer
	c.setState(StateEditing)
	return c.editContext(), nil
}

func (c *Coordinator) editContext() *EditContext {
	return &EditContext{Path: c.path, Encounters: c.writer.Encounters()}
}

// CreateEncounter adds an encounter to the running edit session.
func (c *Coordinator) CreateEncounter() (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateEditing {
		return uuid.Nil, ErrNotEditing
	}
	id, err := c.writer.CreateEncounter()
	if err != nil {
		logger.EngineError("writer", "createEncounter", err)
		return uuid.Nil, err
	}
	return id, nil
}

// CreateModule adds a module under an encounter.
func (c *Coordinator) CreateModule(encounterID uuid.UUID, schemaPath string, payload *engine.ModulePayload) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateEditing {
		return uuid.Nil, ErrNotEditing
	}
	id, err := c.writer.AddModule(encounterID, schemaPath, payload)
	if err != nil {
		logger.EngineError("writer", "addModule", err, "encounterId", encounterID)
		return uuid.Nil, err
	}
	return id, nil
}

// CreateVariant adds a variant module under an existing module.
func (c *Coordinator) CreateVariant(parentID uuid.UUID, schemaPath string, payload *engine.ModulePayload) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateEditing {
		return uuid.Nil, ErrNotEditing
	}
	id, err := c.writer.AddVariant(parentID, schemaPath, payload)
	if err != nil {
		logger.EngineError("writer", "addVariantModule", err, "parentId", parentID)
		return uuid.Nil, err
	}
	return id, nil
}

// CreateAnnotation adds an annotation module under an existing module.
func (c *Coordinator) CreateAnnotation(parentID uuid.UUID, schemaPath string, payload *engine.ModulePayload) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateEditing {
		return uuid.Nil, ErrNotEditing
	}
	id, err := c.writer.AddAnnotation(parentID, schemaPath, payload)
	if err != nil {
		logger.EngineError("writer", "addAnnotation", err, "parentId", parentID)
		return uuid.Nil, err
	}
	return id, nil
}

// UpdateModule replaces a module's payload within the running edit.
func (c *Coordinator) UpdateModule(id uuid.UUID, payload *engine.ModulePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateEditing {
		return ErrNotEditing
	}
	if err := c.writer.UpdateModule(id, payload); err != nil {
		logger.EngineError("writer", "updateModule", err, "moduleId", id)
		return err
	}
	return nil
}

// ModuleData looks up one module's payload. While viewing it is served
// by the standing reader and secret is unused. While editing the writer
// serves it when capable; otherwise the read comes from the fallback
// reader, opened with the caller's secret, or the stored credential
// secret when the caller supplied none.
func (c *Coordinator) ModuleData(id uuid.UUID, secret string) (engine.ModuleResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateViewing:
		return c.reader.ModuleData(id)
	case StateEditing:
		if c.writer.CanServeReads() {
			return c.writer.ModuleData(id)
		}
		reader, err := c.editReader(secret)
		if err != nil {
			return nil, err
		}
		return reader.ModuleData(id)
	default:
		return nil, ErrNotOpen
	}
}

// AuditTrail returns a module's audit history. Writers never serve
// audit lookups, so mid-edit requests go through the fallback reader.
func (c *Coordinator) AuditTrail(id uuid.UUID, secret string) ([]engine.AuditEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateViewing:
		return c.reader.AuditTrail(id)
	case StateEditing:
		reader, err := c.editReader(secret)
		if err != nil {
			return nil, err
		}
		return reader.AuditTrail(id)
	default:
		return nil, ErrNotOpen
	}
}

// FileInfo describes the open container. Mid-edit it reflects the last
// finalized content; staged changes appear only after a save.
func (c *Coordinator) FileInfo(secret string) (*engine.FileInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateViewing:
		return c.reader.FileInfo()
	case StateEditing:
		if c.reader != nil && c.reader.IsOpen() {
			return c.reader.FileInfo()
		}
		reader, err := c.editReader(secret)
		if err != nil {
			return nil, err
		}
		return reader.FileInfo()
	default:
		return nil, ErrNotOpen
	}
}

// editReader returns the edit-time fallback reader, opening it on first
// use. The standing reader is closed first so only one read handle
// references the container; the fallback then stays attached until the
// edit session ends.
func (c *Coordinator) editReader(secret string) (*ReaderSession, error) {
	if c.fallback != nil && c.fallback.IsOpen() {
		return c.fallback, nil
	}

	if c.reader != nil && c.reader.IsOpen() {
		if err := c.reader.Close(); err != nil {
			logger.Warn("closing standing reader before fallback open", "error", err)
		}
	}

	fallback := NewReaderSession(c.eng)
	if err := fallback.Open(c.path, c.resolveSecret(secret)); err != nil {
		logger.EngineError("fallback", "openReader", err, "path", c.path)
		return nil, err
	}
	logger.EngineCall("fallback", "openReader", "path", c.path)
	c.fallback = fallback
	return fallback, nil
}

func (c *Coordinator) resolveSecret(secret string) string {
	if secret != "" {
		return secret
	}
	if _, stored, ok := c.creds.EngineCredentials(); ok {
		return stored
	}
	return ""
}

// Save finalizes the running edit and restores viewing against the
// saved container. A finalize failure leaves the edit session intact;
// the writes stay staged and the caller may retry or cancel.
func (c *Coordinator) Save(secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateEditing {
		return ErrNotEditing
	}
	c.setState(StateSaving)

	if err := c.writer.Finalize(); err != nil {
		logger.EngineError("writer", "closeAndFinalize", err)
		c.setState(StateEditing)
		return err
	}
	c.writer = nil
	return c.reopenForViewing(secret)
}

// CancelEdit discards the running edit and restores viewing. A cancel
// failure leaves the edit session intact.
func (c *Coordinator) CancelEdit(secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateEditing {
		return ErrNotEditing
	}
	if err := c.writer.Cancel(); err != nil {
		logger.EngineError("writer", "cancelAndClose", err)
		return err
	}
	c.writer = nil
	return c.reopenForViewing(secret)
}

// reopenForViewing tears down the edit-time read handles and opens a
// fresh standing reader. An empty secret falls back to the stored
// credential, matching the edit-time read path. The writer is already
// closed by the time this runs, so a reopen failure ends Closed rather
// than half-open; the finalized container is intact on disk either way.
func (c *Coordinator) reopenForViewing(secret string) error {
	for _, err := range c.releaseReaders() {
		logger.Warn("closing read handle during transition", "error", err)
	}

	reader := NewReaderSession(c.eng)
	if err := reader.Open(c.path, c.resolveSecret(secret)); err != nil {
		logger.EngineError("reader", "openReader", err, "path", c.path)
		c.path = ""
		c.setState(StateClosed)
		return err
	}

	c.reader = reader
	c.setState(StateViewing)
	return nil
}

// releaseReaders closes whichever read handles are open and clears
// them, reporting any close failures.
func (c *Coordinator) releaseReaders() []error {
	var errs []error
	if c.fallback != nil {
		if err := c.fallback.Close(); err != nil {
			errs = append(errs, err)
		}
		c.fallback = nil
	}
	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			errs = append(errs, err)
		}
		c.reader = nil
	}
	return errs
}

// Close shuts both handles if open and returns the coordinator to
// Closed. Staged edits are discarded. Close is idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}

	var errs []error
	if c.writer != nil && c.writer.IsOpen() {
		if err := c.writer.Cancel(); err != nil {
			errs = append(errs, err)
		}
	}
	c.writer = nil
	errs = append(errs, c.releaseReaders()...)

	c.path = ""
	c.setState(StateClosed)
	return errors.Join(errs...)
}
