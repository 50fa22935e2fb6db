package session_test

import (
	"github.com/google/uuid"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine"
)

// fakeEngine hands out scripted readers and writers and records every
// handle it created, so tests can assert how many were opened and what
// happened to each.
type fakeEngine struct {
	newReader func() *fakeReader
	newWriter func() *fakeWriter

	readers []*fakeReader
	writers []*fakeWriter
}

func (e *fakeEngine) NewReader() engine.Reader {
	r := &fakeReader{}
	if e.newReader != nil {
		r = e.newReader()
	}
	e.readers = append(e.readers, r)
	return r
}

func (e *fakeEngine) NewWriter() engine.Writer {
	w := &fakeWriter{}
	if e.newWriter != nil {
		w = e.newWriter()
	}
	e.writers = append(e.writers, w)
	return w
}

type fakeResult struct {
	kind engine.PayloadKind
	meta map[string]any
}

func (f *fakeResult) SchemaPath() string       { return "./schemas/lab/v1.json" }
func (f *fakeResult) Kind() engine.PayloadKind { return f.kind }
func (f *fakeResult) Metadata() (any, error)   { return f.meta, nil }
func (f *fakeResult) Data() (any, error)       { return nil, nil }

type fakeReader struct {
	openErr   error
	closeErr  error
	infoErr   error
	moduleErr error
	trailErr  error

	info   *engine.FileInfo
	result engine.ModuleResult
	trail  []engine.AuditEntry

	opened     bool
	openPath   string
	openSecret string
	closes     int
}

func (r *fakeReader) Open(path, secret string) error {
	if r.openErr != nil {
		return r.openErr
	}
	r.opened = true
	r.openPath = path
	r.openSecret = secret
	return nil
}

func (r *fakeReader) FileInfo() (*engine.FileInfo, error) {
	if r.infoErr != nil {
		return nil, r.infoErr
	}
	if r.info != nil {
		return r.info, nil
	}
	return &engine.FileInfo{}, nil
}

func (r *fakeReader) ModuleData(uuid.UUID) (engine.ModuleResult, error) {
	if r.moduleErr != nil {
		return nil, r.moduleErr
	}
	if r.result != nil {
		return r.result, nil
	}
	return &fakeResult{kind: engine.PayloadTabular}, nil
}

func (r *fakeReader) AuditTrail(uuid.UUID) ([]engine.AuditEntry, error) {
	if r.trailErr != nil {
		return nil, r.trailErr
	}
	return r.trail, nil
}

func (r *fakeReader) Close() error {
	r.opened = false
	r.closes++
	return r.closeErr
}

type fakeWriter struct {
	openErr      error
	encounterErr error
	moduleErr    error
	updateErr    error
	readErr      error
	finalizeErr  error
	cancelErr    error

	canReads bool
	result   engine.ModuleResult

	opened     bool
	openPath   string
	identity   string
	openSecret string
	finalized  int
	canceled   int
	encounters []uuid.UUID
	modules    []uuid.UUID
}

func (w *fakeWriter) Open(path, identity, secret string) error {
	if w.openErr != nil {
		return w.openErr
	}
	w.opened = true
	w.openPath = path
	w.identity = identity
	w.openSecret = secret
	return nil
}

func (w *fakeWriter) Create(path, identity, secret string) error {
	return w.Open(path, identity, secret)
}

func (w *fakeWriter) NewEncounter() (uuid.UUID, error) {
	if w.encounterErr != nil {
		return uuid.Nil, w.encounterErr
	}
	id := uuid.New()
	w.encounters = append(w.encounters, id)
	return id, nil
}

func (w *fakeWriter) addChild() (uuid.UUID, error) {
	if w.moduleErr != nil {
		return uuid.Nil, w.moduleErr
	}
	id := uuid.New()
	w.modules = append(w.modules, id)
	return id, nil
}

func (w *fakeWriter) AddModule(uuid.UUID, string, *engine.ModulePayload) (uuid.UUID, error) {
	return w.addChild()
}

func (w *fakeWriter) AddVariantModule(uuid.UUID, string, *engine.ModulePayload) (uuid.UUID, error) {
	return w.addChild()
}

func (w *fakeWriter) AddAnnotation(uuid.UUID, string, *engine.ModulePayload) (uuid.UUID, error) {
	return w.addChild()
}

func (w *fakeWriter) UpdateModule(uuid.UUID, *engine.ModulePayload) error {
	return w.updateErr
}

func (w *fakeWriter) ModuleData(uuid.UUID) (engine.ModuleResult, error) {
	if w.readErr != nil {
		return nil, w.readErr
	}
	if w.result != nil {
		return w.result, nil
	}
	return &fakeResult{kind: engine.PayloadTabular}, nil
}

func (w *fakeWriter) CanServeReads() bool { return w.canReads }

func (w *fakeWriter) Finalize() error {
	if w.finalizeErr != nil {
		return w.finalizeErr
	}
	w.finalized++
	w.opened = false
	return nil
}

func (w *fakeWriter) Cancel() error {
	if w.cancelErr != nil {
		return w.cancelErr
	}
	w.canceled++
	w.opened = false
	return nil
}
