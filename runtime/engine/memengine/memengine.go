// Package memengine is a pure-Go reference implementation of the engine
// contract, backed by JSON staging files.
//
// The native engine stores containers in the binary UMDF layout; this
// implementation mirrors its observable behavior (secret checks, staged
// writes that become durable on finalize, single-writer locking, snapshot
// reads) against a JSON document instead. It backs development setups and
// tests; nothing outside this package reads its file format.
package memengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine"
)

const (
	formatMarker  = "UMDF"
	formatVersion = "1.0.0"
)

// Engine hands out reader and writer handles over JSON container files.
type Engine struct {
	mu          sync.Mutex
	locked      map[string]struct{}
	writerReads bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithWriterReads makes writer handles serve module reads from their
// staged state. The native engine does not; leave this off to reproduce
// its capability gap.
func WithWriterReads(enabled bool) Option {
	return func(e *Engine) { e.writerReads = enabled }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{locked: make(map[string]struct{})}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewReader returns an unopened reader handle.
func (e *Engine) NewReader() engine.Reader {
	return &reader{eng: e}
}

// NewWriter returns an unopened writer handle.
func (e *Engine) NewWriter() engine.Writer {
	return &writer{eng: e}
}

// acquire takes the single-writer lock for path.
func (e *Engine) acquire(path string) error {
	key := filepath.Clean(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.locked[key]; held {
		return fmt.Errorf("another writer holds %s", filepath.Base(path))
	}
	e.locked[key] = struct{}{}
	return nil
}

// release drops the single-writer lock for path.
func (e *Engine) release(path string) {
	key := filepath.Clean(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locked, key)
}

// containerDoc is the staging-file document.
type containerDoc struct {
	Format     string         `json:"format"`
	Version    string         `json:"version"`
	Author     string         `json:"author,omitempty"`
	SecretHash string         `json:"secretHash"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Encounters []encounterDoc `json:"encounters"`
	Modules    []*moduleDoc   `json:"modules"`
}

type encounterDoc struct {
	ID      uuid.UUID   `json:"encounterId"`
	Modules []uuid.UUID `json:"modules"`
}

type moduleDoc struct {
	ID         uuid.UUID           `json:"uuid"`
	SchemaPath string              `json:"schemaPath"`
	Kind       engine.PayloadKind  `json:"type"`
	Relation   engine.Relation     `json:"relation"`
	Parent     uuid.UUID           `json:"parent,omitempty"`
	Children   []uuid.UUID         `json:"children,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	Data       any                 `json:"data,omitempty"`
	Frames     []frameDoc          `json:"frames,omitempty"`
	Trail      []engine.AuditEntry `json:"trail,omitempty"`
}

type frameDoc struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	Pixels   []byte         `json:"pixels"`
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// loadDoc reads and verifies a container file.
func loadDoc(path, secret string) (*containerDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	var doc containerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("container file is not valid UMDF staging JSON: %w", err)
	}
	if doc.Format != formatMarker {
		return nil, fmt.Errorf("file is not a UMDF container (format %q)", doc.Format)
	}
	if doc.SecretHash != hashSecret(secret) {
		return nil, fmt.Errorf("%w: incorrect password for %s", engine.ErrDecryptionFailed, filepath.Base(path))
	}
	return &doc, nil
}

// storeDoc writes the container atomically in place.
func storeDoc(path string, doc *containerDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode container: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".umdf-staging-*")
	if err != nil {
		return fmt.Errorf("stage container: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("stage container: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("stage container: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit container: %w", err)
	}
	return nil
}

func (d *containerDoc) module(id uuid.UUID) *moduleDoc {
	for _, m := range d.Modules {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (d *containerDoc) encounter(id uuid.UUID) *encounterDoc {
	for i := range d.Encounters {
		if d.Encounters[i].ID == id {
			return &d.Encounters[i]
		}
	}
	return nil
}

// fileInfo builds the info document from the container state.
func (d *containerDoc) fileInfo() *engine.FileInfo {
	info := &engine.FileInfo{
		ModuleCount: len(d.Modules),
		Modules:     make([]engine.ModuleInfo, 0, len(d.Modules)),
		Encounters:  make([]engine.EncounterInfo, 0, len(d.Encounters)),
	}
	for _, m := range d.Modules {
		info.Modules = append(info.Modules, engine.ModuleInfo{
			ID:         m.ID,
			SchemaID:   schemaID(m.SchemaPath),
			SchemaPath: m.SchemaPath,
			Kind:       m.Kind,
		})
	}
	for _, enc := range d.Encounters {
		ei := engine.EncounterInfo{ID: enc.ID}
		for _, rootID := range enc.Modules {
			if node, ok := d.moduleNode(rootID); ok {
				ei.Modules = append(ei.Modules, node)
			}
		}
		info.Encounters = append(info.Encounters, ei)
	}
	return info
}

func (d *containerDoc) moduleNode(id uuid.UUID) (engine.ModuleNode, bool) {
	m := d.module(id)
	if m == nil {
		return engine.ModuleNode{}, false
	}
	node := engine.ModuleNode{ID: m.ID, Relation: m.Relation}
	for _, childID := range m.Children {
		if child, ok := d.moduleNode(childID); ok {
			node.Children = append(node.Children, child)
		}
	}
	return node, true
}

// schemaID derives the short schema identifier from its path, e.g.
// "./schemas/lab/v1.json" -> "lab.v1".
func schemaID(schemaPath string) string {
	dir, file := filepath.Split(filepath.Clean(schemaPath))
	domain := filepath.Base(dir)
	version := file
	if ext := filepath.Ext(file); ext != "" {
		version = file[:len(file)-len(ext)]
	}
	if domain == "." || domain == "/" || domain == "" {
		return version
	}
	return domain + "." + version
}

// moduleResult adapts a stored module to the engine.ModuleResult contract.
type moduleResult struct {
	m *moduleDoc
}

func (r moduleResult) SchemaPath() string {
	return r.m.SchemaPath
}

func (r moduleResult) Kind() engine.PayloadKind {
	return r.m.Kind
}

func (r moduleResult) Metadata() (any, error) {
	return r.m.Metadata, nil
}

func (r moduleResult) Data() (any, error) {
	if r.m.Kind == engine.PayloadImage {
		frames := make([]any, 0, len(r.m.Frames))
		for _, f := range r.m.Frames {
			frames = append(frames, map[string]any{
				"metadata":  f.Metadata,
				"data":      f.Pixels,
				"data_size": len(f.Pixels),
			})
		}
		return frames, nil
	}
	return r.m.Data, nil
}

// reader is a snapshot read handle. It parses the file once at Open;
// later file writes are invisible until reopen.
type reader struct {
	eng  *Engine
	path string
	doc  *containerDoc
}

func (r *reader) Open(path, secret string) error {
	if r.doc != nil {
		return fmt.Errorf("reader already has %s open", filepath.Base(r.path))
	}
	doc, err := loadDoc(path, secret)
	if err != nil {
		return err
	}
	r.path = path
	r.doc = doc
	return nil
}

func (r *reader) FileInfo() (*engine.FileInfo, error) {
	if r.doc == nil {
		return nil, engine.ErrNotOpen
	}
	return r.doc.fileInfo(), nil
}

func (r *reader) ModuleData(id uuid.UUID) (engine.ModuleResult, error) {
	if r.doc == nil {
		return nil, engine.ErrNotOpen
	}
	m := r.doc.module(id)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", engine.ErrModuleNotFound, id)
	}
	return moduleResult{m: m}, nil
}

func (r *reader) AuditTrail(id uuid.UUID) ([]engine.AuditEntry, error) {
	if r.doc == nil {
		return nil, engine.ErrNotOpen
	}
	m := r.doc.module(id)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", engine.ErrModuleNotFound, id)
	}
	trail := make([]engine.AuditEntry, len(m.Trail))
	copy(trail, m.Trail)
	return trail, nil
}

func (r *reader) Close() error {
	if r.doc == nil {
		return engine.ErrNotOpen
	}
	r.doc = nil
	r.path = ""
	return nil
}

// writer stages mutations in memory and commits them on Finalize.
type writer struct {
	eng      *Engine
	path     string
	identity string
	doc      *containerDoc
}

func (w *writer) Open(path, identity, secret string) error {
	if w.doc != nil {
		return fmt.Errorf("writer already has %s open", filepath.Base(w.path))
	}
	if err := w.eng.acquire(path); err != nil {
		return err
	}
	doc, err := loadDoc(path, secret)
	if err != nil {
		w.eng.release(path)
		return err
	}
	w.path = path
	w.identity = identity
	w.doc = doc
	return nil
}

func (w *writer) Create(path, identity, secret string) error {
	if w.doc != nil {
		return fmt.Errorf("writer already has %s open", filepath.Base(w.path))
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("container already exists at %s", filepath.Base(path))
	}
	if err := w.eng.acquire(path); err != nil {
		return err
	}
	now := time.Now().UTC()
	w.path = path
	w.identity = identity
	w.doc = &containerDoc{
		Format:     formatMarker,
		Version:    formatVersion,
		Author:     identity,
		SecretHash: hashSecret(secret),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

func (w *writer) NewEncounter() (uuid.UUID, error) {
	if w.doc == nil {
		return uuid.Nil, engine.ErrNotOpen
	}
	id := uuid.New()
	w.doc.Encounters = append(w.doc.Encounters, encounterDoc{ID: id})
	return id, nil
}

// classify determines the payload kind the engine reports back on reads.
func classify(payload *engine.ModulePayload) engine.PayloadKind {
	if payload == nil {
		return engine.PayloadTabular
	}
	if len(payload.Frames) > 0 {
		return engine.PayloadImage
	}
	switch payload.Data.(type) {
	case nil, []map[string]any, []any:
		return engine.PayloadTabular
	default:
		return engine.PayloadUnspecified
	}
}

func (w *writer) newModule(schemaPath string, payload *engine.ModulePayload, relation engine.Relation, parent uuid.UUID) *moduleDoc {
	m := &moduleDoc{
		ID:         uuid.New(),
		SchemaPath: schemaPath,
		Kind:       classify(payload),
		Relation:   relation,
		Parent:     parent,
	}
	if payload != nil {
		m.Metadata = payload.Metadata
		m.Data = payload.Data
		for _, f := range payload.Frames {
			m.Frames = append(m.Frames, frameDoc{Metadata: f.Metadata, Pixels: f.Pixels})
		}
	}
	m.Trail = append(m.Trail, engine.AuditEntry{
		ModuleID:  m.ID,
		Version:   1,
		Operation: "created",
		Author:    w.identity,
		Timestamp: time.Now().UTC(),
	})
	w.doc.Modules = append(w.doc.Modules, m)
	return m
}

func (w *writer) AddModule(encounterID uuid.UUID, schemaPath string, payload *engine.ModulePayload) (uuid.UUID, error) {
	if w.doc == nil {
		return uuid.Nil, engine.ErrNotOpen
	}
	enc := w.doc.encounter(encounterID)
	if enc == nil {
		return uuid.Nil, fmt.Errorf("%w: %s", engine.ErrEncounterNotFound, encounterID)
	}
	m := w.newModule(schemaPath, payload, engine.RelationRoot, encounterID)
	enc.Modules = append(enc.Modules, m.ID)
	return m.ID, nil
}

func (w *writer) AddVariantModule(parentID uuid.UUID, schemaPath string, payload *engine.ModulePayload) (uuid.UUID, error) {
	return w.addChild(parentID, schemaPath, payload, engine.RelationVariant)
}

func (w *writer) AddAnnotation(parentID uuid.UUID, schemaPath string, payload *engine.ModulePayload) (uuid.UUID, error) {
	return w.addChild(parentID, schemaPath, payload, engine.RelationAnnotation)
}

func (w *writer) addChild(parentID uuid.UUID, schemaPath string, payload *engine.ModulePayload, relation engine.Relation) (uuid.UUID, error) {
	if w.doc == nil {
		return uuid.Nil, engine.ErrNotOpen
	}
	parent := w.doc.module(parentID)
	if parent == nil {
		return uuid.Nil, fmt.Errorf("%w: %s", engine.ErrModuleNotFound, parentID)
	}
	m := w.newModule(schemaPath, payload, relation, parentID)
	parent.Children = append(parent.Children, m.ID)
	return m.ID, nil
}

func (w *writer) UpdateModule(id uuid.UUID, payload *engine.ModulePayload) error {
	if w.doc == nil {
		return engine.ErrNotOpen
	}
	m := w.doc.module(id)
	if m == nil {
		return fmt.Errorf("%w: %s", engine.ErrModuleNotFound, id)
	}
	m.Kind = classify(payload)
	m.Metadata = nil
	m.Data = nil
	m.Frames = nil
	if payload != nil {
		m.Metadata = payload.Metadata
		m.Data = payload.Data
		for _, f := range payload.Frames {
			m.Frames = append(m.Frames, frameDoc{Metadata: f.Metadata, Pixels: f.Pixels})
		}
	}
	m.Trail = append(m.Trail, engine.AuditEntry{
		ModuleID:  id,
		Version:   len(m.Trail) + 1,
		Operation: "updated",
		Author:    w.identity,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (w *writer) ModuleData(id uuid.UUID) (engine.ModuleResult, error) {
	if w.doc == nil {
		return nil, engine.ErrNotOpen
	}
	if !w.eng.writerReads {
		return nil, engine.ErrReadsUnsupported
	}
	m := w.doc.module(id)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", engine.ErrModuleNotFound, id)
	}
	return moduleResult{m: m}, nil
}

func (w *writer) CanServeReads() bool {
	return w.eng.writerReads
}

func (w *writer) Finalize() error {
	if w.doc == nil {
		return engine.ErrNotOpen
	}
	w.doc.UpdatedAt = time.Now().UTC()
	if err := storeDoc(w.path, w.doc); err != nil {
		return err
	}
	w.eng.release(w.path)
	w.doc = nil
	w.path = ""
	return nil
}

func (w *writer) Cancel() error {
	if w.doc == nil {
		return engine.ErrNotOpen
	}
	w.eng.release(w.path)
	w.doc = nil
	w.path = ""
	return nil
}
