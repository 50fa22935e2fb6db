package apiserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/catalog"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/codec"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/logger"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/media"
	metrics "github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/metrics/prometheus"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/schemas"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/session"
)

// credentialsRequest is the body of POST /api/credentials.
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// secretRequest carries the optional container password used to reopen
// the standing reader after save and cancel.
type secretRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleStoreCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, maxControlBody, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.creds.Set(req.Username, req.Password); err != nil {
		s.writeError(w, err)
		return
	}
	identity := s.creds.Current()
	logger.Info("credentials stored", "username", identity.Name)
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"username":      identity.Name,
		"authenticated": true,
	})
}

func (s *Server) handleCheckAuth(w http.ResponseWriter, _ *http.Request) {
	identity := s.creds.Current()
	body := map[string]any{"authenticated": identity.Authenticated}
	if identity.Name != "" {
		body["username"] = identity.Name
	}
	s.writeSuccess(w, http.StatusOK, body)
}

func (s *Server) handleClearCredentials(w http.ResponseWriter, _ *http.Request) {
	s.creds.Clear()
	s.writeSuccess(w, http.StatusOK, map[string]any{"authenticated": false})
}

// handleUpload stages the posted container and opens it for viewing.
// The staged copy is discarded again if the engine rejects it, so a
// failed upload leaves no residue.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.uploadLimiter.Allow() {
		metrics.RecordUpload(metrics.StatusError, 0)
		s.writeError(w, &apiError{
			Status:  http.StatusTooManyRequests,
			Kind:    kindRateLimited,
			Message: "upload rate exceeded, retry shortly",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.uploadMaxBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		metrics.RecordUpload(metrics.StatusError, 0)
		s.writeError(w, badRequestf("multipart file field: %v", err))
		return
	}
	defer file.Close()

	upload, err := s.uploads.Stage(r.Context(), header.Filename, file)
	if err != nil {
		metrics.RecordUpload(metrics.StatusError, 0)
		s.writeError(w, err)
		return
	}
	if upload.Size == 0 {
		s.discardUpload(r, upload.Path)
		metrics.RecordUpload(metrics.StatusError, 0)
		s.writeError(w, &apiError{
			Status:  http.StatusUnprocessableEntity,
			Kind:    kindValidation,
			Message: "uploaded file is empty",
		})
		return
	}

	info, err := s.coordinator.OpenForViewing(upload.Path, r.FormValue("password"))
	if err != nil {
		s.discardUpload(r, upload.Path)
		metrics.RecordUpload(metrics.StatusError, upload.Size)
		s.writeError(w, err)
		return
	}

	entry := &catalog.Entry{
		Path:        upload.Path,
		Name:        upload.Name,
		Size:        upload.Size,
		ModuleCount: info.ModuleCount,
	}
	if err := s.catalog.Put(r.Context(), entry); err != nil {
		logger.Warn("recording upload in catalog", "path", upload.Path, "error", err)
	}

	metrics.RecordUpload(metrics.StatusSuccess, upload.Size)
	metrics.SetContainerOpen(true)
	logger.Info("container opened", "name", upload.Name, "size", upload.Size, "modules", info.ModuleCount)
	s.writeSuccess(w, http.StatusCreated, map[string]any{
		"path":     upload.Path,
		"name":     upload.Name,
		"size":     upload.Size,
		"fileInfo": info,
	})
}

// discardUpload removes a staged file that never became the open
// container.
func (s *Server) discardUpload(r *http.Request, path string) {
	if err := s.uploads.Remove(r.Context(), path); err != nil {
		logger.Warn("removing rejected upload", "path", path, "error", err)
	}
}

func (s *Server) handleFileInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.coordinator.FileInfo(r.URL.Query().Get("password"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := s.coordinator.Status()
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"state":    status.State,
		"path":     status.Path,
		"fileInfo": info,
	})
}

// handleCloseFile closes the open container and removes its staged
// copy. The catalog entry stays behind as open history.
func (s *Server) handleCloseFile(w http.ResponseWriter, r *http.Request) {
	status := s.coordinator.Status()
	wasEditing := status.State == session.StateEditing
	if err := s.coordinator.Close(); err != nil {
		s.writeError(w, err)
		return
	}
	if wasEditing {
		metrics.RecordEditEnd()
	}
	metrics.SetContainerOpen(false)
	if status.Path != "" {
		if err := s.uploads.Remove(r.Context(), status.Path); err != nil {
			logger.Warn("removing staged container on close", "path", status.Path, "error", err)
		}
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{"state": session.StateClosed})
}

func (s *Server) handleBeginEdit(w http.ResponseWriter, _ *http.Request) {
	wasEditing := s.coordinator.Status().State == session.StateEditing
	editCtx, err := s.coordinator.BeginEdit()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !wasEditing {
		metrics.RecordEditStart()
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"path":         editCtx.Path,
		"encounterIds": editCtx.Encounters,
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req secretRequest
	if err := decodeJSON(w, r, maxControlBody, &req); err != nil {
		s.writeError(w, err)
		return
	}

	wasEditing := s.coordinator.Status().State == session.StateEditing
	start := time.Now()
	err := s.coordinator.Save(req.Password)
	status := s.coordinator.Status()
	if wasEditing && status.State != session.StateEditing {
		metrics.RecordEditEnd()
	}
	// A failed reader reopen ends the session entirely.
	metrics.SetContainerOpen(status.State != session.StateClosed)
	if err != nil {
		metrics.RecordSave(metrics.StatusError, time.Since(start).Seconds())
		s.writeError(w, err)
		return
	}
	metrics.RecordSave(metrics.StatusSuccess, time.Since(start).Seconds())
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"state": status.State,
		"path":  status.Path,
	})
}

func (s *Server) handleCancelEdit(w http.ResponseWriter, r *http.Request) {
	var req secretRequest
	if err := decodeJSON(w, r, maxControlBody, &req); err != nil {
		s.writeError(w, err)
		return
	}

	wasEditing := s.coordinator.Status().State == session.StateEditing
	err := s.coordinator.CancelEdit(req.Password)
	status := s.coordinator.Status()
	if wasEditing && status.State != session.StateEditing {
		metrics.RecordEditEnd()
	}
	metrics.SetContainerOpen(status.State != session.StateClosed)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"state": status.State,
		"path":  status.Path,
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, badRequestf("limit must be a positive integer, got %q", raw))
			return
		}
		limit = parsed
	}
	entries, err := s.catalog.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"containers": entries,
		"count":      len(entries),
	})
}

func (s *Server) handleCreateEncounter(w http.ResponseWriter, _ *http.Request) {
	id, err := s.coordinator.CreateEncounter()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, http.StatusCreated, map[string]any{"encounterId": id})
}

func (s *Server) handleCreateModule(w http.ResponseWriter, r *http.Request) {
	encounterID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := s.decodeAuthoring(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.coordinator.CreateModule(encounterID, req.SchemaPath, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, http.StatusCreated, map[string]any{
		"moduleId":    id,
		"encounterId": encounterID,
	})
}

func (s *Server) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	s.attachChild(w, r, s.coordinator.CreateVariant)
}

func (s *Server) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	s.attachChild(w, r, s.coordinator.CreateAnnotation)
}

func (s *Server) attachChild(w http.ResponseWriter, r *http.Request, attach func(uuid.UUID, string, *engine.ModulePayload) (uuid.UUID, error)) {
	parentID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := s.decodeAuthoring(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := attach(parentID, req.SchemaPath, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, http.StatusCreated, map[string]any{
		"moduleId": id,
		"parentId": parentID,
	})
}

// handleUpdateModule replaces a module's payload. The body names the
// schema path like create does; the engine keeps the module's original
// schema binding, the path here only drives decode and validation.
func (s *Server) handleUpdateModule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := s.decodeAuthoring(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.coordinator.UpdateModule(id, req.Payload); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{"moduleId": id})
}

func (s *Server) handleModuleData(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}

	query := r.URL.Query()
	result, err := s.coordinator.ModuleData(id, query.Get("password"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	doc := codec.EncodeModule(id.String(), result)
	if img, ok := doc.Data.(codec.ImageData); ok {
		failures := 0
		for _, frame := range img.Frames {
			if _, failed := frame.(codec.FrameFailure); failed {
				failures++
			}
		}
		metrics.RecordFrameFailures(failures)
	}
	body := documentBody(doc)

	if expr := query.Get("query"); expr != "" {
		projected, err := projectDocument(body, expr)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeSuccess(w, http.StatusOK, map[string]any{
			"query":  expr,
			"result": projected,
		})
		return
	}

	if doc.Digest != "" {
		w.Header().Set("ETag", `"`+doc.Digest+`"`)
	}
	s.writeSuccess(w, http.StatusOK, body)
}

// documentBody flattens a wire document into the response envelope.
func documentBody(doc *codec.Document) map[string]any {
	body := map[string]any{"moduleId": doc.ModuleID}
	if doc.SchemaPath != "" {
		body["schemaPath"] = doc.SchemaPath
	}
	if doc.Metadata != nil {
		body["metadata"] = doc.Metadata
	}
	if doc.Data != nil {
		body["data"] = doc.Data
	}
	if doc.Digest != "" {
		body["digest"] = doc.Digest
	}
	return body
}

// projectDocument runs a JMESPath expression over the document as the
// client sees it, so typed values are round-tripped through JSON and
// the search walks plain maps and slices.
func projectDocument(body map[string]any, expr string) (any, error) {
	compiled, err := jmespath.Compile(expr)
	if err != nil {
		return nil, badRequestf("query expression: %v", err)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, badRequestf("query target: %v", err)
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, badRequestf("query target: %v", err)
	}
	projected, err := compiled.Search(plain)
	if err != nil {
		return nil, badRequestf("query evaluation: %v", err)
	}
	return projected, nil
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	trail, err := s.coordinator.AuditTrail(id, r.URL.Query().Get("password"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"moduleId":   id,
		"auditTrail": trail,
		"count":      len(trail),
	})
}

// handleFramePreview renders one frame as a PNG. Success responses are
// the raw image; failures still carry JSON envelopes.
func (s *Server) handleFramePreview(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	index, err := pathIndex(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	query := r.URL.Query()
	maxEdge := 0
	if raw := query.Get("max"); raw != "" {
		maxEdge, err = strconv.Atoi(raw)
		if err != nil || maxEdge < 1 {
			s.writeError(w, badRequestf("max must be a positive integer, got %q", raw))
			return
		}
	}

	start := time.Now()
	result, err := s.coordinator.ModuleData(id, query.Get("password"))
	if err != nil {
		metrics.RecordPreview(metrics.StatusError, time.Since(start).Seconds())
		s.writeError(w, err)
		return
	}
	frame, err := codec.ExtractFrame(result, index)
	if err != nil {
		metrics.RecordPreview(metrics.StatusError, time.Since(start).Seconds())
		s.writeError(w, err)
		return
	}
	preview, err := media.RenderPreview(frame, media.PreviewConfig{MaxEdge: maxEdge})
	if err != nil {
		metrics.RecordPreview(metrics.StatusError, time.Since(start).Seconds())
		s.writeError(w, &apiError{
			Status:  http.StatusUnprocessableEntity,
			Kind:    kindValidation,
			Message: "rendering preview: " + err.Error(),
		})
		return
	}
	metrics.RecordPreview(metrics.StatusSuccess, time.Since(start).Seconds())

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(preview.PNG)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(preview.PNG); err != nil {
		logger.Warn("writing frame preview", "moduleId", id, "error", err)
	}
}

func (s *Server) handleListSchemas(w http.ResponseWriter, _ *http.Request) {
	list := s.schemas.List()
	summaries := make([]map[string]any, 0, len(list))
	for _, schema := range list {
		summaries = append(summaries, schemaSummary(schema))
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"schemas": summaries,
		"count":   len(summaries),
	})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	schema, ok := s.schemas.Get(id)
	if !ok {
		s.writeError(w, &apiError{
			Status:  http.StatusNotFound,
			Kind:    kindNotFound,
			Message: "schema " + strconv.Quote(id) + " is not registered",
		})
		return
	}
	body := schemaSummary(schema)
	body["document"] = schema.Document
	s.writeSuccess(w, http.StatusOK, body)
}

func schemaSummary(schema *schemas.Schema) map[string]any {
	return map[string]any{
		"id":           schema.ID,
		"domain":       schema.Domain,
		"version":      schema.Version.String(),
		"path":         schema.Path,
		"title":        schema.Title,
		"imageBearing": schema.ImageBearing,
	}
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, badRequestf("%s is not a valid UUID: %q", name, raw)
	}
	return id, nil
}

func pathIndex(r *http.Request) (int, error) {
	raw := r.PathValue("index")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequestf("index must be a non-negative integer, got %q", raw)
	}
	return n, nil
}

// decodeJSON decodes a JSON body into dst. An empty body leaves dst
// zero so optional-body endpoints accept bare POSTs.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequestf("request body: %v", err)
	}
	return nil
}

// authoring is a decoded module create or update request.
type authoring struct {
	SchemaPath string
	Payload    *engine.ModulePayload
}

// decodeAuthoring reads an authoring body, strips the schema path, and
// converts the rest into an engine payload. Metadata is validated when
// the schema is registered; unregistered paths pass through for the
// engine to judge.
func (s *Server) decodeAuthoring(w http.ResponseWriter, r *http.Request) (*authoring, error) {
	var body map[string]any
	if err := decodeJSON(w, r, s.uploadMaxBytes, &body); err != nil {
		return nil, err
	}
	schemaPath, _ := body["schemaPath"].(string)
	if schemaPath == "" {
		return nil, badRequestf("schemaPath is required")
	}
	delete(body, "schemaPath")

	payload, err := codec.DecodeAuthoring(body, s.schemas.ImageBearing(schemaPath))
	if err != nil {
		return nil, err
	}
	if _, registered := s.schemas.ByPath(schemaPath); registered {
		// A typed nil map would validate as JSON null, not as an absent
		// object, so unwrap it before handing over.
		var meta map[string]any
		if payload.Metadata != nil {
			meta = payload.Metadata
		}
		if err := s.schemas.Validate(schemaPath, meta); err != nil {
			return nil, err
		}
	}
	return &authoring{SchemaPath: schemaPath, Payload: payload}, nil
}
