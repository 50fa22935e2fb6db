// Package apiserver exposes the container session over HTTP for the
// browser UI. It owns no domain state of its own: every request is
// translated onto the session coordinator, the upload store, the
// catalog, or the schema registry, and every response is wrapped in the
// success/error envelope the UI dispatches on.
package apiserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/catalog"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/credentials"
	metrics "github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/metrics/prometheus"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/schemas"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/session"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/storage"
)

const (
	// defaultAddr is the listen address used by ListenAndServe.
	defaultAddr = ":8000"

	// defaultReadHeaderTimeout prevents Slowloris attacks.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultReadTimeout is the maximum duration for reading the entire
	// request, including the body. Container uploads run to hundreds of
	// megabytes over slow links, so this is far looser than a pure JSON
	// API would need.
	defaultReadTimeout = 5 * time.Minute

	// defaultWriteTimeout is the maximum duration before timing out
	// writes of the response. Hijacked websocket connections are exempt;
	// frame streaming applies its own per-write deadlines.
	defaultWriteTimeout = 60 * time.Second

	// defaultIdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled.
	defaultIdleTimeout = 120 * time.Second

	// defaultUploadMaxBytes caps multipart upload and authoring bodies.
	// Default: 256 MB, sized for multi-frame imaging containers.
	defaultUploadMaxBytes int64 = 256 << 20

	// maxControlBody caps the JSON bodies of control endpoints such as
	// credentials and save. Authoring bodies carry pixel matrices and
	// use the upload cap instead.
	maxControlBody int64 = 1 << 20

	// defaultUploadsPerMinute and defaultUploadBurst shape the upload
	// rate limiter.
	defaultUploadsPerMinute = 30
	defaultUploadBurst      = 5
)

// Deps are the collaborators the server drives. All fields are
// required.
type Deps struct {
	Coordinator *session.Coordinator
	Credentials *credentials.Store
	Uploads     storage.Service
	Catalog     catalog.Catalog
	Schemas     *schemas.Registry
}

// Server serves the container UI API.
type Server struct {
	coordinator *session.Coordinator
	creds       *credentials.Store
	uploads     storage.Service
	catalog     catalog.Catalog
	schemas     *schemas.Registry

	addr           string
	uploadMaxBytes int64
	uploadLimiter  *rate.Limiter
	upgrader       websocket.Upgrader

	httpSrv   *http.Server
	httpSrvMu sync.Mutex
}

// Option configures the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default: ":8000".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithUploadMaxBytes sets the maximum accepted upload and authoring
// body size. Default: 256 MB.
func WithUploadMaxBytes(n int64) Option {
	return func(s *Server) { s.uploadMaxBytes = n }
}

// WithUploadRate throttles container uploads to perMinute with the
// given burst. perMinute <= 0 disables the limiter.
func WithUploadRate(perMinute, burst int) Option {
	return func(s *Server) { s.uploadLimiter = newUploadLimiter(perMinute, burst) }
}

// NewServer creates a Server around its collaborators.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{
		coordinator:    deps.Coordinator,
		creds:          deps.Credentials,
		uploads:        deps.Uploads,
		catalog:        deps.Catalog,
		schemas:        deps.Schemas,
		addr:           defaultAddr,
		uploadMaxBytes: defaultUploadMaxBytes,
		uploadLimiter:  newUploadLimiter(defaultUploadsPerMinute, defaultUploadBurst),
		upgrader: websocket.Upgrader{
			// The UI is served from a different local port than the API,
			// so same-origin checks would reject every stream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newUploadLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

// Handler returns the HTTP handler with CORS, metrics, and tracing
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/credentials", s.handleStoreCredentials)
	mux.HandleFunc("GET /api/credentials", s.handleCheckAuth)
	mux.HandleFunc("DELETE /api/credentials", s.handleClearCredentials)

	mux.HandleFunc("POST /api/files", s.handleUpload)
	mux.HandleFunc("GET /api/files/current", s.handleFileInfo)
	mux.HandleFunc("DELETE /api/files/current", s.handleCloseFile)
	mux.HandleFunc("POST /api/files/current/edit", s.handleBeginEdit)
	mux.HandleFunc("POST /api/files/current/save", s.handleSave)
	mux.HandleFunc("POST /api/files/current/cancel", s.handleCancelEdit)

	mux.HandleFunc("GET /api/catalog", s.handleCatalog)

	mux.HandleFunc("POST /api/encounters", s.handleCreateEncounter)
	mux.HandleFunc("POST /api/encounters/{id}/modules", s.handleCreateModule)

	mux.HandleFunc("GET /api/modules/{id}", s.handleModuleData)
	mux.HandleFunc("PUT /api/modules/{id}", s.handleUpdateModule)
	mux.HandleFunc("POST /api/modules/{id}/children", s.handleCreateVariant)
	mux.HandleFunc("POST /api/modules/{id}/annotations", s.handleCreateAnnotation)
	mux.HandleFunc("GET /api/modules/{id}/audit", s.handleAuditTrail)
	mux.HandleFunc("GET /api/modules/{id}/frames/{index}/preview", s.handleFramePreview)
	mux.HandleFunc("GET /api/modules/{id}/frames/stream", s.handleFrameStream)

	mux.HandleFunc("GET /api/schemas", s.handleListSchemas)
	mux.HandleFunc("GET /api/schemas/{id}", s.handleGetSchema)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return otelhttp.NewHandler(withCORS(instrument(mux)), "umdf-api")
}

// instrument records request metrics once the mux has resolved the
// route pattern, keeping label cardinality at one value per route.
// Requests that match no pattern are not recorded.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if r.Pattern == "" {
			return
		}
		metrics.RecordHTTPRequest(r.Pattern, r.Method, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status for metrics. Hijack and
// Flush pass through so websocket upgrades and streamed responses keep
// working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withCORS answers preflight requests and marks responses for the
// browser UI, which runs on a different origin during development.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the HTTP server on the configured address and
// blocks until it stops.
func (s *Server) ListenAndServe() error {
	srv := s.newHTTPServer()
	srv.Addr = s.addr

	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	return srv.ListenAndServe()
}

// Serve accepts connections on the provided listener. It exists so
// callers can bind the listener themselves, e.g. for port 0 in tests.
func (s *Server) Serve(ln net.Listener) error {
	srv := s.newHTTPServer()

	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	return srv.Serve(ln)
}

func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
}

// Shutdown drains in-flight requests and then closes the open container
// so engine handles are released before the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpSrvMu.Lock()
	srv := s.httpSrv
	s.httpSrvMu.Unlock()

	var firstErr error
	if srv != nil {
		firstErr = srv.Shutdown(ctx)
	}
	if err := s.coordinator.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	// Write error is intentionally ignored - client may have disconnected
	// and there's nothing actionable to do with the error in a health check
	_, _ = w.Write([]byte("ok"))
}
