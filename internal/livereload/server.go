package livereload

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ikaken/live-scratch/internal/archive"
	"github.com/ikaken/live-scratch/internal/sync"
)

//go:embed static/live-reload.js
var staticFS embed.FS

const (
	scriptPath      = "/live-reload.js"
	scriptTag       = `<script src="/live-reload.js"></script>`
	shutdownTimeout = 5 * time.Second

	// DefaultMaxBodySize bounds PUT /api/archive bodies (base64 text).
	DefaultMaxBodySize = 256 << 20
)

// Facade is the subset of the sync engine the HTTP API exposes.
// *sync.Engine satisfies it.
type Facade interface {
	WorkspacePath() string
	ProduceArchive(ctx context.Context) ([]byte, error)
	ApplyArchive(ctx context.Context, data []byte) error
	OpenArchiveFromFile(ctx context.Context, path string) error
	ExportArchiveToFile(ctx context.Context, path string) error
	OpenWorkspaceInFileManager(ctx context.Context) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr        string // host:port to listen on
	StaticDir   string // editor build served at "/"; empty serves a status page
	MaxBodySize int64  // 0 = DefaultMaxBodySize
	Facade      Facade
	Hub         *Hub
	Metrics     *Metrics // nil disables /metrics
	Logger      *slog.Logger
}

// Server is the local HTTP endpoint for the editor: the sync API, the
// live-reload WebSocket, the injected client script and the editor build.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	logger   *slog.Logger
}

// NewServer creates a Server. Run serves it, optionally after Listen.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}

	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/archive", s.handleGetArchive)
	mux.HandleFunc("PUT /api/archive", s.handlePutArchive)
	mux.HandleFunc("GET /api/workspace", s.handleWorkspace)
	mux.HandleFunc("POST /api/open", s.handleOpen)
	mux.HandleFunc("POST /api/export", s.handleExport)
	mux.HandleFunc("POST /api/reveal", s.handleReveal)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET "+scriptPath, handleScript)
	mux.Handle("GET /ws", s.cfg.Hub)

	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}

	mux.HandleFunc("GET /{$}", s.handleIndex)

	if s.cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}

	return mux
}

// Listen binds the configured address. Addr reports the bound address
// afterwards, which matters when the port is 0.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("livereload: listening on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln

	return nil
}

// Addr returns the listening address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.Addr
}

// Run listens if needed and serves until ctx is canceled, then shuts down
// gracefully and disconnects WebSocket clients.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("server listening", slog.String("url", "http://"+s.Addr()))
		errCh <- srv.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("livereload: serving: %w", err)

	case <-ctx.Done():
	}

	s.cfg.Hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("livereload: shutting down: %w", err)
	}

	s.logger.Info("server stopped")

	return nil
}

// ---------------------------------------------------------------------------
// API handlers
// ---------------------------------------------------------------------------

func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.Facade.ProduceArchive(r.Context())
	if err != nil {
		s.fail(w, "get_archive", http.StatusInternalServerError, "failed to build archive", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, sync.EncodeArchive(data)) //nolint:errcheck // client went away

	s.cfg.Metrics.observeRequest("get_archive", http.StatusOK)
}

func (s *Server) handlePutArchive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		s.fail(w, "put_archive", http.StatusRequestEntityTooLarge, "request body too large", err)
		return
	}

	data, err := sync.DecodeArchive(string(body))
	if err != nil {
		s.fail(w, "put_archive", http.StatusBadRequest, err.Error(), nil)
		return
	}

	if err := s.cfg.Facade.ApplyArchive(r.Context(), data); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, archive.ErrCorruptArchive) || errors.Is(err, archive.ErrArchiveTooLarge) {
			code = http.StatusUnprocessableEntity
		}

		s.fail(w, "put_archive", code, "failed to apply archive", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
	s.cfg.Metrics.observeRequest("put_archive", http.StatusNoContent)
}

func (s *Server) handleWorkspace(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"path": s.cfg.Facade.WorkspacePath()})
	s.cfg.Metrics.observeRequest("workspace", http.StatusOK)
}

// pathRequest is the body of /api/open and /api/export. An empty path
// means the user dismissed the file picker.
type pathRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	s.handlePathOp(w, r, "open", s.cfg.Facade.OpenArchiveFromFile)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	s.handlePathOp(w, r, "export", s.cfg.Facade.ExportArchiveToFile)
}

func (s *Server) handlePathOp(
	w http.ResponseWriter, r *http.Request, route string,
	op func(ctx context.Context, path string) error,
) {
	var req pathRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.fail(w, route, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Path != "" && !filepath.IsAbs(req.Path) {
		s.fail(w, route, http.StatusBadRequest, "path must be absolute", nil)
		return
	}

	if err := op(r.Context(), req.Path); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			code = http.StatusNotFound
		} else if errors.Is(err, archive.ErrCorruptArchive) || errors.Is(err, sync.ErrBuildFailed) {
			code = http.StatusUnprocessableEntity
		}

		s.fail(w, route, code, route+" failed", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
	s.cfg.Metrics.observeRequest(route, http.StatusNoContent)
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Facade.OpenWorkspaceInFileManager(r.Context()); err != nil {
		s.fail(w, "reveal", http.StatusInternalServerError, "failed to open file manager", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	s.cfg.Metrics.observeRequest("reveal", http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"clients":   s.cfg.Hub.ClientCount(),
		"workspace": s.cfg.Facade.WorkspacePath(),
	})
}

// ---------------------------------------------------------------------------
// Front-end
// ---------------------------------------------------------------------------

func handleScript(w http.ResponseWriter, _ *http.Request) {
	js, err := staticFS.ReadFile("static/live-reload.js")
	if err != nil {
		http.Error(w, "script unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(js) //nolint:errcheck // client went away
}

// handleIndex serves the editor's index.html with the live-reload script
// injected, or a status page when no editor build is configured.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if s.cfg.StaticDir == "" {
		fmt.Fprintf(w, statusPage, html.EscapeString(s.cfg.Facade.WorkspacePath()), html.EscapeString(r.Host))
		return
	}

	page, err := os.ReadFile(filepath.Join(s.cfg.StaticDir, "index.html"))
	if err != nil {
		s.logger.Error("reading editor index failed", slog.String("error", err.Error()))
		http.Error(w, "editor build not found", http.StatusNotFound)

		return
	}

	w.Write(InjectScript(page)) //nolint:errcheck // client went away
}

// InjectScript adds the live-reload script tag before the last </body>,
// or appends it when the page has none.
func InjectScript(page []byte) []byte {
	const closing = "</body>"

	i := bytes.LastIndex(page, []byte(closing))
	if i < 0 {
		return append(append([]byte{}, page...), scriptTag...)
	}

	out := make([]byte, 0, len(page)+len(scriptTag))
	out = append(out, page[:i]...)
	out = append(out, scriptTag...)
	out = append(out, page[i:]...)

	return out
}

const statusPage = `<!DOCTYPE html>
<html>
<head><title>live-scratch</title></head>
<body>
<h1>live-scratch</h1>
<p>Workspace: <code>%s</code></p>
<p>Live-reload WebSocket: <code>ws://%s/ws</code></p>
<p>Set <code>static_dir</code> to a Scratch GUI build to serve the editor here.</p>
</body>
</html>
`

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Server) fail(w http.ResponseWriter, route string, code int, msg string, err error) {
	attrs := []any{slog.String("route", route), slog.Int("status", code)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		msg = msg + ": " + err.Error()
	}

	s.logger.Warn("api request failed", attrs...)
	http.Error(w, msg, code)
	s.cfg.Metrics.observeRequest(route, code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck,errchkjson // client went away
}
