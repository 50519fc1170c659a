package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/goodguyjay/typstgo/boundary"
	"github.com/goodguyjay/typstgo/compiler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for document compilation",
	Long: `Start an HTTP server that compiles documents on request.

Endpoints:
  POST   /compile                Compile once, returns diagnostics and pages
  POST   /sessions               Create session, returns {"session_id":"..."}
  POST   /sessions/{id}/compile  Compile in session (engine caches persist)
  DELETE /sessions/{id}          Close session
  GET    /version                Engine version
  GET    /health                 Health check`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("addr", "a", "", "Listen address (default :8080)")
	serveCmd.Flags().Duration("session-ttl", 0, "Close idle sessions after this long (default 15m)")
	serveCmd.Flags().Duration("cache-max-age", 0, "Periodically evict engine cache entries older than this (0 disables)")
	addCompilerFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

type sessionManager struct {
	sessions map[string]*serverSession
	mu       sync.RWMutex
	ttl      time.Duration
	logger   *zap.Logger
}

type serverSession struct {
	compiler *compiler.Compiler
	lastUsed time.Time
}

func newSessionManager(ttl time.Duration, logger *zap.Logger) *sessionManager {
	return &sessionManager{
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
		logger:   logger,
	}
}

func (sm *sessionManager) create(c *compiler.Compiler) string {
	id := generateSessionID()
	sm.mu.Lock()
	sm.sessions[id] = &serverSession{compiler: c, lastUsed: time.Now()}
	sm.mu.Unlock()
	return id
}

func (sm *sessionManager) get(id string) (*compiler.Compiler, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.compiler, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		sm.closeCompiler(id, ss.compiler)
	}
	return ok
}

// expire closes sessions idle for longer than the TTL.
func (sm *sessionManager) expire(now time.Time) int {
	sm.mu.Lock()
	var stale []string
	var compilers []*compiler.Compiler
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl {
			stale = append(stale, id)
			compilers = append(compilers, ss.compiler)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for i, c := range compilers {
		sm.closeCompiler(stale[i], c)
	}
	return len(stale)
}

func (sm *sessionManager) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sm.expire(now); n > 0 {
				sm.logger.Info("expired idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (sm *sessionManager) closeAll() {
	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*serverSession)
	sm.mu.Unlock()
	for id, ss := range all {
		sm.closeCompiler(id, ss.compiler)
	}
}

func (sm *sessionManager) count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *sessionManager) closeCompiler(id string, c *compiler.Compiler) {
	if err := c.Close(); err != nil {
		sm.logger.Warn("close session", zap.String("session", id), zap.Error(err))
	}
}

func generateSessionID() string {
	return rand.Text()
}

type compileRequest struct {
	Source string            `json:"source"`
	Inputs map[string]string `json:"inputs,omitempty"`
	Format string            `json:"format,omitempty"`
}

type compileResponse struct {
	Success     bool               `json:"success"`
	Diagnostics []diagnosticReport `json:"diagnostics"`
	Pages       []string           `json:"pages,omitempty"`
	PDF         []byte             `json:"pdf,omitempty"`
	DurationMs  int64              `json:"duration_ms"`
	Error       string             `json:"error,omitempty"`
}

type createSessionRequest struct {
	Inputs map[string]string `json:"inputs,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// server is the HTTP front end. Each request compiles on its own compiler
// unless it targets a session.
type server struct {
	engine   boundary.Engine
	root     string
	opts     []compiler.Option
	sessions *sessionManager
	logger   *zap.Logger
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /compile", s.handleCompile)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/compile", s.handleSessionCompile)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *server) newCompiler(inputs map[string]string) (*compiler.Compiler, error) {
	opts := s.opts
	if len(inputs) > 0 {
		opts = append(append([]compiler.Option(nil), s.opts...), compiler.WithInputs(inputs))
	}
	return compiler.New(s.engine, s.root, opts...)
}

func (s *server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validFormat(req.Format); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c, err := s.newCompiler(req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	defer c.Close()

	s.compileAndRespond(w, c, req)
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	c, err := s.newCompiler(req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	id := s.sessions.create(c)
	s.logger.Debug("session created", zap.String("session", id))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(createSessionResponse{SessionID: id})
}

func (s *server) handleSessionCompile(w http.ResponseWriter, r *http.Request) {
	c, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Inputs) > 0 {
		http.Error(w, "inputs are fixed when the session is created", http.StatusBadRequest)
		return
	}
	if err := validFormat(req.Format); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.compileAndRespond(w, c, req)
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions.close(r.PathValue("id")) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Error(w, "session not found", http.StatusNotFound)
}

func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v, err := compiler.Version(s.engine)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"engine": v, "typstgo": version})
}

func (s *server) compileAndRespond(w http.ResponseWriter, c *compiler.Compiler, req compileRequest) {
	start := time.Now()
	res, err := c.Compile(req.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	defer res.Close()

	resp := compileResponse{
		Success:     res.Success,
		Diagnostics: reportDiagnostics(res.Diagnostics),
	}
	if res.Success {
		if req.Format == "pdf" {
			resp.PDF, err = res.Document.RenderPDF()
		} else {
			resp.Pages, err = res.Document.RenderAllPages()
		}
		if err != nil {
			resp.Success = false
			resp.Error = err.Error()
		}
	}
	resp.DurationMs = time.Since(start).Milliseconds()

	w.Header().Set("Content-Type", "application/json")
	if resp.Error != "" {
		w.WriteHeader(http.StatusBadGateway)
	}
	json.NewEncoder(w).Encode(resp)
}

func validFormat(f string) error {
	switch f {
	case "", "svg", "pdf":
		return nil
	}
	return fmt.Errorf("unknown format %q: use svg or pdf", f)
}

// writeError maps compiler errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var ee *compiler.EncodingError
	var ie *compiler.InitializationError
	switch {
	case errors.Is(err, compiler.ErrSessionBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, compiler.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, compiler.ErrPrecondition), errors.As(err, &ee):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &ie):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.close(context.Background())

	opts, err := compilerOptions(cmd, e.cfg, e.logger)
	if err != nil {
		return err
	}
	root, _ := cmd.Flags().GetString("root")
	if root == "" {
		root = e.cfg.Root
	}
	if root == "" {
		root = "."
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = e.cfg.Serve.Addr
	}
	if addr == "" {
		addr = ":8080"
	}
	ttl, err := durationSetting(cmd, "session-ttl", e.cfg.Serve.SessionTTL, 15*time.Minute)
	if err != nil {
		return err
	}
	maxAge, err := durationSetting(cmd, "cache-max-age", e.cfg.Serve.CacheMaxAge, 0)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := newSessionManager(ttl, e.logger)
	defer sessions.closeAll()
	go sessions.cleanup(ctx)
	if maxAge > 0 {
		go evictPeriodically(ctx, e.engine, maxAge, e.logger)
	}

	srv := &server{engine: e.engine, root: root, opts: opts, sessions: sessions, logger: e.logger}
	httpSrv := &http.Server{Addr: addr, Handler: srv.handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	fmt.Fprintf(cmd.ErrOrStderr(), "typstgo server listening on %s\n", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func evictPeriodically(ctx context.Context, engine boundary.Engine, maxAge time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := compiler.ResetCache(engine, maxAge); err != nil {
				logger.Warn("evict engine cache", zap.Error(err))
			}
		}
	}
}

func durationSetting(cmd *cobra.Command, flag, fromConfig string, def time.Duration) (time.Duration, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetDuration(flag)
	}
	if s := strings.TrimSpace(fromConfig); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("config %s: %w", flag, err)
		}
		return d, nil
	}
	return def, nil
}
