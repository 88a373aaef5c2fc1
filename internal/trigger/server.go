// Package trigger runs sync cycles on a schedule, on authenticated HTTP
// requests and, optionally, on work-tree changes.
package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/vaultbak/internal/activation"
	"github.com/schaermu/vaultbak/internal/config"
	"github.com/schaermu/vaultbak/internal/diffstat"
	"github.com/schaermu/vaultbak/internal/errs"
	"github.com/schaermu/vaultbak/internal/git"
	"github.com/schaermu/vaultbak/internal/status"
	vsync "github.com/schaermu/vaultbak/internal/sync"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Vaultbak-Signature"

// Engine is the part of the sync engine the server drives.
type Engine interface {
	Run(ctx context.Context) (*vsync.Result, error)
	Status(ctx context.Context) (diffstat.ChangeSet, error)
	Repository() (git.Repo, error)
}

// Server implements the trigger HTTP server
type Server struct {
	cfg       *config.Config
	engine    Engine
	logger    *slog.Logger
	secret    []byte
	metrics   *metrics
	listeners func() ([]net.Listener, error)
	baseCtx   context.Context

	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer

	lastMu sync.Mutex
	last   *cycleReport
}

// cycleReport is the JSON form of the most recent cycle.
type cycleReport struct {
	Outcome      string    `json:"outcome"`
	CommitID     string    `json:"commit_id,omitempty"`
	FilesChanged int       `json:"files_changed"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
}

// statusReport is the body served on GET /status.
type statusReport struct {
	Status       string       `json:"status"`
	FilesChanged int          `json:"files_changed"`
	Insertions   int          `json:"insertions"`
	Deletions    int          `json:"deletions"`
	LastCycle    *cycleReport `json:"last_cycle,omitempty"`
}

// debouncer implements debouncing for trigger events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new trigger server
func NewServer(cfg *config.Config, engine Engine, logger *slog.Logger) (*Server, error) {
	var secret []byte
	if cfg.Serve.SecretFile != "" {
		data, err := os.ReadFile(cfg.Serve.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read trigger secret: %w", err)
		}
		secret = []byte(strings.TrimSpace(string(data)))
		if len(secret) == 0 {
			return nil, errs.NewConfigError("serve.secret_file", cfg.Serve.SecretFile, "is empty")
		}
	}

	return &Server{
		cfg:       cfg,
		engine:    engine,
		logger:    logger,
		secret:    secret,
		metrics:   newMetrics(),
		listeners: activation.Listeners,
		baseCtx:   context.Background(),
		debounce:  &debouncer{delay: cfg.Serve.Debounce},
	}, nil
}

// Start performs an initial sync, then serves triggers until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial sync before starting trigger server")
	s.performSync(ctx)

	// Watch before listening: a failed watcher must leave nothing serving.
	if s.cfg.Serve.Watch {
		repo, err := s.engine.Repository()
		if err != nil {
			return err
		}
		w, err := newWatcher(repo.WorkTree, repo.GitDir, s.logger, func() {
			s.debounce.trigger(func() {
				s.performSync(ctx)
			})
		})
		if err != nil {
			return fmt.Errorf("failed to watch work tree: %w", err)
		}
		defer func() {
			_ = w.Close()
		}()
		go w.run()
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	var server *http.Server
	if ln != nil {
		if len(s.secret) == 0 {
			s.logger.Warn("no trigger secret configured, POST /sync will be rejected")
		}
		server = &http.Server{
			Handler:           s.routes(),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1 MB
		}
		go func() {
			s.logger.Info("trigger server starting", "addr", ln.Addr().String())
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	ticker := time.NewTicker(s.cfg.Serve.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.debounce.stop()
			if server == nil {
				return nil
			}
			s.logger.Info("shutting down trigger server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.performSync(ctx)
		}
	}
}

// listen prefers a socket-activated listener over serve.listen_addr. It
// returns nil when neither is configured.
func (s *Server) listen() (net.Listener, error) {
	activated, err := s.listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	if len(activated) > 0 {
		for _, extra := range activated[1:] {
			_ = extra.Close()
		}
		s.logger.Info("using socket-activated listener", "count", len(activated))
		return activated[0], nil
	}
	if s.cfg.Serve.ListenAddr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", s.cfg.Serve.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Serve.ListenAddr, err)
	}
	return ln, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.metrics.handler())
	return mux
}

// handleSync queues a cycle for an authenticated POST.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("sync requested", "remote", r.RemoteAddr)
	go s.performSync(s.baseCtx)

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// handleStatus reports pending changes and the last cycle as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cs, err := s.engine.Status(r.Context())
	report := statusReport{
		Status:       status.Changes(cs, err),
		FilesChanged: cs.FilesChanged,
		Insertions:   cs.Insertions,
		Deletions:    cs.Deletions,
	}
	s.lastMu.Lock()
	if s.last != nil {
		last := *s.last
		report.LastCycle = &last
	}
	s.lastMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Error("failed to encode status", "error", err)
	}
}

// verifySignature checks a "sha256=<hex>" HMAC of body.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if len(s.secret) == 0 || signature == "" {
		return false
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.runOnce(ctx)

		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

func (s *Server) runOnce(ctx context.Context) {
	start := time.Now()
	res, err := s.engine.Run(ctx)
	elapsed := time.Since(start)
	s.metrics.observe(res, err, elapsed)

	report := &cycleReport{
		Outcome:    outcomeLabel(res, err),
		StartedAt:  start,
		DurationMS: elapsed.Milliseconds(),
	}
	switch {
	case errors.Is(err, errs.ErrCycleInProgress):
		s.logger.Info("sync skipped, another cycle holds the repository")
	case err != nil:
		report.Error = err.Error()
		s.logger.Error("sync failed", "error", err, "duration", elapsed)
	case res != nil:
		report.CommitID = res.CommitID
		report.FilesChanged = res.Changes.FilesChanged
		s.logger.Info(status.Cycle(res), "commit", res.CommitID, "duration", elapsed)
	}

	s.lastMu.Lock()
	s.last = report
	s.lastMu.Unlock()
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
