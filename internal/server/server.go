// Package server exposes check and deploy runs over HTTP. Command routes
// require an HS256 bearer token; the push webhook is authenticated with an
// HMAC signature and triggers a debounced check run.
package server

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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/schaermu/upcoded/internal/config"
	"github.com/schaermu/upcoded/internal/history"
	"github.com/schaermu/upcoded/internal/pipeline"
	"github.com/schaermu/upcoded/internal/report"
)

const (
	// requestTimeout bounds a command response. A run that has started
	// finishes even when the response times out or the client leaves.
	requestTimeout   = 2 * time.Minute
	maxBodyBytes     = 1 << 20
	defaultRunsLimit = 20
	maxRunsLimit     = 200
)

// Runner executes pipeline runs. *pipeline.Orchestrator implements it.
type Runner interface {
	Check(ctx context.Context, region string) (*report.Report, error)
	Deploy(ctx context.Context, req pipeline.DeployRequest) (*pipeline.Result, error)
}

// PushEvent represents the relevant fields from a push webhook
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type subjectKey struct{}

// Server implements the HTTP command surface
type Server struct {
	cfg           *config.Config
	runner        Runner
	runs          history.Store
	logger        *slog.Logger
	tokenSecret   []byte
	webhookSecret []byte
	checkMu       sync.Mutex // guards checkRunning and checkPending
	checkRunning  bool
	checkPending  bool
	debounce      *debouncer
}

// debouncer coalesces bursts of webhook deliveries into one callback
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a server. The webhook route is only mounted when a
// webhook secret file is configured.
func NewServer(cfg *config.Config, runner Runner, runs history.Store, logger *slog.Logger) (*Server, error) {
	token, err := readSecret(cfg.Serve.TokenSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read token secret: %w", err)
	}
	if len(token) == 0 {
		return nil, fmt.Errorf("token secret file %s is empty", cfg.Serve.TokenSecretFile)
	}

	var hook []byte
	if cfg.Serve.WebhookSecretFile != "" {
		hook, err = readSecret(cfg.Serve.WebhookSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
	}

	if runs == nil {
		runs = history.NopStore{}
	}

	return &Server{
		cfg:           cfg,
		runner:        runner,
		runs:          runs,
		logger:        logger,
		tokenSecret:   token,
		webhookSecret: hook,
		debounce:      &debouncer{delay: 2 * time.Second},
	}, nil
}

func readSecret(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(b))), nil
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.handleHealth)
	if len(s.webhookSecret) > 0 {
		r.Post("/webhook", s.handleWebhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/check", s.handleCheck)
		r.Post("/deploy", s.handleDeploy)
		r.Get("/runs", s.handleRuns)
	})

	return r
}

// Start serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      requestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type checkRequest struct {
	Region string `json:"region"`
}

type checkResponse struct {
	Valid  bool           `json:"valid"`
	Chunks []string       `json:"chunks"`
	Report *report.Report `json:"report"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	rep, err := s.runner.Check(r.Context(), req.Region)
	if err != nil {
		s.respondRunError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, checkResponse{
		Valid:  rep.Valid(),
		Chunks: rep.Chunks(s.cfg.Report.MaxMessageLen),
		Report: rep,
	})
}

type deployResponse struct {
	Status  string           `json:"status"`
	Message string           `json:"message"`
	Result  *pipeline.Result `json:"result"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req pipeline.DeployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	s.logger.Info("deploy requested",
		"subject", subjectFrom(r.Context()),
		"release_tag", req.ReleaseTag,
		"targets", req.Targets)

	res, err := s.runner.Deploy(r.Context(), req)
	if err != nil {
		s.respondRunError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, deployResponse{
		Status:  "deployed",
		Message: res.Summary(),
		Result:  res,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		respondError(w, http.StatusInternalServerError, "", "failed to list runs")
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// statusFor maps a run error onto an HTTP status.
func statusFor(err error) int {
	var se *pipeline.StageError
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, pipeline.ErrUnknownRegion):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoBatch):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &se) && se.Kind != pipeline.KindConfig:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondRunError(w http.ResponseWriter, r *http.Request, err error) {
	var stage pipeline.State
	var se *pipeline.StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	status := statusFor(err)
	s.logger.Warn("run failed",
		"request_id", middleware.GetReqID(r.Context()),
		"stage", stage,
		"status", status,
		"error", err)
	respondError(w, status, stage, err.Error())
}

// authMiddleware requires a valid HS256 bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			respondError(w, http.StatusUnauthorized, "", "missing bearer token")
			return
		}

		subject, err := s.verifyToken(tokenStr)
		if err != nil {
			s.logger.Warn("rejecting request with invalid token", "error", err)
			respondError(w, http.StatusUnauthorized, "", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// verifyToken checks signature and expiry and returns the token subject.
func (s *Server) verifyToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return s.tokenSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("invalid claims: %w", err)
	}
	return sub, nil
}

func subjectFrom(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}

// handleWebhook handles incoming push webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "ping" {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}
	if eventType != "push" {
		s.logger.Info("ignoring event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type ignored\n")
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for checks\n")
		return
	}

	s.logger.Info("webhook accepted",
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performCheck(context.Background())
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Check triggered\n")
}

// verifySignature verifies a sha256=<hex> HMAC signature of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Serve.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}

// performCheck runs a check with single-flight semantics. While a check is
// running at most one more is queued; further requests are coalesced.
func (s *Server) performCheck(ctx context.Context) {
	s.checkMu.Lock()
	if s.checkRunning {
		s.checkPending = true
		s.checkMu.Unlock()
		s.logger.Info("check already in progress, queuing pending re-run")
		return
	}
	s.checkRunning = true
	s.checkMu.Unlock()

	for {
		rep, err := s.runner.Check(ctx, "")
		switch {
		case err != nil:
			s.logger.Error("webhook check failed", "error", err)
		case rep.Valid():
			s.logger.Info("webhook check passed", "batch", rep.Batch, "checked", rep.Checked)
		default:
			for _, block := range rep.Blocks() {
				s.logger.Warn("webhook check finding", "batch", rep.Batch, "report", block)
			}
		}

		s.checkMu.Lock()
		if !s.checkPending {
			s.checkRunning = false
			s.checkMu.Unlock()
			return
		}
		s.checkPending = false
		s.checkMu.Unlock()

		s.logger.Info("re-running check due to pending request")
	}
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

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Stage pipeline.State `json:"stage,omitempty"`
	Error string         `json:"error"`
}

func respondError(w http.ResponseWriter, status int, stage pipeline.State, msg string) {
	respondJSON(w, status, errorResponse{Stage: stage, Error: msg})
}
