package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/GriffinCanCode/recap/internal/errors"
	"github.com/GriffinCanCode/recap/internal/metrics"
	"github.com/GriffinCanCode/recap/internal/orchestrator"
	"github.com/GriffinCanCode/recap/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/recap/internal/trace"
)

// Orchestrator is the session surface the server exposes.
type Orchestrator interface {
	BeginSession(ctx context.Context, locale, mode string) (orchestrator.Handle, error)
	RequestStop(id string) error
	Cancel()
	Events() <-chan orchestrator.Event
	Active() (orchestrator.Handle, bool)
	LiveTranscript() (string, bool)
	History(n int) []transcript.Record
	Modes() []string
}

// Options for the server.
type Options struct {
	AllowedOrigins []string            // host patterns, as in websocket.AcceptOptions
	Metrics        *metrics.Metrics    // may be nil
	Gatherer       prometheus.Gatherer // nil disables /metrics
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// client is one WebSocket connection. Outbound messages go through send so
// that a single writer keeps them in order.
type client struct {
	conn    *websocket.Conn
	send    chan any
	limiter *rateLimiter
}

func (c *client) enqueue(msg any) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	orch    Orchestrator
	opts    Options
	mu      sync.RWMutex
	clients map[*client]struct{}
	done    chan struct{}
}

// New creates a new server and starts relaying orchestrator events to
// WebSocket clients until the event channel closes.
func New(orch Orchestrator, opts Options) *Server {
	s := &Server{
		orch:    orch,
		opts:    opts,
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
	go s.broadcast()
	return s
}

// Done is closed once the orchestrator's event stream has ended.
func (s *Server) Done() <-chan struct{} { return s.done }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/session/stop", s.handleSessionStop)
	mux.HandleFunc("GET /api/session", s.handleSessionStatus)
	mux.HandleFunc("POST /api/summary/cancel", s.handleSummaryCancel)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/modes", s.handleModes)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// Apply middleware: CORS -> trace -> metrics
	return corsMiddleware(s.opts.AllowedOrigins, trace.Middleware(s.instrument(mux)))
}

func corsMiddleware(patterns []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && originAllowed(patterns, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+trace.TraceIDKey+", "+trace.SpanIDKey)
			w.Header().Set("Access-Control-Expose-Headers", trace.TraceIDKey)
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed matches the Origin host against patterns the same way the
// WebSocket handshake does.
func originAllowed(patterns []string, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, u.Host); ok {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records REST request metrics. The WebSocket upgrade is passed
// through untouched since it needs the raw writer for hijacking.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" || s.opts.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.opts.Metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := trace.Logger(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.AllowedOrigins,
	})
	if err != nil {
		log.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	c := &client{
		conn:    conn,
		send:    make(chan any, ClientSendBuffer),
		limiter: &rateLimiter{},
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.writeLoop(ctx, c)

	c.enqueue(s.status())

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	log.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !c.limiter.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			c.enqueue(RejectedMessage{Type: "rejected", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			c.enqueue(RejectedMessage{Type: "rejected", Message: "malformed message"})
			continue
		}

		switch base.Type {
		case TypeBegin:
			var begin BeginMessage
			if err := json.Unmarshal(msg, &begin); err != nil {
				c.enqueue(RejectedMessage{Type: "rejected", Request: TypeBegin, Message: "malformed message"})
				continue
			}
			// Use the client's trace ID if it sent one.
			bctx := ctx
			if begin.TraceID != "" {
				bctx = trace.WithContext(bctx, trace.NewChild(trace.Context{TraceID: begin.TraceID}))
			} else {
				bctx, _ = trace.EnsureContext(bctx)
			}
			if _, err := s.orch.BeginSession(bctx, begin.Locale, begin.Mode); err != nil {
				c.enqueue(rejected(TypeBegin, err))
			}

		case TypeStop:
			var stop StopMessage
			if err := json.Unmarshal(msg, &stop); err != nil {
				c.enqueue(RejectedMessage{Type: "rejected", Request: TypeStop, Message: "malformed message"})
				continue
			}
			if err := s.orch.RequestStop(stop.SessionID); err != nil {
				c.enqueue(rejected(TypeStop, err))
			}

		case TypeCancel:
			s.orch.Cancel()

		case TypeStatus:
			c.enqueue(s.status())

		default:
			c.enqueue(RejectedMessage{Type: "rejected", Request: base.Type, Message: "unknown message type"})
		}
	}
}

func rejected(request string, err error) RejectedMessage {
	return RejectedMessage{
		Type:    "rejected",
		Request: request,
		Kind:    apperrors.KindOf(err).String(),
		Message: err.Error(),
	}
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, WriteTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				trace.Logger(ctx).Debug("websocket write error", "error", err)
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

func (s *Server) broadcast() {
	defer close(s.done)
	for evt := range s.orch.Events() {
		s.mu.RLock()
		for c := range s.clients {
			if !c.enqueue(evt) {
				trace.Logger(context.Background()).Warn("dropping slow websocket client")
				_ = c.conn.CloseNow()
			}
		}
		s.mu.RUnlock()
	}
}

func (s *Server) status() StatusMessage {
	msg := StatusMessage{Type: "status", Modes: s.orch.Modes()}
	if h, ok := s.orch.Active(); ok {
		msg.Active = &h
		msg.Transcript, _ = s.orch.LiveTranscript()
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
		"kind":  apperrors.KindOf(err).String(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindPermissionDenied:
		return http.StatusForbidden
	case apperrors.KindEngineUnavailable, apperrors.KindCancelled:
		return http.StatusServiceUnavailable
	case apperrors.KindConfig:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decodeBody reads an optional JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(err, apperrors.KindConfig, "invalid request body")
	}
	return nil
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	h, err := s.orch.BeginSession(r.Context(), req.Locale, req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.orch.RequestStop(req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	h, ok := s.orch.Active()
	if !ok {
		writeError(w, orchestrator.ErrNoSession)
		return
	}
	text, _ := s.orch.LiveTranscript()
	writeJSON(w, http.StatusOK, map[string]any{"session": h, "transcript": text})
}

func (s *Server) handleSummaryCancel(w http.ResponseWriter, r *http.Request) {
	s.orch.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, apperrors.Newf(apperrors.KindConfig, "invalid limit %q", v))
			return
		}
		limit = n
	}
	records := s.orch.History(limit)
	if records == nil {
		records = []transcript.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"modes": s.orch.Modes()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
