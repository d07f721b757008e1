package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/rulesymbiosis/internal/bus"
	"github.com/basket/rulesymbiosis/internal/collector"
	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/ingest"
	otelx "github.com/basket/rulesymbiosis/internal/otel"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/rules"
	"github.com/basket/rulesymbiosis/internal/shared"
)

type Config struct {
	Store             *persistence.Store
	Ingester          *ingest.Ingester
	Collector         *collector.Collector
	Bus               *bus.Bus
	Tracer            trace.Tracer
	AuthToken         string
	AllowOrigins      []string
	ConfigFingerprint string
	MaxBodyBytes      int64
	RateLimit         config.RateLimitConfig
	// Metrics, when set, is served at /metrics behind the bearer check.
	Metrics http.Handler
	Logger  *slog.Logger
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	limiter   *RateLimiter
	startedAt time.Time

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// apiError is the JSON body of every non-2xx response.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("gateway")
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		tracer:    tracer,
		limiter:   NewRateLimiter(cfg.RateLimit),
		startedAt: time.Now(),
		clients:   make(map[*client]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws/events", s.handleWS)
	mux.HandleFunc("/v1/events/stream", s.handleEventStream)

	mux.HandleFunc("/v1/activations", s.traced("activations", s.ingestHandler(ingest.KindActivation)))
	mux.HandleFunc("/v1/outcomes", s.traced("outcomes", s.ingestHandler(ingest.KindOutcome)))
	mux.HandleFunc("/v1/interactions", s.traced("interactions", s.ingestHandler(ingest.KindInteraction)))

	mux.HandleFunc("/v1/hooks/rule-activated", s.traced("hooks.rule_activated", s.handleRuleActivated))
	mux.HandleFunc("/v1/hooks/task-completed", s.traced("hooks.task_completed", s.handleTaskCompleted))

	mux.HandleFunc("/v1/profiles", s.traced("profiles", s.handleProfiles))
	mux.HandleFunc("/v1/patterns", s.traced("patterns", s.handlePatterns))
	mux.HandleFunc("/v1/runs", s.traced("runs", s.handleRuns))
	if s.cfg.Metrics != nil {
		mux.HandleFunc("/metrics", s.handleMetrics)
	}

	cors := NewCORSMiddleware(s.cfg.AllowOrigins)
	return RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(cors(s.limiter.Wrap(mux)))
}

// StartEviction prunes idle rate-limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

func (s *Server) traced(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otelx.StartServerSpan(r.Context(), s.tracer, "gateway."+route, otelx.AttrRoute.String(r.URL.Path))
		defer span.End()
		traceID := shared.NewTraceID()
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		ctx = shared.WithTraceID(ctx, traceID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.readable(w, r) {
		return
	}
	s.cfg.Metrics.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.Counts(r.Context())
	dbOK := err == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"uptime_seconds":     int64(time.Since(s.startedAt).Seconds()),
		"ws_clients":         s.ClientCount(),
		"counts":             counts,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) ingestHandler(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
			return
		}
		if !s.authorize(r) {
			writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
			return
		}
		if s.cfg.Ingester == nil {
			writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "ingest not configured"})
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, apiError{Error: "request body too large", Kind: kind})
				return
			}
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Kind: kind})
			return
		}
		res, err := s.cfg.Ingester.Apply(r.Context(), kind, raw)
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				s.logger.ErrorContext(r.Context(), "gateway: ingest failed", "kind", kind, "error", err)
			}
			writeJSON(w, status, apiError{Error: err.Error(), Kind: kind})
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, persistence.ErrInvalidRecord), errors.Is(err, persistence.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, persistence.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !s.readable(w, r) {
		return
	}
	q := r.URL.Query()
	minFitness := 0.0
	if v := q.Get("min_fitness"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "min_fitness must be a number"})
			return
		}
		minFitness = f
	}
	limit := queryLimit(q.Get("limit"), 20)
	profiles, err := s.cfg.Store.TopProfiles(r.Context(), minFitness, limit)
	if err != nil {
		writeJSON(w, statusFor(err), apiError{Error: err.Error()})
		return
	}
	if profiles == nil {
		profiles = []persistence.StoredProfile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles, "total": len(profiles)})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if !s.readable(w, r) {
		return
	}
	patterns, err := s.cfg.Store.ListPatterns(r.Context())
	if err != nil {
		writeJSON(w, statusFor(err), apiError{Error: err.Error()})
		return
	}
	if patterns == nil {
		patterns = []rules.DiscoveredPattern{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns, "total": len(patterns)})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.readable(w, r) {
		return
	}
	runs, err := s.cfg.Store.ListRuns(r.Context(), queryLimit(r.URL.Query().Get("limit"), 20))
	if err != nil {
		writeJSON(w, statusFor(err), apiError{Error: err.Error()})
		return
	}
	if runs == nil {
		runs = []persistence.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": len(runs)})
}

func (s *Server) readable(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return false
	}
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
		return false
	}
	return true
}

// handleWS upgrades to a websocket and forwards bus events whose topic
// starts with the "topic" query parameter (default "evolution.").
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	// Subscribe before the handshake completes so no event published after
	// the dial returns is missed.
	sub := s.cfg.Bus.Subscribe(topicPrefix(r))
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, ev); err != nil {
				s.logger.Debug("ws: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// authorize accepts every request when no token is configured.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func topicPrefix(r *http.Request) string {
	if t := r.URL.Query().Get("topic"); t != "" {
		return t
	}
	return bus.TopicEvolution
}

func queryLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
