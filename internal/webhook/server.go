package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"pipewatch/internal/alerts"
	"pipewatch/internal/eventbus"
	"pipewatch/internal/storage"
	"pipewatch/internal/throttle"
	logx "pipewatch/pkg/logx"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address string

	// Secret, when set, must match X-Gitlab-Token on webhook posts.
	Secret string
}

// Server hosts the webhook endpoint and the small JSON API the
// dashboard reads. Apply starts/restarts the listener; Stop shuts it
// down gracefully.
type Server struct {
	log      logx.Logger
	ingestor *Ingestor
	store    storage.Store
	th       *throttle.Throttler

	mu   sync.Mutex
	cfg  ServerConfig
	srv  *http.Server
	ln   net.Listener
	addr string

	// recent pipeline/dispatch events for GET /api/activity.
	actMu  sync.Mutex
	recent []eventbus.Event
	unsub  func()
}

const recentCap = 100

func NewServer(ingestor *Ingestor, store storage.Store, th *throttle.Throttler, bus eventbus.Bus, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{log: log.With(logx.String("comp", "http")), ingestor: ingestor, store: store, th: th}
	if bus != nil {
		ch, unsub := bus.Subscribe(64)
		s.unsub = unsub
		go s.collect(ch)
	}
	return s
}

func (s *Server) collect(ch <-chan eventbus.Event) {
	for e := range ch {
		s.actMu.Lock()
		s.recent = append(s.recent, e)
		if len(s.recent) > recentCap {
			s.recent = s.recent[len(s.recent)-recentCap:]
		}
		s.actMu.Unlock()
	}
}

// Apply starts the server, or restarts it when the address changed.
func (s *Server) Apply(ctx context.Context, cfg ServerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil && s.cfg.Address == cfg.Address {
		// Secret changes take effect without a listener restart.
		s.cfg = cfg
		return
	}

	s.stopLocked(ctx)
	s.cfg = cfg
	s.startLocked()
}

func (s *Server) startLocked() {
	mux := http.NewServeMux()
	mux.Handle("POST /webhook/gitlab", s.requireSecret(s.ingestor))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/throttle", s.handleThrottle)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/pipelines", s.handlePipelines)
	mux.HandleFunc("GET /api/activity", s.handleActivity)
	mux.HandleFunc("GET /api/rules", s.handleListRules)
	mux.HandleFunc("POST /api/rules", s.handleSaveRule)
	mux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("GET /api/channels", s.handleListChannels)
	mux.HandleFunc("POST /api/channels", s.handleSaveChannel)

	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		s.log.Error("listen failed", logx.String("addr", s.cfg.Address), logx.Err(err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", logx.String("addr", s.addr), logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", s.addr))
}

// Addr returns the bound address ("" when not listening). Useful when
// the config asked for port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		_ = s.srv.Close()
	}
	s.srv = nil
	s.ln = nil
	s.addr = ""
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		secret := s.cfg.Secret
		s.mu.Unlock()
		if secret != "" && r.Header.Get("X-Gitlab-Token") != secret {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleThrottle(w http.ResponseWriter, _ *http.Request) {
	if s.th == nil {
		writeJSON(w, http.StatusOK, throttle.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.th.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	entries, err := s.store.ListHistory(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history query failed"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	statuses, err := s.store.ListPipelineStatuses(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status query failed"})
		return
	}
	type item struct {
		ProjectID   int64     `json:"project_id"`
		PipelineID  int64     `json:"pipeline_id"`
		ProjectName string    `json:"project_name"`
		Status      string    `json:"status"`
		Ref         string    `json:"ref,omitempty"`
		WebURL      string    `json:"web_url,omitempty"`
		UpdatedAt   time.Time `json:"updated_at"`
	}
	out := make([]item, 0, len(statuses))
	for _, ps := range statuses {
		out = append(out, item{
			ProjectID: ps.ProjectID, PipelineID: ps.PipelineID,
			ProjectName: ps.ProjectName, Status: ps.Status,
			Ref: ps.Ref, WebURL: ps.WebURL, UpdatedAt: ps.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActivity(w http.ResponseWriter, _ *http.Request) {
	s.actMu.Lock()
	out := make([]eventbus.Event, len(s.recent))
	copy(out, s.recent)
	s.actMu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context(), false)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rule query failed"})
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleSaveRule(w http.ResponseWriter, r *http.Request) {
	var rule alerts.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid rule"})
		return
	}
	if strings.TrimSpace(rule.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rule name is required"})
		return
	}
	id, err := s.store.SaveRule(r.Context(), rule)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rule save failed"})
		return
	}
	s.ingestor.InvalidateCaches()
	rule.ID = id
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid rule id"})
		return
	}
	if err := s.store.DeleteRule(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rule delete failed"})
		return
	}
	s.ingestor.InvalidateCaches()
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context(), false)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "channel query failed"})
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleSaveChannel(w http.ResponseWriter, r *http.Request) {
	var ch alerts.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel"})
		return
	}
	if !ch.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported channel type"})
		return
	}
	if err := s.store.SaveChannel(r.Context(), ch); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "channel save failed"})
		return
	}
	s.ingestor.InvalidateCaches()
	writeJSON(w, http.StatusOK, ch)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
