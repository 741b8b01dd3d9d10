// Package debughttp serves the daemon's operator endpoints: health, Prometheus
// metrics, the pending schedule, manual triggers and, optionally, pprof.
package debughttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bellkeeper/internal/notification"
	rtsup "bellkeeper/internal/runtime/supervisor"
	logx "bellkeeper/pkg/logx"
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// Deps are the read and trigger hooks behind the endpoints. Nil hooks
// answer 404.
type Deps struct {
	Gatherer  prometheus.Gatherer
	Pending   func(ctx context.Context) ([]notification.Instance, error)
	Health    func() any
	Reconcile func(ctx context.Context) (any, error)
	// Fire delivers a pending instance now. A non-empty action replays a
	// user tap on that action instead.
	Fire  func(ctx context.Context, id int, action string) error
	Quiet func(on bool)
}

// ErrNotPending is returned by Fire hooks for unknown instance ids.
var ErrNotPending = errors.New("instance not pending")

// Router builds the handler tree. Every route except /healthz requires the
// token when one is set; without it /healthz reports only the status.
func Router(cfg Config, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		body := any(map[string]any{"status": "ok"})
		if deps.Health != nil {
			body = deps.Health()
		}
		if !authorized(cfg.Token, req) {
			status := any("ok")
			if m, ok := body.(map[string]any); ok && m["status"] != nil {
				status = m["status"]
			}
			body = map[string]any{"status": status}
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Group(func(r chi.Router) {
		r.Use(bearer(cfg.Token))

		if deps.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
		}
		if deps.Pending != nil {
			r.Get("/pending", func(w http.ResponseWriter, req *http.Request) {
				in, err := deps.Pending(req.Context())
				if err != nil {
					writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
					return
				}
				out := make([]pendingView, 0, len(in))
				for _, i := range in {
					out = append(out, viewOf(i))
				}
				writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "instances": out})
			})
		}
		if deps.Reconcile != nil {
			r.Post("/reconcile", func(w http.ResponseWriter, req *http.Request) {
				res, err := deps.Reconcile(req.Context())
				if err != nil {
					writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "result": res})
					return
				}
				writeJSON(w, http.StatusOK, res)
			})
		}
		if deps.Fire != nil {
			r.Post("/pending/{id}", func(w http.ResponseWriter, req *http.Request) {
				id, err := strconv.Atoi(chi.URLParam(req, "id"))
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad id"})
					return
				}
				action := strings.TrimSpace(req.URL.Query().Get("action"))
				switch err := deps.Fire(req.Context(), id, action); {
				case errors.Is(err, ErrNotPending):
					writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				case err != nil:
					writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				default:
					writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "action": action})
				}
			})
		}
		if deps.Quiet != nil {
			r.Post("/quiet", func(w http.ResponseWriter, req *http.Request) {
				on, err := strconv.ParseBool(req.URL.Query().Get("on"))
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "on must be a bool"})
					return
				}
				deps.Quiet(on)
				writeJSON(w, http.StatusOK, map[string]bool{"quiet": on})
			})
		}
		if cfg.Pprof {
			r.HandleFunc("/debug/pprof/", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
			r.Handle("/debug/pprof/{profile}", http.HandlerFunc(hpprof.Index))
		}
	})
	return r
}

type pendingView struct {
	ID         int       `json:"id"`
	At         time.Time `json:"at"`
	Category   string    `json:"category"`
	Level      string    `json:"level"`
	OriginalID int       `json:"original_id"`
	Channel    string    `json:"channel"`
	Title      string    `json:"title"`
}

func viewOf(i notification.Instance) pendingView {
	return pendingView{
		ID:         i.ID,
		At:         i.At,
		Category:   string(i.Category()),
		Level:      i.RetryLevel.String(),
		OriginalID: i.OriginalID,
		Channel:    i.ChannelID,
		Title:      i.Title,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// authorized accepts "Authorization: Bearer <token>" or ?token=<token>, and
// everything when no token is configured.
func authorized(token string, r *http.Request) bool {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if got == "" {
		got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1
}

func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if strings.TrimSpace(token) == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(token, r) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Service runs the router under a restart loop.
type Service struct {
	log  logx.Logger
	deps Deps

	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor
	srv *http.Server
	url string
}

func New(cfg Config, log logx.Logger, deps Deps) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log.Named("debughttp"), deps: deps}
}

// Addr is the bound address once the server is listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("debughttp.serve", 500*time.Millisecond, 10*time.Second, s.serveOnce)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = sup.Stop(ctx)
	s.log.Info("debug server stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6061"
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("debug server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return context.Canceled
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: Router(cfg, s.deps), ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.srv = srv
	s.url = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	}()

	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
