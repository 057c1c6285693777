// Package web is the companion HTTP listener plugins mount their routes on.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strings"
	"sync"
	"time"

	"catabot/internal/apperr"
	"catabot/internal/runtime/supervisor"
	"catabot/pkg/logx"
)

var ErrDuplicateMount = errors.New("web: prefix already mounted")

// Config controls the listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - Token guards /status and /debug/pprof/ when set.
type Config struct {
	Addr    string
	BaseURL string
	Token   string
	Pprof   bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	log logx.Logger
	cfg Config

	mu     sync.Mutex
	mux    *http.ServeMux
	mounts map[string]struct{}
	status func() any

	ln  net.Listener
	srv *http.Server
	sup *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{
		log:    log.With(logx.String("comp", "web")),
		cfg:    cfg,
		mux:    http.NewServeMux(),
		mounts: map[string]struct{}{},
	}
	s.mountBuiltins()
	return s
}

func (s *Server) mountBuiltins() {
	s.mounts["/status"] = struct{}{}
	s.mux.HandleFunc("/status", s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		fn := s.status
		s.mu.Unlock()
		if fn == nil {
			ReplyErr(w, http.StatusNotFound, "no status")
			return
		}
		ReplyOK(w, fn())
	}))
	if !s.cfg.Pprof {
		return
	}
	s.mounts["/debug/pprof"] = struct{}{}
	s.mux.HandleFunc("/debug/pprof/", s.withAuth(hpprof.Index))
	s.mux.HandleFunc("/debug/pprof/cmdline", s.withAuth(hpprof.Cmdline))
	s.mux.HandleFunc("/debug/pprof/profile", s.withAuth(hpprof.Profile))
	s.mux.HandleFunc("/debug/pprof/symbol", s.withAuth(hpprof.Symbol))
	s.mux.HandleFunc("/debug/pprof/trace", s.withAuth(hpprof.Trace))
}

// SetStatus installs the source of GET /status.
func (s *Server) SetStatus(fn func() any) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

// Mount serves h under prefix. h sees request paths with the prefix
// stripped, so a handler mounted at /jq answers /jq/q/1 as /q/1.
// Mounting "/" serves everything no other prefix claims.
func (s *Server) Mount(prefix string, h http.Handler) error {
	if h == nil {
		return apperr.Configf("mount %q: nil handler", prefix)
	}
	p := normalizePrefix(prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.mounts[p]; dup {
		return apperr.Configuration(fmt.Errorf("%w: %s", ErrDuplicateMount, p))
	}
	s.mounts[p] = struct{}{}
	if p == "/" {
		s.mux.Handle("/", h)
		return nil
	}
	stripped := http.StripPrefix(p, h)
	s.mux.Handle(p, stripped)
	s.mux.Handle(p+"/", stripped)
	return nil
}

// Mounts lists mounted prefixes, sorted.
func (s *Server) Mounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.mounts))
	for p := range s.mounts {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Handler is the full handler chain: access log, panic recovery, routes.
func (s *Server) Handler() http.Handler {
	return accessLog(s.log, recoverPanics(s.log, s.mux))
}

// URL is the externally advertised base URL, without a trailing slash.
func (s *Server) URL() string {
	if u := strings.TrimRight(strings.TrimSpace(s.cfg.BaseURL), "/"); u != "" {
		return u
	}
	return "http://" + s.Addr()
}

// Addr is the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Start binds the listener and serves in the background. A bind failure is
// returned; later serve failures are retried with backoff.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return apperr.External("web listen", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// The listener is optional; never take the bot down with it.
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.log.Info("web started", logx.String("addr", ln.Addr().String()), logx.String("url", s.URL()), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", s.cfg.Addr); err != nil {
			return err
		}
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("web server exited unexpectedly")
	}
	return err
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn("web shutdown", logx.Err(err))
			_ = srv.Close()
		}
	}
	err := sup.Wait(ctx)
	s.log.Info("web stopped")
	return err
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	ReplyErr(w, http.StatusUnauthorized, "unauthorized")
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
