package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mylxsw/asteria/log"

	"github.com/mylxsw/checksum-tokenizer/internal/config"
	"github.com/mylxsw/checksum-tokenizer/internal/counter"
	internalmw "github.com/mylxsw/checksum-tokenizer/internal/middleware"
	"github.com/mylxsw/checksum-tokenizer/internal/service"
)

type Server struct {
	cfg         *config.Config
	service     *service.Service
	auth        *internalmw.APIKeyAuth
	publicPaths []string
	httpSrv     *http.Server
}

func New(cfg *config.Config, svc *service.Service) *Server {
	publicPaths := cfg.PublicPaths
	if publicPaths == nil {
		publicPaths = config.DefaultPublicPaths
	}
	return &Server{
		cfg:         cfg,
		service:     svc,
		auth:        internalmw.NewAPIKeyAuth(cfg.APIKeys),
		publicPaths: publicPaths,
	}
}

func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warningf("http server shutdown: %v", err)
		}
	}()

	log.Infof("listening on %s", s.cfg.Listen)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/v1/encode", http.HandlerFunc(s.handleEncode))
	mux.Handle("/v1/count/chat/completions", s.countHandler(counter.RequestTypeChatCompletions))
	mux.Handle("/v1/count/responses", s.countHandler(counter.RequestTypeResponses))
	mux.Handle("/v1/count/messages", s.countHandler(counter.RequestTypeAnthropicMessages))
	mux.Handle("/v1/encodings", http.HandlerFunc(s.handleEncodings))
	mux.Handle("/v1/usage", http.HandlerFunc(s.handleUsage))

	return chain(mux, internalmw.RequestID, loggingMiddleware, recoverMiddleware, s.auth.MiddlewareWithSkipper(internalmw.SkipPaths(s.publicPaths...)))
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	s.service.Encode(w, r)
}

func (s *Server) countHandler(reqType counter.RequestType) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.service.Count(w, r, reqType)
	})
}

func (s *Server) handleEncodings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	service.WriteJSON(w, http.StatusOK, s.service.Encodings())
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	s.service.Usage(w, r)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debugf("%s %s %d %s [%s]", r.Method, r.URL.Path, rec.status, time.Since(start), internalmw.RequestIDFromContext(r.Context()))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("panic recovered: %v", rec)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
