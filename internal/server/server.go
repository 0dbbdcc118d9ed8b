package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/dmorgan81/imagegen/internal/codec"
	"github.com/dmorgan81/imagegen/internal/config"
	"github.com/dmorgan81/imagegen/internal/feed"
	"github.com/dmorgan81/imagegen/internal/handler"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/dmorgan81/imagegen/internal/page"
	"github.com/dmorgan81/imagegen/internal/store"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/samber/do"
)

const (
	maxBodyBytes = 32 << 20

	// statusClientClosedRequest is reported when the caller goes away mid-request.
	statusClientClosedRequest = 499
)

type Generator interface {
	Handle(context.Context, handler.Input) (handler.Output, error)
	HandleFast(context.Context, handler.Input) (handler.Output, error)
}

type FeedGenerator interface {
	Generate(context.Context) ([]byte, error)
}

type Server struct {
	logger    *slog.Logger
	generator Generator
	feed      FeedGenerator
	inspector store.Inspector
	pages     *page.Templator
	publicURL string
	origins   []string

	once   sync.Once
	routes http.Handler
}

func NewServer(i *do.Injector) (*Server, error) {
	cfg := do.MustInvoke[config.Config](i)
	s := &Server{
		logger:    do.MustInvoke[*slog.Logger](i),
		generator: do.MustInvoke[*handler.Handler](i),
		pages:     do.MustInvoke[*page.Templator](i),
		publicURL: cfg.PublicURL,
		origins:   cfg.CorsOrigins,
	}
	if cfg.Bucket != "" {
		s.feed = do.MustInvoke[*feed.Generator](i)
		s.inspector = do.MustInvoke[store.Inspector](i)
	}
	s.Handler()
	return s, nil
}

// Handler returns the routes built on first use and shared afterwards.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		s.routes = s.Routes()
	})
	return s.routes
}

// Routes returns the service mux wrapped in CORS handling.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.generate(s.generator.Handle))
	mux.HandleFunc("POST /generate", s.generate(s.generator.Handle))
	mux.HandleFunc("POST /generate/fast", s.generate(s.generator.HandleFast))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /feed.xml", s.rss)
	mux.HandleFunc("GET /g/{id}", s.page)

	return cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{headerMode, headerReference, headerID},
	}).Handler(s.withLogger(mux))
}

const (
	headerMode      = "X-Generation-Mode"
	headerReference = "X-Reference-Image"
	headerID        = "X-Generation-Id"
)

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With("request_id", uuid.NewString(), "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(log.NewContext(r.Context(), logger)))
	})
}

type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return "malformed request body: " + e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func (s *Server) generate(fn func(context.Context, handler.Input) (handler.Output, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var input handler.Input
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&input); err != nil {
			s.fail(ctx, w, &badRequestError{err})
			return
		}

		out, err := fn(ctx, input)
		if err != nil {
			s.fail(ctx, w, err)
			return
		}

		if out.Mode != "" {
			w.Header().Set(headerMode, out.Mode)
		}
		if out.ID != "" {
			w.Header().Set(headerID, out.ID)
		}
		if out.ReferenceIgnored {
			w.Header().Set(headerReference, "ignored")
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) rss(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		s.fail(r.Context(), w, store.ErrNotFound)
		return
	}
	rss, err := s.feed.Generate(r.Context())
	if err != nil {
		s.fail(r.Context(), w, err)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	_, _ = w.Write(rss)
}

func (s *Server) page(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if s.inspector == nil || id == "" || strings.ContainsAny(id, "/.") {
		s.fail(ctx, w, store.ErrNotFound)
		return
	}

	obj, err := s.inspector.Inspect(ctx, id+".png")
	if err != nil {
		s.fail(ctx, w, err)
		return
	}
	html, err := s.pages.Template(ctx, page.FromObject(s.publicURL, obj))
	if err != nil {
		s.fail(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(html)
}

func (s *Server) fail(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusCode(err)
	logger := log.FromContextOrDiscard(ctx)
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", log.Err(err), "status", code)
	} else {
		logger.Info("request rejected", log.Err(err), "status", code)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusCode(err error) int {
	var (
		verr *handler.ValidationError
		rerr *codec.ReferenceError
		berr *badRequestError
		merr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &merr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &verr), errors.As(err, &rerr), errors.As(err, &berr):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		code, data = http.StatusInternalServerError, []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
