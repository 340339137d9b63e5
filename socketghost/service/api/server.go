package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/go-appsec/interceptor/socketghost/protocol"
	"github.com/go-appsec/interceptor/socketghost/service/replay"
)

const (
	// maxImportBytes bounds the body of POST /flows/import.
	maxImportBytes = 64 << 20
	// maxReplayRequestBytes bounds the body of POST /flows/{id}/replay.
	maxReplayRequestBytes = 16 << 20
)

// FlowService is the flow storage the API reads and writes.
type FlowService interface {
	Import(ctx context.Context, data []byte) ([]string, error)
	Get(ctx context.Context, id string) (*protocol.StoredFlow, error)
	List(ctx context.Context, limit, offset int, filter protocol.FlowFilter) ([]protocol.FlowMetadata, error)
	Delete(ctx context.Context, id string) error
	Prune(ctx context.Context) (int, error)
	TotalSize(ctx context.Context) (int64, error)
	BodyReader(ctx context.Context, id, part string) (io.ReadCloser, error)
	Backend() string
}

// Interceptor replays stored flows and reports paused ones.
type Interceptor interface {
	Replay(ctx context.Context, originalFlowID, method, rawURL string, headers map[string]string, body string) replay.Result
	Paused() []protocol.PausedFlowInfo
}

// Options configures a Server.
type Options struct {
	Flows       FlowService
	Interceptor Interceptor
	// Telemetry wraps the handler with OpenTelemetry HTTP instrumentation.
	Telemetry bool
	// ReplayContext is the parent of asynchronous replays; defaults to context.Background.
	ReplayContext context.Context
}

// Server is the history HTTP API.
type Server struct {
	flows       FlowService
	interceptor Interceptor
	replayCtx   context.Context
	handler     http.Handler
}

func NewServer(opts Options) *Server {
	s := &Server{
		flows:       opts.Flows,
		interceptor: opts.Interceptor,
		replayCtx:   opts.ReplayContext,
	}
	if s.replayCtx == nil {
		s.replayCtx = context.Background()
	}

	var h http.Handler = s.routes()
	if opts.Telemetry {
		h = otelhttp.NewHandler(h, "socketghost-api")
	}
	s.handler = h
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", protocol.ConfirmHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/flows", func(r chi.Router) {
		r.Get("/", s.handleListFlows)
		r.Post("/import", s.handleImport)
		r.Delete("/prune", s.handlePrune)
		r.Get("/{id}", s.handleGetFlow)
		r.Delete("/{id}", s.handleDeleteFlow)
		r.Get("/{id}/request", s.handleBody)
		r.Get("/{id}/response", s.handleBody)
		r.Post("/{id}/replay", s.handleReplay)
	})
	return r
}

// requestLogger logs each request at debug level through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Debug().
				Str("requestId", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("api: request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("api: failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg, Reason: reason})
}
