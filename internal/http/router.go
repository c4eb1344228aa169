package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/http/handlers"
	"github.com/iago/llm-dvm/internal/http/middleware"
	"github.com/iago/llm-dvm/internal/metrics"
	"github.com/iago/llm-dvm/internal/tracing"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *zap.SugaredLogger
	Tracer         *tracing.Provider
	Metrics        *metrics.Collector
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(handlers.NotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)

	router.HandleFunc("/healthz", deps.API.Health).Methods(http.MethodGet)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.NotFoundHandler = router.NotFoundHandler
	v1.MethodNotAllowedHandler = router.MethodNotAllowedHandler
	v1.HandleFunc("/engine", deps.API.EngineStatus).Methods(http.MethodGet)
	v1.HandleFunc("/engine/start", deps.API.EngineStart).Methods(http.MethodPost)
	v1.HandleFunc("/engine/stop", deps.API.EngineStop).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", deps.API.ListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", deps.API.GetJob).Methods(http.MethodGet)
	v1.HandleFunc("/settings", deps.API.GetSettings).Methods(http.MethodGet)
	v1.HandleFunc("/settings", deps.API.PatchSettings).Methods(http.MethodPatch)

	handler := http.Handler(router)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = tracing.HTTPMiddleware(deps.Tracer)(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
