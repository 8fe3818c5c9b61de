// Package server exposes the read API over HTTP/JSON alongside a gRPC
// endpoint carrying the standard health service and reflection. Command
// ingestion stays on NATS; these surfaces are read-only.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PoolPerp/internal/observability"
	"PoolPerp/internal/query"
)

type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	health     *health.Server
	log        zerolog.Logger
}

type Deps struct {
	QueryService  *query.Service
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

func New(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	h := &httpHandlers{
		qs:      deps.QueryService,
		metrics: deps.Metrics,
		log:     observability.NewLogger("http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
	mux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/accounts/", h.accountPositions)
	mux.HandleFunc("/v1/markets/", h.marketPositions)
	mux.HandleFunc("/v1/events", h.events)

	return &Server{
		grpcServer: grpcServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcAddr: grpcAddr,
		health:   healthServer,
		log:      observability.NewLogger("server"),
	}
}

// SetServing flips the gRPC health status once recovery has finished.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// StartGRPC serves gRPC until the context is cancelled. Blocking.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("grpc server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API until the context is cancelled. Blocking.
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- HTTP handlers ---

type httpHandlers struct {
	qs      *query.Service
	metrics *observability.Metrics
	log     zerolog.Logger
}

// accountPositions serves GET /v1/accounts/{id}/positions.
func (h *httpHandlers) accountPositions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rest := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	accountStr, ok := strings.CutSuffix(rest, "/positions")
	if !ok {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}
	account, err := uuid.Parse(accountStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	positions, err := h.qs.GetPositions(r.Context(), account)
	if err != nil {
		h.observe("account_positions", "error", start)
		h.log.Error().Err(err).Msg("position query failed")
		h.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	h.observe("account_positions", "ok", start)
	h.writeJSON(w, map[string]interface{}{"positions": positions})
}

// marketPositions serves GET /v1/markets/{id}/positions?is_long=true.
func (h *httpHandlers) marketPositions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rest := strings.TrimPrefix(r.URL.Path, "/v1/markets/")
	marketID, ok := strings.CutSuffix(rest, "/positions")
	if !ok || marketID == "" {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}

	isLong, err := strconv.ParseBool(r.URL.Query().Get("is_long"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "is_long must be true or false")
		return
	}

	positions, err := h.qs.GetMarketPositions(r.Context(), marketID, isLong)
	if err != nil {
		h.observe("market_positions", "error", start)
		h.log.Error().Err(err).Msg("market position query failed")
		h.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	h.observe("market_positions", "ok", start)
	h.writeJSON(w, map[string]interface{}{"positions": positions})
}

// events serves GET /v1/events?market=BTC-USD&limit=100&before=12345.
func (h *httpHandlers) events(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var marketID *string
	if m := r.URL.Query().Get("market"); m != "" {
		marketID = &m
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	var before *int64
	if b := r.URL.Query().Get("before"); b != "" {
		parsed, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &parsed
	}

	events, err := h.qs.GetEvents(r.Context(), marketID, limit, before)
	if err != nil {
		h.observe("events", "error", start)
		h.log.Error().Err(err).Msg("event query failed")
		h.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	h.observe("events", "ok", start)
	h.writeJSON(w, map[string]interface{}{"events": events})
}

func (h *httpHandlers) observe(endpoint, status string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	h.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (h *httpHandlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *httpHandlers) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
