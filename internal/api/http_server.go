package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"staysync/internal/channelsync"
	"staysync/internal/config"
	"staysync/internal/domain"
	"staysync/internal/logging"
	"staysync/internal/metrics"
	"staysync/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Services are the collaborators the HTTP API exposes.
type Services struct {
	Reservations *service.ReservationService
	Projector    *service.Projector
	Operator     *service.OperatorService
	Catalog      *service.CatalogService
	Store        domain.CalendarStore
	// Ready reports whether the process can take traffic; nil means always.
	Ready func(ctx context.Context) error
	Now   func() time.Time
}

// HTTPServer exposes the booking, calendar and operator API.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    Services
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	if svc.Now == nil {
		svc.Now = time.Now
	}
	srv := &HTTPServer{
		cfg:    cfg,
		svc:    svc,
		auth:   NewHTTPAuth(cfg),
		logger: logging.Component(logger, "http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /readyz", srv.handleReadyz)

	mux.HandleFunc("POST /api/v1/reservations", srv.handleCreateReservation)
	mux.HandleFunc("GET /api/v1/reservations/{id}", srv.handleGetReservation)
	mux.HandleFunc("POST /api/v1/reservations/{id}/cancel", srv.handleCancelReservation)
	mux.HandleFunc("POST /api/v1/reservations/{id}/payment", srv.handlePaymentResult)

	mux.HandleFunc("GET /api/v1/units", srv.handleUnits)
	mux.HandleFunc("GET /api/v1/units/{unit}/calendar", srv.handleCalendar)
	mux.HandleFunc("GET /api/v1/units/{unit}/calendar.ics", srv.handleCalendarICS)
	mux.HandleFunc("GET /api/v1/units/{unit}/calendar.xlsx", srv.handleCalendarXLSX)

	mux.HandleFunc("POST /api/v1/operator/blocks", srv.handleCreateBlock)
	mux.HandleFunc("DELETE /api/v1/operator/blocks/{id}", srv.handleRemoveBlock)
	mux.HandleFunc("GET /api/v1/operator/channels", srv.handleChannels)
	mux.HandleFunc("POST /api/v1/operator/channels/{unit}/{channel}/sync", srv.handleForceSync)
	mux.HandleFunc("GET /api/v1/operator/anomalies", srv.handleAnomalies)
	mux.HandleFunc("POST /api/v1/operator/anomalies/{id}/resolve", srv.handleResolveAnomaly)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

// Handler is the fully wrapped handler, exposed for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ready != nil {
		if err := s.svc.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

const requestIDHeader = "X-Request-ID"

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// errorStatus maps domain errors to an HTTP status and a stable error code.
func errorStatus(err error) (int, string) {
	var (
		validation *domain.ValidationError
		capacity   *domain.CapacityError
		conflict   *domain.ConflictError
		fetch      *domain.ChannelFetchError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &capacity):
		return http.StatusUnprocessableEntity, "capacity"
	case errors.As(err, &conflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrHoldExpired):
		return http.StatusConflict, "hold_expired"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrStaleVersion):
		return http.StatusConflict, "stale_version"
	case errors.Is(err, domain.ErrRequestInProgress):
		return http.StatusConflict, "in_progress"
	case errors.Is(err, channelsync.ErrPassInProgress):
		return http.StatusConflict, "sync_in_progress"
	case errors.As(err, &fetch):
		return http.StatusBadGateway, "channel_fetch"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode, code := errorStatus(err)
	msg := err.Error()
	if statusCode == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		msg = "internal error"
	}
	writeJSON(w, statusCode, map[string]string{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// decodeBody decodes a JSON body strictly. An empty body leaves v untouched
// when allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return domain.NewValidationError("body", "invalid JSON body")
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
