// Package api serves the supervisory verbs, the status and the metrics
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/librescoot/evse-service/internal/engine"
	"github.com/librescoot/evse-service/internal/log"
	"github.com/librescoot/evse-service/internal/notify"
	"github.com/librescoot/evse-service/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is the part of the engine the API drives.
type Engine interface {
	SetPwm(ctx context.Context, action string, duty float64) error
	SetPower(ctx context.Context, allow bool) error
	SetImax(ctx context.Context, imax int) error
	SetSlac(ctx context.Context, status string) error
	Enable(ctx context.Context, on bool) error
	Status(ctx context.Context) (notify.Status, error)
}

type Server struct {
	server *http.Server
	engine Engine
	logger *log.Logger
}

func NewServer(addr string, eng Engine, logger *log.Logger) *Server {
	s := &Server{
		engine: eng,
		logger: logger,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/pwm", s.handlePwm).Methods(http.MethodPost)
	r.HandleFunc("/power", s.handlePower).Methods(http.MethodPost)
	r.HandleFunc("/imax", s.handleImax).Methods(http.MethodPost)
	r.HandleFunc("/slac", s.handleSlac).Methods(http.MethodPost)
	r.HandleFunc("/enable", s.handleEnable).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Starting HTTP server on %s", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

type pwmRequest struct {
	Action string  `json:"action"`
	Duty   float64 `json:"duty"`
}

type powerRequest struct {
	Allow bool `json:"allow"`
}

type imaxRequest struct {
	Imax int `json:"imax"`
}

type slacRequest struct {
	State string `json:"state"`
}

type enableRequest struct {
	Enable bool `json:"enable"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePwm(w http.ResponseWriter, r *http.Request) {
	var req pwmRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.engine.SetPwm(r.Context(), req.Action, req.Duty))
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.engine.SetPower(r.Context(), req.Allow))
}

func (s *Server) handleImax(w http.ResponseWriter, r *http.Request) {
	var req imaxRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.engine.SetImax(r.Context(), req.Imax))
}

func (s *Server) handleSlac(w http.ResponseWriter, r *http.Request) {
	var req slacRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.engine.SetSlac(r.Context(), req.State))
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	var req enableRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.engine.Enable(r.Context(), req.Enable))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

// reply answers a verb with the status after it ran.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.handleStatus(w, r)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warnf("HTTP request failed: %v", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
