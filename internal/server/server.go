package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/raysh454/m365guard/internal/app"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/messaging"

	_ "github.com/raysh454/m365guard/internal/server/docs" // swagger spec
)

const defaultMaxBodyBytes = 8 << 20

// Server is the HTTP + WebSocket surface of a Guard.
type Server struct {
	cfg    Config
	guard  *app.Guard
	router chi.Router
	logger logging.Logger
}

func NewServer(cfg Config, guard *app.Guard) (*Server, error) {
	if guard == nil {
		return nil, errors.New("server: guard is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("server")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		cfg:    cfg,
		guard:  guard,
		router: chi.NewRouter(),
		logger: logger.With(logging.Field{Key: "component", Value: "server"}),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	r.Options("/messages", s.optionsHandler("POST"))
	r.Options("/healthz", s.optionsHandler("GET"))
	r.Options("/rules", s.optionsHandler("GET"))
	r.Options("/statistics", s.optionsHandler("GET"))
	r.Options("/tabs/{tabID}/verdict", s.optionsHandler("GET"))

	r.Post("/messages", s.handleMessage)
	r.Get("/healthz", s.handleHealth)
	r.Get("/rules", s.handleRules)
	r.Get("/statistics", s.handleStatistics)
	r.Get("/tabs/{tabID}/verdict", s.handleTabVerdict)

	r.Get("/ws/badges", s.guard.Badges.ServeHTTP)

	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}
	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}
	if r.ContentLength > 0 {
		fields = append(fields, logging.Field{Key: "bytes", Value: r.ContentLength})
	}
	s.logger.Debug("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // badge websockets stream
	}
}

// Shutdown stops srv gracefully; badge subscribers are disconnected first.
func (s *Server) Shutdown(ctx context.Context, srv *http.Server) error {
	_ = s.guard.Badges.Close()
	return srv.Shutdown(ctx)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// --- HTTP handlers ---

// handleMessage godoc
// @Summary Dispatch an extension message
// @Description Decodes a {"type": ..., "tabId": ...} envelope and returns the handler's response.
// @Tags messages
// @Accept json
// @Produce json
// @Param message body MessageEnvelope true "Message envelope"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /messages [post]
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("reading body: %v", err))
		return
	}

	req, err := messaging.Decode(body)
	if err != nil {
		var unknown *messaging.UnknownRequestError
		if errors.As(err, &unknown) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Type: unknown.Type})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.guard.HandleMessage(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, messaging.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, ErrorResponse{Error: err.Error(), Type: req.Type()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth godoc
// @Summary Liveness and fallback state
// @Tags status
// @Produce json
// @Success 200 {object} messaging.PingResponse
// @Router /healthz [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := s.guard.HandleMessage(r.Context(), messaging.Ping{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRules godoc
// @Summary Current detection rules and cache metadata
// @Tags rules
// @Produce json
// @Success 200 {object} app.RulesResponse
// @Router /rules [get]
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	resp, err := s.guard.HandleMessage(r.Context(), messaging.GetDetectionRules{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatistics godoc
// @Summary Aggregate counts from persisted logs
// @Tags telemetry
// @Produce json
// @Success 200 {object} telemetry.Statistics
// @Router /statistics [get]
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	resp, err := s.guard.HandleMessage(r.Context(), messaging.GetStatistics{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTabVerdict godoc
// @Summary Current verdict of a tab
// @Tags verdicts
// @Produce json
// @Param tabID path int true "Tab id"
// @Success 200 {object} app.VerdictResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /tabs/{tabID}/verdict [get]
func (s *Server) handleTabVerdict(w http.ResponseWriter, r *http.Request) {
	tabID, err := strconv.Atoi(chi.URLParam(r, "tabID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tab id")
		return
	}
	resp, err := s.guard.HandleMessage(r.Context(), messaging.GetTabVerdict{TabID: tabID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if vr, ok := resp.(app.VerdictResponse); ok && !vr.Found {
		writeError(w, http.StatusNotFound, "no verdict for tab")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
