package counter_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"ms-counters/internal/apperrors"
	"ms-counters/internal/config"
	"ms-counters/internal/counters/service"
	"ms-counters/internal/logger"
	"ms-counters/internal/models"
	"ms-counters/internal/sse"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	msgInvalidEventID   = "Invalid Event ID."
	msgInvalidIDs       = "Invalid Event or Counter ID."
	msgInternalError    = "Internal server error."
	msgStreamNotSupport = "Streaming unsupported."
	msgShuttingDown     = "Server is shutting down."
)

// CounterService is the mutation service as used by the HTTP layer.
type CounterService interface {
	Ping(ctx context.Context) error
	ListEvents(ctx context.Context) ([]models.Event, error)
	CreateEvent(ctx context.Context, name string) (*models.Event, error)
	DeleteEvent(ctx context.Context, eventID int64) error
	AddCounter(ctx context.Context, eventID int64, name string) (*models.Counter, error)
	DeleteCounter(ctx context.Context, eventID, counterID int64) error
	AdjustCounter(ctx context.Context, eventID, counterID, delta int64) (*models.Counter, error)
}

type Handler struct {
	Service    CounterService
	Dispatcher *sse.Dispatcher
	Logger     *logger.Logger
	Stream     config.StreamConfig
	upgrader   websocket.Upgrader
}

func NewHandler(svc CounterService, dispatcher *sse.Dispatcher, log *logger.Logger, stream config.StreamConfig, allowedOrigins []string) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	if stream.KeepAlive <= 0 {
		stream.KeepAlive = config.DefaultKeepAlive
	}
	if stream.BufferSize <= 0 {
		stream.BufferSize = config.DefaultStreamBuffer
	}
	return &Handler{
		Service:    svc,
		Dispatcher: dispatcher,
		Logger:     log,
		Stream:     stream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes mounts the API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/health/ready", h.Ready)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)
			r.Get("/stream", h.StreamEvents)
			r.Get("/ws", h.StreamWebSocket)

			r.Route("/{eventId}", func(r chi.Router) {
				r.Delete("/", h.DeleteEvent)
				r.Post("/counters", h.AddCounter)
				r.Delete("/counters/{counterId}", h.DeleteCounter)
				r.Patch("/counters/{counterId}", h.AdjustCounter)
			})
		})
	})
}

// Health reports liveness and the number of connected stream clients.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"status":  "OK",
		"clients": h.Dispatcher.Registry().Count(),
	})
}

// Ready reports whether the store answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Ping(r.Context()); err != nil {
		h.Logger.Warn("HEALTH", fmt.Sprintf("Store ping failed: %v", err))
		sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "UNAVAILABLE"})
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "READY"})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Service.ListEvents(r.Context())
	if err != nil {
		h.sendServiceError(w, r, err, "Failed to retrieve events")
		return
	}
	sendJSON(w, http.StatusOK, events)
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name *string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == nil {
		h.sendError(w, r, http.StatusBadRequest, service.MsgEventNameRequired, false)
		return
	}

	event, err := h.Service.CreateEvent(r.Context(), *body.Name)
	if err != nil {
		h.sendServiceError(w, r, err, "Failed to create event")
		return
	}
	sendJSON(w, http.StatusCreated, event)
}

func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseID(chi.URLParam(r, "eventId"))
	if !ok {
		h.sendError(w, r, http.StatusBadRequest, msgInvalidEventID, false)
		return
	}

	if err := h.Service.DeleteEvent(r.Context(), eventID); err != nil {
		h.sendServiceError(w, r, err, "Failed to delete event")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AddCounter(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseID(chi.URLParam(r, "eventId"))
	if !ok {
		h.sendError(w, r, http.StatusBadRequest, msgInvalidEventID, false)
		return
	}

	var body struct {
		Name *string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == nil {
		h.sendError(w, r, http.StatusBadRequest, service.MsgCounterNameRequired, false)
		return
	}

	counter, err := h.Service.AddCounter(r.Context(), eventID, *body.Name)
	if err != nil {
		h.sendServiceError(w, r, err, "Failed to add counter")
		return
	}
	sendJSON(w, http.StatusCreated, counter)
}

func (h *Handler) DeleteCounter(w http.ResponseWriter, r *http.Request) {
	eventID, counterID, ok := parseIDs(r)
	if !ok {
		h.sendError(w, r, http.StatusBadRequest, msgInvalidIDs, false)
		return
	}

	if err := h.Service.DeleteCounter(r.Context(), eventID, counterID); err != nil {
		h.sendServiceError(w, r, err, "Failed to delete counter")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdjustCounter expects {"change": 1} or {"change": -1}.
func (h *Handler) AdjustCounter(w http.ResponseWriter, r *http.Request) {
	eventID, counterID, ok := parseIDs(r)
	if !ok {
		h.sendError(w, r, http.StatusBadRequest, msgInvalidIDs, false)
		return
	}

	var body struct {
		Change *float64 `json:"change"`
	}
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil || body.Change == nil || (*body.Change != 1 && *body.Change != -1) {
		h.sendError(w, r, http.StatusBadRequest, service.MsgInvalidChange, false)
		return
	}

	counter, err := h.Service.AdjustCounter(r.Context(), eventID, counterID, int64(*body.Change))
	if err != nil {
		h.sendServiceError(w, r, err, "Failed to update counter")
		return
	}
	sendJSON(w, http.StatusOK, counter)
}

// sendError writes {"message": msg}. With broadcast set, the message is also
// pushed to every stream subscriber as an error event.
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, status int, msg string, broadcast bool) {
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s %s: %s", r.Method, r.URL.Path, msg))
	} else {
		h.Logger.Warn("API", fmt.Sprintf("%s %s: %s", r.Method, r.URL.Path, msg))
	}
	if broadcast {
		h.Dispatcher.Broadcast(models.StreamError, models.ErrorPayload{Message: msg})
	}
	sendJSON(w, status, map[string]string{"message": msg})
}

func (h *Handler) sendServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	h.sendError(w, r, apperrors.HTTPStatus(err), apperrors.Message(err, fallback), false)
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// the status line is already out, nothing useful to do on failure
	_ = json.NewEncoder(w).Encode(data)
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func parseIDs(r *http.Request) (int64, int64, bool) {
	eventID, ok := parseID(chi.URLParam(r, "eventId"))
	if !ok {
		return 0, 0, false
	}
	counterID, ok := parseID(chi.URLParam(r, "counterId"))
	if !ok {
		return 0, 0, false
	}
	return eventID, counterID, true
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
