package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/takeout_downloader/internal/logctx"
	"github.com/italolelis/takeout_downloader/internal/pool"
	"github.com/italolelis/takeout_downloader/internal/session"
)

// Credential pastes are curl commands; anything bigger than this is not one.
const maxCredentialBody = 1 << 20

// StatusProvider exposes a consistent view of the pool. Satisfied by
// pool.Scheduler.
type StatusProvider interface {
	Snapshot() pool.Snapshot
}

// Subscriber hands out event-stream subscriptions. Satisfied by pool.Hub.
type Subscriber interface {
	Subscribe(buffer int) (<-chan pool.Event, func())
}

// Handler is the operator-facing surface: run status, credential refresh and
// a live event stream. Any front-end (terminal, browser, script) drives the
// orchestrator exclusively through it.
type Handler struct {
	status StatusProvider
	ctrl   *session.Controller
	hub    Subscriber
}

func NewHandler(status StatusProvider, ctrl *session.Controller, hub Subscriber) *Handler {
	return &Handler{
		status: status,
		ctrl:   ctrl,
		hub:    hub,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/api/status", h.getStatus)
	r.Post("/api/session", h.supplySession)
	r.Get("/api/events", h.streamEvents)
	r.Get("/health", h.health)

	return r
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Snapshot())
}

// supplySession accepts a pasted curl command (or bare cookie) and swaps the
// live credential, waking a paused pool. This is the operator's half of the
// re-authentication handshake.
func (h *Handler) supplySession(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCredentialBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))

		return
	}

	cred, err := session.CredentialFromCurl(string(body))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)

		return
	}

	h.ctrl.Supply(cred)

	logger.Info("credential refreshed by operator", "cookie_len", len(cred.CookieHeader))

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// streamEvents serves the progress-event stream as server-sent events.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))

		return
	}

	events, cancel := h.hub.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}

			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
			flusher.Flush()
		}
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
