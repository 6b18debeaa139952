// Package httpapi exposes a running messages session over a small local
// HTTP API for inspection and scripting.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/marketfeed/marketfeed/internal/app/metrics"
	"github.com/marketfeed/marketfeed/internal/errors"
	"github.com/marketfeed/marketfeed/internal/messages"
	"github.com/marketfeed/marketfeed/pkg/logger"
)

// Session is the view source the API serves.
type Session interface {
	UserID() string
	Current() *messages.View
	Refresh(ctx context.Context) (*messages.View, error)
}

// Sender sends messages on behalf of the session user.
type Sender interface {
	SendMessage(ctx context.Context, currentUserID, receiverID, content string) error
}

// handler bundles HTTP endpoints for one session.
type handler struct {
	session Session
	sender  Sender
	log     *logger.Logger
}

// Config tunes the router.
type Config struct {
	// Token, when set, must be presented as a bearer token on every route
	// except /healthz and /metrics.
	Token string
	// SendRate limits POSTs per client address per second; zero disables.
	SendRate  int
	SendBurst int
	Log       *logger.Logger
}

// NewHandler returns a router exposing the session.
func NewHandler(session Session, sender Sender, cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{session: session, sender: sender, log: log}

	r := mux.NewRouter()
	r.Use(loggingMiddleware(log))
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(tokenMiddleware(cfg.Token))
	api.HandleFunc("/threads", h.listThreads).Methods(http.MethodGet)
	api.HandleFunc("/threads/{counterparty}", h.getThread).Methods(http.MethodGet)
	api.HandleFunc("/refresh", h.refresh).Methods(http.MethodPost)

	send := http.Handler(http.HandlerFunc(h.sendMessage))
	if cfg.SendRate > 0 {
		send = NewRateLimiter(cfg.SendRate, cfg.SendBurst, log).Handler(send)
	}
	api.Handle("/threads/{counterparty}/messages", send).Methods(http.MethodPost)

	return metrics.InstrumentHandler(r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "user_id": h.session.UserID()}
	if v := h.session.Current(); v != nil {
		resp["seq"] = v.Seq
		resp["threads"] = len(v.Threads)
	}
	writeJSON(w, http.StatusOK, resp)
}

// conversationSummary is one row of the conversation list.
type conversationSummary struct {
	CounterpartyID string    `json:"counterparty_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	LastMessage    string    `json:"last_message"`
	LastAt         time.Time `json:"last_at"`
	Count          int       `json:"count"`
}

func (h *handler) listThreads(w http.ResponseWriter, r *http.Request) {
	view := h.session.Current()
	list := messages.FilterConversations(view.Conversations(), r.URL.Query().Get("q"))

	out := make([]conversationSummary, 0, len(list))
	for _, t := range list {
		last := t.Last()
		row := conversationSummary{
			CounterpartyID: t.CounterpartyID,
			LastMessage:    last.Content,
			LastAt:         last.CreatedAt,
			Count:          len(t.Messages),
		}
		if t.Profile != nil {
			row.DisplayName = t.Profile.DisplayName()
			row.AvatarURL = t.Profile.AvatarURL
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["counterparty"]
	thread, ok := h.session.Current().Thread(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.Validation("get thread", errNoThread(id)))
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	view, err := h.session.Refresh(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seq": view.Seq, "threads": len(view.Threads)})
}

type sendRequest struct {
	Content string `json:"content"`
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	receiver := mux.Vars(r)["counterparty"]
	if err := h.sender.SendMessage(r.Context(), h.session.UserID(), receiver, req.Content); err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("send failed")
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type errNoThread string

func (e errNoThread) Error() string { return "no thread with " + string(e) }

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := map[string]string{"error": err.Error()}
	if kind := errors.KindOf(err); kind != "" {
		resp["kind"] = string(kind)
	}
	writeJSON(w, status, resp)
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var e *errors.Error
	if errors.As(err, &e) && e.HTTPStatus != 0 {
		status = e.HTTPStatus
	}
	writeError(w, status, err)
}
