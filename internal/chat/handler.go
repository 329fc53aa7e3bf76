package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"chat-relay/internal/middleware"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type HandlerOptions struct {
	// AllowedOrigins lists accepted Origin hosts; "*" accepts any.
	AllowedOrigins []string
	// AllowPlainUsername admits a bare ?username= claim when no token was
	// presented.
	AllowPlainUsername bool
	WS                 WSOptions
}

type Handler struct {
	hub      *Hub
	history  HistoryReader
	upgrader websocket.Upgrader
	opts     HandlerOptions
	log      *zap.Logger
}

func NewHandler(hub *Hub, history HistoryReader, log *zap.Logger, opts HandlerOptions) *Handler {
	return &Handler{
		hub:     hub,
		history: history,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		opts: opts,
		log:  log.Named("ws"),
	}
}

// ServeWs upgrades the request and hands the connection to the hub. The
// identity claim is checked after the upgrade so a rejection reaches the
// browser as a close frame with a reason.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	claim := h.claim(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	t := NewWSTransport(conn, h.opts.WS, h.log)
	if err := h.hub.Serve(r.Context(), t, claim); err != nil {
		h.log.Debug("connection ended", zap.Error(err))
	}
}

func (h *Handler) claim(r *http.Request) string {
	if username, ok := middleware.Username(r.Context()); ok {
		return username
	}
	if h.opts.AllowPlainUsername {
		return r.URL.Query().Get("username")
	}
	return ""
}

// GetChatHistory returns the whole log, oldest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.history.ListAll(r.Context())
	if err != nil {
		h.log.Error("list history", zap.Error(err))
		http.Error(w, "History unavailable", http.StatusServiceUnavailable)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		h.log.Warn("write history response", zap.Error(err))
	}
}

// GetAudio serves the raw bytes of one audio message with a sniffed
// content type.
func (h *Handler) GetAudio(w http.ResponseWriter, r *http.Request) {
	msg, err := h.history.Get(r.Context(), MessageID(chi.URLParam(r, "id")))
	switch {
	case errors.Is(err, ErrMessageNotFound):
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	case err != nil:
		h.log.Error("get message", zap.Error(err))
		http.Error(w, "History unavailable", http.StatusServiceUnavailable)
		return
	}
	if msg.Kind != KindAudio {
		http.Error(w, "Not an audio message", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", mimetype.Detect(msg.Audio).String())
	w.Header().Set("Content-Length", strconv.Itoa(len(msg.Audio)))
	_, _ = w.Write(msg.Audio)
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and those whose Origin host is listed.
func originChecker(allowed []string) func(*http.Request) bool {
	hosts := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if a == "*" {
			return func(*http.Request) bool { return true }
		}
		hosts[strings.ToLower(hostOf(a))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := hosts[strings.ToLower(u.Host)]
		return ok
	}
}

// hostOf accepts both "example.com:3000" and "https://example.com:3000".
func hostOf(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Host
	}
	return origin
}
