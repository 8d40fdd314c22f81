// Package gateway adapts the HTTP transport listener to the relay
// engine: it accepts WebSocket upgrade requests on virtual paths of the
// form /{topology}/{service-path} and hands the established pair to the
// relay. Rejections happen before the upgrade so the handshake carries
// the outcome.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/strandproxy/strand/internal/relay"
)

// Options configure the gateway handler.
type Options struct {
	// Enabled gates the whole gateway; when false every upgrade attempt
	// is rejected with 501 before any resolution happens.
	Enabled bool
	Engine  *relay.Engine
	Logger  *slog.Logger
	// BaseContext, when set, bounds the lifetime of relayed sessions so
	// daemon shutdown closes them. Defaults to context.Background().
	BaseContext context.Context
}

// Handler is the gateway's transport entry point.
type Handler struct {
	enabled bool
	engine  *relay.Engine
	logger  *slog.Logger
	base    context.Context
}

// New constructs the gateway router.
func New(opts Options) http.Handler {
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	h := &Handler{
		enabled: opts.Enabled,
		engine:  opts.Engine,
		logger:  opts.Logger.With("component", "gateway"),
		base:    base,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.HandleFunc("/{topology}", h.handleProxy)
	r.HandleFunc("/{topology}/*", h.handleProxy)

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	if !h.enabled {
		http.Error(w, "websocket gateway disabled", http.StatusNotImplemented)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	topologyName := chi.URLParam(r, "topology")
	virtualPath := "/" + chi.URLParam(r, "*")
	log := h.logger.With("topology", topologyName, "path", virtualPath, "client", r.RemoteAddr)

	sess := h.engine.NewSession(topologyName, virtualPath)

	res, err := sess.Resolve()
	if err != nil {
		log.Warn("connection rejected", "outcome", "not_found", "error", err)
		http.Error(w, "no route for requested target", http.StatusNotFound)
		return
	}

	if err := sess.Connect(r.Context(), r.Header); err != nil {
		log.Warn("connection rejected", "outcome", "upstream_unavailable", "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  res.Entry.Params.InputBufferSize,
		WriteBufferSize: res.Entry.Params.MaxTextBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	var respHeader http.Header
	if proto := sess.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": []string{proto}}
	}

	client, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade failed after the backend dial; drop the backend side
		// so nothing leaks.
		log.Warn("connection rejected", "outcome", "handshake_failed", "error", err)
		sess.Abort()
		return
	}

	log.Info("connection proxied", "outcome", "proxied", "backend", res.BackendURI, "snapshot_version", res.Entry.Version)

	err = sess.Run(h.base, client)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrMessageTooLarge):
		log.Warn("session terminated", "outcome", "message_too_large")
	case errors.Is(err, relay.ErrWriteTimeout):
		log.Warn("session terminated", "outcome", "write_timeout")
	default:
		log.Warn("session terminated", "outcome", "relay_error", "error", err)
	}
}
