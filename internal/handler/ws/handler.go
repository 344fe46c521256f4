// Package ws is the connection gateway: one websocket per client,
// dispatching inbound commands and delivering protocol events back to that
// client only.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"chatbridge/internal/logging"
	"chatbridge/internal/protocol"
	"chatbridge/internal/service/orchestrator"
	"chatbridge/internal/service/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second

	// analyze_file runs with a tighter turn budget than free-form chat.
	analyzeMaxTurns = 2
)

// Handler owns the websocket endpoint.
type Handler struct {
	store    *session.Store
	orch     *orchestrator.Service
	upgrader websocket.Upgrader
	active   atomic.Int64
}

// New creates the gateway handler.
func New(store *session.Store, orch *orchestrator.Service) *Handler {
	return &Handler{
		store: store,
		orch:  orch,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes attaches the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// ActiveConnections reports the number of open client connections.
func (h *Handler) ActiveConnections() int {
	return int(h.active.Load())
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	h.active.Add(1)
	defer h.active.Add(-1)

	conn := &clientConn{ws: ws}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logging.Info().Str("remote", ws.RemoteAddr().String()).Msg("client connected")

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, conn)

	conn.Emit(protocol.ServerEvent{
		Type: protocol.EventConnectionStats,
		Stats: &protocol.ConnectionStats{
			ActiveConnections: h.ActiveConnections(),
			ActiveSessions:    h.store.Count(ctx),
		},
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))

		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			h.sendError(conn, "", "invalid command payload", err.Error())
			continue
		}

		h.dispatch(ctx, conn, cmd)
	}
}

// dispatch routes one inbound command. Requests that drive the provider run
// on their own goroutine so commands for other sessions keep flowing; the
// orchestrator's single-flight lock guards each session.
func (h *Handler) dispatch(ctx context.Context, conn *clientConn, cmd protocol.Command) {
	switch cmd.Type {
	case protocol.CmdCreateSession:
		h.handleCreateSession(ctx, conn)
	case protocol.CmdLoadSession:
		h.handleLoadSession(ctx, conn, cmd)
	case protocol.CmdSendMessage:
		go h.runRequest(ctx, conn, orchestrator.Request{
			SessionID:    cmd.SessionID,
			Message:      cmd.Message,
			SystemPrompt: cmd.SystemPrompt,
			MaxTurns:     cmd.MaxTurns,
			AllowedTools: cmd.AllowedTools,
		})
	case protocol.CmdAnalyzeFile:
		req, err := analyzeRequest(cmd)
		if err != nil {
			h.sendError(conn, cmd.SessionID, err.Error(), "")
			return
		}
		go h.runRequest(ctx, conn, req)
	default:
		h.sendError(conn, cmd.SessionID, "unsupported command type: "+cmd.Type, "")
	}
}

func (h *Handler) handleCreateSession(ctx context.Context, conn *clientConn) {
	sess := h.store.Create(ctx)
	conn.Emit(protocol.ServerEvent{
		Type:      protocol.EventSessionCreated,
		SessionID: sess.ID,
		Session:   &sess,
	})
}

func (h *Handler) handleLoadSession(ctx context.Context, conn *clientConn, cmd protocol.Command) {
	sess, err := h.store.Get(ctx, cmd.SessionID)
	if err != nil {
		h.sendError(conn, cmd.SessionID, "session not found", "")
		return
	}
	conn.Emit(protocol.ServerEvent{
		Type:      protocol.EventSessionLoaded,
		SessionID: sess.ID,
		Session:   &sess,
	})
}

func (h *Handler) runRequest(ctx context.Context, conn *clientConn, req orchestrator.Request) {
	sessionID, err := h.orch.Run(ctx, req, conn)
	if err == nil {
		return
	}

	// Synchronous rejections surface as a single error event; nothing was
	// emitted or stored for them.
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		h.sendError(conn, sessionID, "message must not be empty", "")
	case errors.Is(err, orchestrator.ErrSessionBusy):
		h.sendError(conn, sessionID, "session busy", "a request is already in flight for this session")
	default:
		h.sendError(conn, sessionID, "request rejected", err.Error())
	}
}

func (h *Handler) sendError(conn *clientConn, sessionID, msg, details string) {
	conn.Emit(protocol.ServerEvent{
		Type:      protocol.EventError,
		SessionID: sessionID,
		Error:     msg,
		Details:   details,
	})
}

func (h *Handler) pingLoop(ctx context.Context, conn *clientConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

// analyzeRequest synthesizes a send_message whose prompt embeds the file
// content fenced as code.
func analyzeRequest(cmd protocol.Command) (orchestrator.Request, error) {
	if strings.TrimSpace(cmd.Content) == "" {
		return orchestrator.Request{}, errors.New("file content must not be empty")
	}

	instruction := strings.TrimSpace(cmd.Prompt)
	if instruction == "" {
		instruction = "Analyze this file and summarize what it does, calling out anything suspicious."
	}

	name := cmd.Filename
	if name == "" {
		name = "untitled"
	}

	maxTurns := cmd.MaxTurns
	if maxTurns <= 0 {
		maxTurns = analyzeMaxTurns
	}

	return orchestrator.Request{
		SessionID:    cmd.SessionID,
		Message:      fmt.Sprintf("%s\n\nFile: %s\n```\n%s\n```", instruction, name, cmd.Content),
		SystemPrompt: cmd.SystemPrompt,
		MaxTurns:     maxTurns,
		AllowedTools: cmd.AllowedTools,
	}, nil
}
