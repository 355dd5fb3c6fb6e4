package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/orchestrator"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/toolregistry"
)

const firstFrameTimeout = 10 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.shuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"streams": s.clients.count(),
	})
}

// requestContext carries the caller's trace id, or a new one, and the
// request id.
func requestContext(r *http.Request, requestID string) context.Context {
	ctx := r.Context()
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx = tracing.WithTraceID(ctx, traceID)
	if requestID != "" {
		ctx = tracing.WithRequestID(ctx, requestID)
	}
	return ctx
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.RequestID = key
	}

	ctx := requestContext(r, req.RequestID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("session_id", req.SessionID).Msg("Gateway received chat request")

	resp, err := s.chat.Chat(ctx, req.SessionID, req.Message, chatOptions(req))
	if err != nil {
		status, kind := classifyError(err)
		logger.Warn().Err(err).Int("status", status).Msg("Chat request failed")
		writeError(w, status, kind, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream upgrades to a WebSocket and writes one event per frame.
// The turn is given by query parameters or, failing that, by a first
// ChatRequest frame. A client frame of {"type":"abort"} or closing the
// connection cancels the turn.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ChatRequest{
		SessionID: q.Get("session_id"),
		Message:   q.Get("message"),
		RequestID: q.Get("request_id"),
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:           gonanoid.Must(),
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
	}
	s.clients.add(client)
	observability.AddOpenStreams(1)
	defer func() {
		_ = conn.Close()
		s.clients.remove(client.ID)
		observability.AddOpenStreams(-1)
	}()

	if strings.TrimSpace(req.Message) == "" {
		var first ChatRequest
		_ = conn.SetReadDeadline(time.Now().Add(firstFrameTimeout))
		if err := conn.ReadJSON(&first); err != nil {
			s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("No chat request frame")
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		if first.SessionID == "" {
			first.SessionID = req.SessionID
		}
		req = first
	}
	s.clients.bind(client.ID, req.SessionID)

	ctx, cancel := context.WithCancel(requestContext(r, req.RequestID))
	defer cancel()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("clientId", client.ID).Logger()
	logger.Info().Str("session_id", req.SessionID).Msg("Chat stream opened")

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			var frame struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					logger.Debug().Err(err).Msg("Stream client read failed")
				}
				return
			}
			s.clients.touch(client.ID)
			if frame.Type == "abort" {
				logger.Info().Msg("Client aborted turn")
				return
			}
		}
	}()

	stream := s.chat.ChatStream(ctx, req.SessionID, req.Message, chatOptions(req))
	for ev := range stream.Events() {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := client.WriteJSON(ev); err != nil {
			logger.Warn().Err(err).Msg("Failed to write event")
			break
		}
	}
	stream.Close()

	client.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	client.writeMu.Unlock()

	// closing unblocks the reader
	_ = conn.Close()
	<-readerDone
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.chat.ClearSession(requestContext(r, ""), id); err != nil {
		status, kind := classifyError(err)
		writeError(w, status, kind, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "cleared": true})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"aborted":    s.chat.Abort(id),
		"streams":    s.clients.sessionStreams(id),
	})
}

func chatOptions(req ChatRequest) *orchestrator.ChatOptions {
	opts := &orchestrator.ChatOptions{
		TopK:      req.TopK,
		Metadata:  req.Metadata,
		RequestID: req.RequestID,
	}
	for _, p := range req.Permissions {
		opts.AllowedPermissions = append(opts.AllowedPermissions, toolregistry.Permission(p))
	}
	return opts
}

// classifyError maps engine errors to an HTTP status and error kind.
func classifyError(err error) (int, string) {
	var pe *agent.ProviderError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest, KindBadRequest
	case errors.As(err, &pe):
		return http.StatusBadGateway, agent.ErrorKindLLMProviderError
	case errors.Is(err, agent.ErrCancelled):
		return http.StatusConflict, agent.ErrorKindCancelled
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}
