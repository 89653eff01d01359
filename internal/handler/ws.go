package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ailways/study-relay/internal/middleware"
	"github.com/ailways/study-relay/internal/sse"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// WSHandler is the WebSocket twin of EventsHandler. Each event is sent as a
// JSON text frame {"type":..., "data":...}.
type WSHandler struct {
	broker     *sse.Broker
	authorizer SessionAuthorizer
	upgrader   websocket.Upgrader
}

func NewWSHandler(broker *sse.Broker, authorizer SessionAuthorizer) *WSHandler {
	return &WSHandler{
		broker:     broker,
		authorizer: authorizer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// GET /v1/learning/{sessionId}/ws
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := h.authorizer.Authorize(middleware.GetPrincipal(r.Context()), sessionID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("sessionId", sessionID).Msg("websocket connected")

	hello, _ := sse.NewEvent("connected", map[string]string{"sessionId": sessionID})
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	// Incoming frames are ignored; reading is needed to see pongs and close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Info().Str("sessionId", sessionID).Msg("websocket closed by client")
			return

		case <-client.Done:
			h.closeNormal(conn)
			return

		case event := <-client.Events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				log.Debug().Err(err).Str("sessionId", sessionID).Msg("websocket write failed")
				return
			}
			if event.Type == sse.EventSessionEnded {
				h.closeNormal(conn)
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
