package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"round-engine/internal/model"
	"round-engine/internal/service/engine"
	pkgAuth "round-engine/pkg/auth"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
	actionWait   = 10 * time.Second
)

type Handler struct {
	engine *engine.Service
}

func NewHandler(engineSvc *engine.Service) *Handler {
	return &Handler{engine: engineSvc}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

// HandleGameWS streams round events for one game. A participant token is
// optional: spectators only watch, token holders may also exit.
func (h *Handler) HandleGameWS(c *gin.Context) {
	game := c.Param("game")
	if !model.ValidGame(game) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid game"})
		return
	}

	var participantID int64
	if token := getTokenFromRequest(c); token != "" {
		claims, err := pkgAuth.ParseParticipantToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		participantID = claims.SubjectID
	}

	snap, err := h.engine.Snapshot(c.Request.Context(), game)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": appErr.PublicMessage(err)})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	logger.Log.Info("New WebSocket connection",
		zap.String("game", game),
		zap.Int64("participantID", participantID),
	)

	client := newClient(conn, h.engine, game, participantID)
	client.safeWrite(engine.OutgoingMessage{Type: "snapshot", Seq: h.engine.Hub().NextSeq(), Data: snap})
	client.run()
}

func getTokenFromRequest(c *gin.Context) string {
	token := strings.TrimSpace(c.Query("token"))
	if token != "" {
		return token
	}
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

type client struct {
	conn          *websocket.Conn
	engine        *engine.Service
	game          string
	participantID int64
	subID         int64
	outbound      <-chan engine.OutgoingMessage
	done          chan struct{}
	pingEvery     time.Duration
	writeMu       sync.Mutex
}

func newClient(conn *websocket.Conn, engineSvc *engine.Service, game string, participantID int64) *client {
	conn.SetReadLimit(1 << 16)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	subID, outbound := engineSvc.Hub().Subscribe(game)
	return &client{
		conn:          conn,
		engine:        engineSvc,
		game:          game,
		participantID: participantID,
		subID:         subID,
		outbound:      outbound,
		done:          make(chan struct{}),
		pingEvery:     25 * time.Second,
	}
}

func (c *client) run() {
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		close(c.done)
		c.engine.Hub().Unsubscribe(c.game, c.subID)
		c.conn.Close()
	}()

	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			logger.Log.Info("WS read error", zap.Error(err), zap.Int64("participantID", c.participantID), zap.String("game", c.game))
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var incoming struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(message, &incoming); err != nil {
			c.writeError("invalid_payload", "invalid payload")
			continue
		}
		if incoming.Type == "" {
			continue
		}
		c.handleAction(incoming.Type, incoming.Data)
	}
}

func (c *client) handleAction(action string, data json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), actionWait)
	defer cancel()

	switch action {
	case "ping":
		c.safeWrite(engine.OutgoingMessage{Type: "pong", Data: gin.H{"at": time.Now().UnixMilli()}})
	case "snapshot":
		snap, err := c.engine.Snapshot(ctx, c.game)
		if err != nil {
			c.writeError(appErr.CodeOf(err), appErr.PublicMessage(err))
			return
		}
		c.safeWrite(engine.OutgoingMessage{Type: "snapshot", Seq: c.engine.Hub().NextSeq(), Data: snap})
	case "exit":
		if c.participantID == 0 {
			c.writeError(appErr.ErrUnauthorized.Code, appErr.ErrUnauthorized.Msg)
			return
		}
		var body struct {
			RoundID string `json:"roundId"`
		}
		if err := json.Unmarshal(data, &body); err != nil || body.RoundID == "" {
			c.writeError("invalid_payload", "roundId is required")
			return
		}
		receipt, err := c.engine.RequestExit(ctx, body.RoundID, c.participantID)
		if err != nil {
			var e *appErr.Error
			if !errors.As(err, &e) || e.Kind == appErr.KindFatal {
				logger.Log.Error("ws exit failed", zap.Error(err), zap.String("roundID", body.RoundID))
			}
			c.writeError(appErr.CodeOf(err), appErr.PublicMessage(err))
			return
		}
		c.safeWrite(engine.OutgoingMessage{Type: "exit_ack", Data: receipt})
	default:
		c.writeError("unknown_action", "unknown action")
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.write(msg); err != nil {
				logger.Log.Info("WS write error", zap.Error(err), zap.Int64("participantID", c.participantID), zap.String("game", c.game))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) write(msg engine.OutgoingMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *client) writeError(reason, msg string) {
	c.safeWrite(engine.OutgoingMessage{
		Type: "error",
		Data: gin.H{"reason": reason, "message": msg},
	})
}

func (c *client) safeWrite(msg engine.OutgoingMessage) {
	if err := c.write(msg); err != nil {
		logger.Log.Info("WS write error", zap.Error(err), zap.Int64("participantID", c.participantID), zap.String("game", c.game))
	}
}
