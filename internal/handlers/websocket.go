package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/models"
	"github.com/mossy-p/livecall/internal/signaling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Frame types pushed to WebSocket clients
const (
	frameState = "state"
	frameError = "error"
)

type hostStateFrame struct {
	Type  string `json:"type"`
	Reset bool   `json:"reset"`
	models.HostFetchResponse
}

type guestStateFrame struct {
	Type  string `json:"type"`
	Reset bool   `json:"reset"`
	models.GuestFetchResponse
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// pushClient is one WebSocket subscriber. The relay is watched server-side
// and only changes are pushed.
type pushClient struct {
	handler *Handler
	target  signaling.Target
	conn    *websocket.Conn
	send    chan []byte

	// Owned by the subscription goroutine.
	pushed      bool
	peerPresent bool
	peers       []string
}

// HandleSignaling upgrades to a WebSocket that pushes relay state for one
// side of a room and accepts publish frames in the same shape as
// POST /api/signal.
func (h *Handler) HandleSignaling(c *gin.Context) {
	roomID := c.Param("roomId")
	role := models.Role(c.Query("role"))
	peerID := c.Query("peerId")

	// Reject bad targets before the upgrade so the caller gets a status code.
	if _, err := h.service.Fetch(c.Request.Context(), models.FetchRequest{
		RoomID: roomID,
		Role:   role,
		PeerID: peerID,
	}); err != nil {
		h.respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := &pushClient{
		handler: h,
		target:  signaling.Target{RoomID: roomID, Role: role, PeerID: peerID},
		conn:    conn,
		send:    make(chan []byte, 256),
	}

	h.logger.Info("push subscriber joined",
		"room", roomID,
		"role", role,
		"peer", peerID,
	)

	// The request context ends when this handler returns.
	ctx, cancel := context.WithCancel(context.Background())
	sub := h.push.Watch(ctx, client.target, signaling.Handlers{
		OnUpdate: client.onUpdate,
		OnError:  client.onError,
	})

	go client.writePump()
	go client.readPump(ctx, func() {
		cancel()
		sub.Stop()
		close(client.send)
	})
}

func (c *pushClient) onUpdate(update signaling.Update) {
	changed := !c.pushed ||
		update.DescriptionChanged ||
		update.Reset ||
		len(update.Candidates) > 0 ||
		update.PeerPresent != c.peerPresent ||
		!slices.Equal(update.Peers, c.peers)
	if !changed {
		return
	}
	c.pushed = true
	c.peerPresent = update.PeerPresent
	c.peers = slices.Clone(update.Peers)

	result := models.FetchResult{
		Description: update.Description,
		PeerPresent: update.PeerPresent,
		Generation:  update.Generation,
		Peers:       update.Peers,
	}
	for _, candidate := range update.Candidates {
		result.Candidates = append(result.Candidates, candidate.Payload)
	}

	var frame any
	if c.target.Role == models.RoleHost {
		frame = hostStateFrame{Type: frameState, Reset: update.Reset, HostFetchResponse: result.HostResponse()}
	} else {
		frame = guestStateFrame{Type: frameState, Reset: update.Reset, GuestFetchResponse: result.GuestResponse()}
	}
	c.queue(frame)
}

func (c *pushClient) onError(err error) {
	if callerr.KindOf(err) == callerr.KindTransport {
		c.queue(errorFrame{Type: frameError, Error: "Signaling unavailable"})
	}
}

func (c *pushClient) queue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.handler.logger.Error("failed to marshal frame", "error", err)
		return
	}

	select {
	case c.send <- data:
	default:
		c.handler.logger.Warn("push buffer full, dropping frame",
			"room", c.target.RoomID,
			"role", c.target.Role,
		)
	}
}

func (c *pushClient) readPump(ctx context.Context, cleanup func()) {
	defer func() {
		cleanup()
		c.conn.Close()
		c.handler.logger.Info("push subscriber left",
			"room", c.target.RoomID,
			"role", c.target.Role,
			"peer", c.target.PeerID,
		)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.handler.logger.Warn("websocket error", "error", err)
			}
			return
		}

		var req models.PublishRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.queue(errorFrame{Type: frameError, Error: "Invalid request body"})
			continue
		}

		// The connection is bound to its target.
		req.RoomID = c.target.RoomID
		req.Role = c.target.Role
		req.PeerID = c.target.PeerID

		if err := c.handler.service.Publish(ctx, req); err != nil {
			c.queue(errorFrame{Type: frameError, Error: err.Error()})
		}
	}
}

func (c *pushClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.handler.logger.Warn("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
