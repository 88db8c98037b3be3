package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"railpulse/internal/domain"
	"railpulse/internal/hub"
	"railpulse/internal/ingestor"
	"railpulse/internal/metrics"
)

type WSHandler struct {
	hub       *hub.Hub
	svc       *ingestor.Service
	metrics   *metrics.Metrics
	zoomLevel int
	logger    *slog.Logger
}

func NewWSHandler(h *hub.Hub, svc *ingestor.Service, m *metrics.Metrics, zoomLevel int, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: h, svc: svc, metrics: m, zoomLevel: zoomLevel, logger: logger.With("handler", "websocket")}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload selects tiles directly, by bounding box, or as the
// 3x3 block around a point.
type SubscribePayload struct {
	TileIDs []string    `json:"tileIds"`
	BBox    *[4]float64 `json:"bbox,omitempty"`
	Center  *Point      `json:"center,omitempty"`
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type UnsubscribePayload struct {
	TileIDs []string `json:"tileIds"`
}

type SnapshotMessage struct {
	Type    string          `json:"type"`
	Payload SnapshotPayload `json:"payload"`
}

type SnapshotPayload struct {
	Trains []domain.LiveUpdate `json:"trains"`
	Tiles  []string            `json:"tiles"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	client := hub.NewClient(clientID, 256)

	h.hub.Register(client)
	ServerStats.IncWSConnections()
	h.metrics.SetWSClients(int(ServerStats.wsConnections.Load()))
	defer func() {
		ServerStats.DecWSConnections()
		h.metrics.SetWSClients(int(ServerStats.wsConnections.Load()))
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		ServerStats.IncWSMessagesIn()

		if msgType != websocket.MessageText {
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			var payload SubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if tiles := h.resolveTiles(payload); len(tiles) > 0 {
				if added := h.hub.Subscribe(client, tiles); len(added) > 0 {
					h.sendSnapshot(client, added)
				}
			}

		case "unsubscribe":
			var payload UnsubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if len(payload.TileIDs) > 0 {
				h.hub.Unsubscribe(client, payload.TileIDs)
			}

		case "ping":
			h.sendPong(client)
		}
	}
}

func (h *WSHandler) resolveTiles(p SubscribePayload) []string {
	var tiles []string
	for _, id := range p.TileIDs {
		if _, _, _, ok := hub.ParseTileID(id); ok {
			tiles = append(tiles, id)
		}
	}
	if p.BBox != nil {
		b := p.BBox
		tiles = append(tiles, hub.TilesInBBox(b[0], b[1], b[2], b[3], h.zoomLevel)...)
	}
	if p.Center != nil {
		if z, x, y, ok := hub.ParseTileID(hub.TileID(p.Center.Lat, p.Center.Lng, h.zoomLevel)); ok {
			tiles = append(tiles, hub.AdjacentTiles(z, x, y)...)
		}
	}
	return tiles
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) sendSnapshot(client *hub.Client, tileIDs []string) {
	wanted := make(map[string]struct{}, len(tileIDs))
	for _, id := range tileIDs {
		wanted[id] = struct{}{}
	}

	trains := []domain.LiveUpdate{}
	for _, u := range h.svc.Live(time.Now()) {
		if _, ok := wanted[u.TileID]; ok {
			trains = append(trains, u)
		}
	}

	data, err := json.Marshal(SnapshotMessage{
		Type:    "snapshot",
		Payload: SnapshotPayload{Trains: trains, Tiles: tileIDs},
	})
	if err != nil {
		return
	}

	if !client.Offer(data) {
		h.logger.Debug("failed to send snapshot, buffer full", "client_id", client.ID)
	}
}

func (h *WSHandler) sendPong(client *hub.Client) {
	data, err := json.Marshal(PongMessage{Type: "pong"})
	if err != nil {
		return
	}
	client.Offer(data)
}
