package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"railpulse/internal/domain"
)

// MaxClientTiles caps how many tiles one client may watch.
const MaxClientTiles = 1024

// Client is one live-feed subscriber. Send is closed by the hub when the
// client is unregistered or the hub stops.
type Client struct {
	ID   string
	Send chan []byte

	mu      sync.RWMutex
	tiles   map[string]struct{}
	closed  bool
	dropped atomic.Int64
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, bufferSize),
		tiles: make(map[string]struct{}),
	}
}

// Offer queues data without blocking. A full buffer drops the message and
// counts it; a closed client refuses it.
func (c *Client) Offer(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped is the number of messages lost to a full send buffer.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) HasTile(tileID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tiles[tileID]
	return ok
}

// Tiles returns the watched tiles in sorted order.
func (c *Client) Tiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tiles := make([]string, 0, len(c.tiles))
	for id := range c.tiles {
		tiles = append(tiles, id)
	}
	sort.Strings(tiles)
	return tiles
}

func (c *Client) addTiles(tileIDs []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	added := make([]string, 0, len(tileIDs))
	for _, id := range tileIDs {
		if _, ok := c.tiles[id]; ok {
			added = append(added, id)
			continue
		}
		if len(c.tiles) >= MaxClientTiles {
			break
		}
		c.tiles[id] = struct{}{}
		added = append(added, id)
	}
	return added
}

func (c *Client) removeTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		delete(c.tiles, id)
	}
}

// Hub routes live updates to the clients watching the tile a train is in.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	tileClients map[string]map[*Client]struct{}

	// trainTiles remembers the last tile each train was seen in, so moves
	// and removals reach subscribers of the tile the train left.
	trainTiles map[string]string

	register   chan *Client
	unregister chan *Client
	broadcast  chan []domain.LiveUpdate

	// done is closed once Run has returned.
	done     chan struct{}
	stopOnce sync.Once

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		tileClients: make(map[string]map[*Client]struct{}),
		trainTiles:  make(map[string]string),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		broadcast:   make(chan []domain.LiveUpdate, 256),
		done:        make(chan struct{}),
		logger:      logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.stopOnce.Do(func() { close(h.done) })
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case updates := <-h.broadcast:
			h.fanout(updates)
		}
	}
}

// Subscribe adds tiles to the client's watch list and returns the ones it
// now holds. Tiles beyond MaxClientTiles are not added.
func (h *Hub) Subscribe(client *Client, tileIDs []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	added := client.addTiles(tileIDs)
	for _, tileID := range added {
		if h.tileClients[tileID] == nil {
			h.tileClients[tileID] = make(map[*Client]struct{})
		}
		h.tileClients[tileID][client] = struct{}{}
	}
	if len(added) < len(tileIDs) {
		h.logger.Debug("tile subscription truncated", "client_id", client.ID, "requested", len(tileIDs), "added", len(added))
	}
	return added
}

func (h *Hub) Unsubscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.removeTiles(tileIDs)
	h.detach(client, tileIDs)
}

// detach drops client from the tile index. Callers hold h.mu.
func (h *Hub) detach(client *Client, tileIDs []string) {
	for _, tileID := range tileIDs {
		subs := h.tileClients[tileID]
		if subs == nil {
			continue
		}
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.tileClients, tileID)
		}
	}
}

// Broadcast queues updates for fanout. When the hub falls behind the
// batch is dropped.
func (h *Hub) Broadcast(updates []domain.LiveUpdate) {
	if len(updates) == 0 {
		return
	}
	select {
	case h.broadcast <- updates:
	default:
		h.logger.Warn("broadcast channel full, dropping updates", "count", len(updates))
	}
}

// Register hands client to the hub. Once Run has returned the client is
// closed instead.
func (h *Hub) Register(client *Client) {
	h.enqueue(h.register, client)
}

func (h *Hub) Unregister(client *Client) {
	h.enqueue(h.unregister, client)
}

func (h *Hub) enqueue(ch chan<- *Client, client *Client) {
	select {
	case <-h.done:
		client.close()
		return
	default:
	}
	select {
	case ch <- client:
	case <-h.done:
		client.close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type DeltaMessage struct {
	Type    string       `json:"type"`
	Payload DeltaPayload `json:"payload"`
}

type DeltaPayload struct {
	Updates []domain.LiveUpdate `json:"updates,omitempty"`
	Removes []string            `json:"removes,omitempty"`
}

type delivery struct {
	updates []domain.LiveUpdate
	removes []string
}

func (h *Hub) fanout(updates []domain.LiveUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[*Client]*delivery)
	deliver := func(tileID string, fn func(*delivery)) {
		for client := range h.tileClients[tileID] {
			d := out[client]
			if d == nil {
				d = &delivery{}
				out[client] = d
			}
			fn(d)
		}
	}

	for _, u := range updates {
		prev, seen := h.trainTiles[u.TrainNumber]
		switch u.Type {
		case domain.UpdatePosition:
			if seen && prev != u.TileID {
				deliver(prev, func(d *delivery) { d.removes = append(d.removes, u.TrainNumber) })
			}
			h.trainTiles[u.TrainNumber] = u.TileID
			deliver(u.TileID, func(d *delivery) { d.updates = append(d.updates, u) })
		case domain.UpdateRemove:
			tile := u.TileID
			if tile == "" {
				tile = prev
			}
			delete(h.trainTiles, u.TrainNumber)
			deliver(tile, func(d *delivery) { d.removes = append(d.removes, u.TrainNumber) })
		}
	}

	for client, d := range out {
		data, err := json.Marshal(DeltaMessage{
			Type:    "delta",
			Payload: DeltaPayload{Updates: d.updates, Removes: d.removes},
		})
		if err != nil {
			continue
		}

		if !client.Offer(data) {
			h.logger.Debug("client send buffer full", "client_id", client.ID, "dropped", client.Dropped())
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	h.detach(client, client.Tiles())
	delete(h.clients, client)
	client.close()
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients), "dropped", client.Dropped())
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*Client]struct{})
	h.tileClients = make(map[string]map[*Client]struct{})
}
