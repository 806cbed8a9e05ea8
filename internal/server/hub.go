package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/roomrelay/internal/config"
	"github.com/Tyrowin/roomrelay/internal/relay"
	"go.uber.org/zap"
)

// Evictor is told when the hub drops a client whose send buffer is full.
type Evictor interface {
	ConnectionEvicted()
}

// HubObserver is what the hub needs from a metrics sink.
type HubObserver interface {
	relay.Observer
	Evictor
}

type inboundFrame struct {
	client  *Client
	payload []byte
}

// Hub owns the relay engine. Every connection open, inbound frame and
// connection close is handled on the goroutine running Run, one at a time,
// so the engine's registry and store never see concurrent access.
type Hub struct {
	engine   *relay.Engine
	settings config.WebSocketConfig
	logger   *zap.SugaredLogger
	evictor  Evictor

	// Owned by the Run goroutine.
	clients  map[relay.ConnID]*Client
	evicting []*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame

	rooms       atomic.Int64
	connections atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub ready to be started with Run. observer may be nil.
func NewHub(settings config.WebSocketConfig, observer HubObserver, logger *zap.SugaredLogger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		settings:   settings,
		logger:     logger,
		clients:    make(map[relay.ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	var engineObserver relay.Observer
	if observer != nil {
		engineObserver = observer
		h.evictor = observer
	}
	h.engine = relay.NewEngine(h, engineObserver, logger)
	return h
}

// Stats reports the number of live rooms and connections. Safe to call from
// any goroutine.
func (h *Hub) Stats() (rooms, connections int) {
	return int(h.rooms.Load()), int(h.connections.Load())
}

// Register hands a new client to the hub. It returns false if the hub is
// shutting down, in which case the caller still owns the connection.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Send implements relay.Outbox. It never blocks: a client whose buffer is
// full is queued for eviction once the current event has been handled.
func (h *Hub) Send(id relay.ConnID, frame []byte) {
	client, ok := h.clients[id]
	if !ok {
		return
	}

	select {
	case client.send <- frame:
	default:
		h.evicting = append(h.evicting, client)
	}
}

// Run starts the hub's main event loop. It returns after Shutdown, which
// must not be called before Run has started.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warnw("received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			if h.drop(client) {
				h.logger.Infow("client disconnected", "conn", client.id, "addr", client.addr, "clients", len(h.clients))
			}

		case in := <-h.inbound:
			if _, ok := h.clients[in.client.id]; !ok {
				continue
			}
			h.engine.HandleFrame(in.client.id, in.payload)
		}

		h.processEvictions()
		h.updateStats()
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.clients[client.id] = client
	h.engine.Open(client.id)
	h.logger.Infow("client connected", "conn", client.id, "addr", client.addr, "clients", len(h.clients))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// drop forgets the client and runs the engine's close handling. Closing the
// send channel makes the write pump send a close frame and exit. Dropping an
// unknown client is a no-op.
func (h *Hub) drop(client *Client) bool {
	if _, ok := h.clients[client.id]; !ok {
		return false
	}
	delete(h.clients, client.id)
	close(client.send)
	h.engine.Close(client.id)
	return true
}

// processEvictions drops slow clients. Dropping one may broadcast a
// room_deleted notification and overflow another buffer, so it loops.
func (h *Hub) processEvictions() {
	for len(h.evicting) > 0 {
		pending := h.evicting
		h.evicting = nil
		for _, client := range pending {
			if !h.drop(client) {
				continue
			}
			if h.evictor != nil {
				h.evictor.ConnectionEvicted()
			}
			h.logger.Warnw("client evicted: send buffer full", "conn", client.id, "addr", client.addr)
		}
	}
}

func (h *Hub) updateStats() {
	h.rooms.Store(int64(h.engine.Store().Len()))
	h.connections.Store(int64(h.engine.Registry().Len()))
}

// shutdownClients closes every connection. The pumps notice and exit.
func (h *Hub) shutdownClients() {
	h.logger.Infow("shutting down all client connections", "clients", len(h.clients))

	for _, client := range h.clients {
		delete(h.clients, client.id)
		close(client.send)
		h.engine.Close(client.id)
		client.closeConnection()
	}
	h.updateStats()
}

// Shutdown stops the hub and waits for client goroutines to finish, or for
// the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Infow("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Infow("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warnw("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
