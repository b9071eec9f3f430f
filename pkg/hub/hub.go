// Package hub implements the Bi-Kanpe server hub (C3): connection
// manager, broadcast engine, and control-plane send primitives for the
// director process. Grounded on the teacher's hub/handleWS in
// _examples/DrSmoothl-CUACOJNetControl/cmd/server/main.go (mutex-guarded
// map of live connections, gorilla/websocket upgrader, a switch over
// inbound envelope types) and on the keepalive/graceful-shutdown shape of
// original_source/crates/kanpe-server/src/server.rs.
package hub

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bikanpe/fabric/pkg/events"
	"bikanpe/fabric/pkg/idgen"
	"bikanpe/fabric/pkg/proto"
	"bikanpe/fabric/pkg/registry"
)

// State is the hub's lifecycle state (spec.md §4.3).
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Config tunes the hub's resource bounds. All fields have sane defaults
// via DefaultConfig; the implementation-parameter knobs spec.md leaves
// open (outbox capacity, SlowConsumer threshold) live here.
type Config struct {
	OutboxCapacity        int
	SlowConsumerThreshold int
	KeepaliveInterval     time.Duration
	KeepaliveTimeout      time.Duration
	ShutdownGrace         time.Duration
	HistoryCapacity       int
	ServerName            string
}

// DefaultConfig matches spec.md's stated defaults: 256-envelope outboxes,
// 15s/30s keepalive, 500ms shutdown grace, 500-entry history rings. The
// SlowConsumer threshold (5 consecutive dropping broadcasts) is this
// implementation's documented answer to spec.md §9 open question (a).
func DefaultConfig() Config {
	return Config{
		OutboxCapacity:        256,
		SlowConsumerThreshold: 5,
		KeepaliveInterval:     15 * time.Second,
		KeepaliveTimeout:      30 * time.Second,
		ShutdownGrace:         500 * time.Millisecond,
		HistoryCapacity:       500,
		ServerName:            "Bi-Kanpe Director",
	}
}

// ClientInfo is a point-in-time snapshot of a connected client, returned
// by ListClients.
type ClientInfo struct {
	ClientID          string
	Name              string
	DisplayMonitorIDs []string
	LastSeen          time.Time
	Drops             int64
}

// KanpeHistoryEntry and FeedbackHistoryEntry are the entries returned by
// KanpeHistory/FeedbackHistory, kept minimal for §3's history ring.
type KanpeHistoryEntry struct {
	Envelope proto.Envelope
	Payload  proto.KanpePayload
}

type FeedbackHistoryEntry struct {
	Envelope proto.Envelope
	Payload  proto.FeedbackPayload
}

// Hub is the director's connection manager and broadcast engine. The zero
// value is not usable; construct with New.
type Hub struct {
	cfg Config
	bus *events.Bus

	mu       sync.Mutex
	state    State
	listener net.Listener
	server   *http.Server
	registry *registry.Registry
	clients  map[string]*subscriber

	histKanpe    *ring
	histFeedback *ring

	logger *log.Logger
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// New constructs a Hub in the Stopped state.
func New(bus *events.Bus, cfg Config, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		cfg:          cfg,
		bus:          bus,
		state:        StateStopped,
		registry:     registry.New(),
		clients:      make(map[string]*subscriber),
		histKanpe:    newRing(cfg.HistoryCapacity),
		histFeedback: newRing(cfg.HistoryCapacity),
		logger:       logger,
	}
}

// State reports the hub's current lifecycle state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start binds the listener on port and spawns the accept loop, per
// spec.md §4.3. Fails ErrBindFailed if the port is busy or otherwise
// unavailable.
func (h *Hub) Start(port int) error {
	h.mu.Lock()
	if h.state != StateStopped {
		h.mu.Unlock()
		return fmt.Errorf("cannot start hub in state %s", h.state)
	}
	h.state = StateStarting
	h.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		h.mu.Lock()
		h.state = StateStopped
		h.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	srv := &http.Server{Handler: mux}

	h.mu.Lock()
	h.listener = ln
	h.server = srv
	h.state = StateRunning
	h.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			h.logger.Printf("[hub] serve error: %v", err)
		}
	}()

	h.logger.Printf("[hub] listening on :%d", port)
	h.bus.Publish(events.ServerStarted, port)
	return nil
}

// Stop performs a graceful shutdown: stop accepting, push a close signal
// to every subscriber, drain outboxes for ShutdownGrace, then close every
// socket.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return ErrNotRunning
	}
	h.state = StateStopping
	ln := h.listener
	subs := make([]*subscriber, 0, len(h.clients))
	for _, s := range h.clients {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		s.outbox.close()
		wg.Add(1)
		go func(s *subscriber) {
			defer wg.Done()
			select {
			case <-s.writerDone:
			case <-time.After(h.cfg.ShutdownGrace):
			}
		}(s)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(h.cfg.ShutdownGrace):
	}

	for _, s := range subs {
		s.closeConn(nil)
	}

	h.mu.Lock()
	h.clients = make(map[string]*subscriber)
	h.state = StateStopped
	h.mu.Unlock()

	h.logger.Printf("[hub] stopped")
	h.bus.Publish(events.ServerStopped, nil)
	return nil
}

// handleWS upgrades the connection, enforces the client_hello-first
// handshake, then hands off to the per-connection read loop.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[hub] upgrade failed: %v", err)
		return
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	env, payload, err := proto.Decode(raw)
	if err != nil {
		h.logger.Printf("[hub] malformed first frame: %v", err)
		_ = conn.Close()
		return
	}
	hello, ok := payload.(proto.ClientHelloPayload)
	if env.Type != proto.MsgClientHello || !ok {
		h.logger.Printf("[hub] protocol violation: first frame was %s, not client_hello", env.Type)
		_ = conn.Close()
		return
	}

	sub, err := h.registerClient(hello)
	if err != nil {
		h.logger.Printf("[hub] client registration failed: %v", err)
		_ = conn.Close()
		return
	}
	sub.conn = conn

	go h.runWriter(sub)

	welcome, _ := proto.NewServerWelcome(h.cfg.ServerName, sub.clientID)

	h.mu.Lock()
	listSync, _ := proto.NewMonitorListSync(h.registry.List())
	sub.outbox.push(welcome)
	sub.outbox.push(listSync)
	h.clients[sub.clientID] = sub
	h.mu.Unlock()

	h.bus.Publish(events.ClientConnected, ClientInfo{
		ClientID:          sub.clientID,
		Name:              sub.name,
		DisplayMonitorIDs: sub.displayMonitorIDs,
		LastSeen:          sub.getLastSeen(),
	})

	go h.runKeepalive(sub)
	h.runReader(sub)
}

// registerClient mints a client ID and builds the subscriber record, but
// does not yet make it visible to broadcasters — the caller adds it to
// h.clients only after enqueuing server_welcome/monitor_list_sync, so no
// directive can race ahead of the handshake per the atomicity invariant.
func (h *Hub) registerClient(hello proto.ClientHelloPayload) (*subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var clientID string
	for {
		id, err := idgen.New()
		if err != nil {
			return nil, err
		}
		if _, exists := h.clients[id]; exists {
			continue
		}
		clientID = id
		break
	}
	sub := &subscriber{
		clientID:          clientID,
		name:              hello.ClientName,
		displayMonitorIDs: hello.DisplayMonitorIDs,
		outbox:            newOutbox(h.cfg.OutboxCapacity),
		writerDone:        make(chan struct{}),
	}
	sub.touchLastSeen()
	return sub, nil
}

// runWriter drains sub's outbox, writing each envelope as a single JSON
// text frame. Exits once the outbox is closed and drained.
func (h *Hub) runWriter(sub *subscriber) {
	defer close(sub.writerDone)
	for {
		env, ok := sub.outbox.pop()
		if !ok {
			return
		}
		if err := sub.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

// runKeepalive sends a ping every KeepaliveInterval and closes the
// connection with ErrTimeout if no inbound frame has arrived within
// KeepaliveTimeout.
func (h *Hub) runKeepalive(sub *subscriber) {
	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.writerDone:
			return
		case <-ticker.C:
			if time.Since(sub.getLastSeen()) >= h.cfg.KeepaliveTimeout {
				sub.closeConn(ErrTimeout)
				return
			}
			ping, _ := proto.NewPing()
			sub.outbox.push(ping)
		}
	}
}

// runReader is the per-connection read loop. It owns final cleanup:
// removing the subscriber from h.clients and emitting ClientDisconnected.
func (h *Hub) runReader(sub *subscriber) {
	defer h.cleanupClient(sub)
	for {
		msgType, raw, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			sub.closeConn(ErrProtocolViolation)
			return
		}
		sub.touchLastSeen()

		env, payload, err := proto.Decode(raw)
		if err != nil {
			h.logger.Printf("[hub] malformed envelope from %s: %v", sub.clientID, err)
			sub.closeConn(nil)
			return
		}

		switch env.Type {
		case proto.MsgFeedbackMessage:
			fp := payload.(proto.FeedbackPayload)
			h.mu.Lock()
			h.histFeedback.add(FeedbackHistoryEntry{Envelope: env, Payload: fp})
			h.mu.Unlock()
			h.bus.Publish(events.FeedbackReceived, fp)
		case proto.MsgPing:
			pong := proto.Envelope{Type: proto.MsgPong, ID: env.ID, Timestamp: env.Timestamp}
			sub.outbox.push(pong)
		case proto.MsgPong:
			// lastSeen already updated above; nothing further to do.
		default:
			// Directives and registry deltas are server->client only;
			// anything else from a caster is ignored rather than
			// treated as a violation, matching the original's
			// catch-all "ignore other message types from client".
		}
	}
}

func (h *Hub) cleanupClient(sub *subscriber) {
	sub.outbox.close()
	sub.closeConn(nil)

	h.mu.Lock()
	if _, ok := h.clients[sub.clientID]; ok {
		delete(h.clients, sub.clientID)
	}
	h.mu.Unlock()

	h.bus.Publish(events.ClientDisconnected, sub.clientID)
}

// broadcastLocked enqueues env to every current subscriber's outbox,
// snapshotting the subscriber list under h.mu so the ordering guarantee
// in spec.md §4.3 holds: if the hub accepts A before B, every subscriber
// that receives both receives A before B.
func (h *Hub) broadcastLocked(env proto.Envelope) {
	for _, sub := range h.clients {
		dropped := sub.outbox.push(env)
		if dropped && sub.outbox.consecutiveDropStreak() >= h.cfg.SlowConsumerThreshold {
			go h.disconnectSlowConsumer(sub.clientID)
		}
	}
}

func (h *Hub) disconnectSlowConsumer(clientID string) {
	h.mu.Lock()
	sub, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.Printf("[hub] disconnecting slow consumer %s", clientID)
	sub.closeConn(ErrSlowConsumer)
}

func normalizeTargets(ids []string) []string {
	for _, id := range ids {
		if id == proto.ALLSentinel {
			return []string{proto.ALLSentinel}
		}
	}
	return ids
}

// SendKanpe broadcasts a cue-card directive to the given monitors. Fails
// ErrInvalidArgument on an empty target list.
func (h *Hub) SendKanpe(targetMonitorIDs []string, content string, priority proto.Priority) (proto.Envelope, error) {
	if len(targetMonitorIDs) == 0 {
		return proto.Envelope{}, fmt.Errorf("%w: target_monitor_ids must not be empty", ErrInvalidArgument)
	}
	targetMonitorIDs = normalizeTargets(targetMonitorIDs)
	env, err := proto.NewKanpeMessage(content, targetMonitorIDs, priority)
	if err != nil {
		return proto.Envelope{}, err
	}

	h.mu.Lock()
	h.broadcastLocked(env)
	h.histKanpe.add(KanpeHistoryEntry{Envelope: env, Payload: proto.KanpePayload{Content: content, TargetMonitorIDs: targetMonitorIDs, Priority: priority}})
	h.mu.Unlock()
	return env, nil
}

// SendFlash broadcasts a transient flash signal to the given monitors.
func (h *Hub) SendFlash(targetMonitorIDs []string) (proto.Envelope, error) {
	if len(targetMonitorIDs) == 0 {
		return proto.Envelope{}, fmt.Errorf("%w: target_monitor_ids must not be empty", ErrInvalidArgument)
	}
	targetMonitorIDs = normalizeTargets(targetMonitorIDs)
	env, err := proto.NewFlashCommand(targetMonitorIDs)
	if err != nil {
		return proto.Envelope{}, err
	}
	h.mu.Lock()
	h.broadcastLocked(env)
	h.mu.Unlock()
	return env, nil
}

// SendClear broadcasts a clear-current-message command to the given monitors.
func (h *Hub) SendClear(targetMonitorIDs []string) (proto.Envelope, error) {
	if len(targetMonitorIDs) == 0 {
		return proto.Envelope{}, fmt.Errorf("%w: target_monitor_ids must not be empty", ErrInvalidArgument)
	}
	targetMonitorIDs = normalizeTargets(targetMonitorIDs)
	env, err := proto.NewClearCommand(targetMonitorIDs)
	if err != nil {
		return proto.Envelope{}, err
	}
	h.mu.Lock()
	h.broadcastLocked(env)
	h.mu.Unlock()
	return env, nil
}

// AddMonitor inserts a new virtual monitor and broadcasts monitor_added.
func (h *Hub) AddMonitor(name, description, color string) (proto.VirtualMonitor, error) {
	h.mu.Lock()
	m, err := h.registry.Add(name, description, color)
	if err != nil {
		h.mu.Unlock()
		return proto.VirtualMonitor{}, err
	}
	env, err := proto.NewMonitorAdded(m)
	if err == nil {
		h.broadcastLocked(env)
	}
	h.mu.Unlock()
	h.bus.Publish(events.MonitorAdded, m)
	return m, err
}

// RemoveMonitor deletes a virtual monitor, if present, and broadcasts
// monitor_removed. Removing an absent ID is a no-op: no delta, no error.
func (h *Hub) RemoveMonitor(id string) error {
	h.mu.Lock()
	removed := h.registry.Remove(id)
	if !removed {
		h.mu.Unlock()
		return nil
	}
	env, err := proto.NewMonitorRemoved(id)
	if err == nil {
		h.broadcastLocked(env)
	}
	h.mu.Unlock()
	h.bus.Publish(events.MonitorRemoved, id)
	return err
}

// UpdateMonitor mutates an existing monitor and broadcasts monitor_updated.
// Fails ErrNotFound if id is not a known monitor.
func (h *Hub) UpdateMonitor(id string, name, description, color *string) (proto.VirtualMonitor, error) {
	h.mu.Lock()
	m, err := h.registry.Update(id, name, description, color)
	if err != nil {
		h.mu.Unlock()
		if errors.Is(err, registry.ErrNotFound) {
			return proto.VirtualMonitor{}, fmt.Errorf("%w: monitor %q", ErrNotFound, id)
		}
		return proto.VirtualMonitor{}, err
	}
	env, err := proto.NewMonitorUpdated(m)
	if err == nil {
		h.broadcastLocked(env)
	}
	h.mu.Unlock()
	h.bus.Publish(events.MonitorUpdated, m)
	return m, err
}

// ListMonitors returns a snapshot of the registry.
func (h *Hub) ListMonitors() []proto.VirtualMonitor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.List()
}

// KanpeHistory returns a snapshot of the most recent cue-card directives,
// oldest first, up to Config.HistoryCapacity entries. Grounded on the
// teacher's /api/events, which surfaces its own addEvent ring the same way.
func (h *Hub) KanpeHistory() []KanpeHistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	raw := h.histKanpe.snapshot()
	out := make([]KanpeHistoryEntry, len(raw))
	for i, item := range raw {
		out[i] = item.(KanpeHistoryEntry)
	}
	return out
}

// FeedbackHistory returns a snapshot of the most recently received
// feedback messages, oldest first, up to Config.HistoryCapacity entries.
func (h *Hub) FeedbackHistory() []FeedbackHistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	raw := h.histFeedback.snapshot()
	out := make([]FeedbackHistoryEntry, len(raw))
	for i, item := range raw {
		out[i] = item.(FeedbackHistoryEntry)
	}
	return out
}

// ListClients returns a snapshot of every connected client.
func (h *Hub) ListClients() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ClientInfo, 0, len(h.clients))
	for _, s := range h.clients {
		out = append(out, ClientInfo{
			ClientID:          s.clientID,
			Name:              s.name,
			DisplayMonitorIDs: s.displayMonitorIDs,
			LastSeen:          s.getLastSeen(),
			Drops:             s.outbox.dropCount(),
		})
	}
	return out
}
