// Package session implements the caster's client session (component C4):
// dialing the director, performing the client_hello/server_welcome
// handshake, mirroring the monitor registry, applying the display filter
// to inbound kanpe directives, and reconnecting with backoff when the
// connection drops. Grounded on the teacher's cmd/client/main.go run()
// retry loop and original_source/crates/kanpe-client/src/client.rs's
// connect/disconnect/event-dispatch shape.
package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bikanpe/fabric/pkg/events"
	"bikanpe/fabric/pkg/proto"
)

// State is the caster's connection lifecycle state, per spec.md §4.4.
type State string

const (
	StateIdle         State = "idle"
	StateDialing      State = "dialing"
	StateHandshaking  State = "handshaking"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// LatestMessage is the most recently displayed kanpe directive — the
// single piece of state the local control API (C5) needs to answer
// react_to_latest and get_state without re-deriving history.
type LatestMessage struct {
	ID               string
	Content          string
	Priority         proto.Priority
	TargetMonitorIDs []string
}

// Session is the caster's client-side connection to a director. The zero
// value is not usable; construct with New.
type Session struct {
	bus    *events.Bus
	logger *log.Logger

	mu                sync.Mutex
	state             State
	address           string
	clientName        string
	displayMonitorIDs []string
	autoReconnect     bool
	stopCh            chan struct{}

	conn    *websocket.Conn
	writeMu sync.Mutex

	serverName       string
	assignedClientID string
	lastDisconnect   error

	mirror *mirror
	latest *LatestMessage

	backoff *backoff
}

// New returns an idle session publishing lifecycle events on bus.
func New(bus *events.Bus, logger *log.Logger) *Session {
	return &Session{
		bus:     bus,
		logger:  logger,
		state:   StateIdle,
		mirror:  newMirror(),
		backoff: newBackoff(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Monitors returns a snapshot of the mirrored monitor registry.
func (s *Session) Monitors() []proto.VirtualMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror.list()
}

// Latest returns the most recently displayed kanpe, or nil if none has
// been displayed since the session was created or since the last
// clear_command that passed the display filter.
func (s *Session) Latest() *LatestMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil
	}
	cp := *s.latest
	return &cp
}

// Connect starts dialing address and transitions the session through
// Dialing/Handshaking to Connected, reconnecting automatically (with
// backoff) on any later connection loss until Disconnect is called.
// It returns an error if the session is not currently Idle.
func (s *Session) Connect(address, clientName string, displayMonitorIDs []string) error {
	if address == "" || clientName == "" {
		return ErrInvalidArgument
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("session: connect called in state %s", s.state)
	}
	s.address = address
	s.clientName = clientName
	s.displayMonitorIDs = displayMonitorIDs
	s.autoReconnect = true
	s.state = StateDialing
	stop := make(chan struct{})
	s.stopCh = stop
	s.backoff.reset()
	s.mu.Unlock()

	go s.run(stop)
	return nil
}

// Disconnect tears down any active connection and returns the session to
// Idle immediately, suppressing further reconnect attempts by the loop
// started from the matching Connect call.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	stop := s.stopCh
	conn := s.conn
	s.autoReconnect = false
	s.state = StateIdle
	s.lastDisconnect = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// SendFeedback transmits a feedback_message envelope. Only valid while
// Connected; the session never buffers or retries a feedback send.
func (s *Session) SendFeedback(content, clientName, replyToMessageID string, feedbackType proto.FeedbackType) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if content == "" {
		return ErrInvalidArgument
	}

	env, err := proto.NewFeedbackMessage(content, clientName, replyToMessageID, feedbackType)
	if err != nil {
		return err
	}
	return s.writeEnvelope(conn, env)
}

func (s *Session) writeEnvelope(conn *websocket.Conn, env proto.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// run drives one Connect call's entire lifecycle: dial, handshake,
// connected read loop, and — as long as autoReconnect holds and stop
// hasn't fired — repeated reconnection with backoff. It returns once the
// session has settled back to Idle.
func (s *Session) run(stop chan struct{}) {
	for {
		if stopped(stop) {
			return
		}

		s.setState(StateDialing)
		conn, _, err := websocket.DefaultDialer.Dial(s.address, nil)
		if err != nil {
			if !s.retryOrIdle(stop, fmt.Errorf("%w: %v", ErrDialFailed, err)) {
				return
			}
			continue
		}

		s.setState(StateHandshaking)
		hello, err := proto.NewClientHello(s.clientName, s.displayMonitorIDs)
		if err != nil {
			_ = conn.Close()
			if !s.retryOrIdle(stop, err) {
				return
			}
			continue
		}
		if err := s.writeEnvelope(conn, hello); err != nil {
			_ = conn.Close()
			if !s.retryOrIdle(stop, err) {
				return
			}
			continue
		}

		welcome, err := s.awaitWelcome(conn)
		if err != nil {
			_ = conn.Close()
			if !s.retryOrIdle(stop, err) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.serverName = welcome.ServerName
		s.assignedClientID = welcome.AssignedClientID
		s.state = StateConnected
		s.mu.Unlock()
		s.backoff.reset()

		s.bus.Publish(events.ServerWelcomeReceived, welcome)
		s.bus.Publish(events.ConnectionEstablished, welcome)

		lossReason := s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()

		if stopped(stop) {
			return
		}

		s.bus.Publish(events.ConnectionLost, lossReason)
		if !s.retryOrIdle(stop, lossReason) {
			return
		}
	}
}

// retryOrIdle records the disconnect reason and either sleeps for the
// next backoff interval (returning true to continue the loop) or settles
// the session to Idle and returns false, depending on autoReconnect.
func (s *Session) retryOrIdle(stop chan struct{}, reason error) bool {
	s.mu.Lock()
	s.lastDisconnect = reason
	auto := s.autoReconnect
	s.mu.Unlock()

	if !auto {
		s.setState(StateIdle)
		return false
	}

	s.setState(StateReconnecting)
	delay := s.backoff.next()
	select {
	case <-time.After(delay):
		return true
	case <-stop:
		return false
	}
}

// awaitWelcome blocks for the first frame after client_hello, which per
// spec.md §4.3 must be a server_welcome. Anything else is a protocol
// violation.
func (s *Session) awaitWelcome(conn *websocket.Conn) (proto.ServerWelcomePayload, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return proto.ServerWelcomePayload{}, err
	}
	env, payload, err := proto.Decode(raw)
	if err != nil {
		return proto.ServerWelcomePayload{}, err
	}
	if env.Type != proto.MsgServerWelcome {
		return proto.ServerWelcomePayload{}, ErrProtocolViolation
	}
	welcome, ok := payload.(proto.ServerWelcomePayload)
	if !ok {
		return proto.ServerWelcomePayload{}, ErrProtocolViolation
	}
	return welcome, nil
}

// readLoop consumes frames until the connection fails or a frame does not
// decode, dispatching each to the monitor mirror, the display filter, or
// the keepalive reply (a pong for each ping). It returns the error that
// ended the connection.
func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, payload, err := proto.Decode(raw)
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("session: closing connection on malformed frame: %v", err)
			}
			return err
		}

		switch env.Type {
		case proto.MsgPing:
			pong := proto.Envelope{Type: proto.MsgPong, ID: env.ID, Timestamp: env.Timestamp}
			if err := s.writeEnvelope(conn, pong); err != nil {
				return err
			}
		case proto.MsgPong:
			// no action required; the hub only expects liveness, not a reply chain.
		case proto.MsgMonitorListSync:
			p := payload.(proto.MonitorListSyncPayload)
			s.mu.Lock()
			s.mirror.replace(p.Monitors)
			s.mu.Unlock()
			s.bus.Publish(events.MonitorListReceived, p.Monitors)
		case proto.MsgMonitorAdded:
			p := payload.(proto.MonitorAddedPayload)
			s.mu.Lock()
			s.mirror.upsert(p.VirtualMonitor)
			s.mu.Unlock()
			s.bus.Publish(events.MonitorAdded, p.VirtualMonitor)
		case proto.MsgMonitorRemoved:
			p := payload.(proto.MonitorRemovedPayload)
			s.mu.Lock()
			s.mirror.remove(p.MonitorID)
			s.mu.Unlock()
			s.bus.Publish(events.MonitorRemoved, p.MonitorID)
		case proto.MsgMonitorUpdated:
			p := payload.(proto.MonitorUpdatedPayload)
			s.mu.Lock()
			s.mirror.upsert(p.VirtualMonitor)
			s.mu.Unlock()
			s.bus.Publish(events.MonitorUpdated, p.VirtualMonitor)
		case proto.MsgKanpeMessage:
			p := payload.(proto.KanpePayload)
			if s.passesDisplayFilter(p.TargetMonitorIDs) {
				s.mu.Lock()
				s.latest = &LatestMessage{ID: env.ID, Content: p.Content, Priority: p.Priority, TargetMonitorIDs: p.TargetMonitorIDs}
				s.mu.Unlock()
			}
			// Every kanpe is delivered to the bus regardless of the display
			// filter; only the rendered latest message is filter-gated.
			s.bus.Publish(events.KanpeMessageReceived, struct {
				ID      string
				Payload proto.KanpePayload
			}{env.ID, p})
		case proto.MsgFlashCommand:
			p := payload.(proto.FlashCommandPayload)
			if s.passesDisplayFilter(p.TargetMonitorIDs) {
				s.bus.Publish(events.FlashReceived, p)
			}
		case proto.MsgClearCommand:
			p := payload.(proto.ClearCommandPayload)
			if s.passesDisplayFilter(p.TargetMonitorIDs) {
				s.mu.Lock()
				s.latest = nil
				s.mu.Unlock()
				s.bus.Publish(events.ClearReceived, p)
			}
		default:
			// server_welcome/client_hello/feedback_message never arrive here;
			// ignore anything else rather than closing over an unknown tag.
		}
	}
}

// passesDisplayFilter implements spec.md §4.4's delivery rule: the
// sentinel addresses every monitor; otherwise the target set must
// intersect this session's display_monitor_ids.
func (s *Session) passesDisplayFilter(targetMonitorIDs []string) bool {
	s.mu.Lock()
	mine := s.displayMonitorIDs
	s.mu.Unlock()

	for _, id := range targetMonitorIDs {
		if id == proto.ALLSentinel {
			return true
		}
	}
	for _, want := range mine {
		for _, have := range targetMonitorIDs {
			if want == have {
				return true
			}
		}
	}
	return false
}
