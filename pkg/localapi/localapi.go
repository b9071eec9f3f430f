// Package localapi implements the caster's local control API (component
// C5): a loopback-only WebSocket request/response server that a local
// peripheral integration (e.g. a macro-pad service) drives to send
// feedback on the caster's behalf without speaking the director protocol
// directly. Grounded on original_source/crates/kanpe-streamdeck-server's
// protocol.rs/server.rs shape, translated onto the same gorilla/websocket
// transport the rest of this module already uses.
package localapi

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"bikanpe/fabric/pkg/proto"
	"bikanpe/fabric/pkg/session"
)

// RequestType is the closed tag set accepted on the local control socket.
type RequestType string

const (
	ReqSendFeedback  RequestType = "send_feedback"
	ReqReactToLatest RequestType = "react_to_latest"
	ReqGetState      RequestType = "get_state"
)

// Request is the request envelope shape from spec.md §4.5.
type Request struct {
	Type             RequestType      `json:"type"`
	Content          string           `json:"content,omitempty"`
	FeedbackType     proto.FeedbackType `json:"feedback_type,omitempty"`
}

// Response is the reply envelope, per spec.md §4.5 and
// original_source's StreamDeckResponse::{Result,StateUpdate}: a "result"
// response carries success/error; a "state_update" response flattens
// connected/latest_message/monitors directly onto the envelope rather
// than nesting them under a separate object.
type Response struct {
	Type    string `json:"type"`
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	Connected     bool                   `json:"connected,omitempty"`
	LatestMessage *LatestMessageInfo     `json:"latest_message,omitempty"`
	Monitors      []proto.VirtualMonitor `json:"monitors,omitempty"`
}

// LatestMessageInfo mirrors original_source's LatestMessageInfo.
type LatestMessageInfo struct {
	ID               string         `json:"id"`
	Content          string         `json:"content"`
	Priority         proto.Priority `json:"priority"`
	TargetMonitorIDs []string       `json:"target_monitor_ids"`
}

// Server hosts the local control API against a single caster session.
type Server struct {
	sess       *session.Session
	clientName string
	logger     *log.Logger
	listener   net.Listener
	httpSrv    *http.Server
}

var upgrader = websocket.Upgrader{
	// Loopback is enforced in handle, not via CheckOrigin; this server is
	// never reachable from a non-loopback address to begin with.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New returns a local control API server fronting sess. clientName is the
// caster's own bound name, used to populate outgoing feedback envelopes.
func New(sess *session.Session, clientName string, logger *log.Logger) *Server {
	return &Server{sess: sess, clientName: clientName, logger: logger}
}

// Start binds 127.0.0.1:port and begins serving. Per spec.md §4.5, the
// default port is 9877.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && s.logger != nil {
			s.logger.Printf("localapi: server stopped: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener and any connection not yet upgraded. Control
// connections already upgraded to WebSocket are hijacked from the HTTP
// server and are not closed by Stop.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

// handle enforces the loopback-only policy and then upgrades and serves
// one control connection, answering its requests in order until it
// closes. Each incoming connection gets its own handle call.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden: local control API is loopback-only", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = conn.WriteJSON(Response{Type: "result", Success: false, Error: "malformed request"})
			continue
		}
		resp := s.dispatch(req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Type {
	case ReqSendFeedback:
		return s.handleSendFeedback(req.Content, req.FeedbackType)
	case ReqReactToLatest:
		return s.handleReactToLatest(req.FeedbackType)
	case ReqGetState:
		return s.handleGetState()
	default:
		return Response{Type: "result", Success: false, Error: "unknown request type"}
	}
}

func (s *Server) handleSendFeedback(content string, feedbackType proto.FeedbackType) Response {
	if err := s.sess.SendFeedback(content, s.clientName, "", feedbackType); err != nil {
		return Response{Type: "result", Success: false, Error: err.Error()}
	}
	return Response{Type: "result", Success: true}
}

func (s *Server) handleReactToLatest(feedbackType proto.FeedbackType) Response {
	latest := s.sess.Latest()
	content := ""
	replyTo := ""
	if latest != nil {
		content = latest.Content
		replyTo = latest.ID
	}
	if err := s.sess.SendFeedback(content, s.clientName, replyTo, feedbackType); err != nil {
		return Response{Type: "result", Success: false, Error: err.Error()}
	}
	return Response{Type: "result", Success: true}
}

func (s *Server) handleGetState() Response {
	resp := Response{
		Type:      "state_update",
		Success:   true,
		Connected: s.sess.State() == session.StateConnected,
		Monitors:  s.sess.Monitors(),
	}
	if latest := s.sess.Latest(); latest != nil {
		resp.LatestMessage = &LatestMessageInfo{
			ID:               latest.ID,
			Content:          latest.Content,
			Priority:         latest.Priority,
			TargetMonitorIDs: latest.TargetMonitorIDs,
		}
	}
	return resp
}

// isLoopback reports whether addr (a net.Conn.RemoteAddr-style
// "host:port" string) resolves to a loopback address. This is the
// network-topology guard spec.md §4.5 requires; it is not authentication.
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
