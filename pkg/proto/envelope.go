// Package proto implements the Bi-Kanpe wire protocol: JSON envelopes
// exchanged between the director hub and caster sessions over WebSocket.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MsgType is the closed tag set recognized on the wire.
type MsgType string

const (
	MsgClientHello     MsgType = "client_hello"
	MsgServerWelcome   MsgType = "server_welcome"
	MsgMonitorListSync MsgType = "monitor_list_sync"
	MsgMonitorAdded    MsgType = "monitor_added"
	MsgMonitorRemoved  MsgType = "monitor_removed"
	MsgMonitorUpdated  MsgType = "monitor_updated"
	MsgKanpeMessage    MsgType = "kanpe_message"
	MsgFlashCommand    MsgType = "flash_command"
	MsgClearCommand    MsgType = "clear_command"
	MsgFeedbackMessage MsgType = "feedback_message"
	MsgPing            MsgType = "ping"
	MsgPong            MsgType = "pong"
)

// ALLSentinel addresses every virtual monitor in a target_monitor_ids list.
const ALLSentinel = "ALL"

// Priority is the urgency of a kanpe directive.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// FeedbackType classifies a caster's reply.
type FeedbackType string

const (
	FeedbackAck      FeedbackType = "ack"
	FeedbackQuestion FeedbackType = "question"
	FeedbackIssue    FeedbackType = "issue"
	FeedbackInfo     FeedbackType = "info"
)

// VirtualMonitor is a logical cue-card display destination.
type VirtualMonitor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Envelope is the wire shell common to every message. Payload carries the
// tag-specific body and is absent for ping/pong.
type Envelope struct {
	Type      MsgType         `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Payload structs, one per MsgType that carries a payload.

type ClientHelloPayload struct {
	ClientName        string   `json:"client_name"`
	DisplayMonitorIDs []string `json:"display_monitor_ids"`
}

type ServerWelcomePayload struct {
	ServerName       string `json:"server_name"`
	AssignedClientID string `json:"assigned_client_id"`
}

type MonitorListSyncPayload struct {
	Monitors []VirtualMonitor `json:"monitors"`
}

type MonitorAddedPayload struct {
	VirtualMonitor
}

type MonitorRemovedPayload struct {
	MonitorID string `json:"monitor_id"`
}

type MonitorUpdatedPayload struct {
	VirtualMonitor
}

type KanpePayload struct {
	Content         string   `json:"content"`
	TargetMonitorIDs []string `json:"target_monitor_ids"`
	Priority         Priority `json:"priority"`
}

type FlashCommandPayload struct {
	TargetMonitorIDs []string `json:"target_monitor_ids"`
}

type ClearCommandPayload struct {
	TargetMonitorIDs []string `json:"target_monitor_ids"`
}

type FeedbackPayload struct {
	Content           string       `json:"content"`
	ClientName        string       `json:"client_name"`
	ReplyToMessageID  string       `json:"reply_to_message_id"`
	FeedbackType      FeedbackType `json:"feedback_type"`
}

// MalformedEnvelope is returned by Decode on any shape, tag, or
// payload-mismatch failure. Per spec, the connection that produced it is
// always closed — no partial acceptance.
type MalformedEnvelope struct {
	Reason string
	Err    error
}

func (e *MalformedEnvelope) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed envelope: %s", e.Reason)
}

func (e *MalformedEnvelope) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &MalformedEnvelope{Reason: reason, Err: err}
}

// newID mints a version-4 UUID for a freshly created envelope.
func newID() string {
	return uuid.New().String()
}

// now returns the sender's clock in milliseconds since the Unix epoch.
// Timestamps are hints only; nothing in this module orders on them.
func now() int64 {
	return time.Now().UnixMilli()
}

func wrap(t MsgType, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t, ID: newID(), Timestamp: now()}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = b
	return env, nil
}

// Constructors for each outbound message kind. Each mints its own id/timestamp.

func NewClientHello(clientName string, displayMonitorIDs []string) (Envelope, error) {
	return wrap(MsgClientHello, ClientHelloPayload{ClientName: clientName, DisplayMonitorIDs: displayMonitorIDs})
}

func NewServerWelcome(serverName, assignedClientID string) (Envelope, error) {
	return wrap(MsgServerWelcome, ServerWelcomePayload{ServerName: serverName, AssignedClientID: assignedClientID})
}

func NewMonitorListSync(monitors []VirtualMonitor) (Envelope, error) {
	return wrap(MsgMonitorListSync, MonitorListSyncPayload{Monitors: monitors})
}

func NewMonitorAdded(m VirtualMonitor) (Envelope, error) {
	return wrap(MsgMonitorAdded, MonitorAddedPayload{VirtualMonitor: m})
}

func NewMonitorRemoved(monitorID string) (Envelope, error) {
	return wrap(MsgMonitorRemoved, MonitorRemovedPayload{MonitorID: monitorID})
}

func NewMonitorUpdated(m VirtualMonitor) (Envelope, error) {
	return wrap(MsgMonitorUpdated, MonitorUpdatedPayload{VirtualMonitor: m})
}

func NewKanpeMessage(content string, targetMonitorIDs []string, priority Priority) (Envelope, error) {
	return wrap(MsgKanpeMessage, KanpePayload{Content: content, TargetMonitorIDs: targetMonitorIDs, Priority: priority})
}

func NewFlashCommand(targetMonitorIDs []string) (Envelope, error) {
	return wrap(MsgFlashCommand, FlashCommandPayload{TargetMonitorIDs: targetMonitorIDs})
}

func NewClearCommand(targetMonitorIDs []string) (Envelope, error) {
	return wrap(MsgClearCommand, ClearCommandPayload{TargetMonitorIDs: targetMonitorIDs})
}

func NewFeedbackMessage(content, clientName, replyToMessageID string, feedbackType FeedbackType) (Envelope, error) {
	return wrap(MsgFeedbackMessage, FeedbackPayload{
		Content:          content,
		ClientName:       clientName,
		ReplyToMessageID: replyToMessageID,
		FeedbackType:     feedbackType,
	})
}

func NewPing() (Envelope, error) { return wrap(MsgPing, nil) }
func NewPong() (Envelope, error) { return wrap(MsgPong, nil) }

// Decode parses a raw wire frame into its Envelope shell and typed payload.
// The returned payload's concrete type depends on env.Type; callers switch
// on env.Type to know which to expect. Ping/Pong have a nil payload.
func Decode(raw []byte) (Envelope, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, malformed("invalid json", err)
	}
	if env.ID == "" {
		return Envelope{}, nil, malformed("missing id", nil)
	}
	if env.Timestamp == 0 {
		return Envelope{}, nil, malformed("missing timestamp", nil)
	}

	switch env.Type {
	case MsgClientHello:
		var p ClientHelloPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return Envelope{}, nil, err
		}
		if p.ClientName == "" {
			return Envelope{}, nil, malformed("client_hello missing client_name", nil)
		}
		return env, p, nil
	case MsgServerWelcome:
		var p ServerWelcomePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return Envelope{}, nil, err
		}
		return env, p, nil
	case MsgMonitorListSync:
		var p MonitorListSyncPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return Envelope{}, nil, err
		}
		return env, p, nil
	case MsgMonitorAdded:
		var p MonitorAddedPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return Envelope{}, nil, err
		}
		return env, p, nil
	case MsgMonitorRemoved:
		var p MonitorRemovedPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return Envelope{}, nil, err
		}
		if p.MonitorID == "" {
			return Envelope{}, nil, malformed("monitor_removed missing monitor_id", nil)
		}
		return env, p, nil
	case MsgMonitorUpdated:
		var p MonitorUpdatedPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return Envelope{}, nil, err
		}
		return env, p, nil
	case MsgKanpeMessage:
		var p KanpePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return Envelope{}, nil, err
		}
		if p.Content == "" {
			return Envelope{}, nil, malformed("kanpe_message missing content", nil)
		}
		if len(p.TargetMonitorIDs) == 0 {
			return Envelope{}, nil, malformed("kanpe_message missing target_monitor_ids", nil)
		}
		switch p.Priority {
		case PriorityNormal, PriorityHigh, PriorityUrgent:
		default:
			return Envelope{}, nil, malformed("kanpe_message invalid priority", nil)
		}
		return env, p, nil
	case MsgFlashCommand:
		var p FlashCommandPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return Envelope{}, nil, err
		}
		return env, p, nil
	case MsgClearCommand:
		var p ClearCommandPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return Envelope{}, nil, err
		}
		return env, p, nil
	case MsgFeedbackMessage:
		var p FeedbackPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return Envelope{}, nil, err
		}
		if p.Content == "" {
			return Envelope{}, nil, malformed("feedback_message missing content", nil)
		}
		switch p.FeedbackType {
		case FeedbackAck, FeedbackQuestion, FeedbackIssue, FeedbackInfo:
		default:
			return Envelope{}, nil, malformed("feedback_message invalid feedback_type", nil)
		}
		return env, p, nil
	case MsgPing:
		return env, nil, nil
	case MsgPong:
		return env, nil, nil
	default:
		return Envelope{}, nil, malformed(fmt.Sprintf("unknown type %q", env.Type), nil)
	}
}

func unmarshalPayload(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return malformed("missing payload", nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return malformed("payload does not match type", err)
	}
	return nil
}
