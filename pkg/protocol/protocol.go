// Package protocol defines the wire vocabulary shared by the sync server and its clients:
// the realtime message envelope, message payloads and the HTTP fallback bodies.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client → server message types.
const (
	TypeJoinSession        = "join-session" // legacy combined registration
	TypeRegisterPresenter  = "register-presenter"
	TypeRegisterController = "register-controller"
	TypeSlideChange        = "slide-change"
	TypeCommand            = "command"
	TypeInitPresenter      = "init-presenter"
	TypeConnectDevice      = "connect-device"
	TypePing               = "ping"
)

// Server → client message types.
const (
	TypeSessionState    = "session-state"
	TypeSlideUpdate     = "slide-update"
	TypeRemoteCommand   = "remote-command"
	TypeControllerCount = "controller-count"
	TypePong            = "pong"
)

// TypeLessonUpdate travels in both directions.
const TypeLessonUpdate = "lesson-update"

// HTTP-only update types for POST /sessions/:code.
const (
	TypeDisconnectDevice = "disconnect-device"
	TypeUpdateSlides     = "update-slides"
)

// Message is the realtime envelope.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals payload into an envelope of the given type. A nil payload yields an empty data field.
func NewMessage(msgType string, payload interface{}) (Message, error) {
	msg := Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	switch v := payload.(type) {
	case json.RawMessage:
		msg.Data = v
	case []byte:
		msg.Data = v
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Decode unmarshals the envelope data into v. Empty data leaves v untouched.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// JoinSession is the legacy registration payload.
type JoinSession struct {
	SessionCode string `json:"sessionCode"`
	IsPresenter bool   `json:"isPresenter"`
}

// RegisterPresenter is sent by a presenter right after connecting.
type RegisterPresenter struct {
	TotalSlides *int    `json:"totalSlides,omitempty"`
	Slides      *string `json:"slides,omitempty"`
}

// SlideChange is sent by the presenter when the position moves.
type SlideChange struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// SlideUpdate is pushed to controllers.
type SlideUpdate struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Command is a controller instruction. CommandID is informational; the server assigns the durable id.
type Command struct {
	Command   string `json:"command"`
	CommandID string `json:"commandId,omitempty"`
}

// RemoteCommand is pushed to the presenter.
type RemoteCommand struct {
	Command   string `json:"command"`
	CommandID string `json:"commandId"`
}

// LessonUpdate carries opaque lesson content and optional workshop metadata.
type LessonUpdate struct {
	Slides            string          `json:"slides"`
	TotalSlides       int             `json:"totalSlides"`
	WorkshopData      json.RawMessage `json:"workshopData,omitempty"`
	WorkshopStartTime *string         `json:"workshopStartTime,omitempty"`
	WorkshopEndTime   *string         `json:"workshopEndTime,omitempty"`
}

// HasWorkshop reports whether any workshop field is present.
func (l LessonUpdate) HasWorkshop() bool {
	return len(l.WorkshopData) > 0 || l.WorkshopStartTime != nil || l.WorkshopEndTime != nil
}

// InitPresenter seeds a session with lesson content.
type InitPresenter struct {
	Slides      string `json:"slides"`
	TotalSlides int    `json:"totalSlides"`
}

// ConnectDevice optionally pushes lesson content from a controller device.
type ConnectDevice struct {
	Slides      *string `json:"slides,omitempty"`
	TotalSlides *int    `json:"totalSlides,omitempty"`
}

// ControllerCount tells the presenter how many devices are attached.
type ControllerCount struct {
	Count int `json:"count"`
}

// SessionState is the full snapshot sent to a freshly registered connection.
type SessionState struct {
	CurrentSlide      int             `json:"currentSlide"`
	TotalSlides       int             `json:"totalSlides"`
	ConnectedDevices  int             `json:"connectedDevices"`
	Slides            *string         `json:"slides,omitempty"`
	WorkshopData      json.RawMessage `json:"workshopData,omitempty"`
	WorkshopStartTime *string         `json:"workshopStartTime,omitempty"`
	WorkshopEndTime   *string         `json:"workshopEndTime,omitempty"`
}

// Snapshot is the session read model served by GET /sessions/:code. Times are Unix milliseconds.
type Snapshot struct {
	SessionState
	LastUpdate      int64            `json:"lastUpdate"`
	CreatedAt       int64            `json:"createdAt"`
	LastActivity    int64            `json:"lastActivity"`
	PendingCommands []PendingCommand `json:"pendingCommands"`
}

// PendingCommand is one entry of a session's bounded command queue.
type PendingCommand struct {
	Command   string `json:"command"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
}

// UpdateRequest is the typed union accepted by POST /sessions/:code.
type UpdateRequest struct {
	Type              string          `json:"type"`
	Current           *int            `json:"current,omitempty"`
	Total             *int            `json:"total,omitempty"`
	Slides            *string         `json:"slides,omitempty"`
	TotalSlides       *int            `json:"totalSlides,omitempty"`
	Command           string          `json:"command,omitempty"`
	WorkshopData      json.RawMessage `json:"workshopData,omitempty"`
	WorkshopStartTime *string         `json:"workshopStartTime,omitempty"`
	WorkshopEndTime   *string         `json:"workshopEndTime,omitempty"`
}

// UpdateResponse is returned by POST /sessions/:code.
type UpdateResponse struct {
	Success bool     `json:"success"`
	Session Snapshot `json:"session"`
}

// CommandRequest is the body of POST /sessions/:code/commands.
type CommandRequest struct {
	Command string `json:"command"`
}

// CommandResponse is returned by POST /sessions/:code/commands.
type CommandResponse struct {
	Success   bool   `json:"success"`
	CommandID string `json:"commandId"`
}

// CommandsResponse is returned by GET /sessions/:code/commands.
type CommandsResponse struct {
	Commands   []PendingCommand `json:"commands"`
	LastUpdate int64            `json:"lastUpdate"`
}
