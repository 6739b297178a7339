// Package protocol defines the wire protocol shared by the room engine and
// the server: the event envelope, the event catalogue, typed payloads for
// both directions, and the REST data shapes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventType string

// Client to server events.
const (
	EventJoinRoom        EventType = "join_room"
	EventLeaveRoom       EventType = "leave_room"
	EventToggleMute      EventType = "toggle_mute"
	EventToggleVideo     EventType = "toggle_video"
	EventRaiseHand       EventType = "raise_hand"
	EventStartPresenting EventType = "start_presenting"
	EventStopPresenting  EventType = "stop_presenting"
	EventSendMessage     EventType = "send_message"
	EventMuteAll         EventType = "mute_all"
)

// Server to client events.
const (
	EventRoomState           EventType = "room_state"
	EventParticipantJoined   EventType = "participant_joined"
	EventParticipantLeft     EventType = "participant_left"
	EventParticipantUpdated  EventType = "participant_updated"
	EventHandRaised          EventType = "hand_raised"
	EventNewMessage          EventType = "new_message"
	EventPresentationStarted EventType = "presentation_started"
	EventPresentationStopped EventType = "presentation_stopped"
	EventAllMuted            EventType = "all_muted"
	EventRoomEnded           EventType = "room_ended"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrEmptyPayload = errors.New("event payload is empty")
)

// Envelope is the frame carried on the event channel in both directions.
// Data holds the payload for Type and decodes via DecodeServerEvent on the
// receiving side.
type Envelope struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"room_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope frames payload for the wire. The payload may be nil for
// events that carry none.
func NewEnvelope(t EventType, roomID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, RoomID: roomID, Timestamp: time.Now().UTC()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Data = data
	return env, nil
}

// Client to server payloads.
type (
	JoinRoomPayload struct {
		RoomID string `json:"room_id"`
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}

	LeaveRoomPayload struct {
		RoomID string `json:"room_id"`
		UserID string `json:"user_id"`
	}

	ToggleMutePayload struct {
		RoomID  string `json:"room_id"`
		UserID  string `json:"user_id"`
		IsMuted bool   `json:"is_muted"`
	}

	ToggleVideoPayload struct {
		RoomID    string `json:"room_id"`
		UserID    string `json:"user_id"`
		IsVideoOn bool   `json:"is_video_on"`
	}

	RaiseHandPayload struct {
		RoomID       string `json:"room_id"`
		UserID       string `json:"user_id"`
		IsHandRaised bool   `json:"is_hand_raised"`
	}

	StartPresentingPayload struct {
		RoomID     string `json:"room_id"`
		UserID     string `json:"user_id"`
		ContentURL string `json:"content_url"`
	}

	StopPresentingPayload struct {
		RoomID string `json:"room_id"`
		UserID string `json:"user_id"`
	}

	SendMessagePayload struct {
		RoomID   string `json:"room_id"`
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
		Content  string `json:"content"`
	}

	MuteAllPayload struct {
		RoomID string `json:"room_id"`
		HostID string `json:"host_id"`
	}
)

// Event is the decoded form of a server-to-client envelope. Each concrete
// type corresponds to one EventType, so consumers reduce over a closed set
// instead of re-parsing raw JSON.
type Event interface {
	EventType() EventType
}

// RoomState is the authoritative snapshot sent after every accepted join.
// It replaces all participant state held by the client.
type RoomState struct {
	Participants      []Participant `json:"participants"`
	SmartboardContent string        `json:"smartboard_content,omitempty"`
}

type ParticipantJoined struct {
	Participant
}

type ParticipantLeft struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// ParticipantUpdated is a partial patch. Absent fields stay nil and must not
// overwrite state.
type ParticipantUpdated struct {
	UserID       string `json:"user_id"`
	IsMuted      *bool  `json:"is_muted,omitempty"`
	IsVideoOn    *bool  `json:"is_video_on,omitempty"`
	IsHandRaised *bool  `json:"is_hand_raised,omitempty"`
	IsPresenting *bool  `json:"is_presenting,omitempty"`
}

// HandRaised doubles as a flag patch and a notification, so a raised hand
// can be surfaced to the host without a second event.
type HandRaised struct {
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	IsHandRaised bool   `json:"is_hand_raised"`
}

type NewMessage struct {
	ChatMessage
}

type PresentationStarted struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	ContentURL string `json:"content_url"`
}

type PresentationStopped struct {
	UserID string `json:"user_id"`
}

// AllMuted is advisory only. Per-participant state arrives as individual
// ParticipantUpdated patches.
type AllMuted struct {
	RoomID string `json:"room_id"`
}

type RoomEnded struct {
	RoomID string `json:"room_id"`
}

func (*RoomState) EventType() EventType           { return EventRoomState }
func (*ParticipantJoined) EventType() EventType   { return EventParticipantJoined }
func (*ParticipantLeft) EventType() EventType     { return EventParticipantLeft }
func (*ParticipantUpdated) EventType() EventType  { return EventParticipantUpdated }
func (*HandRaised) EventType() EventType          { return EventHandRaised }
func (*NewMessage) EventType() EventType          { return EventNewMessage }
func (*PresentationStarted) EventType() EventType { return EventPresentationStarted }
func (*PresentationStopped) EventType() EventType { return EventPresentationStopped }
func (*AllMuted) EventType() EventType            { return EventAllMuted }
func (*RoomEnded) EventType() EventType           { return EventRoomEnded }

// DecodeServerEvent turns an inbound envelope into its typed event. Unknown
// types return ErrUnknownEvent so callers can drop them without tearing the
// connection down.
func DecodeServerEvent(env Envelope) (Event, error) {
	var ev Event
	switch env.Type {
	case EventRoomState:
		ev = &RoomState{}
	case EventParticipantJoined:
		ev = &ParticipantJoined{}
	case EventParticipantLeft:
		ev = &ParticipantLeft{}
	case EventParticipantUpdated:
		ev = &ParticipantUpdated{}
	case EventHandRaised:
		ev = &HandRaised{}
	case EventNewMessage:
		ev = &NewMessage{}
	case EventPresentationStarted:
		ev = &PresentationStarted{}
	case EventPresentationStopped:
		ev = &PresentationStopped{}
	case EventAllMuted:
		ev = &AllMuted{}
	case EventRoomEnded:
		ev = &RoomEnded{}
	default:
		return nil, fmt.Errorf("%q: %w", env.Type, ErrUnknownEvent)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%s: %w", env.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return ev, nil
}
