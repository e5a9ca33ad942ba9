package model

import (
	"encoding/json"
	"time"
)

// Client to server event types.
const (
	EventRegister       = "register"
	EventLogout         = "logout"
	EventChatMessage    = "chat message"
	EventEditMessage    = "edit message"
	EventDeleteMessage  = "delete message"
	EventOffer          = "offer"
	EventAnswer         = "answer"
	EventICECandidate   = "ice-candidate"
	EventCallEnd        = "call-end"
	EventCreateRoom     = "create-room"
	EventJoinRoom       = "join-room"
	EventLeaveRoom      = "leave-room"
	EventJoinGroupCall  = "joinGroupCall"
	EventAnswerGroup    = "answerGroupCall"
	EventLeaveGroupCall = "leaveGroupCall"
)

// Server to client event types.
const (
	EventConnected         = "connected"
	EventInit              = "init"
	EventUsers             = "users"
	EventUserJoined        = "userJoined"
	EventUserLeft          = "userLeft"
	EventRegistrationError = "registrationError"
	EventError             = "error"
	EventCallEnded         = "callEnded"
	EventPeerUnavailable   = "peer-unavailable"
	EventRooms             = "rooms"
	EventRoomJoined        = "roomJoined"
	EventRoomLeft          = "roomLeft"
	EventUserJoinedCall    = "userJoinedCall"
	EventGroupCallAccepted = "groupCallAccepted"
	EventUserLeftCall      = "userLeftCall"
)

// Event is the wire envelope carried over a connection in both
// directions. From is re-assigned by the server for inbound events
// based on the websocket session.
type Event struct {
	Type    string          `json:"type"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an outbound envelope. A nil payload
// is left empty.
func NewEvent(eventType, from, to string, payload any) Event {
	ev := Event{
		Type: eventType,
		From: from,
		To:   to,
	}
	if payload != nil {
		ev.Payload, _ = json.Marshal(payload)
	}
	return ev
}

type Wire struct {
	RX chan Event
	TX chan Event
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Event),
		TX: make(chan Event),
	}
}

// Session is one registered, named, live connection.
type Session struct {
	ID     string `json:"id"`
	Name   string `json:"username"`
	InCall bool   `json:"isInCall"`
}

// Message kinds.
const (
	KindText   = "text"
	KindFile   = "file"
	KindAudio  = "audio"
	KindGif    = "gif"
	KindSystem = "system"
)

// Message is one relayed chat event. FileData is an encoded string
// the server never inspects beyond size and declared media type.
type Message struct {
	ID        string    `json:"id"`
	Kind      string    `json:"type"`
	Username  string    `json:"username"`
	Content   string    `json:"content,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	FileType  string    `json:"fileType,omitempty"`
	FileData  string    `json:"fileData,omitempty"`
	Edited    bool      `json:"edited,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}

type Participant struct {
	ID   string `json:"id"`
	Name string `json:"username"`
}

type Room struct {
	ID           string                 `json:"room_id"`
	Name         string                 `json:"name"`
	Participants map[string]Participant `json:"participants"`
}

// MemberIDs returns the connection ids of current room members.
func (r *Room) MemberIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for id := range r.Participants {
		ids = append(ids, id)
	}
	return ids
}
