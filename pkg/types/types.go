package types

import (
	"encoding/json"
	"time"
)

// RoomKind names one of the three independent real-time protocols.
type RoomKind string

const (
	RoomProctoring      RoomKind = "proctoring"
	RoomChat            RoomKind = "chat"
	RoomVideoProctoring RoomKind = "video-proctoring"
)

// Valid reports whether k is one of the known room kinds.
func (k RoomKind) Valid() bool {
	switch k {
	case RoomProctoring, RoomChat, RoomVideoProctoring:
		return true
	}
	return false
}

// Roles the routing rules special-case. Any other non-empty role is
// accepted verbatim and simply never matches a role filter.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
)

// Wire event names. These are client-visible and must not change.
const (
	EventProctoringJoin        = "proctoring:join"
	EventScreenFrame           = "screen:frame"
	EventWebRTCOffer           = "webrtc:offer"
	EventWebRTCAnswer          = "webrtc:answer"
	EventWebRTCICECandidate    = "webrtc:ice-candidate"
	EventWebRTCSetRemoteSocket = "webrtc:set-remote-socket"

	EventChatJoin    = "chat:join"
	EventChatMessage = "chat:message"
	EventChatTyping  = "chat:typing"

	EventVideoJoin          = "video-proctoring:join"
	EventVideoStudentJoined = "video-proctoring:student-joined"
	EventVideoOffer         = "video-proctoring:offer"
	EventVideoAnswer        = "video-proctoring:answer"
	EventVideoICECandidate  = "video-proctoring:ice-candidate"
)

// RoomRef identifies a room. Rooms have no state of their own; a RoomRef
// is only ever a key into the derived membership index.
type RoomRef struct {
	Kind RoomKind `json:"kind"`
	Key  string   `json:"key"`
}

func (r RoomRef) String() string {
	return string(r.Kind) + ":" + r.Key
}

// Validate checks that the reference names a known kind and a non-empty key.
func (r RoomRef) Validate() error {
	if !r.Kind.Valid() || r.Key == "" {
		return ErrInvalidRoom
	}
	return nil
}

// Frame is the inbound websocket envelope: {"event": ..., "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Outbound is the envelope written to a peer.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Member is a read-only snapshot of one room member.
type Member struct {
	ConnID string `json:"connId"`
	Role   string `json:"role"`
	UserID string `json:"userId"`
}

// RoomStats summarises one live room.
type RoomStats struct {
	Kind    RoomKind `json:"kind"`
	Key     string   `json:"key"`
	Members int      `json:"members"`
}

// PresenceEvent is one row of the room presence journal.
type PresenceEvent struct {
	ID       int64     `json:"id"`
	RoomKind RoomKind  `json:"roomKind"`
	RoomKey  string    `json:"roomKey"`
	ConnID   string    `json:"connId"`
	UserID   string    `json:"userId"`
	Role     string    `json:"role"`
	Event    string    `json:"event"`
	At       time.Time `json:"at"`
}

// Presence journal event kinds.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)
