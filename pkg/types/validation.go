package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is the closed set of inbound payloads. Each concrete type is
// bound to exactly one event name and validates its own required fields,
// so handlers only ever see complete messages.
type Message interface {
	EventName() string
	Validate() error
}

var decoders = map[string]func() Message{
	EventProctoringJoin:     func() Message { return &ProctoringJoin{} },
	EventScreenFrame:        func() Message { return &ScreenFrame{} },
	EventWebRTCOffer:        func() Message { return &WebRTCOffer{} },
	EventWebRTCAnswer:       func() Message { return &WebRTCAnswer{} },
	EventWebRTCICECandidate: func() Message { return &WebRTCICECandidate{} },
	EventChatJoin:           func() Message { return &ChatJoin{} },
	EventChatMessage:        func() Message { return &ChatMessage{} },
	EventChatTyping:         func() Message { return &ChatTyping{} },
	EventVideoJoin:          func() Message { return &VideoJoin{} },
	EventVideoOffer:         func() Message { return &VideoOffer{} },
	EventVideoAnswer:        func() Message { return &VideoAnswer{} },
	EventVideoICECandidate:  func() Message { return &VideoICECandidate{} },
}

// IsInboundEvent reports whether clients may send the named event.
func IsInboundEvent(name string) bool {
	_, ok := decoders[name]
	return ok
}

// Decode parses a raw websocket frame into its typed payload and validates it.
func Decode(raw []byte) (Message, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	newMessage, ok := decoders[frame.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
	if !present(frame.Data) {
		return nil, fmt.Errorf("%w: data", ErrMissingField)
	}
	msg := newMessage()
	if err := json.Unmarshal(frame.Data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFrame, frame.Event, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// present reports whether an opaque JSON value was actually supplied.
func present(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) > 0 && !bytes.Equal(v, []byte("null")) && !bytes.Equal(v, []byte(`""`))
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// require returns an error naming the first empty field, in order.
func require(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return missing(fields[i])
		}
	}
	return nil
}

// ProctoringJoin joins the screen-sharing room of a test.
type ProctoringJoin struct {
	TestID string `json:"testId"`
	Role   string `json:"role"`
	UserID string `json:"userId"`
}

func (m *ProctoringJoin) EventName() string { return EventProctoringJoin }

func (m *ProctoringJoin) Validate() error {
	return require("testId", m.TestID, "role", m.Role, "userId", m.UserID)
}

// ScreenFrame is a student's captured screen image.
type ScreenFrame struct {
	TestID    string          `json:"testId"`
	StudentID string          `json:"studentId"`
	Image     json.RawMessage `json:"image"`
}

func (m *ScreenFrame) EventName() string { return EventScreenFrame }

func (m *ScreenFrame) Validate() error {
	if err := require("testId", m.TestID, "studentId", m.StudentID); err != nil {
		return err
	}
	if !present(m.Image) {
		return missing("image")
	}
	return nil
}

// WebRTCOffer is a student's screen-share offer, sent before it knows
// which teacher connection it will pair with.
type WebRTCOffer struct {
	TestID    string          `json:"testId"`
	StudentID string          `json:"studentId"`
	Offer     json.RawMessage `json:"offer"`
}

func (m *WebRTCOffer) EventName() string { return EventWebRTCOffer }

func (m *WebRTCOffer) Validate() error {
	if err := require("testId", m.TestID, "studentId", m.StudentID); err != nil {
		return err
	}
	if !present(m.Offer) {
		return missing("offer")
	}
	return nil
}

// WebRTCAnswer is addressed to an already-paired connection.
type WebRTCAnswer struct {
	ToSocketID string          `json:"toSocketId"`
	TestID     string          `json:"testId"`
	StudentID  string          `json:"studentId"`
	Answer     json.RawMessage `json:"answer"`
}

func (m *WebRTCAnswer) EventName() string { return EventWebRTCAnswer }

func (m *WebRTCAnswer) Validate() error {
	if err := require("toSocketId", m.ToSocketID); err != nil {
		return err
	}
	if !present(m.Answer) {
		return missing("answer")
	}
	return nil
}

// WebRTCICECandidate is addressed to an already-paired connection.
type WebRTCICECandidate struct {
	ToSocketID string          `json:"toSocketId"`
	TestID     string          `json:"testId"`
	StudentID  string          `json:"studentId"`
	Candidate  json.RawMessage `json:"candidate"`
}

func (m *WebRTCICECandidate) EventName() string { return EventWebRTCICECandidate }

func (m *WebRTCICECandidate) Validate() error {
	if err := require("toSocketId", m.ToSocketID); err != nil {
		return err
	}
	if !present(m.Candidate) {
		return missing("candidate")
	}
	return nil
}

// ChatJoin joins a chat room; roomId wins over testId as the room key.
type ChatJoin struct {
	TestID   string `json:"testId"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

func (m *ChatJoin) EventName() string { return EventChatJoin }

func (m *ChatJoin) RoomKey() string { return chatRoomKey(m.RoomID, m.TestID) }

func (m *ChatJoin) Validate() error {
	return require("roomId", m.RoomKey(), "userId", m.UserID, "userType", m.UserType)
}

// ChatMessage is one chat line.
type ChatMessage struct {
	RoomID      string `json:"roomId,omitempty"`
	TestID      string `json:"testId,omitempty"`
	Message     string `json:"message"`
	SenderID    string `json:"senderId"`
	SenderType  string `json:"senderType"`
	SenderName  string `json:"senderName,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

func (m *ChatMessage) EventName() string { return EventChatMessage }

func (m *ChatMessage) RoomKey() string { return chatRoomKey(m.RoomID, m.TestID) }

func (m *ChatMessage) Validate() error {
	return require("roomId", m.RoomKey(), "message", m.Message, "senderId", m.SenderID, "senderType", m.SenderType)
}

// ChatTyping is a best-effort typing indicator. It is relayed unchanged.
type ChatTyping struct {
	RoomID   string `json:"roomId,omitempty"`
	TestID   string `json:"testId,omitempty"`
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
	IsTyping bool   `json:"isTyping"`
}

func (m *ChatTyping) EventName() string { return EventChatTyping }

func (m *ChatTyping) RoomKey() string { return chatRoomKey(m.RoomID, m.TestID) }

func (m *ChatTyping) Validate() error {
	return require("roomId", m.RoomKey(), "userId", m.UserID, "userType", m.UserType)
}

func chatRoomKey(roomID, testID string) string {
	if roomID != "" {
		return roomID
	}
	return testID
}

// VideoJoin joins the live video proctoring room of a test.
type VideoJoin struct {
	TestID    string `json:"testId"`
	StudentID string `json:"studentId"`
	TeacherID string `json:"teacherId"`
	Role      string `json:"role"`
}

func (m *VideoJoin) EventName() string { return EventVideoJoin }

// UserID picks the identity matching the declared role, falling back to
// whichever id was supplied for roles the hub does not special-case.
func (m *VideoJoin) UserID() string {
	switch m.Role {
	case RoleStudent:
		return m.StudentID
	case RoleTeacher:
		return m.TeacherID
	}
	if m.StudentID != "" {
		return m.StudentID
	}
	return m.TeacherID
}

func (m *VideoJoin) Validate() error {
	return require("testId", m.TestID, "role", m.Role, "userId", m.UserID())
}

// VideoOffer is a teacher's offer to a student identified by user id.
type VideoOffer struct {
	TestID    string          `json:"testId"`
	StudentID string          `json:"studentId"`
	TeacherID string          `json:"teacherId"`
	Offer     json.RawMessage `json:"offer"`
}

func (m *VideoOffer) EventName() string { return EventVideoOffer }

func (m *VideoOffer) Validate() error {
	if err := require("testId", m.TestID, "studentId", m.StudentID); err != nil {
		return err
	}
	if !present(m.Offer) {
		return missing("offer")
	}
	return nil
}

// VideoAnswer is a student's answer to the teacher connection that offered.
type VideoAnswer struct {
	TestID          string          `json:"testId"`
	StudentID       string          `json:"studentId"`
	TeacherSocketID string          `json:"teacherSocketId"`
	TeacherID       string          `json:"teacherId"`
	Answer          json.RawMessage `json:"answer"`
}

func (m *VideoAnswer) EventName() string { return EventVideoAnswer }

func (m *VideoAnswer) Validate() error {
	if err := require("teacherSocketId", m.TeacherSocketID); err != nil {
		return err
	}
	if !present(m.Answer) {
		return missing("answer")
	}
	return nil
}

// VideoICECandidate travels in either direction. A teacherSocketId means
// student to teacher; otherwise the student is resolved by studentId.
type VideoICECandidate struct {
	TestID          string          `json:"testId"`
	StudentID       string          `json:"studentId"`
	TeacherID       string          `json:"teacherId"`
	TeacherSocketID string          `json:"teacherSocketId"`
	Candidate       json.RawMessage `json:"candidate"`
}

func (m *VideoICECandidate) EventName() string { return EventVideoICECandidate }

// ToTeacher reports the direction of the candidate.
func (m *VideoICECandidate) ToTeacher() bool { return m.TeacherSocketID != "" }

func (m *VideoICECandidate) Validate() error {
	if !present(m.Candidate) {
		return missing("candidate")
	}
	if m.ToTeacher() {
		return nil
	}
	return require("studentId", m.StudentID, "testId", m.TestID)
}
