package types

import (
	"encoding/json"
	"time"
)

// Outbound payload shapes. Field names are part of the client contract.

type ScreenFrameRelay struct {
	TestID    string          `json:"testId"`
	StudentID string          `json:"studentId"`
	Image     json.RawMessage `json:"image"`
	TS        int64           `json:"ts"`
}

type WebRTCOfferRelay struct {
	FromSocketID string          `json:"fromSocketId"`
	TestID       string          `json:"testId"`
	StudentID    string          `json:"studentId"`
	Offer        json.RawMessage `json:"offer"`
}

// RemoteSocketHint tells a student which teacher connection received its offer.
type RemoteSocketHint struct {
	TeacherSocketID string `json:"teacherSocketId"`
}

type WebRTCAnswerRelay struct {
	TestID    string          `json:"testId"`
	StudentID string          `json:"studentId"`
	Answer    json.RawMessage `json:"answer"`
}

type WebRTCICERelay struct {
	TestID    string          `json:"testId"`
	StudentID string          `json:"studentId"`
	Candidate json.RawMessage `json:"candidate"`
}

// ChatMessageRelay is a chat line as delivered, stamped by the server.
type ChatMessageRelay struct {
	ChatMessage
	ID        string    `json:"_id"`
	Timestamp time.Time `json:"timestamp"`
}

type VideoStudentJoined struct {
	TestID    string `json:"testId"`
	StudentID string `json:"studentId"`
	SocketID  string `json:"socketId"`
}

type VideoOfferRelay struct {
	Offer           json.RawMessage `json:"offer"`
	TeacherSocketID string          `json:"teacherSocketId"`
	TeacherID       string          `json:"teacherId"`
	TestID          string          `json:"testId"`
	StudentID       string          `json:"studentId"`
}

type VideoAnswerRelay struct {
	Answer    json.RawMessage `json:"answer"`
	StudentID string          `json:"studentId"`
	TestID    string          `json:"testId"`
}

// VideoICEToTeacher carries a student's candidate to its teacher.
type VideoICEToTeacher struct {
	Candidate json.RawMessage `json:"candidate"`
	StudentID string          `json:"studentId"`
	TestID    string          `json:"testId"`
}

// VideoICEToStudent carries a teacher's candidate to a student.
type VideoICEToStudent struct {
	Candidate       json.RawMessage `json:"candidate"`
	TeacherSocketID string          `json:"teacherSocketId"`
	TestID          string          `json:"testId"`
}
