// Package signaling relays the screen-sharing and live video proctoring
// handshakes: discover peers by role, then address them by connection id.
package signaling

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"proctorhub/internal/router"
	"proctorhub/pkg/types"
)

// Relay handles every proctoring, webrtc and video-proctoring event.
type Relay struct {
	router *router.Router
	logger *zap.Logger
	now    func() time.Time
}

func NewRelay(r *router.Router, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{router: r, logger: logger, now: time.Now}
}

// Events lists the inbound events the relay owns.
func (s *Relay) Events() []string {
	return []string{
		types.EventProctoringJoin,
		types.EventScreenFrame,
		types.EventWebRTCOffer,
		types.EventWebRTCAnswer,
		types.EventWebRTCICECandidate,
		types.EventVideoJoin,
		types.EventVideoOffer,
		types.EventVideoAnswer,
		types.EventVideoICECandidate,
	}
}

// Handle routes one validated message from connID.
func (s *Relay) Handle(connID string, msg types.Message) error {
	switch m := msg.(type) {
	case *types.ProctoringJoin:
		return s.router.Join(connID, proctoringRoom(m.TestID), m.Role, m.UserID)
	case *types.ScreenFrame:
		s.screenFrame(connID, m)
	case *types.WebRTCOffer:
		s.webrtcOffer(connID, m)
	case *types.WebRTCAnswer:
		s.router.Unicast(m.ToSocketID, &types.Outbound{
			Event: types.EventWebRTCAnswer,
			Data:  types.WebRTCAnswerRelay{TestID: m.TestID, StudentID: m.StudentID, Answer: m.Answer},
		})
	case *types.WebRTCICECandidate:
		s.router.Unicast(m.ToSocketID, &types.Outbound{
			Event: types.EventWebRTCICECandidate,
			Data:  types.WebRTCICERelay{TestID: m.TestID, StudentID: m.StudentID, Candidate: m.Candidate},
		})
	case *types.VideoJoin:
		return s.videoJoin(connID, m)
	case *types.VideoOffer:
		return s.videoOffer(connID, m)
	case *types.VideoAnswer:
		s.router.Unicast(m.TeacherSocketID, &types.Outbound{
			Event: types.EventVideoAnswer,
			Data:  types.VideoAnswerRelay{Answer: m.Answer, StudentID: m.StudentID, TestID: m.TestID},
		})
	case *types.VideoICECandidate:
		return s.videoICE(connID, m)
	default:
		return fmt.Errorf("%w: %s", ErrUnhandledMessage, msg.EventName())
	}
	return nil
}

func proctoringRoom(testID string) types.RoomRef {
	return types.RoomRef{Kind: types.RoomProctoring, Key: testID}
}

func videoRoom(testID string) types.RoomRef {
	return types.RoomRef{Kind: types.RoomVideoProctoring, Key: testID}
}

// screenFrame forwards a student's frame to the teachers of the test.
func (s *Relay) screenFrame(connID string, m *types.ScreenFrame) {
	s.router.BroadcastToRole(proctoringRoom(m.TestID), types.RoleTeacher, &types.Outbound{
		Event: types.EventScreenFrame,
		Data: types.ScreenFrameRelay{
			TestID:    m.TestID,
			StudentID: m.StudentID,
			Image:     m.Image,
			TS:        s.now().UnixMilli(),
		},
	}, connID)
}

// webrtcOffer offers to every teacher of the test and tells the student
// which teacher connections received it. The last hint wins client side.
func (s *Relay) webrtcOffer(connID string, m *types.WebRTCOffer) {
	teachers := s.router.BroadcastToRole(proctoringRoom(m.TestID), types.RoleTeacher, &types.Outbound{
		Event: types.EventWebRTCOffer,
		Data: types.WebRTCOfferRelay{
			FromSocketID: connID,
			TestID:       m.TestID,
			StudentID:    m.StudentID,
			Offer:        m.Offer,
		},
	}, connID)

	for _, teacherID := range teachers {
		s.router.Unicast(connID, &types.Outbound{
			Event: types.EventWebRTCSetRemoteSocket,
			Data:  types.RemoteSocketHint{TeacherSocketID: teacherID},
		})
	}
	if len(teachers) == 0 {
		s.logger.Debug("offer reached no local teacher",
			zap.String("conn_id", connID),
			zap.String("test_id", m.TestID))
	}
}

func (s *Relay) videoJoin(connID string, m *types.VideoJoin) error {
	ref := videoRoom(m.TestID)
	if err := s.router.Join(connID, ref, m.Role, m.UserID()); err != nil {
		return err
	}
	if m.Role != types.RoleStudent {
		return nil
	}
	s.router.BroadcastToRoom(ref, &types.Outbound{
		Event: types.EventVideoStudentJoined,
		Data:  types.VideoStudentJoined{TestID: m.TestID, StudentID: m.StudentID, SocketID: connID},
	}, "")
	return nil
}

// videoOffer resolves the addressed student by user id within the room.
func (s *Relay) videoOffer(connID string, m *types.VideoOffer) error {
	delivered := s.router.DeliverToMembers(videoRoom(m.TestID), m.StudentID, types.RoleStudent, &types.Outbound{
		Event: types.EventVideoOffer,
		Data: types.VideoOfferRelay{
			Offer:           m.Offer,
			TeacherSocketID: connID,
			TeacherID:       m.TeacherID,
			TestID:          m.TestID,
			StudentID:       m.StudentID,
		},
	})
	if len(delivered) == 0 {
		return ErrNoLocalRecipient
	}
	return nil
}

func (s *Relay) videoICE(connID string, m *types.VideoICECandidate) error {
	if m.ToTeacher() {
		s.router.Unicast(m.TeacherSocketID, &types.Outbound{
			Event: types.EventVideoICECandidate,
			Data:  types.VideoICEToTeacher{Candidate: m.Candidate, StudentID: m.StudentID, TestID: m.TestID},
		})
		return nil
	}
	delivered := s.router.DeliverToMembers(videoRoom(m.TestID), m.StudentID, types.RoleStudent, &types.Outbound{
		Event: types.EventVideoICECandidate,
		Data:  types.VideoICEToStudent{Candidate: m.Candidate, TeacherSocketID: connID, TestID: m.TestID},
	})
	if len(delivered) == 0 {
		return ErrNoLocalRecipient
	}
	return nil
}
