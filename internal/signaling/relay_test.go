package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/peertest"
	"proctorhub/internal/registry"
	"proctorhub/internal/router"
	"proctorhub/pkg/types"
)

type harness struct {
	t     *testing.T
	reg   *registry.Registry
	relay *Relay
}

func newHarness(t *testing.T) *harness {
	reg := registry.NewRegistry(nil)
	relay := NewRelay(router.NewRouter(reg, nil, nil, nil), nil)
	relay.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return &harness{t: t, reg: reg, relay: relay}
}

func (h *harness) connect() (string, *peertest.Recorder) {
	peer := peertest.New()
	id, err := h.reg.Connect(peer)
	require.NoError(h.t, err)
	return id, peer
}

// send decodes raw exactly as the hub does and hands it to the relay.
func (h *harness) send(connID, raw string) error {
	msg, err := types.Decode([]byte(raw))
	require.NoError(h.t, err)
	return h.relay.Handle(connID, msg)
}

func TestRelay_ScreenFrameReachesTeachersOnly(t *testing.T) {
	h := newHarness(t)
	s, student := h.connect()
	tch, teacher := h.connect()
	require.NoError(t, h.send(s, `{"event":"proctoring:join","data":{"testId":"exam42","role":"student","userId":"stu1"}}`))
	require.NoError(t, h.send(tch, `{"event":"proctoring:join","data":{"testId":"exam42","role":"teacher","userId":"tea1"}}`))

	require.NoError(t, h.send(s, `{"event":"screen:frame","data":{"testId":"exam42","studentId":"stu1","image":"<blob>"}}`))

	frame, ok := teacher.Last(types.EventScreenFrame)
	require.True(t, ok, "teacher should receive the frame")
	assert.Equal(t, "exam42", frame.Data["testId"])
	assert.Equal(t, "stu1", frame.Data["studentId"])
	assert.Equal(t, "<blob>", frame.Data["image"])
	assert.Equal(t, float64(1700000000123), frame.Data["ts"])
	assert.Empty(t, student.Frames(), "sender receives nothing")
}

func TestRelay_WebRTCOfferPairsWithEveryTeacher(t *testing.T) {
	h := newHarness(t)
	s, student := h.connect()
	t1, teacher1 := h.connect()
	t2, teacher2 := h.connect()
	require.NoError(t, h.send(s, `{"event":"proctoring:join","data":{"testId":"exam42","role":"student","userId":"stu1"}}`))
	require.NoError(t, h.send(t1, `{"event":"proctoring:join","data":{"testId":"exam42","role":"teacher","userId":"tea1"}}`))
	require.NoError(t, h.send(t2, `{"event":"proctoring:join","data":{"testId":"exam42","role":"teacher","userId":"tea2"}}`))

	require.NoError(t, h.send(s, `{"event":"webrtc:offer","data":{"testId":"exam42","studentId":"stu1","offer":{"sdp":"v=0"}}}`))

	for _, teacher := range []*peertest.Recorder{teacher1, teacher2} {
		offer, ok := teacher.Last(types.EventWebRTCOffer)
		require.True(t, ok)
		assert.Equal(t, s, offer.Data["fromSocketId"])
		assert.Equal(t, map[string]any{"sdp": "v=0"}, offer.Data["offer"])
	}

	hints := student.Frames()
	require.Len(t, hints, 2)
	assert.Equal(t, t1, hints[0].Data["teacherSocketId"])
	assert.Equal(t, t2, hints[1].Data["teacherSocketId"], "last teacher to receive wins")
}

func TestRelay_WebRTCOfferToEmptyRoom(t *testing.T) {
	h := newHarness(t)
	s, student := h.connect()
	_, other := h.connect()
	require.NoError(t, h.send(s, `{"event":"proctoring:join","data":{"testId":"exam42","role":"student","userId":"stu1"}}`))

	require.NoError(t, h.send(s, `{"event":"webrtc:offer","data":{"testId":"exam42","studentId":"stu1","offer":{"sdp":"v=0"}}}`))

	assert.Zero(t, student.Count(types.EventWebRTCSetRemoteSocket))
	assert.Empty(t, student.Frames())
	assert.Empty(t, other.Frames())
}

func TestRelay_AnswerAndICEAreUnicast(t *testing.T) {
	h := newHarness(t)
	s, student := h.connect()
	tch, teacher := h.connect()

	require.NoError(t, h.send(tch, `{"event":"webrtc:answer","data":{"toSocketId":"`+s+`","testId":"exam42","studentId":"stu1","answer":{"sdp":"a"}}}`))
	require.NoError(t, h.send(s, `{"event":"webrtc:ice-candidate","data":{"toSocketId":"`+tch+`","testId":"exam42","studentId":"stu1","candidate":{"c":1}}}`))
	require.NoError(t, h.send(s, `{"event":"webrtc:ice-candidate","data":{"toSocketId":"gone","candidate":{"c":2}}}`))

	answer, ok := student.Last(types.EventWebRTCAnswer)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"testId": "exam42", "studentId": "stu1", "answer": map[string]any{"sdp": "a"}}, answer.Data)

	ice, ok := teacher.Last(types.EventWebRTCICECandidate)
	require.True(t, ok)
	assert.NotContains(t, ice.Data, "toSocketId")
	assert.Equal(t, 1, teacher.Count(types.EventWebRTCICECandidate), "unknown target is dropped")
}

func TestRelay_VideoJoinAnnouncesStudents(t *testing.T) {
	h := newHarness(t)
	tch, teacher := h.connect()
	s, student := h.connect()

	require.NoError(t, h.send(tch, `{"event":"video-proctoring:join","data":{"testId":"exam7","teacherId":"T","role":"teacher"}}`))
	assert.Empty(t, teacher.Frames(), "teacher joins are not announced")

	require.NoError(t, h.send(s, `{"event":"video-proctoring:join","data":{"testId":"exam7","studentId":"s1","role":"student"}}`))

	notice, ok := teacher.Last(types.EventVideoStudentJoined)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"testId": "exam7", "studentId": "s1", "socketId": s}, notice.Data)
	assert.Equal(t, 1, student.Count(types.EventVideoStudentJoined), "the joining student is not excluded")

	rec, _ := h.reg.Get(tch)
	assert.Equal(t, "T", rec.UserID)
}

func TestRelay_VideoOfferResolvesStudentByUserID(t *testing.T) {
	h := newHarness(t)
	tch, teacher := h.connect()
	s1, student1 := h.connect()
	s2, student2 := h.connect()
	require.NoError(t, h.send(tch, `{"event":"video-proctoring:join","data":{"testId":"exam7","teacherId":"T","role":"teacher"}}`))
	require.NoError(t, h.send(s1, `{"event":"video-proctoring:join","data":{"testId":"exam7","studentId":"s1","role":"student"}}`))
	require.NoError(t, h.send(s2, `{"event":"video-proctoring:join","data":{"testId":"exam7","studentId":"s2","role":"student"}}`))
	teacher.Reset()
	student1.Reset()
	student2.Reset()

	require.NoError(t, h.send(tch, `{"event":"video-proctoring:offer","data":{"testId":"exam7","studentId":"s1","teacherId":"T","offer":{"sdp":"o"}}}`))

	offer, ok := student1.Last(types.EventVideoOffer)
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"offer":           map[string]any{"sdp": "o"},
		"teacherSocketId": tch,
		"teacherId":       "T",
		"testId":          "exam7",
		"studentId":       "s1",
	}, offer.Data)
	assert.Empty(t, student2.Frames())
	assert.Empty(t, teacher.Frames())

	err := h.send(tch, `{"event":"video-proctoring:offer","data":{"testId":"exam7","studentId":"s9","offer":{"sdp":"o"}}}`)
	assert.ErrorIs(t, err, ErrNoLocalRecipient)
}

func TestRelay_VideoAnswerAndICEDirections(t *testing.T) {
	h := newHarness(t)
	tch, teacher := h.connect()
	s, student := h.connect()
	require.NoError(t, h.send(tch, `{"event":"video-proctoring:join","data":{"testId":"exam7","teacherId":"T","role":"teacher"}}`))
	require.NoError(t, h.send(s, `{"event":"video-proctoring:join","data":{"testId":"exam7","studentId":"s1","role":"student"}}`))
	teacher.Reset()
	student.Reset()

	require.NoError(t, h.send(s, `{"event":"video-proctoring:answer","data":{"testId":"exam7","studentId":"s1","teacherSocketId":"`+tch+`","answer":{"sdp":"a"}}}`))
	answer, ok := teacher.Last(types.EventVideoAnswer)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"answer": map[string]any{"sdp": "a"}, "studentId": "s1", "testId": "exam7"}, answer.Data)

	// Student to teacher: teacherSocketId wins even when studentId is present.
	require.NoError(t, h.send(s, `{"event":"video-proctoring:ice-candidate","data":{"testId":"exam7","studentId":"s1","teacherSocketId":"`+tch+`","candidate":{"c":1}}}`))
	toTeacher, ok := teacher.Last(types.EventVideoICECandidate)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"candidate": map[string]any{"c": float64(1)}, "studentId": "s1", "testId": "exam7"}, toTeacher.Data)

	// Teacher to student: resolved by room scan, tagged with the teacher's connection.
	require.NoError(t, h.send(tch, `{"event":"video-proctoring:ice-candidate","data":{"testId":"exam7","studentId":"s1","candidate":{"c":2}}}`))
	toStudent, ok := student.Last(types.EventVideoICECandidate)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"candidate": map[string]any{"c": float64(2)}, "teacherSocketId": tch, "testId": "exam7"}, toStudent.Data)
	assert.Equal(t, 1, teacher.Count(types.EventVideoICECandidate))
}

func TestRelay_RejectsForeignMessages(t *testing.T) {
	h := newHarness(t)
	id, _ := h.connect()
	err := h.relay.Handle(id, &types.ChatTyping{RoomID: "r", UserID: "u", UserType: types.RoleStudent})
	assert.ErrorIs(t, err, ErrUnhandledMessage)
}

func TestRelay_EventsAreInbound(t *testing.T) {
	for _, name := range NewRelay(nil, nil).Events() {
		assert.True(t, types.IsInboundEvent(name), name)
	}
}
