package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/api"
	"proctorhub/pkg/types"
)

const quiet = 200 * time.Millisecond

func TestScreenFrameReachesTeachersOnly(t *testing.T) {
	application := startApp(t, nil)
	teacher := dial(t, application)
	student := dial(t, application)
	bystander := dial(t, application)

	teacher.send(types.EventProctoringJoin, map[string]any{"testId": "exam42", "role": "teacher", "userId": "tea1"})
	student.send(types.EventProctoringJoin, map[string]any{"testId": "exam42", "role": "student", "userId": "stu1"})
	bystander.send(types.EventProctoringJoin, map[string]any{"testId": "exam99", "role": "teacher", "userId": "tea9"})
	waitMembers(t, application, types.RoomProctoring, "exam42", 2)
	waitMembers(t, application, types.RoomProctoring, "exam99", 1)

	student.send(types.EventScreenFrame, map[string]any{"testId": "exam42", "studentId": "stu1", "image": "data:image/png;base64,AAAA"})

	got := teacher.expect(types.EventScreenFrame)
	assert.Equal(t, "exam42", got.Data["testId"])
	assert.Equal(t, "stu1", got.Data["studentId"])
	assert.Equal(t, "data:image/png;base64,AAAA", got.Data["image"])
	assert.NotZero(t, got.Data["ts"])

	student.expectNone(types.EventScreenFrame, quiet)
	bystander.expectNone(types.EventScreenFrame, quiet)
}

func TestWebRTCOfferPairing(t *testing.T) {
	application := startApp(t, nil)
	teacher := dial(t, application)
	student := dial(t, application)

	teacher.send(types.EventProctoringJoin, map[string]any{"testId": "exam42", "role": "teacher", "userId": "tea1"})
	student.send(types.EventProctoringJoin, map[string]any{"testId": "exam42", "role": "student", "userId": "stu1"})
	members := waitMembers(t, application, types.RoomProctoring, "exam42", 2)
	teacherID, studentID := connOf(t, members, "tea1"), connOf(t, members, "stu1")

	student.send(types.EventWebRTCOffer, map[string]any{"testId": "exam42", "studentId": "stu1", "offer": map[string]any{"type": "offer", "sdp": "v=0"}})

	offer := teacher.expect(types.EventWebRTCOffer)
	assert.Equal(t, studentID, offer.Data["fromSocketId"])
	assert.Equal(t, map[string]any{"type": "offer", "sdp": "v=0"}, offer.Data["offer"])

	hint := student.expect(types.EventWebRTCSetRemoteSocket)
	assert.Equal(t, teacherID, hint.Data["teacherSocketId"])

	teacher.send(types.EventWebRTCAnswer, map[string]any{"toSocketId": offer.Data["fromSocketId"], "testId": "exam42", "studentId": "stu1", "answer": map[string]any{"sdp": "a"}})
	answer := student.expect(types.EventWebRTCAnswer)
	assert.Equal(t, map[string]any{"testId": "exam42", "studentId": "stu1", "answer": map[string]any{"sdp": "a"}}, answer.Data)

	student.send(types.EventWebRTCICECandidate, map[string]any{"toSocketId": teacherID, "testId": "exam42", "studentId": "stu1", "candidate": map[string]any{"candidate": "c1"}})
	ice := teacher.expect(types.EventWebRTCICECandidate)
	assert.NotContains(t, ice.Data, "toSocketId")
}

func TestChatPrivateThreadAndEcho(t *testing.T) {
	application := startApp(t, nil)
	teacher := dial(t, application)
	s1 := dial(t, application)
	s2 := dial(t, application)

	teacher.send(types.EventChatJoin, map[string]any{"testId": "exam42", "userId": "M", "userType": "teacher"})
	s1.send(types.EventChatJoin, map[string]any{"testId": "exam42", "userId": "s1", "userType": "student"})
	s2.send(types.EventChatJoin, map[string]any{"testId": "exam42", "userId": "s2", "userType": "student"})
	waitMembers(t, application, types.RoomChat, "exam42", 3)

	teacher.send(types.EventChatMessage, map[string]any{"testId": "exam42", "message": "eyes on your own screen", "senderId": "M", "senderType": "teacher", "recipientId": "s1"})

	toStudent := s1.expect(types.EventChatMessage)
	toTeacher := teacher.expect(types.EventChatMessage)
	assert.Equal(t, "eyes on your own screen", toStudent.Data["message"])
	assert.Equal(t, toStudent.Data["_id"], toTeacher.Data["_id"])
	assert.NotEmpty(t, toStudent.Data["timestamp"])
	s2.expectNone(types.EventChatMessage, quiet)

	s1.send(types.EventChatMessage, map[string]any{"testId": "exam42", "message": "ok", "senderId": "s1", "senderType": "student"})

	fromStudent := teacher.expect(types.EventChatMessage)
	echo := s1.expect(types.EventChatMessage)
	assert.Equal(t, "s1", fromStudent.Data["recipientId"])
	assert.Equal(t, "ok", echo.Data["message"])
	assert.NotEqual(t, fromStudent.Data["_id"], echo.Data["_id"])
	s2.expectNone(types.EventChatMessage, quiet)

	s2.send(types.EventChatTyping, map[string]any{"testId": "exam42", "userId": "s2", "userType": "student", "isTyping": true})
	typing := teacher.expect(types.EventChatTyping)
	assert.Equal(t, true, typing.Data["isTyping"])
	s2.expectNone(types.EventChatTyping, quiet)
}

func TestVideoOfferResolvesStudent(t *testing.T) {
	application := startApp(t, nil)
	teacher := dial(t, application)
	student := dial(t, application)

	teacher.send(types.EventVideoJoin, map[string]any{"testId": "exam7", "teacherId": "T", "role": "teacher"})
	waitMembers(t, application, types.RoomVideoProctoring, "exam7", 1)
	student.send(types.EventVideoJoin, map[string]any{"testId": "exam7", "studentId": "s1", "role": "student"})

	joined := teacher.expect(types.EventVideoStudentJoined)
	assert.Equal(t, "s1", joined.Data["studentId"])
	studentSocket := joined.Data["socketId"]
	assert.NotEmpty(t, studentSocket)

	teacher.send(types.EventVideoOffer, map[string]any{"testId": "exam7", "studentId": "s1", "teacherId": "T", "offer": map[string]any{"sdp": "o"}})
	offer := student.expect(types.EventVideoOffer)
	assert.Equal(t, "T", offer.Data["teacherId"])
	teacherSocket := offer.Data["teacherSocketId"]
	require.NotEmpty(t, teacherSocket)

	student.send(types.EventVideoAnswer, map[string]any{"testId": "exam7", "studentId": "s1", "teacherSocketId": teacherSocket, "answer": map[string]any{"sdp": "a"}})
	answer := teacher.expect(types.EventVideoAnswer)
	assert.Equal(t, map[string]any{"answer": map[string]any{"sdp": "a"}, "studentId": "s1", "testId": "exam7"}, answer.Data)

	teacher.send(types.EventVideoICECandidate, map[string]any{"testId": "exam7", "studentId": "s1", "candidate": map[string]any{"c": "t"}})
	ice := student.expect(types.EventVideoICECandidate)
	assert.Equal(t, teacherSocket, ice.Data["teacherSocketId"])
}

func TestMalformedFramesKeepTheConnectionOpen(t *testing.T) {
	application := startApp(t, nil)
	c := dial(t, application)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	c.send("lobby:join", map[string]any{})
	c.send(types.EventProctoringJoin, map[string]any{"testId": "exam42", "role": "student"})
	c.send(types.EventProctoringJoin, map[string]any{"testId": "exam42", "role": "student", "userId": "stu1"})

	members := waitMembers(t, application, types.RoomProctoring, "exam42", 1)
	assert.Equal(t, "stu1", members[0].UserID)
}

func TestPresenceHistoryRecordsJoinAndLeave(t *testing.T) {
	application := startApp(t, nil)
	c := dial(t, application)

	c.send(types.EventChatJoin, map[string]any{"roomId": "examchat:exam42", "userId": "s1", "userType": "student"})
	waitMembers(t, application, types.RoomChat, "examchat:exam42", 1)
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		return fetchJSON(application, roomPath(types.RoomChat, "examchat:exam42"), nil) == http.StatusNotFound
	}, waitFor, 20*time.Millisecond, "room should empty after disconnect")

	var history api.PresenceResponse
	require.Eventually(t, func() bool {
		history = api.PresenceResponse{}
		code := fetchJSON(application, roomPath(types.RoomChat, "examchat:exam42")+"/presence", &history)
		return code == http.StatusOK && len(history.Events) == 2
	}, waitFor, 50*time.Millisecond)

	assert.Equal(t, types.PresenceJoin, history.Events[0].Event)
	assert.Equal(t, types.PresenceLeave, history.Events[1].Event)
	assert.Equal(t, "s1", history.Events[1].UserID)
	assert.Equal(t, "student", history.Events[1].Role)
}
