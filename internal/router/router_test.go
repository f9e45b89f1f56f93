package router

import (
	"encoding/json"
	"errors"
	"testing"

	"proctorhub/internal/peertest"
	"proctorhub/internal/registry"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

var (
	proctoring = types.RoomRef{Kind: types.RoomProctoring, Key: "exam42"}
	chatRoom   = types.RoomRef{Kind: types.RoomChat, Key: "examchat:exam42"}
)

type fixture struct {
	reg     *registry.Registry
	router  *Router
	journal *peertest.Journal
}

func newFixture() *fixture {
	reg := registry.NewRegistry(nil)
	journal := peertest.NewJournal()
	return &fixture{reg: reg, router: NewRouter(reg, journal, nil, nil), journal: journal}
}

// connect registers a recorder and joins it to ref when role is non-empty.
func (f *fixture) connect(t *testing.T, ref types.RoomRef, role, userID string) (string, *peertest.Recorder) {
	t.Helper()
	peer := peertest.New()
	id, err := f.reg.Connect(peer)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if role != "" {
		if err := f.router.Join(id, ref, role, userID); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}
	return id, peer
}

func ping() *types.Outbound {
	return &types.Outbound{Event: "test:ping", Data: map[string]string{"k": "v"}}
}

func TestRouter_JoinRejectsIncompleteRequests(t *testing.T) {
	f := newFixture()
	id, _ := f.connect(t, proctoring, "", "")

	tests := []struct {
		name   string
		ref    types.RoomRef
		role   string
		userID string
	}{
		{"missing kind", types.RoomRef{Key: "exam42"}, types.RoleStudent, "s1"},
		{"unknown kind", types.RoomRef{Kind: "lobby", Key: "exam42"}, types.RoleStudent, "s1"},
		{"missing key", types.RoomRef{Kind: types.RoomProctoring}, types.RoleStudent, "s1"},
		{"missing role", proctoring, "", "s1"},
		{"missing user", proctoring, types.RoleStudent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.router.Join(id, tt.ref, tt.role, tt.userID); !errors.Is(err, ErrIncompleteJoin) {
				t.Errorf("expected ErrIncompleteJoin, got %v", err)
			}
		})
	}

	rec, _ := f.reg.Get(id)
	if rec.Role != "" || len(rec.Memberships()) != 0 || len(f.router.Rooms()) != 0 {
		t.Errorf("rejected joins must not change state: %+v rooms=%v", rec, f.router.Rooms())
	}
	if len(f.journal.Events()) != 0 {
		t.Errorf("rejected joins must not be journaled")
	}
}

func TestRouter_JoinUnknownConnection(t *testing.T) {
	f := newFixture()
	if err := f.router.Join("ghost", proctoring, types.RoleTeacher, "t1"); !errors.Is(err, registry.ErrUnknownConn) {
		t.Errorf("expected ErrUnknownConn, got %v", err)
	}
	if len(f.router.Rooms()) != 0 {
		t.Error("unknown connection must not create a room")
	}
}

func TestRouter_JoinRecordsMembershipAndIdentity(t *testing.T) {
	f := newFixture()
	id, _ := f.connect(t, proctoring, types.RoleStudent, "stu1")

	rec, _ := f.reg.Get(id)
	if !rec.IsMember(proctoring) || rec.Role != types.RoleStudent || rec.UserID != "stu1" {
		t.Errorf("unexpected record after join: %+v", rec)
	}

	// Rejoining the same room is idempotent for membership and the journal.
	if err := f.router.Join(id, proctoring, types.RoleStudent, "stu1"); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	members := f.router.Members(proctoring)
	if len(members) != 1 || members[0].ConnID != id {
		t.Errorf("expected single member, got %v", members)
	}
	events := f.journal.Events()
	if len(events) != 1 || events[0].Event != types.PresenceJoin || events[0].ConnID != id {
		t.Errorf("expected one join event, got %+v", events)
	}
}

func TestRouter_BroadcastToRoomExcludesSender(t *testing.T) {
	f := newFixture()
	a, peerA := f.connect(t, chatRoom, types.RoleStudent, "s1")
	_, peerB := f.connect(t, chatRoom, types.RoleStudent, "s2")
	_, peerM := f.connect(t, chatRoom, types.RoleTeacher, "M")
	_, outsider := f.connect(t, proctoring, types.RoleTeacher, "M")

	if n := f.router.BroadcastToRoom(chatRoom, ping(), a); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
	if peerA.Count("test:ping") != 0 {
		t.Error("sender should be excluded")
	}
	if peerB.Count("test:ping") != 1 || peerM.Count("test:ping") != 1 {
		t.Error("every other member should receive exactly once")
	}
	if outsider.Count("test:ping") != 0 {
		t.Error("member of another room must not receive")
	}

	if n := f.router.BroadcastToRoom(types.RoomRef{Kind: types.RoomChat, Key: "empty"}, ping(), ""); n != 0 {
		t.Errorf("empty room should deliver nothing, got %d", n)
	}
}

func TestRouter_BroadcastToRoleFiltersAndOrders(t *testing.T) {
	f := newFixture()
	s, peerS := f.connect(t, proctoring, types.RoleStudent, "stu1")
	t1, peerT1 := f.connect(t, proctoring, types.RoleTeacher, "tea1")
	t2, peerT2 := f.connect(t, proctoring, types.RoleTeacher, "tea2")

	delivered := f.router.BroadcastToRole(proctoring, types.RoleTeacher, ping(), s)
	if len(delivered) != 2 || delivered[0] != t1 || delivered[1] != t2 {
		t.Errorf("expected [%s %s] in join order, got %v", t1, t2, delivered)
	}
	if peerS.Count("test:ping") != 0 {
		t.Error("student should not receive a teacher-only broadcast")
	}
	if peerT1.Count("test:ping") != 1 || peerT2.Count("test:ping") != 1 {
		t.Error("each teacher should receive once")
	}

	if got := f.router.BroadcastToRole(proctoring, types.RoleTeacher, ping(), t1); len(got) != 1 || got[0] != t2 {
		t.Errorf("excluded teacher should be skipped, got %v", got)
	}
}

func TestRouter_BroadcastUsesLatestConnectionRole(t *testing.T) {
	f := newFixture()
	id, peer := f.connect(t, proctoring, types.RoleStudent, "u1")
	// A later join in another room kind switches the connection's role.
	if err := f.router.Join(id, chatRoom, types.RoleTeacher, "u1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if got := f.router.BroadcastToRole(proctoring, types.RoleTeacher, ping(), ""); len(got) != 1 {
		t.Errorf("expected role filter to use the latest role, got %v", got)
	}
	if peer.Count("test:ping") != 1 {
		t.Error("expected delivery")
	}
	if m := f.router.Members(proctoring); m[0].Role != types.RoleStudent {
		t.Errorf("member snapshot should keep the role supplied for that room, got %s", m[0].Role)
	}
}

func TestRouter_DeliveryFailureSkipsPeer(t *testing.T) {
	f := newFixture()
	_, broken := f.connect(t, proctoring, types.RoleTeacher, "t1")
	_, healthy := f.connect(t, proctoring, types.RoleTeacher, "t2")
	broken.Fail()

	delivered := f.router.BroadcastToRole(proctoring, types.RoleTeacher, ping(), "")
	if len(delivered) != 1 {
		t.Errorf("expected only the healthy teacher, got %v", delivered)
	}
	if healthy.Count("test:ping") != 1 {
		t.Error("healthy peer should still receive")
	}
}

func TestRouter_DisconnectCleansEveryRoom(t *testing.T) {
	f := newFixture()
	id, peer := f.connect(t, proctoring, types.RoleTeacher, "t1")
	if err := f.router.Join(id, chatRoom, types.RoleTeacher, "t1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	f.router.Allow(id)

	f.reg.Disconnect(id)

	if len(f.router.Rooms()) != 0 {
		t.Errorf("rooms should vanish once empty, got %v", f.router.Rooms())
	}
	f.router.BroadcastToRoom(proctoring, ping(), "")
	f.router.BroadcastToRoom(chatRoom, ping(), "")
	if peer.Count("test:ping") != 0 {
		t.Error("disconnected connection must not receive broadcasts")
	}
	if f.router.Limiter().Tracked() != 0 {
		t.Error("rate limiter state should be forgotten on disconnect")
	}

	leaves := 0
	for _, e := range f.journal.Events() {
		if e.Event == types.PresenceLeave {
			leaves++
		}
	}
	if leaves != 2 {
		t.Errorf("expected 2 leave events, got %d", leaves)
	}
}

func TestRouter_UnicastResilience(t *testing.T) {
	f := newFixture()
	target, peer := f.connect(t, proctoring, types.RoleTeacher, "t1")

	if f.router.Unicast("does-not-exist", ping()) {
		t.Error("unicast to unknown id should report no delivery")
	}
	if !f.router.Unicast(target, ping()) {
		t.Error("unicast to live connection should deliver")
	}
	if peer.Count("test:ping") != 1 {
		t.Error("target should receive exactly once")
	}
}

func TestRouter_FindAndDeliverToMembers(t *testing.T) {
	f := newFixture()
	video := types.RoomRef{Kind: types.RoomVideoProctoring, Key: "exam7"}
	_, teacher := f.connect(t, video, types.RoleTeacher, "s1")
	s, student := f.connect(t, video, types.RoleStudent, "s1")
	_, other := f.connect(t, video, types.RoleStudent, "s2")

	if got := f.router.FindMembers(video, "s1", ""); len(got) != 2 {
		t.Errorf("expected both s1 connections without a role filter, got %d", len(got))
	}

	delivered := f.router.DeliverToMembers(video, "s1", types.RoleStudent, ping())
	if len(delivered) != 1 || delivered[0] != s {
		t.Errorf("expected only the student connection, got %v", delivered)
	}
	if teacher.Count("test:ping") != 0 || other.Count("test:ping") != 0 || student.Count("test:ping") != 1 {
		t.Error("member scan delivered to the wrong connections")
	}

	if got := f.router.DeliverToMembers(video, "nobody", types.RoleStudent, ping()); len(got) != 0 {
		t.Errorf("no match should deliver nothing, got %v", got)
	}
}

func TestRouter_Rooms(t *testing.T) {
	f := newFixture()
	f.connect(t, proctoring, types.RoleStudent, "s1")
	f.connect(t, proctoring, types.RoleTeacher, "t1")
	f.connect(t, chatRoom, types.RoleStudent, "s1")

	rooms := f.router.Rooms()
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %v", rooms)
	}
	if rooms[0].Kind != types.RoomChat || rooms[0].Members != 1 {
		t.Errorf("unexpected first room: %+v", rooms[0])
	}
	if rooms[1].Kind != types.RoomProctoring || rooms[1].Members != 2 {
		t.Errorf("unexpected second room: %+v", rooms[1])
	}
}

func TestRouter_PublishesToFanout(t *testing.T) {
	f := newFixture()
	fan := peertest.NewFanout()
	f.router.SetFanout(fan)
	local, _ := f.connect(t, proctoring, types.RoleStudent, "s1")

	f.router.BroadcastToRoom(proctoring, ping(), local)
	f.router.BroadcastToRole(proctoring, types.RoleTeacher, ping(), local)
	f.router.DeliverToMembers(proctoring, "s9", types.RoleStudent, ping())
	f.router.Unicast(local, ping())
	f.router.Unicast("remote-conn", ping())

	envs := fan.Envelopes()
	ops := []string{interfaces.FanoutRoom, interfaces.FanoutRole, interfaces.FanoutMember, interfaces.FanoutUnicast}
	if len(envs) != len(ops) {
		t.Fatalf("expected %d envelopes (local unicast is not published), got %d", len(ops), len(envs))
	}
	for i, op := range ops {
		if envs[i].Op != op || envs[i].Event != "test:ping" {
			t.Errorf("envelope %d: expected op %s, got %+v", i, op, envs[i])
		}
	}
	if envs[0].Exclude != local || envs[1].Role != types.RoleTeacher || envs[2].UserID != "s9" || envs[3].Target != "remote-conn" {
		t.Errorf("envelope addressing not preserved: %+v %+v %+v %+v", envs[0], envs[1], envs[2], envs[3])
	}
	if string(envs[0].Data) != `{"k":"v"}` {
		t.Errorf("unexpected data: %s", envs[0].Data)
	}
}

func TestRouter_ApplyRemote(t *testing.T) {
	f := newFixture()
	fan := peertest.NewFanout()
	f.router.SetFanout(fan)
	s, student := f.connect(t, proctoring, types.RoleStudent, "s1")
	_, teacher := f.connect(t, proctoring, types.RoleTeacher, "t1")

	data := json.RawMessage(`{"testId":"exam42"}`)
	envs := []*interfaces.FanoutEnvelope{
		{Op: interfaces.FanoutRole, Room: proctoring, Role: types.RoleTeacher, Event: "remote:role", Data: data},
		{Op: interfaces.FanoutRoom, Room: proctoring, Exclude: s, Event: "remote:room", Data: data},
		{Op: interfaces.FanoutUnicast, Target: s, Event: "remote:unicast", Data: data},
		{Op: interfaces.FanoutMember, Room: proctoring, UserID: "s1", Role: types.RoleStudent, Event: "remote:member", Data: data},
	}
	for _, env := range envs {
		if err := f.router.ApplyRemote(env); err != nil {
			t.Fatalf("ApplyRemote(%s) failed: %v", env.Op, err)
		}
	}

	if teacher.Count("remote:role") != 1 || student.Count("remote:role") != 0 {
		t.Error("role envelope should reach local teachers only")
	}
	if teacher.Count("remote:room") != 1 || student.Count("remote:room") != 0 {
		t.Error("room envelope should honour exclude")
	}
	if student.Count("remote:unicast") != 1 || student.Count("remote:member") != 1 {
		t.Error("unicast and member envelopes should reach the student")
	}
	if frame, _ := teacher.Last("remote:role"); frame.Data["testId"] != "exam42" {
		t.Errorf("payload not relayed verbatim: %+v", frame.Data)
	}
	if len(fan.Envelopes()) != 0 {
		t.Error("remote deliveries must never be re-published")
	}

	if err := f.router.ApplyRemote(&interfaces.FanoutEnvelope{Op: "gossip"}); !errors.Is(err, ErrUnknownFanoutOp) {
		t.Errorf("expected ErrUnknownFanoutOp, got %v", err)
	}
}

func TestRouter_FanoutErrorDoesNotBlockLocalDelivery(t *testing.T) {
	f := newFixture()
	fan := peertest.NewFanout()
	fan.FailWith(errors.New("redis down"))
	f.router.SetFanout(fan)
	_, peer := f.connect(t, proctoring, types.RoleTeacher, "t1")

	if n := f.router.BroadcastToRoom(proctoring, ping(), ""); n != 1 || peer.Count("test:ping") != 1 {
		t.Error("local delivery should succeed when publishing fails")
	}
}
