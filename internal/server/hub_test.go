package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"homeroom/pkg/protocol"
)

func testHub(t *testing.T, historyLimit int) *Hub {
	t.Helper()
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), historyLimit)
}

func testSocket(userID, name string) *wsClient {
	return &wsClient{send: make(chan []byte, sendBufferSize), userID: userID, name: name}
}

func chatMsg(id, content string) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:        id,
		UserID:    "u1",
		UserName:  "Dana",
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func TestJoin_HostIsTeacherOthersAreMutedStudents(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Algebra", "host-1", "Ms. Reed")

	host, snap, err := h.Join(room.ID, "host-1", "Ms. Reed", testSocket("host-1", "Ms. Reed"))
	if err != nil {
		t.Fatalf("host join failed: %v", err)
	}
	if host.Role != protocol.RoleTeacher {
		t.Fatalf("expected host role teacher, got %s", host.Role)
	}
	if !host.IsMuted || host.IsVideoOn || host.IsHandRaised {
		t.Fatalf("unexpected join defaults: %+v", host)
	}
	if len(snap.Participants) != 1 {
		t.Fatalf("expected 1 participant in snapshot, got %d", len(snap.Participants))
	}

	stu, snap2, err := h.Join(room.ID, "stu-1", "Dana", testSocket("stu-1", "Dana"))
	if err != nil {
		t.Fatalf("student join failed: %v", err)
	}
	if stu.Role != protocol.RoleStudent {
		t.Fatalf("expected student role, got %s", stu.Role)
	}
	if len(snap2.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(snap2.Participants))
	}
	if snap2.Participants[0].UserID != "host-1" || snap2.Participants[1].UserID != "stu-1" {
		t.Fatalf("snapshot not in arrival order: %+v", snap2.Participants)
	}
}

func TestJoin_UnknownAndEndedRoomsRejected(t *testing.T) {
	h := testHub(t, 100)

	if _, _, err := h.Join("missing", "u1", "Dana", testSocket("u1", "Dana")); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	room := h.CreateRoom("Lab", "host-1", "Reed")
	if _, err := h.EndRoom(room.ID, "host-1"); err != nil {
		t.Fatalf("end room failed: %v", err)
	}
	if _, _, err := h.Join(room.ID, "u1", "Dana", testSocket("u1", "Dana")); !errors.Is(err, ErrRoomInactive) {
		t.Fatalf("expected ErrRoomInactive, got %v", err)
	}
}

func TestJoin_RejoinReplacesRecordKeepingArrivalOrder(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")
	h.Join(room.ID, "host-1", "Reed", testSocket("host-1", "Reed"))
	h.Join(room.ID, "stu-1", "Dana", testSocket("stu-1", "Dana"))
	h.Join(room.ID, "stu-2", "Eli", testSocket("stu-2", "Eli"))

	if _, ok := h.SetHand(room.ID, "stu-1", true); !ok {
		t.Fatalf("raise hand failed")
	}

	// same user comes back on a fresh socket
	_, snap, err := h.Join(room.ID, "stu-1", "Dana", testSocket("stu-1", "Dana"))
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if len(snap.Participants) != 3 {
		t.Fatalf("rejoin duplicated membership: %d participants", len(snap.Participants))
	}
	if snap.Participants[1].UserID != "stu-1" {
		t.Fatalf("rejoin lost arrival position: %+v", snap.Participants)
	}
	if snap.Participants[1].IsHandRaised {
		t.Fatalf("rejoin kept stale participant flags")
	}
}

func TestDisconnect_SweepsMembership(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")
	c := testSocket("stu-1", "Dana")
	h.Join(room.ID, "stu-1", "Dana", c)

	roomID, userID, name, swept := h.Disconnect(c)
	if !swept {
		t.Fatalf("expected sweep")
	}
	if roomID != room.ID || userID != "stu-1" || name != "Dana" {
		t.Fatalf("sweep returned %s/%s/%s", roomID, userID, name)
	}
	if got := h.Participants(room.ID); len(got) != 0 {
		t.Fatalf("participant survived the sweep: %+v", got)
	}
}

func TestDisconnect_StaleSocketIsNoOp(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")
	c1 := testSocket("stu-1", "Dana")
	h.Join(room.ID, "stu-1", "Dana", c1)
	c2 := testSocket("stu-1", "Dana")
	h.Join(room.ID, "stu-1", "Dana", c2)

	// the replaced socket dies; the rejoined membership must survive
	if _, _, _, swept := h.Disconnect(c1); swept {
		t.Fatalf("stale socket swept the rejoined user")
	}
	if got := h.Participants(room.ID); len(got) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(got))
	}

	if _, _, _, swept := h.Disconnect(c2); !swept {
		t.Fatalf("current socket failed to sweep")
	}
	if got := h.Participants(room.ID); len(got) != 0 {
		t.Fatalf("expected empty room, got %d participants", len(got))
	}
}

func TestLeave_RemovesMembershipOnce(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")
	h.Join(room.ID, "stu-1", "Dana", testSocket("stu-1", "Dana"))

	name, ok := h.Leave(room.ID, "stu-1")
	if !ok || name != "Dana" {
		t.Fatalf("leave returned %q/%v", name, ok)
	}
	if _, ok := h.Leave(room.ID, "stu-1"); ok {
		t.Fatalf("second leave should be a no-op")
	}
	if got := h.Participants(room.ID); len(got) != 0 {
		t.Fatalf("participant survived leave: %+v", got)
	}
}

func TestMuteStudents_SparesTheHost(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")
	h.Join(room.ID, "host-1", "Reed", testSocket("host-1", "Reed"))
	h.Join(room.ID, "stu-1", "Dana", testSocket("stu-1", "Dana"))
	h.Join(room.ID, "stu-2", "Eli", testSocket("stu-2", "Eli"))

	h.SetMuted(room.ID, "host-1", false)
	h.SetMuted(room.ID, "stu-1", false)

	students, err := h.MuteStudents(room.ID, "host-1")
	if err != nil {
		t.Fatalf("mute students failed: %v", err)
	}
	if len(students) != 2 {
		t.Fatalf("expected 2 students, got %d", len(students))
	}
	for _, st := range students {
		if !st.IsMuted {
			t.Fatalf("student %s not muted", st.UserID)
		}
	}
	if students[0].UserID != "stu-1" || students[1].UserID != "stu-2" {
		t.Fatalf("students not in arrival order: %+v", students)
	}

	for _, p := range h.Participants(room.ID) {
		if p.UserID == "host-1" && p.IsMuted {
			t.Fatalf("host was muted by mute-all")
		}
	}
}

func TestMuteStudents_RequiresHost(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")
	h.Join(room.ID, "stu-1", "Dana", testSocket("stu-1", "Dana"))

	if _, err := h.MuteStudents(room.ID, "stu-1"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if _, err := h.MuteStudents("missing", "host-1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestAppendMessage_TrimsToHistoryLimit(t *testing.T) {
	h := testHub(t, 3)
	room := h.CreateRoom("Lab", "host-1", "Reed")

	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if !h.AppendMessage(room.ID, chatMsg(id, "hello "+id)) {
			t.Fatalf("append %s failed", id)
		}
	}

	got := h.Messages(room.ID)
	if len(got) != 3 {
		t.Fatalf("expected backlog of 3, got %d", len(got))
	}
	if got[0].ID != "m3" || got[2].ID != "m5" {
		t.Fatalf("backlog kept the wrong messages: %+v", got)
	}

	if h.AppendMessage("missing", chatMsg("m6", "nope")) {
		t.Fatalf("append to unknown room succeeded")
	}
}

func TestAppendMessage_RejectedAfterRoomEnds(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")
	if _, err := h.EndRoom(room.ID, "host-1"); err != nil {
		t.Fatalf("end room failed: %v", err)
	}
	if h.AppendMessage(room.ID, chatMsg("m1", "too late")) {
		t.Fatalf("append to ended room succeeded")
	}
}

func TestEndRoom_ReturnsSocketsAndClearsState(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")
	h.Join(room.ID, "host-1", "Reed", testSocket("host-1", "Reed"))
	h.Join(room.ID, "stu-1", "Dana", testSocket("stu-1", "Dana"))
	h.AppendMessage(room.ID, chatMsg("m1", "hi"))

	if _, err := h.EndRoom(room.ID, "stu-1"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}

	inside, err := h.EndRoom(room.ID, "host-1")
	if err != nil {
		t.Fatalf("end room failed: %v", err)
	}
	if len(inside) != 2 {
		t.Fatalf("expected 2 sockets to notify, got %d", len(inside))
	}

	if _, ok := h.RoomByCode(room.Code); ok {
		t.Fatalf("ended room still resolves by code")
	}
	got, ok := h.RoomByID(room.ID)
	if !ok || got.IsActive {
		t.Fatalf("expected inactive room record, got %+v ok=%v", got, ok)
	}
	if len(h.Participants(room.ID)) != 0 {
		t.Fatalf("participants survived room end")
	}
	if len(h.Messages(room.ID)) != 0 {
		t.Fatalf("messages survived room end")
	}
}

func TestStartPresenting_OnlyOnePresenterAtATime(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")
	h.Join(room.ID, "stu-1", "Dana", testSocket("stu-1", "Dana"))
	h.Join(room.ID, "stu-2", "Eli", testSocket("stu-2", "Eli"))

	if _, ok := h.StartPresenting(room.ID, "stu-1", "https://docs/a"); !ok {
		t.Fatalf("first presenter rejected")
	}
	name, ok := h.StartPresenting(room.ID, "stu-2", "https://docs/b")
	if !ok || name != "Eli" {
		t.Fatalf("second presenter rejected: %q/%v", name, ok)
	}

	for _, p := range h.Participants(room.ID) {
		want := p.UserID == "stu-2"
		if p.IsPresenting != want {
			t.Fatalf("presenter flags wrong on %s: %v", p.UserID, p.IsPresenting)
		}
	}

	// a fresh joiner should be seeded with the current content
	_, snap, err := h.Join(room.ID, "stu-3", "Kim", testSocket("stu-3", "Kim"))
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if snap.SmartboardContent != "https://docs/b" {
		t.Fatalf("snapshot smartboard = %q", snap.SmartboardContent)
	}

	if !h.StopPresenting(room.ID, "stu-2") {
		t.Fatalf("stop presenting failed")
	}
	_, snap, _ = h.Join(room.ID, "stu-4", "Lee", testSocket("stu-4", "Lee"))
	if snap.SmartboardContent != "" {
		t.Fatalf("smartboard not cleared: %q", snap.SmartboardContent)
	}
}

func TestCreateAccount_EmailIsUniqueAndCaseInsensitive(t *testing.T) {
	h := testHub(t, 100)

	a, err := h.CreateAccount("Dana@School.EDU", "Dana", []byte("hash"))
	if err != nil {
		t.Fatalf("create account failed: %v", err)
	}
	if a.Email != "dana@school.edu" {
		t.Fatalf("email not normalized: %q", a.Email)
	}

	if _, err := h.CreateAccount("dana@school.edu", "Other Dana", []byte("hash")); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	got, ok := h.AccountByEmail("DANA@school.edu")
	if !ok || got.ID != a.ID {
		t.Fatalf("case-insensitive lookup failed: %+v ok=%v", got, ok)
	}
}

func TestRoomByCode_NormalizesInput(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")

	got, ok := h.RoomByCode(" " + strings.ToLower(room.Code) + " ")
	if !ok || got.ID != room.ID {
		t.Fatalf("code lookup failed: %+v ok=%v", got, ok)
	}
	if _, ok := h.RoomByCode("ZZZZZZZZ"); ok {
		t.Fatalf("unknown code resolved")
	}
}

func TestBroadcast_SkipsFullBuffersWithoutBlocking(t *testing.T) {
	h := testHub(t, 100)
	room := h.CreateRoom("Lab", "host-1", "Reed")

	slow := &wsClient{send: make(chan []byte, 1), userID: "slow", name: "Slow"}
	slow.send <- []byte("backlog")
	fast := testSocket("fast", "Fast")
	h.Join(room.ID, "slow", "Slow", slow)
	h.Join(room.ID, "fast", "Fast", fast)

	env, err := protocol.NewEnvelope(protocol.EventAllMuted, room.ID, protocol.AllMuted{RoomID: room.ID})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	// must return even though slow's buffer is full
	h.Broadcast(room.ID, env)

	if len(fast.send) != 1 {
		t.Fatalf("fast socket got %d frames, want 1", len(fast.send))
	}
	if len(slow.send) != 1 {
		t.Fatalf("slow socket buffer changed: %d frames", len(slow.send))
	}
}
