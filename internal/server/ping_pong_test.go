package server

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket/wsjson"

	"homeroom/pkg/protocol"
)

// TestPingPong_ActiveClient ensures a client that answers pings stays
// connected across several ping rounds.
func TestPingPong_ActiveClient(t *testing.T) {
	oldPing, oldPong, oldWrite := PingInterval, PongTimeout, WriteTimeout
	PingInterval = 100 * time.Millisecond
	PongTimeout = 300 * time.Millisecond
	WriteTimeout = 50 * time.Millisecond
	defer func() { PingInterval, PongTimeout, WriteTimeout = oldPing, oldPong, oldWrite }()

	ts := newTestServer(t)
	auth := register(t, ts, "dana@school.edu", "Dana")
	room := createRoom(t, ts, auth.AccessToken, "Lab")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(ctx, t, ts, auth.AccessToken)

	// Background reader so the client answers pings; coder/websocket only
	// processes control frames while a Read is in flight.
	readCtx, readCancel := context.WithCancel(context.Background())
	defer readCancel()
	go func() {
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	emit(ctx, t, conn, protocol.EventJoinRoom, room.ID, protocol.JoinRoomPayload{
		RoomID: room.ID,
		UserID: auth.User.ID,
	})

	time.Sleep(500 * time.Millisecond)

	if got := participantCount(t, ts, auth.AccessToken, room.ID); got != 1 {
		t.Fatalf("healthy client was swept: %d participants", got)
	}
	emit(ctx, t, conn, protocol.EventSendMessage, room.ID, protocol.SendMessagePayload{
		RoomID:  room.ID,
		UserID:  auth.User.ID,
		Content: "ping check",
	})
}

// TestPingPong_DeadClient ensures a peer that stops answering pings is torn
// down and swept out of its room.
func TestPingPong_DeadClient(t *testing.T) {
	oldPing, oldPong, oldWrite := PingInterval, PongTimeout, WriteTimeout
	PingInterval = 100 * time.Millisecond
	PongTimeout = 200 * time.Millisecond
	WriteTimeout = 50 * time.Millisecond
	defer func() { PingInterval, PongTimeout, WriteTimeout = oldPing, oldPong, oldWrite }()

	ts := newTestServer(t)
	host := register(t, ts, "reed@school.edu", "Ms. Reed")
	stu := register(t, ts, "dana@school.edu", "Dana")
	room := createRoom(t, ts, host.AccessToken, "Lab")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the host reads continuously so it stays healthy while we wait
	hostConn := dialWS(ctx, t, ts, host.AccessToken)
	events := make(chan protocol.Event, 16)
	go func() {
		defer close(events)
		for {
			var env protocol.Envelope
			if err := wsjson.Read(ctx, hostConn, &env); err != nil {
				return
			}
			if ev, err := protocol.DecodeServerEvent(env); err == nil {
				events <- ev
			}
		}
	}()
	emit(ctx, t, hostConn, protocol.EventJoinRoom, room.ID, protocol.JoinRoomPayload{
		RoomID: room.ID,
		UserID: host.User.ID,
	})

	// the student joins and then never reads, so pings go unanswered
	stuConn := dialWS(ctx, t, ts, stu.AccessToken)
	emit(ctx, t, stuConn, protocol.EventJoinRoom, room.ID, protocol.JoinRoomPayload{
		RoomID: room.ID,
		UserID: stu.User.ID,
	})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("host connection dropped before the sweep")
			}
			if left, isLeft := ev.(*protocol.ParticipantLeft); isLeft {
				if left.UserID != stu.User.ID {
					t.Fatalf("swept the wrong user: %s", left.UserID)
				}
				if got := participantCount(t, ts, host.AccessToken, room.ID); got != 1 {
					t.Fatalf("roster has %d participants after sweep, want 1", got)
				}
				return
			}
		case <-deadline:
			t.Fatalf("dead client was never swept")
		}
	}
}
