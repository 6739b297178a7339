package media

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	cidpkg "homeroom/internal/cid"
	"homeroom/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNop_IsInertAndNeverErrors(t *testing.T) {
	var n Nop
	if err := n.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := n.SetMicrophoneEnabled(true); err != nil {
		t.Fatalf("microphone: %v", err)
	}
	if err := n.SetCameraEnabled(false); err != nil {
		t.Fatalf("camera: %v", err)
	}
	if got := n.State(); got != StateDisconnected {
		t.Fatalf("state = %s", got)
	}
	n.OnStateChange(func(State) { t.Fatalf("nop notified an observer") })
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestToggles_BeforeConnectReturnNotStarted(t *testing.T) {
	s := NewWebRTCSession(WebRTCConfig{IngestURL: "http://unused", Logger: discardLogger()})
	if err := s.SetMicrophoneEnabled(true); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("microphone err = %v", err)
	}
	if err := s.SetCameraEnabled(true); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("camera err = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close before connect: %v", err)
	}
}

func TestExchangeOffer_RoundTrip(t *testing.T) {
	var (
		gotAuth string
		gotCID  string
		gotCT   string
		gotReq  protocol.MediaOfferRequest
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCID = r.Header.Get(cidpkg.HeaderName)
		gotCT = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode offer: %v", err)
		}
		json.NewEncoder(w).Encode(protocol.MediaOfferResponse{
			Answer: protocol.SessionDescription{SDP: "v=0 answer", Type: "answer"},
		})
	}))
	defer ts.Close()

	s := NewWebRTCSession(WebRTCConfig{
		IngestURL: ts.URL,
		Token:     "tok-media",
		Logger:    discardLogger(),
	})

	ctx, cancel := context.WithTimeout(cidpkg.WithCID(context.Background(), "cid-media"), 5*time.Second)
	defer cancel()
	answer, err := s.exchangeOffer(ctx, "v=0 offer")
	if err != nil {
		t.Fatalf("exchange offer: %v", err)
	}
	if answer != "v=0 answer" {
		t.Fatalf("answer = %q", answer)
	}
	if gotAuth != "Bearer tok-media" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotCID != "cid-media" {
		t.Fatalf("correlation header = %q", gotCID)
	}
	if gotCT != "application/json" {
		t.Fatalf("content type = %q", gotCT)
	}
	if gotReq.Offer.SDP != "v=0 offer" || gotReq.Offer.Type != "offer" {
		t.Fatalf("server saw offer %+v", gotReq.Offer)
	}
}

func TestExchangeOffer_RejectionCarriesServerText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("ingest full"))
	}))
	defer ts.Close()

	s := NewWebRTCSession(WebRTCConfig{IngestURL: ts.URL, Logger: discardLogger()})
	_, err := s.exchangeOffer(context.Background(), "v=0 offer")
	if err == nil {
		t.Fatalf("expected an error for a rejected offer")
	}
	if !strings.Contains(err.Error(), "ingest full") {
		t.Fatalf("error %q lost the server's reason", err)
	}
}

func TestExchangeOffer_EmptyAnswerIsAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.MediaOfferResponse{})
	}))
	defer ts.Close()

	s := NewWebRTCSession(WebRTCConfig{IngestURL: ts.URL, Logger: discardLogger()})
	if _, err := s.exchangeOffer(context.Background(), "v=0 offer"); err == nil {
		t.Fatalf("empty answer was accepted")
	}
}

func TestSetState_NotifiesOnceAndSwallowsRepeats(t *testing.T) {
	s := NewWebRTCSession(WebRTCConfig{IngestURL: "http://unused", Logger: discardLogger()})

	var seen []State
	s.OnStateChange(func(st State) { seen = append(seen, st) })

	s.setState(StateConnecting)
	s.setState(StateConnecting)
	s.setState(StateConnected)

	want := []State{StateConnecting, StateConnected}
	if len(seen) != len(want) {
		t.Fatalf("observer saw %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observer saw %v, want %v", seen, want)
		}
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %s", s.State())
	}
}

func TestMapPeerState(t *testing.T) {
	cases := []struct {
		in   webrtc.PeerConnectionState
		want State
	}{
		{webrtc.PeerConnectionStateNew, StateConnecting},
		{webrtc.PeerConnectionStateConnecting, StateConnecting},
		{webrtc.PeerConnectionStateConnected, StateConnected},
		{webrtc.PeerConnectionStateFailed, StateFailed},
		{webrtc.PeerConnectionStateDisconnected, StateDisconnected},
		{webrtc.PeerConnectionStateClosed, StateDisconnected},
	}
	for _, tc := range cases {
		if got := mapPeerState(tc.in); got != tc.want {
			t.Fatalf("mapPeerState(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
