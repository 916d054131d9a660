package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mzanin/voxbridge/internal/avatar"
	"github.com/mzanin/voxbridge/internal/config"
	"github.com/mzanin/voxbridge/internal/observability"
	"github.com/mzanin/voxbridge/internal/protocol"
	"github.com/mzanin/voxbridge/internal/session"
)

// scriptedOrchestrator records inbound frames and exposes the outbound channel
// so tests can push frames toward the client socket.
type scriptedOrchestrator struct {
	mu       sync.Mutex
	kind     session.Kind
	inbound  []any
	outbound chan<- any
	ready    chan struct{}
}

func newScriptedOrchestrator() *scriptedOrchestrator {
	return &scriptedOrchestrator{ready: make(chan struct{})}
}

func (f *scriptedOrchestrator) RunConnection(ctx context.Context, kind session.Kind, inbound <-chan any, outbound chan<- any) error {
	f.mu.Lock()
	f.kind = kind
	f.outbound = outbound
	f.mu.Unlock()
	close(f.ready)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			f.mu.Lock()
			f.inbound = append(f.inbound, msg)
			f.mu.Unlock()
		}
	}
}

func (f *scriptedOrchestrator) push(t *testing.T, frame any) {
	t.Helper()
	select {
	case <-f.ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("orchestrator was never started")
	}
	f.mu.Lock()
	out := f.outbound
	f.mu.Unlock()
	out <- frame
}

func (f *scriptedOrchestrator) waitInbound(t *testing.T, count int) []any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.inbound) >= count {
			got := append([]any(nil), f.inbound...)
			f.mu.Unlock()
			return got
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("inbound frames = %d, want at least %d", len(f.inbound), count)
	return nil
}

func newTestServer(t *testing.T, orch Orchestrator, registry *avatar.Registry) *httptest.Server {
	t.Helper()
	if registry == nil {
		registry = avatar.NewRegistry()
	}
	srv := New(config.Config{AllowAnyOrigin: true}, orch, registry, nil, observability.NewMilestoneWindow(16))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t, newScriptedOrchestrator(), nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestBrowserSocketBinaryAudioBothWays(t *testing.T) {
	orch := newScriptedOrchestrator()
	ts := newTestServer(t, orch, nil)
	conn := dial(t, ts, "/ws/voice")

	pcm := []byte{1, 2, 3, 4}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	frames := orch.waitInbound(t, 1)
	audio, ok := frames[0].(protocol.BinaryAudio)
	if !ok || !bytes.Equal(audio.Data, pcm) {
		t.Fatalf("inbound frame = %#v", frames[0])
	}

	// Assistant audio goes back to browsers as a raw binary frame.
	orch.push(t, protocol.AudioData{
		Kind:      protocol.KindAudioData,
		AudioData: base64.StdEncoding.EncodeToString([]byte{9, 8, 7}),
	})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.BinaryMessage || !bytes.Equal(data, []byte{9, 8, 7}) {
		t.Fatalf("got type=%d data=%v", msgType, data)
	}

	// Non-audio frames stay JSON on the same socket.
	orch.push(t, protocol.Transcription{Kind: protocol.KindTranscription, Role: "user", Text: "hi", Final: true})
	msgType, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("transcription frame type = %d", msgType)
	}
	var tr protocol.Transcription
	if err := json.Unmarshal(data, &tr); err != nil || tr.Text != "hi" {
		t.Fatalf("transcription = %s err = %v", data, err)
	}
}

func TestTelephonySocketJSONShape(t *testing.T) {
	orch := newScriptedOrchestrator()
	ts := newTestServer(t, orch, nil)
	conn := dial(t, ts, "/ws/telephony")

	// Binary frames are not part of the telephony shape and must be ignored.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	envelope := protocol.TelephonyAudio{
		Kind:      protocol.KindAudioData,
		AudioData: base64.StdEncoding.EncodeToString([]byte{5, 6}),
	}
	if err := conn.WriteJSON(envelope); err != nil {
		t.Fatalf("write json: %v", err)
	}

	frames := orch.waitInbound(t, 1)
	if _, ok := frames[0].(protocol.TelephonyAudio); !ok {
		t.Fatalf("inbound frame = %#v", frames[0])
	}

	// Assistant audio stays JSON-enveloped for telephony.
	orch.push(t, protocol.AudioData{Kind: protocol.KindAudioData, AudioData: "AQID"})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("audio frame type = %d, want text", msgType)
	}
	var audio protocol.AudioData
	if err := json.Unmarshal(data, &audio); err != nil || audio.AudioData != "AQID" {
		t.Fatalf("audio frame = %s err = %v", data, err)
	}
}

func TestAvatarSocketKind(t *testing.T) {
	orch := newScriptedOrchestrator()
	ts := newTestServer(t, orch, nil)
	_ = dial(t, ts, "/ws/avatar")

	select {
	case <-orch.ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("orchestrator was never started")
	}
	orch.mu.Lock()
	kind := orch.kind
	orch.mu.Unlock()
	if kind != session.KindAvatar {
		t.Fatalf("kind = %q, want avatar", kind)
	}
}

func TestInvalidClientMessageReportedNotFatal(t *testing.T) {
	orch := newScriptedOrchestrator()
	ts := newTestServer(t, orch, nil)
	conn := dial(t, ts, "/ws/voice")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"Kind":"Bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame protocol.ErrorFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Code != "invalid_client_message" {
		t.Fatalf("code = %q", frame.Code)
	}

	// The socket stays usable after a bad frame.
	if err := conn.WriteJSON(protocol.TextMessage{Kind: protocol.KindMessage, Text: "still here"}); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	frames := orch.waitInbound(t, 1)
	if msg, ok := frames[0].(protocol.TextMessage); !ok || msg.Text != "still here" {
		t.Fatalf("inbound frame = %#v", frames[0])
	}
}

type relaySender struct {
	mu     sync.Mutex
	offers []string
}

func (r *relaySender) SendAvatarConnect(_ context.Context, encodedSdp string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, encodedSdp)
	return nil
}

func TestAvatarOfferRelayRoundTrip(t *testing.T) {
	sender := &relaySender{}
	negotiator := avatar.NewNegotiator(sender, time.Second)
	registry := avatar.NewRegistry()
	registry.Register("conn-1", negotiator)
	ts := newTestServer(t, newScriptedOrchestrator(), registry)

	const sdp = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"

	// Answer as soon as the offer reaches the fake remote.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			sender.mu.Lock()
			sent := len(sender.offers)
			sender.mu.Unlock()
			if sent > 0 {
				negotiator.HandleConnecting(sdp)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	body, _ := json.Marshal(map[string]string{"ConnectionId": "conn-1", "Sdp": sdp})
	resp, err := http.Post(ts.URL+"/avatar/offer", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var answer struct{ Sdp string }
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if answer.Sdp != sdp {
		t.Fatalf("answer = %q", answer.Sdp)
	}
}

func TestAvatarOfferUnknownConnection(t *testing.T) {
	ts := newTestServer(t, newScriptedOrchestrator(), nil)

	body, _ := json.Marshal(map[string]string{"ConnectionId": "nope", "Sdp": "v=0\r\n"})
	resp, err := http.Post(ts.URL+"/avatar/offer", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestLatencyStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, newScriptedOrchestrator(), nil)

	resp, err := http.Get(ts.URL + "/v1/stats/latency")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
}
