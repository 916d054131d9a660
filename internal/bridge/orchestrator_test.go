package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mzanin/voxbridge/internal/avatar"
	"github.com/mzanin/voxbridge/internal/protocol"
	"github.com/mzanin/voxbridge/internal/session"
	"github.com/mzanin/voxbridge/internal/speech"
	"github.com/mzanin/voxbridge/internal/store"
	"github.com/mzanin/voxbridge/internal/tools"
)

type fakeClient struct {
	mu          sync.Mutex
	connectErr  error
	opts        speech.ConnectOptions
	events      chan speech.ServerEvent
	audio       [][]byte
	texts       []string
	toolOutputs map[string]string
	offers      []string
	closeOnce   sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		events:      make(chan speech.ServerEvent, 32),
		toolOutputs: make(map[string]string),
	}
}

func (f *fakeClient) Connect(_ context.Context, opts speech.ConnectOptions) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.opts = opts
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) SendAudio(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeClient) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeClient) UpdateConfiguration(context.Context, speech.ConnectOptions) error { return nil }

func (f *fakeClient) SubmitToolOutput(_ context.Context, callID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolOutputs[callID] = output
	return nil
}

func (f *fakeClient) RequestResponse(context.Context, string) error { return nil }

func (f *fakeClient) SendAvatarConnect(_ context.Context, encodedSdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, encodedSdp)
	return nil
}

func (f *fakeClient) Events() <-chan speech.ServerEvent { return f.events }

func (f *fakeClient) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeClient) push(ev speech.ServerEvent) { f.events <- ev }

func (f *fakeClient) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

type captureSink struct {
	mu      sync.Mutex
	records []store.SessionRecord
}

func (c *captureSink) Enqueue(record store.SessionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
}

func (c *captureSink) wait(t *testing.T) store.SessionRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.records) > 0 {
			record := c.records[0]
			c.mu.Unlock()
			return record
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no session record enqueued")
	return store.SessionRecord{}
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

type harness struct {
	orch     *Orchestrator
	sink     *captureSink
	registry *avatar.Registry
	clients  []*fakeClient
	mu       sync.Mutex
	inbound  chan any
	outbound chan any
}

func newHarness(t *testing.T, defaults Defaults) *harness {
	t.Helper()
	h := &harness{
		sink:     &captureSink{},
		registry: avatar.NewRegistry(),
		inbound:  make(chan any, 32),
		outbound: make(chan any, 64),
	}
	h.orch = NewOrchestrator(Options{
		Defaults:          defaults,
		ConfigWaitTimeout: 80 * time.Millisecond,
		SdpTimeout:        time.Second,
		DrainTimeout:      200 * time.Millisecond,
		NewClient: func(session.Kind) speech.Client {
			h.mu.Lock()
			defer h.mu.Unlock()
			c := newFakeClient()
			h.clients = append(h.clients, c)
			return c
		},
		Tools:   tools.NewGateway(tools.Config{Logger: log.New(io.Discard, "", 0)}),
		Avatars: h.registry,
		Sink:    h.sink,
		Logger:  log.New(io.Discard, "", 0),
	})
	return h
}

func (h *harness) run(ctx context.Context, kind session.Kind) <-chan error {
	errs := make(chan error, 1)
	go func() {
		errs <- h.orch.RunConnection(ctx, kind, h.inbound, h.outbound)
	}()
	return errs
}

func (h *harness) client(t *testing.T, i int) *fakeClient {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.clients) > i {
			c := h.clients[i]
			h.mu.Unlock()
			return c
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client %d was never created", i)
	return nil
}

func waitOpts(t *testing.T, c *fakeClient) speech.ConnectOptions {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		opts := c.opts
		c.mu.Unlock()
		if opts.Model != "" || opts.Voice != "" {
			return opts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client was never connected")
	return speech.ConnectOptions{}
}

func (h *harness) waitFrame(t *testing.T, match func(any) bool) any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-h.outbound:
			if match(frame) {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching frame")
			return nil
		}
	}
}

func TestLifecycleConfigAudioDisconnect(t *testing.T) {
	h := newHarness(t, Defaults{Model: "default-model", Voice: "default-voice"})
	h.inbound <- protocol.SessionConfig{Kind: protocol.KindConfig, Model: "gpt-4o", Voice: "en-US-AvaNeural"}

	errs := h.run(context.Background(), session.KindPlainModel)
	client := h.client(t, 0)

	for i := 0; i < 3; i++ {
		h.inbound <- protocol.BinaryAudio{Data: []byte{1, 2, 3}}
	}
	deadline := time.Now().Add(2 * time.Second)
	for client.audioCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if client.audioCount() != 3 {
		t.Fatalf("audio frames forwarded = %d, want 3", client.audioCount())
	}
	close(h.inbound)

	if err := <-errs; err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	record := h.sink.wait(t)
	if record.Status != string(session.StatusDisconnected) {
		t.Fatalf("status = %q, want disconnected after abrupt close", record.Status)
	}
	if record.Model != "gpt-4o" || record.Voice != "en-US-AvaNeural" {
		t.Fatalf("record = %+v", record)
	}
	if h.sink.count() != 1 {
		t.Fatalf("records = %d, want exactly one", h.sink.count())
	}
}

func TestConfigTimeoutProceedsWithDefaults(t *testing.T) {
	h := newHarness(t, Defaults{Model: "default-model", Voice: "default-voice", Locale: "en-US"})
	errs := h.run(context.Background(), session.KindPlainModel)

	client := h.client(t, 0)
	opts := waitOpts(t, client)
	if opts.Model != "default-model" || opts.Voice != "default-voice" {
		t.Fatalf("connect options = %+v, want defaults", opts)
	}

	close(h.inbound)
	<-errs
}

func TestSpeechStartedEmitsStopAudio(t *testing.T) {
	h := newHarness(t, Defaults{})
	h.inbound <- protocol.SessionConfig{Kind: protocol.KindConfig}
	errs := h.run(context.Background(), session.KindPlainModel)
	client := h.client(t, 0)

	client.push(speech.SpeechStarted{AudioStartMS: 10})
	client.push(speech.AudioDelta{Audio: []byte{9}})

	h.waitFrame(t, func(frame any) bool {
		_, ok := frame.(protocol.StopAudio)
		return ok
	})
	// The audio that follows must come after the stop signal.
	h.waitFrame(t, func(frame any) bool {
		_, ok := frame.(protocol.AudioData)
		return ok
	})

	close(h.inbound)
	<-errs
}

func TestSilentTelephonyAudioDropped(t *testing.T) {
	h := newHarness(t, Defaults{})
	errs := h.run(context.Background(), session.KindPlainModel)
	client := h.client(t, 0)

	h.inbound <- protocol.TelephonyAudio{Kind: protocol.KindAudioData, Silent: true}
	h.inbound <- protocol.TelephonyAudio{
		Kind:      protocol.KindAudioData,
		AudioData: base64.StdEncoding.EncodeToString([]byte{5, 6}),
	}

	deadline := time.Now().Add(2 * time.Second)
	for client.audioCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if client.audioCount() != 1 {
		t.Fatalf("audio frames forwarded = %d, want only the non-silent one", client.audioCount())
	}
	client.mu.Lock()
	got := client.audio[0]
	client.mu.Unlock()
	if len(got) != 2 || got[0] != 5 {
		t.Fatalf("forwarded audio = %v", got)
	}

	close(h.inbound)
	<-errs
}

func TestToolCallExecutedAndSubmitted(t *testing.T) {
	h := newHarness(t, Defaults{})
	h.inbound <- protocol.SessionConfig{Kind: protocol.KindConfig}
	errs := h.run(context.Background(), session.KindPlainModel)
	client := h.client(t, 0)

	client.push(speech.ToolCallRequested{CallID: "call_1", Name: "GetDateTime", ArgsJSON: "{}"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		out, ok := client.toolOutputs["call_1"]
		client.mu.Unlock()
		if ok {
			if !strings.Contains(out, "UTC") {
				t.Fatalf("tool output = %q", out)
			}
			close(h.inbound)
			<-errs
			record := h.sink.wait(t)
			if record.ToolCalls != 1 {
				t.Fatalf("ToolCalls = %d, want 1", record.ToolCalls)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("tool output was never submitted")
}

func TestFatalRemoteErrorFailsSession(t *testing.T) {
	h := newHarness(t, Defaults{})
	h.inbound <- protocol.SessionConfig{Kind: protocol.KindConfig}
	errs := h.run(context.Background(), session.KindPlainModel)
	client := h.client(t, 0)

	client.push(speech.ErrorEvent{Code: "invalid_api_key", Message: "bad key", Fatal: true})

	frame := h.waitFrame(t, func(frame any) bool {
		_, ok := frame.(protocol.ErrorFrame)
		return ok
	}).(protocol.ErrorFrame)
	if frame.Code != "invalid_api_key" || frame.Retryable {
		t.Fatalf("error frame = %+v", frame)
	}

	if err := <-errs; err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	record := h.sink.wait(t)
	if record.Status != string(session.StatusFailed) {
		t.Fatalf("status = %q, want failed", record.Status)
	}
}

func TestConnectFailurePropagates(t *testing.T) {
	h := newHarness(t, Defaults{})
	connectErr := errors.New("credentials rejected")
	h.orch.newClient = func(session.Kind) speech.Client {
		c := newFakeClient()
		c.connectErr = connectErr
		return c
	}

	h.inbound <- protocol.SessionConfig{Kind: protocol.KindConfig}
	errs := h.run(context.Background(), session.KindPlainModel)

	frame := h.waitFrame(t, func(frame any) bool {
		_, ok := frame.(protocol.ErrorFrame)
		return ok
	}).(protocol.ErrorFrame)
	if frame.Code != "connect_failed" {
		t.Fatalf("error frame = %+v", frame)
	}
	if err := <-errs; !errors.Is(err, connectErr) {
		t.Fatalf("RunConnection() error = %v", err)
	}
	record := h.sink.wait(t)
	if record.Status != string(session.StatusFailed) {
		t.Fatalf("status = %q", record.Status)
	}
}

func TestAvatarOfferRelay(t *testing.T) {
	h := newHarness(t, Defaults{AvatarCharacter: "lisa", AvatarStyle: "casual-sitting"})
	h.inbound <- protocol.SessionConfig{Kind: protocol.KindConfig}
	errs := h.run(context.Background(), session.KindAvatar)
	client := h.client(t, 0)

	established := h.waitFrame(t, func(frame any) bool {
		ev, ok := frame.(protocol.SessionEvent)
		return ok && ev.Event == "connection.established"
	}).(protocol.SessionEvent)
	if !strings.Contains(string(established.Payload), "ConnectionId") {
		t.Fatalf("established payload = %s", established.Payload)
	}

	const offer = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"
	h.inbound <- protocol.AvatarConnect{Kind: protocol.KindAvatarConnect, Sdp: offer}

	// Wait for the encoded offer to reach the remote, then answer it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		sent := len(client.offers)
		client.mu.Unlock()
		if sent > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	client.push(speech.AvatarConnecting{ServerSdp: offer})

	answer := h.waitFrame(t, func(frame any) bool {
		_, ok := frame.(protocol.SdpAnswer)
		return ok
	}).(protocol.SdpAnswer)
	if answer.Sdp != offer {
		t.Fatalf("answer sdp = %q", answer.Sdp)
	}

	close(h.inbound)
	<-errs
	if h.registry.ActiveCount() != 0 {
		t.Fatalf("registry not cleaned up: %d", h.registry.ActiveCount())
	}
}

func TestIceServersSurviveOutboundBackpressure(t *testing.T) {
	h := newHarness(t, Defaults{})

	// Unbuffered outbound so a client that is not reading exerts real
	// backpressure on the event loop.
	inbound := make(chan any, 4)
	outbound := make(chan any)
	inbound <- protocol.SessionConfig{Kind: protocol.KindConfig}
	errs := make(chan error, 1)
	go func() {
		errs <- h.orch.RunConnection(context.Background(), session.KindPlainModel, inbound, outbound)
	}()

established:
	for {
		select {
		case frame := <-outbound:
			if ev, ok := frame.(protocol.SessionEvent); ok && ev.Event == "connection.established" {
				break established
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("connection was never established")
		}
	}

	client := h.client(t, 0)
	client.push(speech.IceServersAnnounced{
		Servers: []webrtc.ICEServer{{URLs: []string{"turn:relay.invalid:3478"}}},
	})
	// Leave the socket unread for a moment; the frame must wait for us, not
	// be discarded.
	time.Sleep(50 * time.Millisecond)

	select {
	case frame := <-outbound:
		ev, ok := frame.(protocol.SessionEvent)
		if !ok || ev.Event != "avatar.ice_servers" {
			t.Fatalf("frame = %#v, want ice servers event", frame)
		}
		if !strings.Contains(string(ev.Payload), "turn:relay.invalid:3478") {
			t.Fatalf("payload = %s", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ice servers frame was never delivered")
	}

	close(inbound)
	<-errs
}

func TestMidSessionConfigReconnects(t *testing.T) {
	h := newHarness(t, Defaults{Model: "m1"})
	h.inbound <- protocol.SessionConfig{Kind: protocol.KindConfig, Model: "m1"}
	errs := h.run(context.Background(), session.KindPlainModel)
	h.client(t, 0)

	h.inbound <- protocol.SessionConfig{Kind: protocol.KindConfig, Model: "m2", Voice: "v2"}
	second := h.client(t, 1)
	opts := waitOpts(t, second)
	if opts.Model != "m2" || opts.Voice != "v2" {
		t.Fatalf("reconnect options = %+v", opts)
	}

	close(h.inbound)
	<-errs
	record := h.sink.wait(t)
	if record.Reconnects != 1 {
		t.Fatalf("Reconnects = %d, want 1", record.Reconnects)
	}
	if record.Model != "m2" {
		t.Fatalf("Model = %q, want the reconnected value", record.Model)
	}
}

func TestTranscriptsForwardedAndRecorded(t *testing.T) {
	h := newHarness(t, Defaults{})
	h.inbound <- protocol.SessionConfig{Kind: protocol.KindConfig}
	errs := h.run(context.Background(), session.KindPlainModel)
	client := h.client(t, 0)

	client.push(speech.UserTranscript{Text: "hello there"})
	client.push(speech.AssistantTranscriptDelta{Text: "hi"})
	client.push(speech.AssistantTranscriptDone{Text: "hi, how can I help?"})

	user := h.waitFrame(t, func(frame any) bool {
		tr, ok := frame.(protocol.Transcription)
		return ok && tr.Role == "user"
	}).(protocol.Transcription)
	if !user.Final || user.Text != "hello there" {
		t.Fatalf("user transcription = %+v", user)
	}
	final := h.waitFrame(t, func(frame any) bool {
		tr, ok := frame.(protocol.Transcription)
		return ok && tr.Role == "assistant" && tr.Final
	}).(protocol.Transcription)
	if final.Text != "hi, how can I help?" {
		t.Fatalf("assistant transcription = %+v", final)
	}

	close(h.inbound)
	<-errs
	record := h.sink.wait(t)
	if len(record.Transcript) != 2 {
		t.Fatalf("transcript entries = %d, want committed turns only", len(record.Transcript))
	}
}

func TestUsageAccumulates(t *testing.T) {
	h := newHarness(t, Defaults{})
	h.inbound <- protocol.SessionConfig{Kind: protocol.KindConfig}
	errs := h.run(context.Background(), session.KindPlainModel)
	client := h.client(t, 0)

	client.push(speech.ResponseDone{Status: "completed", InputTokens: 10, OutputTokens: 20, CachedTokens: 2, TotalTokens: 30})
	client.push(speech.ResponseDone{Status: "completed", InputTokens: 5, OutputTokens: 5, TotalTokens: 10})

	for i := 0; i < 2; i++ {
		h.waitFrame(t, func(frame any) bool {
			ev, ok := frame.(protocol.SessionEvent)
			return ok && ev.Event == "response.done"
		})
	}

	close(h.inbound)
	<-errs
	record := h.sink.wait(t)
	if record.InputTokens != 15 || record.OutputTokens != 25 || record.TotalTokens != 40 {
		t.Fatalf("usage = %+v", record)
	}
}
