package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/mzanin/voxbridge/internal/realtime"
)

// WireClient implements Client directly on the wire protocol. It owns the
// frame encoding (auto-incrementing event ids) and exposes the raw avatar
// connect request the managed client cannot send.
type WireClient struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	events    chan ServerEvent
	closed    chan struct{}
	closeOnce sync.Once
	eventSeq  atomic.Int64
	writeMu   sync.Mutex
}

func NewWireClient(cfg Config) *WireClient {
	return &WireClient{cfg: cfg}
}

func (w *WireClient) Connect(ctx context.Context, opts ConnectOptions) error {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return ErrAlreadyConnected
	}
	w.mu.Unlock()

	cred, err := w.cfg.Credential()
	if err != nil {
		return &ConnectError{Err: err}
	}
	deployment := w.cfg.Deployment
	if opts.Model != "" {
		deployment = opts.Model
	}

	u, err := wireURL(w.cfg.Endpoint, deployment, w.cfg.APIVersion)
	if err != nil {
		return &ConnectError{Err: err}
	}

	headers := http.Header{}
	switch c := cred.(type) {
	case realtime.TokenProvider:
		token, err := c(ctx)
		if err != nil {
			return &ConnectError{Err: fmt.Errorf("acquire token: %w", err)}
		}
		headers.Set("Authorization", "Bearer "+token)
		if strings.TrimSpace(w.cfg.ClientID) != "" {
			headers.Set("x-ms-client-request-id", w.cfg.ClientID)
		}
	case realtime.Bearer:
		headers.Set("Authorization", "Bearer "+string(c))
	case realtime.APIKey:
		headers.Set("api-key", string(c))
	}

	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			return &ConnectError{Err: fmt.Errorf("dial %s: status %d: %w", u, resp.StatusCode, err)}
		}
		return &ConnectError{Err: fmt.Errorf("dial %s: %w", u, err)}
	}

	w.mu.Lock()
	w.conn = conn
	w.events = make(chan ServerEvent, 256)
	w.closed = make(chan struct{})
	events, closed := w.events, w.closed
	w.mu.Unlock()
	go w.readLoop(conn, events, closed)

	if err := w.writeFrame(ctx, map[string]any{
		"type":    "session.update",
		"session": sessionPayload(opts),
	}); err != nil {
		_ = w.Close()
		return &ConnectError{Err: err}
	}
	return nil
}

func wireURL(endpoint, deployment, apiVersion string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/openai/realtime"
	q := u.Query()
	if apiVersion != "" {
		q.Set("api-version", apiVersion)
	}
	if deployment != "" {
		q.Set("deployment", deployment)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *WireClient) writeFrame(ctx context.Context, payload map[string]any) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload["event_id"] = fmt.Sprintf("evt_%d", w.eventSeq.Add(1))

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	return conn.WriteJSON(payload)
}

func (w *WireClient) SendAudio(ctx context.Context, pcm []byte) error {
	return w.writeFrame(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (w *WireClient) SendText(ctx context.Context, text string) error {
	if err := w.writeFrame(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return w.writeFrame(ctx, map[string]any{"type": "response.create"})
}

func (w *WireClient) UpdateConfiguration(ctx context.Context, opts ConnectOptions) error {
	return w.writeFrame(ctx, map[string]any{
		"type":    "session.update",
		"session": sessionPayload(opts),
	})
}

func (w *WireClient) SubmitToolOutput(ctx context.Context, callID, output string) error {
	if err := w.writeFrame(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}); err != nil {
		return err
	}
	return w.writeFrame(ctx, map[string]any{"type": "response.create"})
}

func (w *WireClient) RequestResponse(ctx context.Context, instructions string) error {
	payload := map[string]any{"type": "response.create"}
	if strings.TrimSpace(instructions) != "" {
		payload["response"] = map[string]any{"instructions": instructions}
	}
	return w.writeFrame(ctx, payload)
}

// SendAvatarConnect relays the client's encoded SDP offer with the RTC
// configuration the remote avatar pipeline expects. Only the wire client can
// send this frame.
func (w *WireClient) SendAvatarConnect(ctx context.Context, encodedSdp string) error {
	return w.writeFrame(ctx, map[string]any{
		"type":       "session.avatar.connect",
		"client_sdp": encodedSdp,
		"rtc_configuration": map[string]any{
			"bundle_policy":        "max-bundle",
			"ice_transport_policy": "relay",
		},
	})
}

func (w *WireClient) Events() <-chan ServerEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

func (w *WireClient) Close() error {
	w.mu.Lock()
	conn := w.conn
	closed := w.closed
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	var retErr error
	w.closeOnce.Do(func() {
		close(closed)
		retErr = conn.Close()
	})
	return retErr
}

func (w *WireClient) readLoop(conn *websocket.Conn, events chan ServerEvent, closed chan struct{}) {
	defer func() {
		_ = w.Close()
		close(events)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, ev := range w.decodeFrame(data) {
			select {
			case events <- ev:
			case <-closed:
				return
			}
		}
	}
}

// decodeFrame maps one wire frame onto zero or more domain events. A
// session frame that carries ICE descriptors yields both the lifecycle event
// and an IceServersAnnounced.
func (w *WireClient) decodeFrame(data []byte) []ServerEvent {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		w.log("bad_frame", map[string]any{"error": err.Error()})
		return nil
	}

	switch env.Type {
	case "session.created":
		var e realtime.SessionCreated
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		out := []ServerEvent{SessionCreated{SessionID: e.Session.ID, Model: e.Session.Model}}
		if ice := iceServersOf(e.Session); len(ice) > 0 {
			out = append(out, IceServersAnnounced{Servers: ice})
		}
		return out
	case "session.updated":
		var e realtime.SessionUpdated
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		out := []ServerEvent{SessionUpdated{SessionID: e.Session.ID}}
		if ice := iceServersOf(e.Session); len(ice) > 0 {
			out = append(out, IceServersAnnounced{Servers: ice})
		}
		return out
	case "input_audio_buffer.speech_started":
		var e realtime.InputAudioSpeechStarted
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		return []ServerEvent{SpeechStarted{AudioStartMS: e.AudioStartMS}}
	case "input_audio_buffer.speech_stopped":
		var e realtime.InputAudioSpeechStopped
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		return []ServerEvent{SpeechStopped{AudioEndMS: e.AudioEndMS}}
	case "conversation.item.input_audio_transcription.completed":
		var e realtime.InputTranscriptionCompleted
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		return []ServerEvent{UserTranscript{Text: e.Transcript}}
	case "response.audio_transcript.delta":
		var e realtime.ResponseAudioTranscriptDelta
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		return []ServerEvent{AssistantTranscriptDelta{Text: e.Delta}}
	case "response.audio_transcript.done":
		var e realtime.ResponseAudioTranscriptDone
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		return []ServerEvent{AssistantTranscriptDone{Text: e.Transcript}}
	case "response.audio.delta":
		var e realtime.ResponseAudioDelta
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		pcm, err := base64.StdEncoding.DecodeString(e.DeltaBase64)
		if err != nil || len(pcm) == 0 {
			return nil
		}
		return []ServerEvent{AudioDelta{Audio: pcm}}
	case "response.audio.done":
		return []ServerEvent{AudioDone{}}
	case "response.function_call_arguments.done":
		var e realtime.FunctionCallArgumentsDone
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		return []ServerEvent{ToolCallRequested{CallID: e.CallID, Name: e.Name, ArgsJSON: e.Arguments}}
	case "response.done":
		var e realtime.ResponseDone
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		done := ResponseDone{Status: e.Response.Status}
		if u := e.Response.Usage; u != nil {
			done.InputTokens = u.InputTokens
			done.OutputTokens = u.OutputTokens
			done.CachedTokens = u.InputTokenDetails.CachedTokens
			done.TotalTokens = u.TotalTokens
		}
		return []ServerEvent{done}
	case "session.avatar.connecting":
		var e realtime.AvatarConnecting
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		return []ServerEvent{AvatarConnecting{ServerSdp: e.ServerSdp}}
	case "error":
		var e realtime.ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		return []ServerEvent{ErrorEvent{Code: e.Error.Code, Message: e.Error.Message}}
	default:
		// Unknown kinds are logged and skipped; one odd frame must not end
		// the session.
		w.log("unknown_event", map[string]any{"type": env.Type})
		return nil
	}
}

func iceServersOf(info realtime.SessionInfo) []webrtc.ICEServer {
	if info.Avatar == nil || len(info.Avatar.IceServers) == 0 {
		return nil
	}
	out := make([]webrtc.ICEServer, 0, len(info.Avatar.IceServers))
	for _, s := range info.Avatar.IceServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.Urls,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func (w *WireClient) log(event string, fields map[string]any) {
	if w.cfg.Logger != nil {
		w.cfg.Logger(event, fields)
	}
}
