// Package realtime is a typed websocket client for the cloud realtime speech
// service. It handles connection setup, credential headers, auto-incrementing
// event ids, and event dispatch to registered callbacks. Callers that need
// raw frame access (the avatar path) use the lower-level wire client in
// internal/speech instead.
package realtime

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
)

// Credential supplies authentication headers for the dial request.
// Precedence between credential sources is resolved by the caller; the
// client uses exactly the one it is given.
type Credential interface {
	apply(h http.Header)
}

// APIKey authenticates with a static service key.
type APIKey string

func (k APIKey) apply(h http.Header) { h.Set("api-key", string(k)) }

// Bearer authenticates with a pre-acquired OAuth token.
type Bearer string

func (b Bearer) apply(h http.Header) { h.Set("Authorization", "Bearer "+string(b)) }

// TokenProvider authenticates with a token fetched at dial time, typically a
// managed-identity credential.
type TokenProvider func(ctx context.Context) (string, error)

func (TokenProvider) apply(http.Header) {} // resolved in Dial, never applied directly

type Config struct {
	// ResourceEndpoint is the https:// endpoint of the speech resource.
	ResourceEndpoint string
	// Deployment selects the realtime model deployment.
	Deployment string
	APIVersion string
	Credential Credential
	// ClientID is attached when a user-assigned managed identity drives the
	// token provider.
	ClientID    string
	DialTimeout time.Duration
	// Logger receives structured connection-lifecycle events; nil disables it.
	Logger func(event string, fields map[string]any)
}

// Client is a connected realtime session. All Send* methods are safe for
// concurrent use; event callbacks are dispatched from a single reader
// goroutine in server order.
type Client struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	// closed is closed as soon as Close is called; exited once the read
	// loop has fully returned. Handlers block on closed, watchers that
	// must outlive the last callback block on exited.
	closed   chan struct{}
	exited   chan struct{}
	eventSeq atomic.Int64
	logger   func(event string, fields map[string]any)

	handlerMu sync.RWMutex
	handlers  handlers
}

type handlers struct {
	sessionCreated     func(SessionCreated)
	sessionUpdated     func(SessionUpdated)
	speechStarted      func(InputAudioSpeechStarted)
	speechStopped      func(InputAudioSpeechStopped)
	inputTranscription func(InputTranscriptionCompleted)
	transcriptDelta    func(ResponseAudioTranscriptDelta)
	transcriptDone     func(ResponseAudioTranscriptDone)
	audioDelta         func(ResponseAudioDelta)
	audioDone          func(ResponseAudioDone)
	functionCallDone   func(FunctionCallArgumentsDone)
	responseDone       func(ResponseDone)
	errorEvent         func(ErrorEvent)
	unknown            func(eventType string, raw []byte)
}

// Dial opens the websocket. The read loop is not running yet; attach handlers
// and then call Start, otherwise the session.created frame the service emits
// on its own could be dispatched before anyone listens.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ResourceEndpoint) == "" {
		return nil, fmt.Errorf("realtime: resource endpoint is required")
	}
	if cfg.Credential == nil {
		return nil, fmt.Errorf("realtime: credential is required")
	}

	u, err := websocketURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	switch cred := cfg.Credential.(type) {
	case TokenProvider:
		token, err := cred(ctx)
		if err != nil {
			return nil, fmt.Errorf("realtime: acquire token: %w", err)
		}
		Bearer(token).apply(headers)
		if strings.TrimSpace(cfg.ClientID) != "" {
			headers.Set("x-ms-client-request-id", cfg.ClientID)
		}
	default:
		cred.apply(headers)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial %s: status %d: %w", u, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", u, err)
	}

	c := &Client{
		conn:   conn,
		closed: make(chan struct{}),
		exited: make(chan struct{}),
		logger: cfg.Logger,
	}
	c.log("connected", map[string]any{"deployment": cfg.Deployment})
	return c, nil
}

// Start launches the read loop. Calling it more than once is a no-op.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

func websocketURL(cfg Config) (string, error) {
	u, err := url.Parse(strings.TrimRight(cfg.ResourceEndpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("realtime: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/openai/realtime"
	q := u.Query()
	if cfg.APIVersion != "" {
		q.Set("api-version", cfg.APIVersion)
	}
	if cfg.Deployment != "" {
		q.Set("deployment", cfg.Deployment)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Done is closed once the read loop has exited, whether by Close or a
// transport failure. No callback fires after Done.
func (c *Client) Done() <-chan struct{} { return c.exited }

// Closing is closed as soon as Close is requested. Event handlers that
// block (forwarding into channels) select on it to unwind promptly.
func (c *Client) Closing() <-chan struct{} { return c.closed }

func (c *Client) OnSessionCreated(fn func(SessionCreated)) { c.setHandler(func(h *handlers) { h.sessionCreated = fn }) }
func (c *Client) OnSessionUpdated(fn func(SessionUpdated)) { c.setHandler(func(h *handlers) { h.sessionUpdated = fn }) }
func (c *Client) OnSpeechStarted(fn func(InputAudioSpeechStarted)) {
	c.setHandler(func(h *handlers) { h.speechStarted = fn })
}
func (c *Client) OnSpeechStopped(fn func(InputAudioSpeechStopped)) {
	c.setHandler(func(h *handlers) { h.speechStopped = fn })
}
func (c *Client) OnInputTranscriptionCompleted(fn func(InputTranscriptionCompleted)) {
	c.setHandler(func(h *handlers) { h.inputTranscription = fn })
}
func (c *Client) OnResponseAudioTranscriptDelta(fn func(ResponseAudioTranscriptDelta)) {
	c.setHandler(func(h *handlers) { h.transcriptDelta = fn })
}
func (c *Client) OnResponseAudioTranscriptDone(fn func(ResponseAudioTranscriptDone)) {
	c.setHandler(func(h *handlers) { h.transcriptDone = fn })
}
func (c *Client) OnResponseAudioDelta(fn func(ResponseAudioDelta)) {
	c.setHandler(func(h *handlers) { h.audioDelta = fn })
}
func (c *Client) OnResponseAudioDone(fn func(ResponseAudioDone)) {
	c.setHandler(func(h *handlers) { h.audioDone = fn })
}
func (c *Client) OnFunctionCallArgumentsDone(fn func(FunctionCallArgumentsDone)) {
	c.setHandler(func(h *handlers) { h.functionCallDone = fn })
}
func (c *Client) OnResponseDone(fn func(ResponseDone)) { c.setHandler(func(h *handlers) { h.responseDone = fn }) }
func (c *Client) OnError(fn func(ErrorEvent))         { c.setHandler(func(h *handlers) { h.errorEvent = fn }) }

// OnUnknown receives events the client does not decode. They are ignored by
// default; this hook exists for counting and debugging.
func (c *Client) OnUnknown(fn func(eventType string, raw []byte)) {
	c.setHandler(func(h *handlers) { h.unknown = fn })
}

func (c *Client) setHandler(set func(*handlers)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	set(&c.handlers)
}

// SessionUpdate re-sends session parameters on the open connection.
func (c *Client) SessionUpdate(ctx context.Context, s Session) error {
	return c.send(ctx, map[string]any{
		"type":    "session.update",
		"session": s,
	})
}

// AppendAudio appends raw PCM to the remote input buffer.
func (c *Client) AppendAudio(ctx context.Context, pcm []byte) error {
	return c.send(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CreateUserMessage creates a typed user conversation item.
func (c *Client) CreateUserMessage(ctx context.Context, text string) error {
	return c.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// SubmitToolOutput feeds a tool result back to the model.
func (c *Client) SubmitToolOutput(ctx context.Context, callID, output string) error {
	return c.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// CreateResponse asks the model to respond now. Instructions override the
// session instructions for this single response (used for greetings).
func (c *Client) CreateResponse(ctx context.Context, instructions string) error {
	payload := map[string]any{"type": "response.create"}
	if strings.TrimSpace(instructions) != "" {
		payload["response"] = map[string]any{"instructions": instructions}
	}
	return c.send(ctx, payload)
}

func (c *Client) send(ctx context.Context, payload map[string]any) error {
	select {
	case <-c.closed:
		return fmt.Errorf("realtime: connection closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	payload["event_id"] = fmt.Sprintf("evt_%d", c.eventSeq.Add(1))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	return c.conn.WriteJSON(payload)
}

// Close is idempotent. It closes the transport, which unblocks the read loop.
func (c *Client) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.closed)
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *Client) readLoop() {
	defer func() {
		_ = c.Close()
		close(c.exited)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log("disconnected", map[string]any{"error": err.Error()})
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log("bad_frame", map[string]any{"error": err.Error()})
		return
	}

	c.handlerMu.RLock()
	h := c.handlers
	c.handlerMu.RUnlock()

	switch env.Type {
	case "session.created":
		var e SessionCreated
		if json.Unmarshal(data, &e) == nil && h.sessionCreated != nil {
			h.sessionCreated(e)
		}
	case "session.updated":
		var e SessionUpdated
		if json.Unmarshal(data, &e) == nil && h.sessionUpdated != nil {
			h.sessionUpdated(e)
		}
	case "input_audio_buffer.speech_started":
		var e InputAudioSpeechStarted
		if json.Unmarshal(data, &e) == nil && h.speechStarted != nil {
			h.speechStarted(e)
		}
	case "input_audio_buffer.speech_stopped":
		var e InputAudioSpeechStopped
		if json.Unmarshal(data, &e) == nil && h.speechStopped != nil {
			h.speechStopped(e)
		}
	case "conversation.item.input_audio_transcription.completed":
		var e InputTranscriptionCompleted
		if json.Unmarshal(data, &e) == nil && h.inputTranscription != nil {
			h.inputTranscription(e)
		}
	case "response.audio_transcript.delta":
		var e ResponseAudioTranscriptDelta
		if json.Unmarshal(data, &e) == nil && h.transcriptDelta != nil {
			h.transcriptDelta(e)
		}
	case "response.audio_transcript.done":
		var e ResponseAudioTranscriptDone
		if json.Unmarshal(data, &e) == nil && h.transcriptDone != nil {
			h.transcriptDone(e)
		}
	case "response.audio.delta":
		var e ResponseAudioDelta
		if json.Unmarshal(data, &e) == nil && h.audioDelta != nil {
			h.audioDelta(e)
		}
	case "response.audio.done":
		var e ResponseAudioDone
		if json.Unmarshal(data, &e) == nil && h.audioDone != nil {
			h.audioDone(e)
		}
	case "response.function_call_arguments.done":
		var e FunctionCallArgumentsDone
		if json.Unmarshal(data, &e) == nil && h.functionCallDone != nil {
			h.functionCallDone(e)
		}
	case "response.done":
		var e ResponseDone
		if json.Unmarshal(data, &e) == nil && h.responseDone != nil {
			h.responseDone(e)
		}
	case "error":
		var e ErrorEvent
		if json.Unmarshal(data, &e) == nil && h.errorEvent != nil {
			h.errorEvent(e)
		}
	default:
		if h.unknown != nil {
			h.unknown(env.Type, data)
		}
	}
}

func (c *Client) log(event string, fields map[string]any) {
	if c.logger != nil {
		c.logger(event, fields)
	}
}
