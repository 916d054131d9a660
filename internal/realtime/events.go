package realtime

import "encoding/json"

// envelope is used for the first JSON pass to pick the event type before
// unmarshaling into the specific struct.
type envelope struct {
	Type string `json:"type"`
}

// ErrorEvent is reported by the service for both transport-level problems
// (credentials, rate limits) and conversation-level ones (bad requests).
type ErrorEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Error   struct {
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// SessionCreated is sent once per connection when the remote session is
// established. The session id it carries is the only identity the service
// assigns to the conversation.
type SessionCreated struct {
	Type    string      `json:"type"`
	EventID string      `json:"event_id"`
	Session SessionInfo `json:"session"`
}

// SessionUpdated follows a session.update request.
type SessionUpdated struct {
	Type    string      `json:"type"`
	EventID string      `json:"event_id,omitempty"`
	Session SessionInfo `json:"session"`
}

// SessionInfo is the subset of the server-side session state the gateway
// reads. Avatar-capable deployments attach ICE server descriptors here.
type SessionInfo struct {
	ID         string          `json:"id"`
	Model      string          `json:"model,omitempty"`
	Voice      json.RawMessage `json:"voice,omitempty"`
	Modalities []string        `json:"modalities,omitempty"`
	Avatar     *AvatarInfo     `json:"avatar,omitempty"`
}

type AvatarInfo struct {
	IceServers []IceServer `json:"ice_servers,omitempty"`
}

// IceServer mirrors the STUN/TURN descriptor the service announces. It is
// forwarded to clients verbatim.
type IceServer struct {
	Urls       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// InputAudioSpeechStarted signals server-side VAD detected the user talking.
type InputAudioSpeechStarted struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id"`
	AudioStartMS int64  `json:"audio_start_ms"`
	ItemID       string `json:"item_id,omitempty"`
}

// InputAudioSpeechStopped signals the end of the user's turn.
type InputAudioSpeechStopped struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	AudioEndMS int64  `json:"audio_end_ms"`
	ItemID     string `json:"item_id,omitempty"`
}

// InputTranscriptionCompleted carries the finished user transcript.
type InputTranscriptionCompleted struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

// ResponseAudioTranscriptDelta streams the assistant transcript.
type ResponseAudioTranscriptDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

// ResponseAudioTranscriptDone carries the complete assistant transcript.
type ResponseAudioTranscriptDone struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

// ResponseAudioDelta streams base64 PCM16 assistant audio.
type ResponseAudioDelta struct {
	Type        string `json:"type"`
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	DeltaBase64 string `json:"delta"`
}

// ResponseAudioDone marks the end of one audio response.
type ResponseAudioDone struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
}

// FunctionCallArgumentsDone is emitted once the model finished streaming a
// tool call's JSON arguments.
type FunctionCallArgumentsDone struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
}

// ResponseDone closes a response and reports token usage.
type ResponseDone struct {
	Type     string `json:"type"`
	EventID  string `json:"event_id"`
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Usage  *Usage `json:"usage,omitempty"`
	} `json:"response"`
}

type Usage struct {
	TotalTokens       int `json:"total_tokens"`
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	InputTokenDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_token_details"`
}

// AvatarConnecting answers a session.avatar.connect request with the remote
// SDP (base64 of JSON {type,sdp}, or occasionally raw SDP text).
type AvatarConnecting struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id"`
	ServerSdp string `json:"server_sdp"`
}
