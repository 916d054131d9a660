package speech

import "github.com/pion/webrtc/v4"

// ServerEvent is the closed union of events a remote session can emit.
// Produced only by the speech clients, consumed only by the orchestrator;
// values are immutable once constructed. Consumers dispatch with a type
// switch over the concrete variants below.
type ServerEvent interface {
	isServerEvent()
}

// SessionCreated carries the remote-assigned session identity.
type SessionCreated struct {
	SessionID string
	Model     string
}

// SessionUpdated acknowledges a configuration update.
type SessionUpdated struct {
	SessionID string
}

// SpeechStarted signals server-side VAD picked up the user's voice.
type SpeechStarted struct {
	AudioStartMS int64
}

// SpeechStopped signals the end of the user's turn.
type SpeechStopped struct {
	AudioEndMS int64
}

// UserTranscript is the committed transcription of the user's turn.
type UserTranscript struct {
	Text string
}

// AssistantTranscriptDelta streams the assistant transcript.
type AssistantTranscriptDelta struct {
	Text string
}

// AssistantTranscriptDone carries the full assistant transcript.
type AssistantTranscriptDone struct {
	Text string
}

// AudioDelta carries decoded assistant PCM.
type AudioDelta struct {
	Audio []byte
}

// AudioDone marks the end of one assistant audio response.
type AudioDone struct{}

// ToolCallRequested asks the gateway to execute a function call and feed the
// result back.
type ToolCallRequested struct {
	CallID   string
	Name     string
	ArgsJSON string
}

// ResponseDone closes a model response and reports token usage.
type ResponseDone struct {
	Status       string
	InputTokens  int
	OutputTokens int
	CachedTokens int
	TotalTokens  int
}

// AvatarConnecting answers an avatar connect request with the server SDP.
type AvatarConnecting struct {
	ServerSdp string
}

// IceServersAnnounced forwards the STUN/TURN descriptors the service
// provisioned for the avatar's WebRTC channel.
type IceServersAnnounced struct {
	Servers []webrtc.ICEServer
}

// ErrorEvent reports a remote error. Fatal is set for transport-level
// failures that end the session.
type ErrorEvent struct {
	Code    string
	Message string
	Fatal   bool
}

func (SessionCreated) isServerEvent()           {}
func (SessionUpdated) isServerEvent()           {}
func (SpeechStarted) isServerEvent()            {}
func (SpeechStopped) isServerEvent()            {}
func (UserTranscript) isServerEvent()           {}
func (AssistantTranscriptDelta) isServerEvent() {}
func (AssistantTranscriptDone) isServerEvent()  {}
func (AudioDelta) isServerEvent()               {}
func (AudioDone) isServerEvent()                {}
func (ToolCallRequested) isServerEvent()        {}
func (ResponseDone) isServerEvent()             {}
func (AvatarConnecting) isServerEvent()         {}
func (IceServersAnnounced) isServerEvent()      {}
func (ErrorEvent) isServerEvent()               {}
