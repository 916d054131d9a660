package realtime

// Session is the client-side session.update payload. Pointer fields are
// omitted when nil so partial updates do not clobber server defaults.
type Session struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Instructions            *string             `json:"instructions,omitempty"`
	Voice                   *Voice              `json:"voice,omitempty"`
	InputAudioFormat        *string             `json:"input_audio_format,omitempty"`
	OutputAudioFormat       *string             `json:"output_audio_format,omitempty"`
	InputAudioTranscription *AudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
	EchoCancellation        *AudioEnhancement   `json:"input_audio_echo_cancellation,omitempty"`
	NoiseReduction          *AudioEnhancement   `json:"input_audio_noise_reduction,omitempty"`
	Tools                   []ToolDefinition    `json:"tools,omitempty"`
	ToolChoice              *string             `json:"tool_choice,omitempty"`
	Avatar                  *AvatarConfig       `json:"avatar,omitempty"`
	Agent                   *AgentConfig        `json:"agent,omitempty"`
}

// Voice selects the synthesis voice. Azure-style voices need the name/type
// object form; the plain OpenAI form would be a bare string.
type Voice struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type AudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// TurnDetection carries the server-side VAD policy. The gateway always sends
// fixed constants here; thresholds are not negotiated with clients.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response,omitempty"`
}

type AudioEnhancement struct {
	Type string `json:"type"`
}

// ToolDefinition advertises a callable function to the model.
type ToolDefinition struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// AvatarConfig selects the talking-head character for avatar sessions.
type AvatarConfig struct {
	Character  string       `json:"character"`
	Style      string       `json:"style,omitempty"`
	Customized bool         `json:"customized,omitempty"`
	Video      *VideoParams `json:"video,omitempty"`
}

type VideoParams struct {
	Codec   string `json:"codec,omitempty"`
	Bitrate int    `json:"bitrate,omitempty"`
}

// AgentConfig binds the session to a hosted agent instead of a plain model.
type AgentConfig struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	ProjectID string `json:"project_name,omitempty"`
	Thread    string `json:"thread_id,omitempty"`
}

// Ptr is a small helper for optional session fields.
func Ptr[T any](v T) *T { return &v }
