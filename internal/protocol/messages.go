package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies websocket payload variants exchanged with clients.
// Field names follow the browser/telephony client contract (PascalCase),
// which predates this service.
type Kind string

const (
	KindConfig        Kind = "Config"
	KindMessage       Kind = "Message"
	KindAvatarConnect Kind = "AvatarConnect"
	KindAudioData     Kind = "AudioData"
	KindTranscription Kind = "Transcription"
	KindStopAudio     Kind = "StopAudio"
	KindSessionEvent  Kind = "SessionEvent"
	KindSdpAnswer     Kind = "SdpAnswer"
	KindError         Kind = "Error"
)

var ErrUnsupportedKind = errors.New("unsupported message kind")

type Envelope struct {
	Kind Kind `json:"Kind"`
}

// SessionConfig carries the client's initial (or replacement) session
// parameters. Every field is optional; the gateway falls back to configured
// defaults, which is the expected path for inbound telephony calls.
type SessionConfig struct {
	Kind            Kind   `json:"Kind"`
	Model           string `json:"Model,omitempty"`
	Voice           string `json:"Voice,omitempty"`
	Locale          string `json:"Locale,omitempty"`
	WelcomeMessage  string `json:"WelcomeMessage,omitempty"`
	Instructions    string `json:"Instructions,omitempty"`
	AgentID         string `json:"AgentId,omitempty"`
	AgentProject    string `json:"AgentProject,omitempty"`
	AvatarCharacter string `json:"AvatarCharacter,omitempty"`
	AvatarStyle     string `json:"AvatarStyle,omitempty"`
}

// TextMessage is a typed user utterance sent instead of audio.
type TextMessage struct {
	Kind Kind   `json:"Kind"`
	Text string `json:"Text"`
}

// AvatarConnect carries the client's SDP offer over the websocket.
type AvatarConnect struct {
	Kind Kind   `json:"Kind"`
	Sdp  string `json:"Sdp"`
}

// TelephonyAudio is the JSON-enveloped audio frame used by telephony
// endpoints: base64 PCM plus a silence flag set by the upstream media relay.
type TelephonyAudio struct {
	Kind      Kind   `json:"Kind"`
	AudioData string `json:"AudioData"`
	Silent    bool   `json:"Silent"`
}

// BinaryAudio wraps a raw PCM frame read from a browser socket. It never
// appears as JSON; the transport layer constructs it after classifying the
// websocket frame type.
type BinaryAudio struct {
	Data []byte
}

type AudioData struct {
	Kind      Kind   `json:"Kind"`
	AudioData string `json:"AudioData"`
}

type Transcription struct {
	Kind  Kind   `json:"Kind"`
	Role  string `json:"Role"`
	Text  string `json:"Text"`
	Final bool   `json:"Final"`
}

type StopAudio struct {
	Kind Kind `json:"Kind"`
}

// SessionEvent is the trace frame forwarded for observable server-side
// lifecycle events. High-frequency variants (audio deltas, transcript deltas)
// are never routed through this frame.
type SessionEvent struct {
	Kind    Kind            `json:"Kind"`
	Event   string          `json:"Event"`
	Payload json.RawMessage `json:"Payload,omitempty"`
}

type SdpAnswer struct {
	Kind Kind   `json:"Kind"`
	Sdp  string `json:"Sdp"`
}

type ErrorFrame struct {
	Kind      Kind   `json:"Kind"`
	Code      string `json:"Code"`
	Message   string `json:"Message"`
	Retryable bool   `json:"Retryable"`
}

// ParseClientMessage decodes one JSON text frame from a client socket.
// Binary frames never reach this function.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Kind {
	case KindConfig:
		var msg SessionConfig
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case KindMessage:
		var msg TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid Message: empty Text")
		}
		return msg, nil
	case KindAvatarConnect:
		var msg AvatarConnect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Sdp) == "" {
			return nil, errors.New("invalid AvatarConnect: empty Sdp")
		}
		return msg, nil
	case KindAudioData:
		var msg TelephonyAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if !msg.Silent && msg.AudioData == "" {
			return nil, errors.New("invalid AudioData: empty payload")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedKind
	}
}
