// Package speech owns the duplex connection to the remote realtime speech
// service. Two implementations share the Client contract: ManagedClient sits
// on the typed realtime client and covers plain and agent sessions;
// WireClient speaks raw protocol frames and adds the avatar SDP exchange.
package speech

import (
	"context"
	"errors"
	"time"

	"github.com/mzanin/voxbridge/internal/realtime"
	"github.com/mzanin/voxbridge/internal/session"
)

var (
	// ErrNotConnected is returned by send operations before Connect or
	// after Close. Callers treat it as transient (log and continue).
	ErrNotConnected = errors.New("speech: not connected")
	// ErrAlreadyConnected guards against double Connect; the event stream
	// is not restartable, a fresh client is required after closure.
	ErrAlreadyConnected = errors.New("speech: already connected")
)

// ConnectError wraps transport or credential failures during Connect.
// It is fatal to the session.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "speech: connect: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// Client is the remote-session contract shared by both implementations.
//
// Events returns a lazy, order-preserving, single-consumer stream that stays
// open until the connection closes; it is not restartable. All send methods
// return ErrNotConnected when no connection is up.
type Client interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	SendAudio(ctx context.Context, pcm []byte) error
	SendText(ctx context.Context, text string) error
	UpdateConfiguration(ctx context.Context, opts ConnectOptions) error
	SubmitToolOutput(ctx context.Context, callID, output string) error
	// RequestResponse asks the model to speak now; instructions override the
	// session instructions for that single response (used for greetings).
	RequestResponse(ctx context.Context, instructions string) error
	Events() <-chan ServerEvent
	Close() error
}

// Config carries the transport settings shared by both client variants.
type Config struct {
	Endpoint   string
	Deployment string
	APIVersion string

	// Credential precedence: a token provider (managed identity) beats a
	// static bearer token, which beats the static API key.
	APIKey        string
	BearerToken   string
	TokenProvider realtime.TokenProvider
	ClientID      string

	DialTimeout time.Duration
	Logger      func(event string, fields map[string]any)
}

// Credential resolves the configured credential sources into the one Dial
// should use.
func (c Config) Credential() (realtime.Credential, error) {
	if c.TokenProvider != nil {
		return c.TokenProvider, nil
	}
	if c.BearerToken != "" {
		return realtime.Bearer(c.BearerToken), nil
	}
	if c.APIKey != "" {
		return realtime.APIKey(c.APIKey), nil
	}
	return nil, errors.New("speech: no credential configured")
}

// ConnectOptions are the per-session parameters sent in the initial (and any
// subsequent) session configuration frame.
type ConnectOptions struct {
	Kind         session.Kind
	Model        string
	Voice        string
	Locale       string
	Instructions string

	AgentID      string
	AgentProject string

	AvatarCharacter string
	AvatarStyle     string

	Tools []realtime.ToolDefinition
}

// Fixed audio policy. Avatar and agent sessions tolerate longer silence
// before a turn is cut; the asymmetry is intentional.
const (
	vadThresholdStandard     = 0.3
	vadPrefixPaddingStandard = 200
	vadSilenceWindowStandard = 300
	vadThresholdRelaxed      = 0.5
	vadPrefixPaddingRelaxed  = 300
	vadSilenceWindowRelaxed  = 500
	inputTranscriptionModel  = "whisper-1"
	echoCancellationKind     = "server_echo_cancellation"
	noiseReductionKind       = "azure_deep_noise_suppression"
)

// TurnDetectionFor returns the fixed VAD policy for a session kind.
func TurnDetectionFor(kind session.Kind) *realtime.TurnDetection {
	td := &realtime.TurnDetection{
		Type:              "server_vad",
		Threshold:         vadThresholdStandard,
		PrefixPaddingMS:   vadPrefixPaddingStandard,
		SilenceDurationMS: vadSilenceWindowStandard,
		CreateResponse:    true,
	}
	if kind == session.KindAvatar || kind == session.KindAgent {
		td.Threshold = vadThresholdRelaxed
		td.PrefixPaddingMS = vadPrefixPaddingRelaxed
		td.SilenceDurationMS = vadSilenceWindowRelaxed
	}
	return td
}

// sessionPayload builds the session.update body for the given options.
func sessionPayload(opts ConnectOptions) realtime.Session {
	s := realtime.Session{
		Modalities:        []string{"text", "audio"},
		InputAudioFormat:  realtime.Ptr("pcm16"),
		OutputAudioFormat: realtime.Ptr("pcm16"),
		InputAudioTranscription: &realtime.AudioTranscription{
			Model:    inputTranscriptionModel,
			Language: opts.Locale,
		},
		TurnDetection:    TurnDetectionFor(opts.Kind),
		EchoCancellation: &realtime.AudioEnhancement{Type: echoCancellationKind},
		NoiseReduction:   &realtime.AudioEnhancement{Type: noiseReductionKind},
		Tools:            opts.Tools,
	}
	if len(opts.Tools) > 0 {
		s.ToolChoice = realtime.Ptr("auto")
	}
	if opts.Voice != "" {
		s.Voice = &realtime.Voice{Name: opts.Voice, Type: "azure-standard"}
	}
	if opts.Instructions != "" {
		s.Instructions = realtime.Ptr(opts.Instructions)
	}
	if opts.Kind == session.KindAgent && opts.AgentID != "" {
		s.Agent = &realtime.AgentConfig{
			Type:      "foundry_agent",
			Name:      opts.AgentID,
			ProjectID: opts.AgentProject,
		}
		// Hosted agents own their instructions and tools.
		s.Instructions = nil
		s.Tools = nil
		s.ToolChoice = nil
	}
	if opts.Kind == session.KindAvatar && opts.AvatarCharacter != "" {
		s.Avatar = &realtime.AvatarConfig{
			Character: opts.AvatarCharacter,
			Style:     opts.AvatarStyle,
			Video:     &realtime.VideoParams{Codec: "h264"},
		}
	}
	return s
}
