package speech

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/mzanin/voxbridge/internal/realtime"
)

// ManagedClient implements Client on top of the typed realtime client. It
// has no raw protocol access, so it cannot drive the avatar SDP exchange;
// the orchestrator picks WireClient for avatar sessions.
type ManagedClient struct {
	cfg Config

	mu     sync.Mutex
	client *realtime.Client
	events chan ServerEvent
	opts   ConnectOptions
}

func NewManagedClient(cfg Config) *ManagedClient {
	return &ManagedClient{cfg: cfg}
}

func (m *ManagedClient) Connect(ctx context.Context, opts ConnectOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return ErrAlreadyConnected
	}

	cred, err := m.cfg.Credential()
	if err != nil {
		return &ConnectError{Err: err}
	}
	deployment := m.cfg.Deployment
	if opts.Model != "" {
		deployment = opts.Model
	}
	client, err := realtime.Dial(ctx, realtime.Config{
		ResourceEndpoint: m.cfg.Endpoint,
		Deployment:       deployment,
		APIVersion:       m.cfg.APIVersion,
		Credential:       cred,
		ClientID:         m.cfg.ClientID,
		DialTimeout:      m.cfg.DialTimeout,
		Logger:           m.cfg.Logger,
	})
	if err != nil {
		return &ConnectError{Err: err}
	}

	events := make(chan ServerEvent, 256)
	m.register(client, events)
	// Handlers are attached; the service may already have queued
	// session.created, so only now let the read loop run.
	client.Start()

	if err := client.SessionUpdate(ctx, sessionPayload(opts)); err != nil {
		_ = client.Close()
		return &ConnectError{Err: err}
	}

	m.client = client
	m.events = events
	m.opts = opts
	return nil
}

// register wires realtime callbacks into the ordered event stream. Callbacks
// run on the client's single reader goroutine, so blocking sends preserve
// server order; Done unblocks them when the connection dies.
func (m *ManagedClient) register(client *realtime.Client, events chan ServerEvent) {
	emit := func(ev ServerEvent) {
		select {
		case events <- ev:
		case <-client.Closing():
		}
	}

	client.OnSessionCreated(func(e realtime.SessionCreated) {
		emit(SessionCreated{SessionID: e.Session.ID, Model: e.Session.Model})
	})
	client.OnSessionUpdated(func(e realtime.SessionUpdated) {
		emit(SessionUpdated{SessionID: e.Session.ID})
	})
	client.OnSpeechStarted(func(e realtime.InputAudioSpeechStarted) {
		emit(SpeechStarted{AudioStartMS: e.AudioStartMS})
	})
	client.OnSpeechStopped(func(e realtime.InputAudioSpeechStopped) {
		emit(SpeechStopped{AudioEndMS: e.AudioEndMS})
	})
	client.OnInputTranscriptionCompleted(func(e realtime.InputTranscriptionCompleted) {
		emit(UserTranscript{Text: e.Transcript})
	})
	client.OnResponseAudioTranscriptDelta(func(e realtime.ResponseAudioTranscriptDelta) {
		emit(AssistantTranscriptDelta{Text: e.Delta})
	})
	client.OnResponseAudioTranscriptDone(func(e realtime.ResponseAudioTranscriptDone) {
		emit(AssistantTranscriptDone{Text: e.Transcript})
	})
	client.OnResponseAudioDelta(func(e realtime.ResponseAudioDelta) {
		pcm, err := base64.StdEncoding.DecodeString(e.DeltaBase64)
		if err != nil || len(pcm) == 0 {
			return
		}
		emit(AudioDelta{Audio: pcm})
	})
	client.OnResponseAudioDone(func(realtime.ResponseAudioDone) {
		emit(AudioDone{})
	})
	client.OnFunctionCallArgumentsDone(func(e realtime.FunctionCallArgumentsDone) {
		emit(ToolCallRequested{CallID: e.CallID, Name: e.Name, ArgsJSON: e.Arguments})
	})
	client.OnResponseDone(func(e realtime.ResponseDone) {
		done := ResponseDone{Status: e.Response.Status}
		if u := e.Response.Usage; u != nil {
			done.InputTokens = u.InputTokens
			done.OutputTokens = u.OutputTokens
			done.CachedTokens = u.InputTokenDetails.CachedTokens
			done.TotalTokens = u.TotalTokens
		}
		emit(done)
	})
	client.OnError(func(e realtime.ErrorEvent) {
		emit(ErrorEvent{Code: e.Error.Code, Message: e.Error.Message})
	})

	go func() {
		<-client.Done()
		close(events)
	}()
}

func (m *ManagedClient) connected() (*realtime.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

func (m *ManagedClient) SendAudio(ctx context.Context, pcm []byte) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	return client.AppendAudio(ctx, pcm)
}

func (m *ManagedClient) SendText(ctx context.Context, text string) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	if err := client.CreateUserMessage(ctx, text); err != nil {
		return err
	}
	return client.CreateResponse(ctx, "")
}

func (m *ManagedClient) UpdateConfiguration(ctx context.Context, opts ConnectOptions) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.opts = opts
	m.mu.Unlock()
	return client.SessionUpdate(ctx, sessionPayload(opts))
}

func (m *ManagedClient) SubmitToolOutput(ctx context.Context, callID, output string) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	if err := client.SubmitToolOutput(ctx, callID, output); err != nil {
		return err
	}
	return client.CreateResponse(ctx, "")
}

func (m *ManagedClient) RequestResponse(ctx context.Context, instructions string) error {
	client, err := m.connected()
	if err != nil {
		return err
	}
	return client.CreateResponse(ctx, instructions)
}

func (m *ManagedClient) Events() <-chan ServerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func (m *ManagedClient) Close() error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
