// Package bridge runs the per-connection state machine between a client
// transport and the remote speech service. One orchestrator invocation owns
// exactly one speech client at a time and is the only consumer of its event
// stream.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mzanin/voxbridge/internal/avatar"
	"github.com/mzanin/voxbridge/internal/observability"
	"github.com/mzanin/voxbridge/internal/policy"
	"github.com/mzanin/voxbridge/internal/protocol"
	"github.com/mzanin/voxbridge/internal/reliability"
	"github.com/mzanin/voxbridge/internal/session"
	"github.com/mzanin/voxbridge/internal/speech"
	"github.com/mzanin/voxbridge/internal/store"
	"github.com/mzanin/voxbridge/internal/tools"
)

const (
	defaultConfigWait   = 3 * time.Second
	defaultSdpTimeout   = 20 * time.Second
	defaultDrainTimeout = 2 * time.Second
	toolExecTimeout     = 30 * time.Second
	discoveryTimeout    = 5 * time.Second
)

var errInboundClosed = errors.New("client transport closed")

// SessionSink receives the finalized session record, fire-and-forget.
type SessionSink interface {
	Enqueue(record store.SessionRecord)
}

// ClientFactory builds a fresh speech client for a session kind. Avatar
// sessions need the wire variant; the factory is responsible for that choice.
type ClientFactory func(kind session.Kind) speech.Client

// Defaults fill configuration fields the client omitted, and stand in
// entirely for telephony connections that never send a config frame.
type Defaults struct {
	Model           string
	Voice           string
	Locale          string
	Instructions    string
	WelcomeMessage  string
	AvatarCharacter string
	AvatarStyle     string
}

type Options struct {
	Defaults          Defaults
	ConfigWaitTimeout time.Duration
	SdpTimeout        time.Duration
	DrainTimeout      time.Duration

	NewClient ClientFactory
	Tools     *tools.Gateway
	Avatars   *avatar.Registry
	Sink      SessionSink
	Metrics   *observability.Metrics
	Window    *observability.MilestoneWindow
	Logger    *log.Logger
}

type Orchestrator struct {
	defaults   Defaults
	configWait time.Duration
	sdpTimeout time.Duration
	drainWait  time.Duration

	newClient ClientFactory
	tools     *tools.Gateway
	avatars   *avatar.Registry
	sink      SessionSink
	metrics   *observability.Metrics
	window    *observability.MilestoneWindow
	log       *log.Logger
}

func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		defaults:   opts.Defaults,
		configWait: opts.ConfigWaitTimeout,
		sdpTimeout: opts.SdpTimeout,
		drainWait:  opts.DrainTimeout,
		newClient:  opts.NewClient,
		tools:      opts.Tools,
		avatars:    opts.Avatars,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		window:     opts.Window,
		log:        opts.Logger,
	}
	if o.configWait <= 0 {
		o.configWait = defaultConfigWait
	}
	if o.sdpTimeout <= 0 {
		o.sdpTimeout = defaultSdpTimeout
	}
	if o.drainWait <= 0 {
		o.drainWait = defaultDrainTimeout
	}
	if o.log == nil {
		o.log = log.Default()
	}
	return o
}

// RunConnection drives one client connection from accept to teardown.
// baseKind is fixed by the endpoint the client hit: avatar sockets stay
// avatar; plain sockets may upgrade to agent when the config names one.
func (o *Orchestrator) RunConnection(ctx context.Context, baseKind session.Kind, inbound <-chan any, outbound chan<- any) error {
	s := session.New(baseKind)
	logPrefix := "bridge[" + s.ConnectionID[:8] + "]"

	if o.metrics != nil {
		o.metrics.ActiveConnections.Inc()
		defer o.metrics.ActiveConnections.Dec()
	}

	send := func(msg any) bool {
		select {
		case outbound <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// Trace frames are droppable; a slow observer must not stall the
	// audio path.
	trace := func(event string, payload any) {
		frame := protocol.SessionEvent{Kind: protocol.KindSessionEvent, Event: event}
		if payload != nil {
			if raw, err := json.Marshal(payload); err == nil {
				frame.Payload = raw
			}
		}
		select {
		case outbound <- frame:
		default:
		}
	}
	sendError := func(code, message string, retryable bool) {
		send(protocol.ErrorFrame{
			Kind:      protocol.KindError,
			Code:      code,
			Message:   message,
			Retryable: retryable,
		})
	}

	finalize := func(status session.Status) {
		s.Finalize(status)
		if o.metrics != nil {
			o.metrics.SessionsFinished.WithLabelValues(string(s.Kind), string(s.Status)).Inc()
		}
		if o.sink != nil {
			o.sink.Enqueue(store.FromSession(s, policy.RedactText))
		}
	}

	// AwaitingInitialConfig: bounded wait for a config frame. Telephony
	// clients never send one; the timeout path proceeds on defaults.
	cfg, err := o.awaitConfig(ctx, inbound)
	if err != nil {
		finalize(session.StatusDisconnected)
		return nil
	}

	s.Kind = effectiveKind(baseKind, cfg)
	if o.metrics != nil {
		o.metrics.SessionsStarted.WithLabelValues(string(s.Kind)).Inc()
	}

	// Connecting.
	client, negotiator, err := o.connect(ctx, s, cfg)
	if err != nil {
		o.log.Printf("%s connect failed: %v", logPrefix, err)
		sendError("connect_failed", err.Error(), false)
		finalize(session.StatusFailed)
		return err
	}
	if negotiator != nil {
		o.avatars.Register(s.ConnectionID, negotiator)
		defer o.avatars.Remove(s.ConnectionID)
	}
	send(protocol.SessionEvent{
		Kind:    protocol.KindSessionEvent,
		Event:   "connection.established",
		Payload: mustJSON(map[string]string{"ConnectionId": s.ConnectionID}),
	})

	var (
		toolWG     sync.WaitGroup
		welcomed   bool
		sdpStarted time.Time
	)
	dispose := func(c speech.Client) {
		_ = c.Close()
		deadline := time.After(o.drainWait)
		for {
			select {
			case _, ok := <-c.Events():
				if !ok {
					return
				}
			case <-deadline:
				o.log.Printf("%s event drain timed out", logPrefix)
				return
			}
		}
	}
	defer func() {
		dispose(client)
		waitTimeout(&toolWG, o.drainWait)
	}()

	handleEvent := func(ev speech.ServerEvent) (fatal bool) {
		if o.metrics != nil {
			o.metrics.ServerEvents.WithLabelValues(fmt.Sprintf("%T", ev)).Inc()
		}
		switch ev := ev.(type) {
		case speech.SessionCreated:
			s.RemoteID = ev.SessionID
			s.Mark(session.MilestoneConnected)
			o.window.Observe(session.MilestoneConnected, time.Since(s.StartedAt))
			trace("session.created", map[string]string{"SessionId": ev.SessionID, "Model": ev.Model})
			if welcome := o.welcomeFor(cfg); welcome != "" && !welcomed {
				welcomed = true
				if err := client.RequestResponse(ctx, "Greet the user with: "+welcome); err != nil {
					o.log.Printf("%s welcome greeting failed: %v", logPrefix, err)
				}
			}
		case speech.SessionUpdated:
			trace("session.updated", nil)
		case speech.SpeechStarted:
			s.Mark(session.MilestoneInputStarted)
			o.window.ObserveIndicator("stop_audio")
			send(protocol.StopAudio{Kind: protocol.KindStopAudio})
			trace("speech.started", nil)
		case speech.SpeechStopped:
			trace("speech.stopped", nil)
		case speech.UserTranscript:
			s.AppendUtterance("user", ev.Text)
			send(protocol.Transcription{Kind: protocol.KindTranscription, Role: "user", Text: ev.Text, Final: true})
		case speech.AssistantTranscriptDelta:
			send(protocol.Transcription{Kind: protocol.KindTranscription, Role: "assistant", Text: ev.Text})
		case speech.AssistantTranscriptDone:
			s.AppendUtterance("assistant", ev.Text)
			send(protocol.Transcription{Kind: protocol.KindTranscription, Role: "assistant", Text: ev.Text, Final: true})
		case speech.AudioDelta:
			if _, seen := s.Milestones[session.MilestoneFirstAudio]; !seen {
				s.Mark(session.MilestoneFirstAudio)
				latency := time.Since(s.StartedAt)
				o.window.Observe(session.MilestoneFirstAudio, latency)
				if o.metrics != nil {
					o.metrics.ObserveFirstAudioLatency(latency)
				}
			}
			send(protocol.AudioData{
				Kind:      protocol.KindAudioData,
				AudioData: base64.StdEncoding.EncodeToString(ev.Audio),
			})
		case speech.AudioDone:
			trace("response.audio.done", nil)
		case speech.ToolCallRequested:
			s.ToolCalls++
			if o.metrics != nil {
				o.metrics.ToolExecutions.WithLabelValues(ev.Name).Inc()
			}
			target := client
			toolWG.Add(1)
			go func(call speech.ToolCallRequested) {
				defer toolWG.Done()
				execCtx, cancel := context.WithTimeout(ctx, toolExecTimeout)
				defer cancel()
				result := o.tools.Execute(execCtx, call.Name, call.ArgsJSON)
				if err := target.SubmitToolOutput(execCtx, call.CallID, result); err != nil {
					o.log.Printf("%s tool output submit failed: %v", logPrefix, err)
				}
			}(ev)
		case speech.ResponseDone:
			s.AddUsage(ev.InputTokens, ev.OutputTokens, ev.CachedTokens, ev.TotalTokens)
			if o.metrics != nil {
				o.metrics.TokensUsed.WithLabelValues("input").Add(float64(ev.InputTokens))
				o.metrics.TokensUsed.WithLabelValues("output").Add(float64(ev.OutputTokens))
			}
			trace("response.done", map[string]any{
				"Status":      ev.Status,
				"TotalTokens": ev.TotalTokens,
			})
		case speech.AvatarConnecting:
			if negotiator != nil {
				negotiator.HandleConnecting(ev.ServerSdp)
				s.Mark(session.MilestoneAvatarReady)
				o.window.Observe(session.MilestoneAvatarReady, time.Since(s.StartedAt))
				if o.metrics != nil && !sdpStarted.IsZero() {
					o.metrics.ObserveSdpWait(time.Since(sdpStarted))
				}
			}
			trace("avatar.connecting", nil)
		case speech.IceServersAnnounced:
			// ICE descriptors are required for the avatar media channel, so
			// they take the blocking path rather than the droppable trace one.
			send(protocol.SessionEvent{
				Kind:    protocol.KindSessionEvent,
				Event:   "avatar.ice_servers",
				Payload: mustJSON(map[string]any{"IceServers": ev.Servers}),
			})
		case speech.ErrorEvent:
			if o.metrics != nil {
				o.metrics.RemoteErrors.WithLabelValues(ev.Code).Inc()
			}
			retryable := reliability.IsRetryableRemoteCode(ev.Code)
			sendError(ev.Code, ev.Message, retryable)
			if ev.Fatal || reliability.IsFatalRemoteCode(ev.Code) {
				return true
			}
		}
		return false
	}

	sendAudio := func(pcm []byte) {
		if err := client.SendAudio(ctx, pcm); err != nil {
			o.log.Printf("%s send audio failed: %v", logPrefix, err)
		}
		if o.metrics != nil {
			o.metrics.ClientFrames.WithLabelValues("in", "audio").Inc()
		}
	}

	relayOffer := func(offer string) {
		if negotiator == nil {
			sendError("avatar_unavailable", "this endpoint does not support avatar negotiation", false)
			return
		}
		sdpStarted = time.Now()
		toolWG.Add(1)
		go func() {
			defer toolWG.Done()
			answer, err := negotiator.ConnectAvatar(ctx, offer)
			switch {
			case err == nil:
				if o.metrics != nil {
					o.metrics.AvatarExchanges.WithLabelValues("answered").Inc()
				}
				send(protocol.SdpAnswer{Kind: protocol.KindSdpAnswer, Sdp: answer})
			case errors.Is(err, avatar.ErrNegotiationTimeout):
				if o.metrics != nil {
					o.metrics.AvatarExchanges.WithLabelValues("timeout").Inc()
				}
				sendError("sdp_timeout", "no avatar answer within the negotiation window", true)
			default:
				if o.metrics != nil {
					o.metrics.AvatarExchanges.WithLabelValues("failed").Inc()
				}
				sendError("sdp_failed", err.Error(), false)
			}
		}()
	}

	// Active: interleave client frames and server events until either side
	// goes away.
	for {
		select {
		case <-ctx.Done():
			finalize(session.StatusDisconnected)
			return nil

		case msg, ok := <-inbound:
			if !ok {
				finalize(session.StatusDisconnected)
				return nil
			}
			switch m := msg.(type) {
			case protocol.BinaryAudio:
				sendAudio(m.Data)
			case protocol.TelephonyAudio:
				if m.Silent {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(m.AudioData)
				if err != nil {
					o.log.Printf("%s bad telephony audio: %v", logPrefix, err)
					continue
				}
				sendAudio(pcm)
			case protocol.TextMessage:
				if o.metrics != nil {
					o.metrics.ClientFrames.WithLabelValues("in", "message").Inc()
				}
				if err := client.SendText(ctx, m.Text); err != nil {
					o.log.Printf("%s send text failed: %v", logPrefix, err)
				}
			case protocol.AvatarConnect:
				relayOffer(m.Sdp)
			case protocol.SessionConfig:
				// A mid-session config means a full reconnect with the new
				// parameters; the remote input buffer does not survive it.
				o.log.Printf("%s reconnecting with new configuration", logPrefix)
				dispose(client)
				cfg = &m
				s.Kind = effectiveKind(baseKind, cfg)
				s.Reconnects++
				fresh, freshNeg, err := o.connect(ctx, s, cfg)
				if err != nil {
					sendError("connect_failed", err.Error(), false)
					finalize(session.StatusFailed)
					return err
				}
				client = fresh
				if negotiator != nil || freshNeg != nil {
					negotiator = freshNeg
					if negotiator != nil {
						o.avatars.Register(s.ConnectionID, negotiator)
					} else {
						o.avatars.Remove(s.ConnectionID)
					}
				}
				welcomed = false
			default:
				o.log.Printf("%s unhandled client frame %T", logPrefix, msg)
			}

		case ev, ok := <-client.Events():
			if !ok {
				sendError("remote_closed", "remote session ended unexpectedly", true)
				finalize(session.StatusFailed)
				return nil
			}
			if fatal := handleEvent(ev); fatal {
				finalize(session.StatusFailed)
				return nil
			}
		}
	}
}

// awaitConfig implements the AwaitingInitialConfig state. Frames other than
// a config are dropped while waiting; audio that early has no session to go
// to yet.
func (o *Orchestrator) awaitConfig(ctx context.Context, inbound <-chan any) (*protocol.SessionConfig, error) {
	timer := time.NewTimer(o.configWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case msg, ok := <-inbound:
			if !ok {
				return nil, errInboundClosed
			}
			if cfg, isConfig := msg.(protocol.SessionConfig); isConfig {
				return &cfg, nil
			}
		}
	}
}

// connect implements the Connecting state: refresh tool discovery, build the
// session options, and dial the remote service.
func (o *Orchestrator) connect(ctx context.Context, s *session.Session, cfg *protocol.SessionConfig) (speech.Client, *avatar.Negotiator, error) {
	if o.tools != nil {
		discCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		o.tools.DiscoverTools(discCtx)
		cancel()
	}

	opts := o.connectOptions(s.Kind, cfg)
	s.Model = opts.Model
	s.Voice = opts.Voice
	s.Locale = opts.Locale

	client := o.newClient(s.Kind)
	if err := client.Connect(ctx, opts); err != nil {
		return nil, nil, err
	}

	var negotiator *avatar.Negotiator
	if s.Kind == session.KindAvatar {
		sender, ok := client.(avatar.OfferSender)
		if !ok {
			_ = client.Close()
			return nil, nil, errors.New("avatar session requires a wire client")
		}
		negotiator = avatar.NewNegotiator(sender, o.sdpTimeout)
	}
	return client, negotiator, nil
}

func (o *Orchestrator) connectOptions(kind session.Kind, cfg *protocol.SessionConfig) speech.ConnectOptions {
	opts := speech.ConnectOptions{
		Kind:            kind,
		Model:           o.defaults.Model,
		Voice:           o.defaults.Voice,
		Locale:          o.defaults.Locale,
		Instructions:    o.defaults.Instructions,
		AvatarCharacter: o.defaults.AvatarCharacter,
		AvatarStyle:     o.defaults.AvatarStyle,
	}
	if cfg != nil {
		if cfg.Model != "" {
			opts.Model = cfg.Model
		}
		if cfg.Voice != "" {
			opts.Voice = cfg.Voice
		}
		if cfg.Locale != "" {
			opts.Locale = cfg.Locale
		}
		if cfg.Instructions != "" {
			opts.Instructions = cfg.Instructions
		}
		if cfg.AvatarCharacter != "" {
			opts.AvatarCharacter = cfg.AvatarCharacter
		}
		if cfg.AvatarStyle != "" {
			opts.AvatarStyle = cfg.AvatarStyle
		}
		opts.AgentID = cfg.AgentID
		opts.AgentProject = cfg.AgentProject
	}
	if kind != session.KindAvatar {
		opts.AvatarCharacter = ""
		opts.AvatarStyle = ""
	}
	if kind != session.KindAgent && o.tools != nil {
		opts.Tools = o.tools.Definitions()
	}
	return opts
}

func (o *Orchestrator) welcomeFor(cfg *protocol.SessionConfig) string {
	if cfg != nil && strings.TrimSpace(cfg.WelcomeMessage) != "" {
		return strings.TrimSpace(cfg.WelcomeMessage)
	}
	return strings.TrimSpace(o.defaults.WelcomeMessage)
}

func effectiveKind(baseKind session.Kind, cfg *protocol.SessionConfig) session.Kind {
	if baseKind == session.KindAvatar {
		return session.KindAvatar
	}
	if cfg != nil && strings.TrimSpace(cfg.AgentID) != "" {
		return session.KindAgent
	}
	return session.KindPlainModel
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func waitTimeout(wg *sync.WaitGroup, limit time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(limit):
	}
}
