package session

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Well-known milestone names recorded by the orchestrator's event handlers.
const (
	MilestoneConnected    = "ConnectedAt"
	MilestoneInputStarted = "InputStarted"
	MilestoneFirstAudio   = "FirstAudioAt"
	MilestoneAvatarReady  = "AvatarReadyAt"
)

// Session is the per-conversation bookkeeping record. It is exclusively
// owned by one orchestrator instance and never touched concurrently; the
// finalized value is handed to the persistence layer once, on close.
type Session struct {
	// ConnectionID identifies the client connection; assigned locally on
	// accept, before the remote session exists.
	ConnectionID string
	// RemoteID is the opaque session id assigned by the remote service,
	// empty until session.created arrives.
	RemoteID string

	Kind   Kind
	Model  string
	Voice  string
	Locale string
	Status Status

	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration

	InputTokens  int
	OutputTokens int
	CachedTokens int
	TotalTokens  int

	// Milestones maps named audio/lifecycle markers to their timestamps.
	Milestones map[string]time.Time

	// Transcript keeps a bounded trace of committed utterances for the
	// persisted record. Deltas are never stored.
	Transcript []Utterance

	Reconnects int
	ToolCalls  int
}

type Utterance struct {
	Role string
	Text string
	At   time.Time
}

const transcriptKeep = 200

func New(kind Kind) *Session {
	return &Session{
		ConnectionID: uuid.NewString(),
		Kind:         kind,
		Status:       StatusActive,
		StartedAt:    time.Now().UTC(),
		Milestones:   make(map[string]time.Time),
	}
}

// Mark records a named milestone once; later calls with the same name keep
// the first timestamp.
func (s *Session) Mark(name string) {
	if _, ok := s.Milestones[name]; ok {
		return
	}
	s.Milestones[name] = time.Now().UTC()
}

func (s *Session) AddUsage(input, output, cached, total int) {
	s.InputTokens += input
	s.OutputTokens += output
	s.CachedTokens += cached
	s.TotalTokens += total
}

func (s *Session) AppendUtterance(role, text string) {
	s.Transcript = append(s.Transcript, Utterance{Role: role, Text: text, At: time.Now().UTC()})
	if len(s.Transcript) > transcriptKeep {
		s.Transcript = s.Transcript[len(s.Transcript)-transcriptKeep:]
	}
}

// Finalize sets the terminal status and computes the duration. It is
// idempotent; the first terminal status wins.
func (s *Session) Finalize(status Status) {
	if s.Status != StatusActive {
		return
	}
	s.Status = status
	s.EndedAt = time.Now().UTC()
	s.Duration = s.EndedAt.Sub(s.StartedAt)
}
