package store

import (
	"context"
	"time"

	"github.com/mzanin/voxbridge/internal/session"
)

// SessionRecord is the flattened, persistence-ready form of a finalized
// session. Transcript text is redacted before the record is built, so the
// storage backends never see raw PII.
type SessionRecord struct {
	ConnectionID string    `json:"connection_id"`
	RemoteID     string    `json:"remote_id"`
	Kind         string    `json:"kind"`
	Model        string    `json:"model"`
	Voice        string    `json:"voice"`
	Locale       string    `json:"locale"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	DurationMS   int64     `json:"duration_ms"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens"`
	TotalTokens  int `json:"total_tokens"`

	Milestones map[string]time.Time `json:"milestones"`
	Transcript []TranscriptEntry    `json:"transcript"`

	Reconnects int `json:"reconnects"`
	ToolCalls  int `json:"tool_calls"`
}

type TranscriptEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// FromSession builds the persisted record, applying redact to every
// transcript line. A nil redact keeps the text as-is.
func FromSession(s *session.Session, redact func(string) string) SessionRecord {
	if redact == nil {
		redact = func(text string) string { return text }
	}

	transcript := make([]TranscriptEntry, 0, len(s.Transcript))
	for _, u := range s.Transcript {
		transcript = append(transcript, TranscriptEntry{
			Role: u.Role,
			Text: redact(u.Text),
			At:   u.At,
		})
	}

	milestones := make(map[string]time.Time, len(s.Milestones))
	for name, at := range s.Milestones {
		milestones[name] = at
	}

	return SessionRecord{
		ConnectionID: s.ConnectionID,
		RemoteID:     s.RemoteID,
		Kind:         string(s.Kind),
		Model:        s.Model,
		Voice:        s.Voice,
		Locale:       s.Locale,
		Status:       string(s.Status),
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		DurationMS:   s.Duration.Milliseconds(),
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		CachedTokens: s.CachedTokens,
		TotalTokens:  s.TotalTokens,
		Milestones:   milestones,
		Transcript:   transcript,
		Reconnects:   s.Reconnects,
		ToolCalls:    s.ToolCalls,
	}
}

// Store persists finalized session records.
type Store interface {
	SaveSession(ctx context.Context, record SessionRecord) error
	Close() error
}
