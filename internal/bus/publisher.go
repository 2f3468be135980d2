package bus

import (
	"context"

	"github.com/mconf/bbb-livekit-stt/internal/transcript"
)

// TranscriptPublisher publishes transcript records for one meeting. It is
// the bridge between the session pipeline and the bus wire format.
type TranscriptPublisher struct {
	manager   *Manager
	meetingID string
}

// NewTranscriptPublisher binds a bus manager to a meeting
func NewTranscriptPublisher(manager *Manager, meetingID string) *TranscriptPublisher {
	return &TranscriptPublisher{manager: manager, meetingID: meetingID}
}

// PublishTranscript sends one record as an UpdateTranscriptPubMsg
func (p *TranscriptPublisher) PublishTranscript(ctx context.Context, rec transcript.Record) error {
	msg := NewTranscriptMessage(
		p.meetingID,
		rec.ParticipantID,
		rec.Locale,
		rec.Text,
		rec.Final,
		rec.Start,
		rec.End,
	)
	return p.manager.Publish(ctx, msg)
}
