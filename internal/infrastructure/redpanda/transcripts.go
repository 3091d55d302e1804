package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/visitnote/internal/domain/note"
	"github.com/drfirst/visitnote/internal/observability/metrics"
)

// TranscriptMessage is a completed dictation published by the speech service
type TranscriptMessage struct {
	PatientID   string    `json:"patientId"`
	VisitID     string    `json:"visitId,omitempty"`
	RecordingID string    `json:"recordingId"`
	Text        string    `json:"text"`
	CompletedAt time.Time `json:"completedAt"`
}

// Identity returns the chart the transcript was dictated against
func (m TranscriptMessage) Identity() note.Identity {
	return note.Identity{PatientID: m.PatientID, VisitID: m.VisitID}
}

// TranscriptSink accepts decoded transcripts
type TranscriptSink interface {
	IngestTranscript(ctx context.Context, msg TranscriptMessage) error
}

var errInvalidTranscript = errors.New("invalid transcript")

// TranscriptHandler decodes transcript records for the sink. Records that
// cannot be decoded are logged and committed; redelivering them would never
// succeed.
func TranscriptHandler(sink TranscriptSink, m *metrics.Metrics, logger *zap.Logger) MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *ConsumedMessage) error {
		t, err := decodeTranscript(msg.Value)
		if err != nil {
			logger.Warn("skipping transcript",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		m.Consumed()
		return sink.IngestTranscript(ctx, t)
	}
}

func decodeTranscript(value []byte) (TranscriptMessage, error) {
	var t TranscriptMessage
	if err := json.Unmarshal(value, &t); err != nil {
		return t, errors.Join(errInvalidTranscript, err)
	}
	if t.PatientID == "" || t.RecordingID == "" {
		return t, errors.Join(errInvalidTranscript, errors.New("patientId and recordingId are required"))
	}
	if strings.TrimSpace(t.Text) == "" {
		return t, errors.Join(errInvalidTranscript, errors.New("empty text"))
	}
	return t, nil
}
