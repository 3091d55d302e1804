package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/visitnote/internal/collaborator"
	"github.com/drfirst/visitnote/internal/domain/note"
	"github.com/drfirst/visitnote/internal/observability/metrics"
	"github.com/drfirst/visitnote/pkg/idempotency"
)

var (
	// ErrIdentityMismatch is returned for a dictation addressed to a chart
	// other than the one the pipeline is collecting for
	ErrIdentityMismatch = errors.New("dictation is for a different patient")
	// ErrEmptyDictation is returned for a transcript with no text
	ErrEmptyDictation = errors.New("dictation is empty")
	// ErrSummarizeFailed wraps a summarizer failure; the raw note is kept
	ErrSummarizeFailed = errors.New("chart prep summarization failed")
)

// targetFields are the note fields chart prep may write into
var targetFields = []string{note.SectionHPI, note.SectionAssessment, note.SectionPlan}

// FieldStore is the latest-value view of the note fields. MutateFields must
// read the fields at the moment it runs and reject the change when the
// session no longer shows id.
type FieldStore interface {
	Fields() (note.Identity, note.Fields)
	MutateFields(id note.Identity, fn func(note.Fields) note.Fields) error
}

// Dictation is one completed speech-to-text transcript
type Dictation struct {
	RecordingID string
	Text        string
	CompletedAt time.Time
}

// Outcome describes what a completed dictation did
type Outcome struct {
	Note       note.PrepNote `json:"note"`
	Duplicate  bool          `json:"duplicate,omitempty"`
	Summarized bool          `json:"summarized"`
	Updated    []string      `json:"updated,omitempty"`
}

// Pipeline collects prep notes for the current chart and runs the
// summarizer once per recording
type Pipeline struct {
	summarizer collaborator.Summarizer
	fields     FieldStore
	guard      *idempotency.Guard
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu        sync.Mutex
	identity  note.Identity
	notes     []note.PrepNote
	recording string
	completed map[string]bool
	chartPrep *note.ChartPrepOutput
}

// NewPipeline creates a pipeline writing into fields
func NewPipeline(summarizer collaborator.Summarizer, fields FieldStore, m *metrics.Metrics, logger *zap.Logger, now func() time.Time) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		summarizer: summarizer,
		fields:     fields,
		guard:      idempotency.NewGuard(now),
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("ingestion"),
		now:        now,
		completed:  make(map[string]bool),
	}
}

// Reset discards everything collected and starts over for id
func (p *Pipeline) Reset(id note.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.identity = id
	p.notes = nil
	p.recording = ""
	p.completed = make(map[string]bool)
	p.chartPrep = nil
	p.guard.Reset(uuid.NewString())
}

// StartRecording arms the one-shot guard for a new recording
func (p *Pipeline) StartRecording(id note.Identity, recordingID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id != p.identity {
		return ErrIdentityMismatch
	}
	p.startLocked(recordingID)
	return nil
}

func (p *Pipeline) startLocked(recordingID string) {
	p.recording = recordingID
	p.guard.Reset(idempotency.GenerateKey(p.identity.PatientID, p.identity.VisitID, recordingID, p.now()))
	p.logger.Debug("recording started",
		zap.String("patient_id", p.identity.PatientID),
		zap.String("recording_id", recordingID))
}

// CompleteDictation classifies and appends the transcript, then, if this
// recording has not yet been summarized, summarizes the full list and writes
// the suggestions into the target fields. A summarizer failure keeps the
// appended note and returns ErrSummarizeFailed.
func (p *Pipeline) CompleteDictation(ctx context.Context, id note.Identity, d Dictation) (Outcome, error) {
	text := strings.TrimSpace(d.Text)
	if text == "" {
		return Outcome{}, ErrEmptyDictation
	}

	p.mu.Lock()
	if id != p.identity {
		p.mu.Unlock()
		return Outcome{}, ErrIdentityMismatch
	}
	if d.RecordingID != "" && p.completed[d.RecordingID] {
		p.mu.Unlock()
		return Outcome{Duplicate: true}, nil
	}
	if d.RecordingID != "" && d.RecordingID != p.recording {
		p.startLocked(d.RecordingID)
	}
	if d.RecordingID != "" {
		p.completed[d.RecordingID] = true
	}

	at := d.CompletedAt
	if at.IsZero() {
		at = p.now()
	}
	pn := note.PrepNote{Text: text, Timestamp: at.UTC(), Category: Classify(text)}
	p.notes = append(p.notes, pn)
	all := append([]note.PrepNote(nil), p.notes...)
	batch := p.guard.Current().Batch
	p.mu.Unlock()

	p.metrics.Dictation(string(pn.Category))
	out := Outcome{Note: pn}

	if err := p.guard.Begin(batch); err != nil {
		return out, nil
	}
	defer func() {
		if err := p.guard.Finish(batch); err != nil {
			p.logger.Debug("guard finished after reset", zap.Error(err))
		}
	}()

	updated, err := p.summarize(ctx, id, all)
	if err != nil {
		return out, err
	}
	out.Summarized = true
	out.Updated = updated
	return out, nil
}

func (p *Pipeline) summarize(ctx context.Context, id note.Identity, prepNotes []note.PrepNote) ([]string, error) {
	ctx, span := p.tracer.Start(ctx, "ingestion.summarize",
		trace.WithAttributes(attribute.Int("prep_notes", len(prepNotes))))
	defer span.End()

	shown, current := p.fields.Fields()
	if shown != id {
		current = nil
	}
	start := time.Now()
	result, err := p.summarizer.Summarize(ctx, collaborator.SummarizeRequest{
		PrepNotes:          prepNotes,
		PatientContext:     collaborator.PatientContext{PatientID: id.PatientID, VisitID: id.VisitID},
		CurrentNoteContext: current,
	})
	p.metrics.ObserveCollaborator("summarizer", time.Since(start))
	if err != nil {
		span.RecordError(err)
		p.metrics.Summarization("failed")
		p.logger.Warn("chart prep summarization failed",
			zap.String("patient_id", id.PatientID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSummarizeFailed, err)
	}

	suggestions := make(map[string]string)
	for _, field := range targetFields {
		if s := strings.TrimSpace(result.Suggestion(field)); s != "" {
			suggestions[field] = s
		}
	}

	p.mu.Lock()
	if p.identity == id {
		p.chartPrep = result
	}
	p.mu.Unlock()

	if len(suggestions) == 0 {
		p.metrics.Summarization("empty")
		return nil, nil
	}

	var updated []string
	err = p.fields.MutateFields(id, func(latest note.Fields) note.Fields {
		next := latest.Clone()
		updated = updated[:0]
		for _, field := range targetFields {
			s, ok := suggestions[field]
			if !ok {
				continue
			}
			next[field] = InsertChartPrep(latest[field], s)
			updated = append(updated, field)
		}
		return next
	})
	if err != nil {
		p.metrics.Summarization("discarded")
		p.logger.Info("chart prep result discarded",
			zap.String("patient_id", id.PatientID),
			zap.Error(err))
		return nil, nil
	}

	p.metrics.Summarization("applied")
	return updated, nil
}

// PrepNotes returns the notes collected so far, oldest first
func (p *Pipeline) PrepNotes() []note.PrepNote {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]note.PrepNote(nil), p.notes...)
}

// ChartPrep returns the latest summarizer output for the current chart
func (p *Pipeline) ChartPrep() *note.ChartPrepOutput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chartPrep
}

// GuardState exposes the one-shot guard for the current recording
func (p *Pipeline) GuardState() idempotency.State {
	return p.guard.Current().State
}
