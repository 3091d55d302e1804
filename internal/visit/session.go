// Package visit orchestrates one clinician's visit: the field map and its
// autosave, chart-prep ingestion, and the review that ends in a signature.
package visit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/visitnote/internal/autosave"
	"github.com/drfirst/visitnote/internal/collaborator"
	"github.com/drfirst/visitnote/internal/domain/note"
	"github.com/drfirst/visitnote/internal/infrastructure/redpanda"
	"github.com/drfirst/visitnote/internal/ingestion"
	"github.com/drfirst/visitnote/internal/observability/metrics"
	"github.com/drfirst/visitnote/pkg/workerpool"
)

var (
	// ErrNoReview is returned for review operations while no review is open
	ErrNoReview = errors.New("no review open")
	// ErrSynthesisFailed wraps a synthesizer failure
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrNoSynthesizer is returned when synthesis is requested but not configured
	ErrNoSynthesizer = errors.New("synthesizer not configured")
)

// JobKindSynthesis is the workerpool job kind for synthesis requests
const JobKindSynthesis = "synthesis"

// EventPublisher receives review events. Both the Postgres outbox and the
// Redpanda producer satisfy it.
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []*note.Event) error
}

// Options wires a session
type Options struct {
	Autosaver   *autosave.Autosaver
	Summarizer  collaborator.Summarizer
	Synthesizer collaborator.Synthesizer
	// Jobs configures the background runner for synthesis; zero means defaults
	Jobs        workerpool.Config
	Events      EventPublisher
	Preferences *note.Preferences
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

// ReviewView is a point-in-time copy of the open review
type ReviewView struct {
	ID        string             `json:"id"`
	PatientID string             `json:"patientId"`
	VisitID   string             `json:"visitId,omitempty"`
	Status    note.Status        `json:"status"`
	Version   int                `json:"version"`
	Note      note.FormattedNote `json:"note"`
	Missing   []string           `json:"unverifiedRequired,omitempty"`
	SignedBy  string             `json:"signedBy,omitempty"`
	SignedAt  *time.Time         `json:"signedAt,omitempty"`
}

// Session is the single logical owner of a visit's state. Every operation
// runs under one mutex; collaborator calls run outside it and their results
// are dropped if the chart changed meanwhile.
type Session struct {
	saver       *autosave.Autosaver
	pipeline    *ingestion.Pipeline
	synthesizer collaborator.Synthesizer
	jobs        *workerpool.Pool
	events      EventPublisher
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time

	mu        sync.Mutex
	prefs     note.Preferences
	visitAI   *note.VisitAIOutput
	extras    note.Extras
	review    *note.Review
	lastError string
	pending   []*note.Event
}

// NewSession creates a session with no patient selected
func NewSession(opts Options) (*Session, error) {
	if opts.Autosaver == nil {
		return nil, errors.New("autosaver is required")
	}
	if opts.Summarizer == nil {
		return nil, errors.New("summarizer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	prefs := note.DefaultPreferences()
	if opts.Preferences != nil {
		prefs = *opts.Preferences
	}

	s := &Session{
		saver:       opts.Autosaver,
		synthesizer: opts.Synthesizer,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      logger,
		tracer:      otel.Tracer("visit"),
		now:         now,
		prefs:       prefs,
	}
	s.pipeline = ingestion.NewPipeline(opts.Summarizer, opts.Autosaver, opts.Metrics, logger, now)

	jobCfg := opts.Jobs
	if jobCfg.Workers == 0 {
		jobCfg = workerpool.DefaultConfig()
	}
	jobCfg.OnFinish = s.jobFinished
	s.jobs = workerpool.New(jobCfg, logger)
	s.jobs.Start()
	return s, nil
}

// Identity returns the chart currently shown
func (s *Session) Identity() note.Identity {
	return s.saver.Snapshot().Identity
}

// Fields returns the shown chart and its field map
func (s *Session) Fields() (note.Identity, note.Fields) {
	return s.saver.Fields()
}

// Status returns the autosave status
func (s *Session) Status() autosave.Status {
	return s.saver.Status()
}

// LastError returns the last collaborator failure shown to the clinician
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Preferences returns the composition settings
func (s *Session) Preferences() note.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// SetPreferences replaces the composition settings used by the next review
func (s *Session) SetPreferences(p note.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = p
}

// SwitchPatient makes next the shown chart. The outgoing chart is flushed
// first; if that fails nothing changes. loaded is the server's copy of the
// new chart's fields, over which a recent local record is restored.
func (s *Session) SwitchPatient(ctx context.Context, next note.Identity, loaded note.Fields) (autosave.RestoreOutcome, error) {
	if !next.Valid() {
		return autosave.RestoreNone, autosave.ErrNoIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saver.BeginTransition(ctx, next); err != nil {
		return autosave.RestoreNone, err
	}

	s.pipeline.Reset(next)
	s.review = nil
	s.visitAI = nil
	s.extras = note.Extras{}
	s.lastError = ""

	return s.saver.CompleteTransition(ctx, next, loaded)
}

// SetField writes one field of the shown chart
func (s *Session) SetField(id note.Identity, field, value string) error {
	if !isField(field) {
		return fmt.Errorf("%w: %s", note.ErrUnknownSection, field)
	}
	return s.saver.SetField(id, field, value)
}

// SetVisitAI records the in-visit transcription output for composition
func (s *Session) SetVisitAI(id note.Identity, out *note.VisitAIOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(id); err != nil {
		return err
	}
	s.visitAI = out
	return nil
}

// SetExtras records structured inputs for composition
func (s *Session) SetExtras(id note.Identity, extras note.Extras) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(id); err != nil {
		return err
	}
	s.extras = extras
	return nil
}

// StartRecording arms summarization for a new recording
func (s *Session) StartRecording(id note.Identity) (string, error) {
	recordingID := uuid.NewString()
	if err := s.pipeline.StartRecording(id, recordingID); err != nil {
		return "", err
	}
	return recordingID, nil
}

// CompleteDictation feeds a finished transcript into chart prep
func (s *Session) CompleteDictation(ctx context.Context, id note.Identity, d ingestion.Dictation) (ingestion.Outcome, error) {
	out, err := s.pipeline.CompleteDictation(ctx, id, d)

	s.mu.Lock()
	if s.Identity() == id {
		switch {
		case errors.Is(err, ingestion.ErrSummarizeFailed):
			s.lastError = err.Error()
		case err == nil && out.Summarized:
			s.lastError = ""
		}
	}
	s.mu.Unlock()
	return out, err
}

// IngestTranscript accepts a transcript from the streaming feed. Transcripts
// for a chart that is not shown are dropped.
func (s *Session) IngestTranscript(ctx context.Context, msg redpanda.TranscriptMessage) error {
	id := msg.Identity()
	if s.Identity() != id {
		s.logger.Debug("dropping transcript for another chart",
			zap.String("patient_id", msg.PatientID),
			zap.String("recording_id", msg.RecordingID))
		return nil
	}

	_, err := s.CompleteDictation(ctx, id, ingestion.Dictation{
		RecordingID: msg.RecordingID,
		Text:        msg.Text,
		CompletedAt: msg.CompletedAt,
	})
	switch {
	case errors.Is(err, ingestion.ErrIdentityMismatch), errors.Is(err, ingestion.ErrSummarizeFailed):
		// the note is kept or the chart moved on; redelivery would not help
		return nil
	}
	return err
}

// PrepNotes returns the dictated chart-prep notes
func (s *Session) PrepNotes() []note.PrepNote {
	return s.pipeline.PrepNotes()
}

// ChartPrep returns the last summarizer output for the shown chart
func (s *Session) ChartPrep() *note.ChartPrepOutput {
	return s.pipeline.ChartPrep()
}

// OpenReview composes the note from every source and opens it for review.
// An already open review is returned as is.
func (s *Session) OpenReview(ctx context.Context, id note.Identity) (ReviewView, error) {
	s.mu.Lock()
	if err := s.checkLocked(id); err != nil {
		s.mu.Unlock()
		return ReviewView{}, err
	}
	if s.review != nil {
		view := s.viewLocked()
		s.mu.Unlock()
		return view, nil
	}

	formatted := note.Generate(s.bundleLocked(), s.prefs)
	review, err := note.OpenReview(uuid.NewString(), id.PatientID, id.VisitID, formatted, s.now)
	if err != nil {
		s.mu.Unlock()
		return ReviewView{}, err
	}
	s.review = review
	view := s.viewLocked()
	s.takeEventsLocked()
	s.mu.Unlock()

	s.logger.Info("review opened",
		zap.String("patient_id", id.PatientID),
		zap.String("review_id", view.ID),
		zap.Int("sections", len(formatted.Sections)))
	s.flushEvents(ctx)
	return view, nil
}

// Review returns the open review
func (s *Session) Review(id note.Identity) (ReviewView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(id); err != nil {
		return ReviewView{}, err
	}
	if s.review == nil {
		return ReviewView{}, ErrNoReview
	}
	return s.viewLocked(), nil
}

// CloseReview discards the review view. The field map is kept.
func (s *Session) CloseReview(id note.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(id); err != nil {
		return err
	}
	if s.review == nil {
		return ErrNoReview
	}
	s.review = nil
	return nil
}

// EditSection replaces a section's content in the review and writes the
// field part of it, without rendered extras, back to the field map
func (s *Session) EditSection(ctx context.Context, id note.Identity, sectionID, content string) (ReviewView, error) {
	s.mu.Lock()
	if err := s.reviewLocked(id); err != nil {
		s.mu.Unlock()
		return ReviewView{}, err
	}

	if err := s.review.EditSection(sectionID, content); err != nil {
		s.mu.Unlock()
		return ReviewView{}, err
	}
	if err := s.saver.SetField(id, sectionID, note.FieldValue(sectionID, content, s.extras)); err != nil {
		s.logger.Warn("section edit not written to field map",
			zap.String("section", sectionID),
			zap.Error(err))
	}
	view := s.viewLocked()
	s.takeEventsLocked()
	s.mu.Unlock()

	s.flushEvents(ctx)
	return view, nil
}

// SetVerified sets a section's verification flag
func (s *Session) SetVerified(ctx context.Context, id note.Identity, sectionID string, verified bool) (ReviewView, error) {
	s.mu.Lock()
	if err := s.reviewLocked(id); err != nil {
		s.mu.Unlock()
		return ReviewView{}, err
	}
	if err := s.review.SetVerified(sectionID, verified); err != nil {
		s.mu.Unlock()
		return ReviewView{}, err
	}
	view := s.viewLocked()
	s.takeEventsLocked()
	s.mu.Unlock()

	s.flushEvents(ctx)
	return view, nil
}

// Synthesize queues a synthesis of the open review and returns the job id
func (s *Session) Synthesize(ctx context.Context, id note.Identity) (string, error) {
	if s.synthesizer == nil {
		return "", ErrNoSynthesizer
	}

	s.mu.Lock()
	if err := s.reviewLocked(id); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if s.review.Status() == note.StatusSigned {
		s.mu.Unlock()
		return "", note.ErrSigned
	}
	reviewID := s.review.ID()
	s.mu.Unlock()

	job := &workerpool.Job{
		ID:   uuid.NewString(),
		Kind: JobKindSynthesis,
		Run: func(ctx context.Context) error {
			_, err := s.RunSynthesis(ctx, id, reviewID)
			if errors.Is(err, ErrSynthesisFailed) {
				return err
			}
			if err != nil {
				return workerpool.Permanent(err)
			}
			return nil
		},
	}
	if err := s.jobs.Submit(job); err != nil {
		return "", err
	}
	s.metrics.SetQueueDepth(s.jobs.Stats().QueueDepth)
	return job.ID, nil
}

// Job returns a synthesis job's result
func (s *Session) Job(jobID string) (workerpool.Result, bool) {
	return s.jobs.Result(jobID)
}

// RunSynthesis calls the synthesizer with the current bundle and overlays
// the result onto review reviewID. The result is discarded if the chart or
// the review changed while the call was in flight.
func (s *Session) RunSynthesis(ctx context.Context, id note.Identity, reviewID string) ([]string, error) {
	if s.synthesizer == nil {
		return nil, ErrNoSynthesizer
	}
	ctx, span := s.tracer.Start(ctx, "visit.synthesize",
		trace.WithAttributes(attribute.String("review_id", reviewID)))
	defer span.End()

	s.mu.Lock()
	if err := s.reviewLocked(id); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.review.ID() != reviewID {
		s.mu.Unlock()
		return nil, ErrNoReview
	}
	req := collaborator.SynthesizeRequest{
		PatientContext: collaborator.PatientContext{PatientID: id.PatientID, VisitID: id.VisitID},
		Bundle:         s.bundleLocked(),
		Preferences:    s.prefs,
	}
	s.mu.Unlock()

	start := time.Now()
	result, err := s.synthesizer.Synthesize(ctx, req)
	s.metrics.ObserveCollaborator("synthesizer", time.Since(start))
	if err != nil {
		span.RecordError(err)
		s.metrics.Synthesis("failed")
		s.mu.Lock()
		if s.Identity() == id {
			s.lastError = err.Error()
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}

	s.mu.Lock()
	if s.Identity() != id || s.review == nil || s.review.ID() != reviewID {
		s.mu.Unlock()
		s.metrics.Synthesis("discarded")
		s.logger.Info("synthesis result discarded", zap.String("review_id", reviewID))
		return nil, nil
	}

	applied, err := s.review.ApplySynthesis(result)
	if err != nil {
		s.mu.Unlock()
		s.metrics.Synthesis("discarded")
		return nil, err
	}
	s.lastError = ""
	if len(applied) == 0 {
		s.mu.Unlock()
		s.metrics.Synthesis("empty")
		return nil, nil
	}

	overlaid := s.review.Note()
	err = s.saver.MutateFields(id, func(latest note.Fields) note.Fields {
		next := latest.Clone()
		for _, sid := range applied {
			sec, _ := overlaid.Section(sid)
			next[sid] = note.FieldValue(sid, sec.Content, s.extras)
		}
		return next
	})
	if err != nil {
		s.logger.Warn("synthesis not written to field map", zap.Error(err))
	}
	s.takeEventsLocked()
	s.mu.Unlock()

	s.metrics.Synthesis("applied")
	s.metrics.Overlaid(len(applied))
	s.logger.Info("synthesis applied",
		zap.String("review_id", reviewID),
		zap.Strings("sections", applied))
	s.flushEvents(ctx)
	return applied, nil
}

// Sign signs the open review. It is rejected unless every required section
// is verified. A failure to publish the signature event is returned, but
// the note stays signed and the event is retried on the next flush.
func (s *Session) Sign(ctx context.Context, id note.Identity, clinicianID string) (ReviewView, error) {
	s.mu.Lock()
	if err := s.reviewLocked(id); err != nil {
		s.mu.Unlock()
		return ReviewView{}, err
	}
	if err := s.review.Sign(clinicianID); err != nil {
		s.mu.Unlock()
		if errors.Is(err, note.ErrNotReady) {
			s.metrics.Rejected()
		}
		return ReviewView{}, err
	}
	view := s.viewLocked()
	s.takeEventsLocked()
	s.mu.Unlock()

	s.metrics.Signed()
	s.logger.Info("note signed",
		zap.String("patient_id", id.PatientID),
		zap.String("review_id", view.ID),
		zap.Int("word_count", view.Note.WordCount))

	if err := s.flushEvents(ctx); err != nil {
		return view, fmt.Errorf("publish signature: %w", err)
	}
	return view, nil
}

// MarkPersisted drops the local autosave record after a server save
func (s *Session) MarkPersisted(ctx context.Context, id note.Identity) error {
	return s.saver.MarkPersisted(ctx, id)
}

// Teardown flushes the field map and pending events and stops background work
func (s *Session) Teardown(ctx context.Context) error {
	s.jobs.Stop()
	if err := s.flushEvents(ctx); err != nil {
		s.logger.Warn("events not published at teardown", zap.Error(err))
	}
	return s.saver.Teardown(ctx)
}

func (s *Session) checkLocked(id note.Identity) error {
	if !id.Valid() {
		return autosave.ErrNoIdentity
	}
	if s.saver.Transitioning() {
		return autosave.ErrTransitionInProgress
	}
	if s.Identity() != id {
		return autosave.ErrIdentityChanged
	}
	return nil
}

func (s *Session) reviewLocked(id note.Identity) error {
	if err := s.checkLocked(id); err != nil {
		return err
	}
	if s.review == nil {
		return ErrNoReview
	}
	return nil
}

func (s *Session) bundleLocked() note.Bundle {
	_, fields := s.saver.Fields()
	return note.Bundle{
		Fields:    fields.Clone(),
		ChartPrep: s.pipeline.ChartPrep(),
		VisitAI:   s.visitAI,
		Extras:    s.extras,
	}
}

func (s *Session) viewLocked() ReviewView {
	r := s.review
	v := ReviewView{
		ID:        r.ID(),
		PatientID: r.PatientID(),
		VisitID:   r.VisitID(),
		Status:    r.Status(),
		Version:   r.Version(),
		Note:      r.Note(),
		Missing:   note.UnverifiedRequired(r.Note()),
	}
	if by, at := r.SignedBy(); by != "" {
		v.SignedBy = by
		v.SignedAt = &at
	}
	return v
}

func (s *Session) takeEventsLocked() {
	if s.review == nil {
		return
	}
	s.pending = append(s.pending, s.review.Changes()...)
	s.review.ClearChanges()
}

// flushEvents publishes queued events outside the session lock. Events that
// fail to publish are put back in front of anything queued meanwhile.
func (s *Session) flushEvents(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if s.events == nil {
		s.logger.Debug("no event publisher, dropping events", zap.Int("count", len(batch)))
		return nil
	}

	if err := s.events.PublishEvents(ctx, batch); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		s.logger.Warn("review events not published", zap.Int("count", len(batch)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) jobFinished(r workerpool.Result) {
	s.metrics.SetQueueDepth(s.jobs.Stats().QueueDepth)
	if r.Status == workerpool.StatusFailed {
		s.logger.Warn("background job failed",
			zap.String("job_id", r.JobID),
			zap.String("kind", r.Kind),
			zap.String("error", r.Error))
	}
}

func isField(id string) bool {
	for _, f := range note.FieldIDs() {
		if f == id {
			return true
		}
	}
	return false
}
