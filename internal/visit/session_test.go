package visit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/visitnote/internal/autosave"
	"github.com/drfirst/visitnote/internal/collaborator"
	"github.com/drfirst/visitnote/internal/domain/note"
	"github.com/drfirst/visitnote/internal/infrastructure/redpanda"
	"github.com/drfirst/visitnote/internal/ingestion"
	"github.com/drfirst/visitnote/pkg/scheduler"
	"github.com/drfirst/visitnote/pkg/workerpool"
)

var (
	patientA = note.Identity{PatientID: "P001", VisitID: "V01"}
	patientB = note.Identity{PatientID: "P002", VisitID: "V02"}
	t0       = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

// eventRecorder is an EventPublisher that keeps what it receives
type eventRecorder struct {
	mu     sync.Mutex
	events []*note.Event
	fail   error
}

func (r *eventRecorder) PublishEvents(_ context.Context, events []*note.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, events...)
	return nil
}

func (r *eventRecorder) types() []note.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]note.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

func (r *eventRecorder) setFail(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

type harness struct {
	session *Session
	store   *autosave.MemoryStore
	clock   *scheduler.ManualClock
	events  *eventRecorder
}

func newHarness(t *testing.T, summarizer collaborator.Summarizer, synthesizer collaborator.Synthesizer) *harness {
	t.Helper()
	clock := scheduler.NewManualClock(t0)
	store := autosave.NewMemoryStore()
	saver := autosave.New(autosave.Config{}, store, scheduler.New(clock, nil), nil, nil)
	if summarizer == nil {
		summarizer = collaborator.SummarizerFunc(func(ctx context.Context, req collaborator.SummarizeRequest) (*note.ChartPrepOutput, error) {
			return &note.ChartPrepOutput{}, nil
		})
	}
	events := &eventRecorder{}

	s, err := NewSession(Options{
		Autosaver:   saver,
		Summarizer:  summarizer,
		Synthesizer: synthesizer,
		Events:      events,
		Jobs:        workerpool.Config{Workers: 1, QueueSize: 4, RetryDelay: time.Millisecond},
		Now:         clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.jobs.Stop() })

	return &harness{session: s, store: store, clock: clock, events: events}
}

func (h *harness) open(t *testing.T, id note.Identity, loaded note.Fields) ReviewView {
	t.Helper()
	_, err := h.session.SwitchPatient(context.Background(), id, loaded)
	require.NoError(t, err)
	view, err := h.session.OpenReview(context.Background(), id)
	require.NoError(t, err)
	return view
}

func (h *harness) record(t *testing.T, id note.Identity) autosave.Record {
	t.Helper()
	raw, err := h.store.Get(context.Background(), autosave.Key(autosave.DefaultNamespace, id))
	require.NoError(t, err)
	var rec autosave.Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	return rec
}

func staticSynthesizer(out map[string]any) collaborator.Synthesizer {
	return collaborator.SynthesizerFunc(func(ctx context.Context, req collaborator.SynthesizeRequest) (map[string]any, error) {
		return out, nil
	})
}

func section(t *testing.T, v ReviewView, id string) note.NoteSection {
	t.Helper()
	s, ok := v.Note.Section(id)
	require.True(t, ok, "section %s", id)
	return s
}

func TestSynthesisOverlaysHPIAndAssessment(t *testing.T) {
	h := newHarness(t, nil, staticSynthesizer(map[string]any{
		note.SectionHPI:        "Three days of bifrontal headache, worse in the morning.",
		note.SectionAssessment: "Tension-type headache.",
		note.SectionPlan:       "",
		note.SectionROS:        42,
	}))
	view := h.open(t, patientA, note.Fields{
		note.SectionChiefComplaint: "Headache",
		note.SectionHPI:            "headache",
		note.SectionPlan:           "Ibuprofen PRN",
	})

	applied, err := h.session.RunSynthesis(context.Background(), patientA, view.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{note.SectionHPI, note.SectionAssessment}, applied)

	view, err = h.session.Review(patientA)
	require.NoError(t, err)

	hpi := section(t, view, note.SectionHPI)
	assert.Equal(t, "Three days of bifrontal headache, worse in the morning.", hpi.Content)
	assert.Equal(t, note.SourceAISynthesized, hpi.Source)
	assert.Equal(t, note.SourceAISynthesized, section(t, view, note.SectionAssessment).Source)

	plan := section(t, view, note.SectionPlan)
	assert.Equal(t, "Ibuprofen PRN", plan.Content)
	assert.Equal(t, note.SourceManual, plan.Source)
	assert.Empty(t, section(t, view, note.SectionROS).Content)

	assert.Contains(t, view.Note.FullText, "Tension-type headache.")

	_, fields := h.session.Fields()
	assert.Equal(t, "Tension-type headache.", fields[note.SectionAssessment])
	assert.Equal(t, "Ibuprofen PRN", fields[note.SectionPlan])
	assert.Equal(t, autosave.StatusUnsaved, h.session.Status())

	assert.Equal(t, []note.EventType{note.EventReviewOpened, note.EventSectionsSynthesized}, h.events.types())
}

func TestSynthesisResultDiscardedAfterPatientSwitch(t *testing.T) {
	var h *harness
	h = newHarness(t, nil, collaborator.SynthesizerFunc(func(ctx context.Context, req collaborator.SynthesizeRequest) (map[string]any, error) {
		assert.Equal(t, "P001", req.PatientContext.PatientID)
		// the clinician opens another chart while the call is in flight
		_, err := h.session.SwitchPatient(ctx, patientB, note.Fields{note.SectionHPI: "B's HPI"})
		require.NoError(t, err)
		return map[string]any{note.SectionHPI: "A's synthesized HPI"}, nil
	}))
	view := h.open(t, patientA, note.Fields{note.SectionHPI: "A's HPI"})

	applied, err := h.session.RunSynthesis(context.Background(), patientA, view.ID)
	require.NoError(t, err)
	assert.Empty(t, applied)

	id, fields := h.session.Fields()
	assert.Equal(t, patientB, id)
	assert.Equal(t, "B's HPI", fields[note.SectionHPI])

	_, err = h.session.Review(patientB)
	assert.ErrorIs(t, err, ErrNoReview)
	assert.Equal(t, "A's HPI", h.record(t, patientA).Data[note.SectionHPI])
}

func TestSynthesisFailureLeavesNoteUntouched(t *testing.T) {
	h := newHarness(t, nil, collaborator.SynthesizerFunc(func(ctx context.Context, req collaborator.SynthesizeRequest) (map[string]any, error) {
		return nil, errors.New("upstream 503")
	}))
	view := h.open(t, patientA, note.Fields{note.SectionHPI: "headache"})

	_, err := h.session.RunSynthesis(context.Background(), patientA, view.ID)
	assert.ErrorIs(t, err, ErrSynthesisFailed)
	assert.Contains(t, h.session.LastError(), "upstream 503")

	after, err := h.session.Review(patientA)
	require.NoError(t, err)
	assert.Equal(t, view.Note, after.Note)
}

func TestSynthesizeRunsAsBackgroundJob(t *testing.T) {
	h := newHarness(t, nil, staticSynthesizer(map[string]any{note.SectionPlan: "MRI brain"}))
	h.open(t, patientA, note.Fields{note.SectionPlan: "observe"})

	jobID, err := h.session.Synthesize(context.Background(), patientA)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		r, ok := h.session.Job(jobID)
		return ok && r.Status == workerpool.StatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	view, err := h.session.Review(patientA)
	require.NoError(t, err)
	assert.Equal(t, "MRI brain", section(t, view, note.SectionPlan).Content)
}

func TestSynthesizeRequiresConfiguredReview(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.open(t, patientA, nil)
	_, err := h.session.Synthesize(context.Background(), patientA)
	assert.ErrorIs(t, err, ErrNoSynthesizer)

	h = newHarness(t, nil, staticSynthesizer(nil))
	_, err = h.session.SwitchPatient(context.Background(), patientA, nil)
	require.NoError(t, err)
	_, err = h.session.Synthesize(context.Background(), patientA)
	assert.ErrorIs(t, err, ErrNoReview)
}

func TestSignOffGate(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	view := h.open(t, patientA, note.Fields{
		note.SectionChiefComplaint: "Headache",
		note.SectionHPI:            "3 days",
		note.SectionPhysicalExam:   "Normal neuro exam",
		note.SectionAssessment:     "Tension headache",
		note.SectionPlan:           "NSAIDs",
	})
	assert.Equal(t, note.StatusDraft, view.Status)
	assert.ElementsMatch(t, note.RequiredSectionIDs(), view.Missing)

	_, err := h.session.Sign(ctx, patientA, "dr-lee")
	assert.ErrorIs(t, err, note.ErrNotReady)

	for _, id := range note.RequiredSectionIDs() {
		view, err = h.session.SetVerified(ctx, patientA, id, true)
		require.NoError(t, err)
	}
	assert.Equal(t, note.StatusReady, view.Status)

	view, err = h.session.SetVerified(ctx, patientA, note.SectionPlan, false)
	require.NoError(t, err)
	assert.Equal(t, note.StatusDraft, view.Status)
	view, err = h.session.SetVerified(ctx, patientA, note.SectionPlan, true)
	require.NoError(t, err)

	signed, err := h.session.Sign(ctx, patientA, "dr-lee")
	require.NoError(t, err)
	assert.Equal(t, note.StatusSigned, signed.Status)
	assert.Equal(t, "dr-lee", signed.SignedBy)
	require.NotNil(t, signed.SignedAt)
	assert.Equal(t, t0, *signed.SignedAt)

	_, err = h.session.EditSection(ctx, patientA, note.SectionPlan, "changed")
	assert.ErrorIs(t, err, note.ErrSigned)

	types := h.events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, note.EventNoteSigned, types[len(types)-1])
}

func TestSignPublishFailureKeepsEventQueued(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.open(t, patientA, note.Fields{note.SectionChiefComplaint: "Cough"})
	for _, id := range note.RequiredSectionIDs() {
		_, err := h.session.SetVerified(ctx, patientA, id, true)
		require.NoError(t, err)
	}

	h.events.setFail(errors.New("broker down"))
	view, err := h.session.Sign(ctx, patientA, "dr-lee")
	assert.Error(t, err)
	assert.Equal(t, note.StatusSigned, view.Status)

	h.events.setFail(nil)
	require.NoError(t, h.session.flushEvents(ctx))
	types := h.events.types()
	assert.Equal(t, note.EventNoteSigned, types[len(types)-1])
}

func TestEditSectionWritesFieldAndAutosaves(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.open(t, patientA, note.Fields{note.SectionHPI: "headache"})

	view, err := h.session.EditSection(ctx, patientA, note.SectionHPI, "headache for 3 days")
	require.NoError(t, err)
	assert.Equal(t, "headache for 3 days", section(t, view, note.SectionHPI).Content)
	assert.Equal(t, autosave.StatusUnsaved, h.session.Status())

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, autosave.StatusSaved, h.session.Status())
	rec := h.record(t, patientA)
	assert.Equal(t, "headache for 3 days", rec.Data[note.SectionHPI])
	assert.Equal(t, "P001", rec.PatientID)

	_, err = h.session.EditSection(ctx, patientA, "nonexistent", "x")
	assert.ErrorIs(t, err, note.ErrUnknownSection)
}

func TestExtrasSectionEditKeepsOnlyFieldText(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.session.SwitchPatient(ctx, patientA, nil)
	require.NoError(t, err)
	require.NoError(t, h.session.SetExtras(patientA, note.Extras{Labs: []note.LabResult{{Name: "A1C", Value: "8.2", Unit: "%"}}}))
	_, err = h.session.OpenReview(ctx, patientA)
	require.NoError(t, err)

	_, err = h.session.EditSection(ctx, patientA, note.SectionLabs, "Fasting sample.\n\n- A1C: 8.2 %")
	require.NoError(t, err)

	_, fields := h.session.Fields()
	assert.Equal(t, "Fasting sample.", fields[note.SectionLabs])
}

func TestAssessmentEditWithDiagnosesSurvivesTeardown(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.session.SwitchPatient(ctx, patientA, note.Fields{note.SectionAssessment: "Migraine"})
	require.NoError(t, err)
	require.NoError(t, h.session.SetExtras(patientA, note.Extras{
		Diagnoses: []note.Diagnosis{{Code: "G43.909", Description: "Migraine, unspecified"}},
	}))
	view, err := h.session.OpenReview(ctx, patientA)
	require.NoError(t, err)
	assessment := section(t, view, note.SectionAssessment)
	require.Equal(t, note.SourceMerged, assessment.Source)

	_, err = h.session.EditSection(ctx, patientA, note.SectionAssessment, "Migraine without aura, improving on topiramate")
	require.NoError(t, err)

	_, fields := h.session.Fields()
	assert.Equal(t, "Migraine without aura, improving on topiramate", fields[note.SectionAssessment])

	require.NoError(t, h.session.CloseReview(patientA))
	view, err = h.session.OpenReview(ctx, patientA)
	require.NoError(t, err)
	assert.Equal(t, "Migraine without aura, improving on topiramate\n\nDiagnoses:\n- Migraine, unspecified (G43.909)",
		section(t, view, note.SectionAssessment).Content)

	require.NoError(t, h.session.Teardown(ctx))
	assert.Equal(t, "Migraine without aura, improving on topiramate", h.record(t, patientA).Data[note.SectionAssessment])
}

func TestEditDuringSynthesisKeepsManualSections(t *testing.T) {
	ctx := context.Background()
	var h *harness
	h = newHarness(t, nil, collaborator.SynthesizerFunc(func(ctx context.Context, req collaborator.SynthesizeRequest) (map[string]any, error) {
		// the clinician keeps typing while the call is in flight
		_, err := h.session.EditSection(ctx, patientA, note.SectionPlan, "manual plan")
		require.NoError(t, err)
		_, err = h.session.EditSection(ctx, patientA, note.SectionHPI, "manual hpi")
		require.NoError(t, err)
		return map[string]any{
			note.SectionHPI:            "synth hpi",
			note.SectionChiefComplaint: "synth cc",
		}, nil
	}))
	view := h.open(t, patientA, note.Fields{
		note.SectionChiefComplaint: "Headache",
		note.SectionHPI:            "headache",
		note.SectionPlan:           "Ibuprofen PRN",
	})

	applied, err := h.session.RunSynthesis(ctx, patientA, view.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{note.SectionChiefComplaint, note.SectionHPI}, applied)

	view, err = h.session.Review(patientA)
	require.NoError(t, err)
	assert.Equal(t, "synth hpi", section(t, view, note.SectionHPI).Content)
	assert.Equal(t, "synth cc", section(t, view, note.SectionChiefComplaint).Content)
	plan := section(t, view, note.SectionPlan)
	assert.Equal(t, "manual plan", plan.Content)
	assert.Equal(t, note.SourceManual, plan.Source)

	_, fields := h.session.Fields()
	assert.Equal(t, "synth hpi", fields[note.SectionHPI])
	assert.Equal(t, "synth cc", fields[note.SectionChiefComplaint])
	assert.Equal(t, "manual plan", fields[note.SectionPlan])
}

func TestOperationsRejectStaleIdentity(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.open(t, patientA, nil)

	_, err := h.session.EditSection(ctx, patientB, note.SectionHPI, "x")
	assert.ErrorIs(t, err, autosave.ErrIdentityChanged)
	assert.ErrorIs(t, h.session.SetField(patientB, note.SectionHPI, "x"), autosave.ErrIdentityChanged)
	assert.ErrorIs(t, h.session.SetField(patientA, "billing", "x"), note.ErrUnknownSection)

	_, err = h.session.SwitchPatient(ctx, note.Identity{}, nil)
	assert.ErrorIs(t, err, autosave.ErrNoIdentity)
}

func TestDictationFeedsChartPrepIntoReview(t *testing.T) {
	h := newHarness(t, collaborator.SummarizerFunc(func(ctx context.Context, req collaborator.SummarizeRequest) (*note.ChartPrepOutput, error) {
		return &note.ChartPrepOutput{SuggestedPlan: "Repeat A1C in 3 months"}, nil
	}), nil)
	ctx := context.Background()
	_, err := h.session.SwitchPatient(ctx, patientA, nil)
	require.NoError(t, err)

	recordingID, err := h.session.StartRecording(patientA)
	require.NoError(t, err)
	out, err := h.session.CompleteDictation(ctx, patientA, ingestion.Dictation{RecordingID: recordingID, Text: "A1C was 8.2 last visit"})
	require.NoError(t, err)
	assert.Equal(t, []string{note.SectionPlan}, out.Updated)
	assert.Equal(t, note.CategoryLabs, out.Note.Category)

	view, err := h.session.OpenReview(ctx, patientA)
	require.NoError(t, err)
	plan := section(t, view, note.SectionPlan)
	assert.Contains(t, plan.Content, ingestion.WrapChartPrep("Repeat A1C in 3 months"))
}

func TestDictationFailureIsShown(t *testing.T) {
	h := newHarness(t, collaborator.SummarizerFunc(func(ctx context.Context, req collaborator.SummarizeRequest) (*note.ChartPrepOutput, error) {
		return nil, errors.New("timeout")
	}), nil)
	_, err := h.session.SwitchPatient(context.Background(), patientA, nil)
	require.NoError(t, err)

	_, err = h.session.CompleteDictation(context.Background(), patientA, ingestion.Dictation{Text: "referral to cardiology"})
	assert.ErrorIs(t, err, ingestion.ErrSummarizeFailed)
	assert.Contains(t, h.session.LastError(), "timeout")
	assert.Len(t, h.session.PrepNotes(), 1)
}

func TestIngestTranscriptDropsOtherCharts(t *testing.T) {
	calls := 0
	h := newHarness(t, collaborator.SummarizerFunc(func(ctx context.Context, req collaborator.SummarizeRequest) (*note.ChartPrepOutput, error) {
		calls++
		return &note.ChartPrepOutput{}, nil
	}), nil)
	ctx := context.Background()
	_, err := h.session.SwitchPatient(ctx, patientA, nil)
	require.NoError(t, err)

	require.NoError(t, h.session.IngestTranscript(ctx, redpanda.TranscriptMessage{
		PatientID: "P002", VisitID: "V02", RecordingID: "rec-b", Text: "MRI pending",
	}))
	assert.Empty(t, h.session.PrepNotes())

	msg := redpanda.TranscriptMessage{PatientID: "P001", VisitID: "V01", RecordingID: "rec-a", Text: "MRI pending"}
	require.NoError(t, h.session.IngestTranscript(ctx, msg))
	require.NoError(t, h.session.IngestTranscript(ctx, msg))

	require.Len(t, h.session.PrepNotes(), 1)
	assert.Equal(t, note.CategoryImaging, h.session.PrepNotes()[0].Category)
	assert.Equal(t, 1, calls)
}

func TestSwitchFlushesAndRestores(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.session.SwitchPatient(ctx, patientA, nil)
	require.NoError(t, err)
	require.NoError(t, h.session.SetField(patientA, note.SectionHPI, "unsaved A edit"))

	_, err = h.session.SwitchPatient(ctx, patientB, nil)
	require.NoError(t, err)
	assert.Equal(t, "unsaved A edit", h.record(t, patientA).Data[note.SectionHPI])

	outcome, err := h.session.SwitchPatient(ctx, patientA, note.Fields{note.SectionHPI: "server copy"})
	require.NoError(t, err)
	assert.Equal(t, autosave.RestoreApplied, outcome)
	_, fields := h.session.Fields()
	assert.Equal(t, "unsaved A edit", fields[note.SectionHPI])

	require.NoError(t, h.session.MarkPersisted(ctx, patientA))
	_, err = h.store.Get(ctx, autosave.Key(autosave.DefaultNamespace, patientA))
	assert.ErrorIs(t, err, autosave.ErrNotFound)
}

func TestTeardownFlushes(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.session.SwitchPatient(ctx, patientA, nil)
	require.NoError(t, err)
	require.NoError(t, h.session.SetField(patientA, note.SectionPlan, "follow up in 2 weeks"))

	require.NoError(t, h.session.Teardown(ctx))
	assert.Equal(t, "follow up in 2 weeks", h.record(t, patientA).Data[note.SectionPlan])
}
