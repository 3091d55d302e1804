package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/visitnote/internal/domain/note"
	"github.com/drfirst/visitnote/pkg/scheduler"
)

var (
	patientA = note.Identity{PatientID: "P001", VisitID: "V01"}
	patientB = note.Identity{PatientID: "P002", VisitID: "V02"}
	t0       = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

type write struct {
	key    string
	record Record
}

// recordingStore counts every Set and can be told to fail
type recordingStore struct {
	*MemoryStore
	mu     sync.Mutex
	writes []write
	fail   error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: NewMemoryStore()}
}

func (s *recordingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}

	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return err
	}
	s.mu.Lock()
	s.writes = append(s.writes, write{key: key, record: rec})
	s.mu.Unlock()
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *recordingStore) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *recordingStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *recordingStore) record(t *testing.T, id note.Identity) (Record, bool) {
	t.Helper()
	raw, err := s.MemoryStore.Get(context.Background(), Key(DefaultNamespace, id))
	if errors.Is(err, ErrNotFound) {
		return Record{}, false
	}
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	return rec, true
}

func (s *recordingStore) put(t *testing.T, id note.Identity, raw []byte) {
	t.Helper()
	require.NoError(t, s.MemoryStore.Set(context.Background(), Key(DefaultNamespace, id), raw))
}

func newTestAutosaver(t *testing.T) (*Autosaver, *recordingStore, *scheduler.ManualClock) {
	t.Helper()
	clock := scheduler.NewManualClock(t0)
	store := newRecordingStore()
	a := New(Config{}, store, scheduler.New(clock, nil), nil, nil)
	return a, store, clock
}

func selectPatient(t *testing.T, a *Autosaver, id note.Identity, loaded note.Fields) RestoreOutcome {
	t.Helper()
	outcome, err := a.SwitchTo(context.Background(), id, loaded)
	require.NoError(t, err)
	return outcome
}

func TestKey(t *testing.T) {
	assert.Equal(t, "visitnote-autosave-P001-V01", Key("visitnote", patientA))
	assert.Equal(t, "visitnote-autosave-P001-draft", Key("visitnote", note.Identity{PatientID: "P001"}))
}

func TestEditsCoalesceIntoOneWrite(t *testing.T) {
	a, store, clock := newTestAutosaver(t)
	selectPatient(t, a, patientA, nil)

	for _, v := range []string{"H", "He", "Hea", "Head", "Headache"} {
		require.NoError(t, a.SetField(patientA, note.SectionHPI, v))
		clock.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, 0, store.writeCount())
	assert.Equal(t, StatusUnsaved, a.Status())

	clock.Advance(2 * time.Second)

	require.Equal(t, 1, store.writeCount())
	rec, ok := store.record(t, patientA)
	require.True(t, ok)
	assert.Equal(t, "Headache", rec.Data[note.SectionHPI])
	assert.Equal(t, "P001", rec.PatientID)
	assert.Equal(t, "V01", rec.VisitID)
	assert.Equal(t, StatusSaved, a.Status())
}

func TestStatusObservers(t *testing.T) {
	a, _, clock := newTestAutosaver(t)
	selectPatient(t, a, patientA, nil)

	var seen []Status
	a.OnStatus(func(s Status) { seen = append(seen, s) })

	require.NoError(t, a.SetField(patientA, note.SectionPlan, "Rest"))
	clock.Advance(DefaultDelay)

	assert.Equal(t, []Status{StatusUnsaved, StatusSaving, StatusSaved}, seen)
}

func TestUnchangedValueSchedulesNothing(t *testing.T) {
	a, _, _ := newTestAutosaver(t)
	selectPatient(t, a, patientA, note.Fields{note.SectionPlan: "Rest"})

	require.NoError(t, a.SetField(patientA, note.SectionPlan, "Rest"))
	assert.False(t, a.Pending())
	assert.Equal(t, StatusSaved, a.Status())
}

func TestSwitchWithArmedTimer(t *testing.T) {
	a, store, clock := newTestAutosaver(t)
	selectPatient(t, a, patientA, nil)

	require.NoError(t, a.SetField(patientA, note.SectionHPI, "A's headache"))
	clock.Advance(time.Second)
	require.True(t, a.Pending())

	selectPatient(t, a, patientB, note.Fields{note.SectionHPI: "B from server"})

	require.Equal(t, 1, store.writeCount(), "outgoing chart flushed synchronously")
	recA, ok := store.record(t, patientA)
	require.True(t, ok)
	assert.Equal(t, "A's headache", recA.Data[note.SectionHPI])

	clock.Advance(10 * time.Second)

	assert.Equal(t, 1, store.writeCount(), "A's timer must not fire after the switch")
	_, ok = store.record(t, patientB)
	assert.False(t, ok)

	id, fields := a.Fields()
	assert.Equal(t, patientB, id)
	assert.Equal(t, "B from server", fields[note.SectionHPI])
}

func TestFireRechecksIdentityAndTransition(t *testing.T) {
	a, store, _ := newTestAutosaver(t)
	selectPatient(t, a, patientA, nil)
	require.NoError(t, a.SetField(patientA, note.SectionHPI, "A"))

	require.NoError(t, a.BeginTransition(context.Background(), patientB))
	writes := store.writeCount()

	// a timer that escaped cancellation for either chart does nothing
	a.fire(patientA)
	a.fire(patientB)
	assert.Equal(t, writes, store.writeCount())

	_, err := a.CompleteTransition(context.Background(), patientB, nil)
	require.NoError(t, err)
	a.fire(patientA)
	assert.Equal(t, writes, store.writeCount())
}

func TestPatientIsolation(t *testing.T) {
	a, store, clock := newTestAutosaver(t)

	selectPatient(t, a, patientA, nil)
	require.NoError(t, a.SetField(patientA, note.SectionPlan, "plan for A"))
	clock.Advance(DefaultDelay)

	selectPatient(t, a, patientB, nil)
	require.NoError(t, a.SetField(patientB, note.SectionPlan, "plan for B"))
	clock.Advance(DefaultDelay)

	outcome := selectPatient(t, a, patientA, note.Fields{})
	assert.Equal(t, RestoreApplied, outcome)
	_, fields := a.Fields()
	assert.Equal(t, "plan for A", fields[note.SectionPlan])

	recB, ok := store.record(t, patientB)
	require.True(t, ok)
	assert.Equal(t, "plan for B", recB.Data[note.SectionPlan])
	assert.Equal(t, "P002", recB.PatientID)

	for _, w := range store.writes {
		assert.Equal(t, Key(DefaultNamespace, note.Identity{PatientID: w.record.PatientID, VisitID: w.record.VisitID}), w.key)
	}
}

func TestRestoreMergesRecentRecordOverLoadedData(t *testing.T) {
	a, store, _ := newTestAutosaver(t)
	raw, err := json.Marshal(Record{
		Data:      note.Fields{note.SectionHPI: "unsaved draft"},
		Timestamp: t0.Add(-time.Hour).UnixMilli(),
		PatientID: "P001",
		VisitID:   "V01",
	})
	require.NoError(t, err)
	store.put(t, patientA, raw)

	outcome := selectPatient(t, a, patientA, note.Fields{
		note.SectionHPI:  "server HPI",
		note.SectionPlan: "server plan",
	})

	assert.Equal(t, RestoreApplied, outcome)
	_, fields := a.Fields()
	assert.Equal(t, "unsaved draft", fields[note.SectionHPI])
	assert.Equal(t, "server plan", fields[note.SectionPlan])
	assert.Equal(t, StatusSaved, a.Status())
	assert.False(t, a.Pending(), "restoring is not an edit")
	assert.False(t, a.Transitioning())
}

func TestRestoreToleratesSmallClockSkew(t *testing.T) {
	a, store, _ := newTestAutosaver(t)
	raw, err := json.Marshal(Record{
		Data:      note.Fields{note.SectionHPI: "from record"},
		Timestamp: t0.Add(30 * time.Second).UnixMilli(),
		PatientID: "P001",
		VisitID:   "V01",
	})
	require.NoError(t, err)
	store.put(t, patientA, raw)

	assert.Equal(t, RestoreApplied, selectPatient(t, a, patientA, nil))
	_, fields := a.Fields()
	assert.Equal(t, "from record", fields[note.SectionHPI])
}

func TestRestorePurgesInvalidRecords(t *testing.T) {
	valid := func(mutate func(*Record)) []byte {
		rec := Record{
			Data:      note.Fields{note.SectionHPI: "from record"},
			Timestamp: t0.Add(-time.Minute).UnixMilli(),
			PatientID: "P001",
			VisitID:   "V01",
		}
		mutate(&rec)
		raw, _ := json.Marshal(rec)
		return raw
	}

	tests := []struct {
		name string
		raw  []byte
		want RestoreOutcome
	}{
		{"malformed json", []byte(`{"data": {`), RestoreMalformed},
		{"missing timestamp", valid(func(r *Record) { r.Timestamp = 0 }), RestoreMalformed},
		{"stale", valid(func(r *Record) { r.Timestamp = t0.Add(-25 * time.Hour).UnixMilli() }), RestoreStale},
		{"exactly max age", valid(func(r *Record) { r.Timestamp = t0.Add(-24 * time.Hour).UnixMilli() }), RestoreStale},
		{"future timestamp", valid(func(r *Record) { r.Timestamp = t0.Add(time.Hour).UnixMilli() }), RestoreMalformed},
		{"other patient", valid(func(r *Record) { r.PatientID = "P999" }), RestoreMismatch},
		{"other visit", valid(func(r *Record) { r.VisitID = "V99" }), RestoreMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, store, _ := newTestAutosaver(t)
			store.put(t, patientA, tt.raw)

			loaded := note.Fields{note.SectionHPI: "server HPI"}
			outcome := selectPatient(t, a, patientA, loaded)

			assert.Equal(t, tt.want, outcome)
			_, fields := a.Fields()
			assert.Equal(t, loaded, fields)
			_, err := store.MemoryStore.Get(context.Background(), Key(DefaultNamespace, patientA))
			assert.ErrorIs(t, err, ErrNotFound, "invalid record is purged")
		})
	}
}

func TestWriteFailureKeepsFieldsUnsaved(t *testing.T) {
	a, store, clock := newTestAutosaver(t)
	selectPatient(t, a, patientA, nil)
	store.setFail(errors.New("disk full"))

	require.NoError(t, a.SetField(patientA, note.SectionPlan, "keep me"))
	clock.Advance(DefaultDelay)

	assert.Equal(t, StatusUnsaved, a.Status())
	_, fields := a.Fields()
	assert.Equal(t, "keep me", fields[note.SectionPlan])
}

func TestFlushFailureAbortsSwitch(t *testing.T) {
	a, store, clock := newTestAutosaver(t)
	selectPatient(t, a, patientA, nil)
	require.NoError(t, a.SetField(patientA, note.SectionPlan, "keep me"))

	store.setFail(errors.New("disk full"))
	_, err := a.SwitchTo(context.Background(), patientB, nil)
	require.Error(t, err)

	id, fields := a.Fields()
	assert.Equal(t, patientA, id)
	assert.Equal(t, "keep me", fields[note.SectionPlan])
	assert.False(t, a.Transitioning())
	assert.True(t, a.Pending(), "write re-armed")

	store.setFail(nil)
	clock.Advance(DefaultDelay)
	rec, ok := store.record(t, patientA)
	require.True(t, ok)
	assert.Equal(t, "keep me", rec.Data[note.SectionPlan])
}

func TestMutationGuards(t *testing.T) {
	a, _, _ := newTestAutosaver(t)

	assert.ErrorIs(t, a.SetField(patientA, note.SectionHPI, "x"), ErrNoIdentity)

	selectPatient(t, a, patientA, nil)
	assert.ErrorIs(t, a.SetField(patientB, note.SectionHPI, "x"), ErrIdentityChanged)

	require.NoError(t, a.BeginTransition(context.Background(), patientB))
	assert.ErrorIs(t, a.SetField(patientB, note.SectionHPI, "x"), ErrTransitionInProgress)
	assert.ErrorIs(t, a.BeginTransition(context.Background(), patientA), ErrTransitionInProgress)

	_, err := a.CompleteTransition(context.Background(), patientA, nil)
	assert.ErrorIs(t, err, ErrIdentityChanged)
}

func TestTeardownFlushesSynchronously(t *testing.T) {
	a, store, _ := newTestAutosaver(t)
	selectPatient(t, a, patientA, nil)
	require.NoError(t, a.SetField(patientA, note.SectionHPI, "last words"))

	require.NoError(t, a.Teardown(context.Background()))

	rec, ok := store.record(t, patientA)
	require.True(t, ok)
	assert.Equal(t, "last words", rec.Data[note.SectionHPI])
	assert.ErrorIs(t, a.SetField(patientA, note.SectionHPI, "after"), scheduler.ErrStopped)
}

func TestTeardownSkippedWithoutIdentityOrMidSwitch(t *testing.T) {
	a, store, _ := newTestAutosaver(t)
	require.NoError(t, a.Teardown(context.Background()))
	assert.Equal(t, 0, store.writeCount())

	b, store, _ := newTestAutosaver(t)
	selectPatient(t, b, patientA, nil)
	require.NoError(t, b.BeginTransition(context.Background(), patientB))
	writes := store.writeCount()
	require.NoError(t, b.Teardown(context.Background()))
	assert.Equal(t, writes, store.writeCount())
}

func TestMarkPersistedDropsRecord(t *testing.T) {
	a, store, clock := newTestAutosaver(t)
	selectPatient(t, a, patientA, nil)
	require.NoError(t, a.SetField(patientA, note.SectionHPI, "saved on server"))
	clock.Advance(DefaultDelay)
	_, ok := store.record(t, patientA)
	require.True(t, ok)

	require.NoError(t, a.SetField(patientA, note.SectionHPI, "saved on server, edited"))
	require.NoError(t, a.MarkPersisted(context.Background(), patientA))

	_, ok = store.record(t, patientA)
	assert.False(t, ok)
	assert.False(t, a.Pending())
	assert.Equal(t, StatusSaved, a.Status())
}
