// Package autosave keeps a visit's field map durable between server saves.
//
// Edits are written on an idle debounce. Every scheduled write remembers the
// chart it was armed for and re-checks it when it fires, and an identity
// switch flushes the outgoing chart before the field map is cleared, so an
// edit is never lost nor written under another patient's key.
package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/visitnote/internal/domain/note"
	"github.com/drfirst/visitnote/internal/observability/metrics"
	"github.com/drfirst/visitnote/pkg/cell"
	"github.com/drfirst/visitnote/pkg/scheduler"
)

const (
	DefaultNamespace = "visitnote"
	DefaultDelay     = 2 * time.Second
	DefaultMaxAge    = 24 * time.Hour

	// maxClockSkew is how far in the future a record may be stamped and
	// still be trusted
	maxClockSkew = time.Minute
)

var (
	// ErrNoIdentity is returned when editing before a patient is selected
	ErrNoIdentity = errors.New("no patient selected")
	// ErrTransitionInProgress is returned when editing while the chart is switching
	ErrTransitionInProgress = errors.New("patient switch in progress")
	// ErrIdentityChanged is returned when the caller's chart is no longer shown
	ErrIdentityChanged = errors.New("patient changed")
)

// Status is the local durability state of the field map
type Status string

const (
	StatusSaved   Status = "saved"
	StatusSaving  Status = "saving"
	StatusUnsaved Status = "unsaved"
)

// RestoreOutcome says what happened to the stored record on a switch
type RestoreOutcome string

const (
	RestoreNone      RestoreOutcome = "none"
	RestoreApplied   RestoreOutcome = "restored"
	RestoreStale     RestoreOutcome = "stale"
	RestoreMismatch  RestoreOutcome = "mismatch"
	RestoreMalformed RestoreOutcome = "malformed"
)

// Config holds autosave settings
type Config struct {
	Namespace string
	Delay     time.Duration
	MaxAge    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// Snapshot is the identity and field map at one moment
type Snapshot struct {
	Identity note.Identity
	Fields   note.Fields
}

// Autosaver owns the field map of one session and its durable copy
type Autosaver struct {
	cfg     Config
	store   Store
	sched   *scheduler.Scheduler
	clock   scheduler.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	state *cell.Cell[Snapshot]

	mu            sync.Mutex
	transitioning bool
	status        Status
	observers     []func(Status)

	writeMu sync.Mutex
	written map[string]uint64
}

// New creates an autosaver with no patient selected
func New(cfg Config, store Store, sched *scheduler.Scheduler, m *metrics.Metrics, logger *zap.Logger) *Autosaver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sched == nil {
		sched = scheduler.New(nil, logger)
	}
	return &Autosaver{
		cfg:     cfg.withDefaults(),
		store:   store,
		sched:   sched,
		clock:   sched.Clock(),
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("autosave"),
		state:   cell.New(Snapshot{Fields: note.EmptyFields()}),
		status:  StatusSaved,
		written: make(map[string]uint64),
	}
}

// OnStatus registers fn to be called on every status change. fn runs while
// the autosaver is locked and must not call back into it.
func (a *Autosaver) OnStatus(fn func(Status)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// Status returns the current status
func (a *Autosaver) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Transitioning reports whether a patient switch is underway
func (a *Autosaver) Transitioning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitioning
}

// Snapshot returns the latest identity and field map
func (a *Autosaver) Snapshot() Snapshot {
	return a.state.Read()
}

// Fields returns the latest identity and field map
func (a *Autosaver) Fields() (note.Identity, note.Fields) {
	s := a.state.Read()
	return s.Identity, s.Fields
}

// SetField changes one field of id's note
func (a *Autosaver) SetField(id note.Identity, field, value string) error {
	return a.MutateFields(id, func(f note.Fields) note.Fields {
		next := f.Clone()
		next[field] = value
		return next
	})
}

// MutateFields applies fn to the latest field map of id and schedules a
// write. It fails without effect when id is not the chart currently shown.
func (a *Autosaver) MutateFields(id note.Identity, fn func(note.Fields) note.Fields) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.transitioning {
		return ErrTransitionInProgress
	}
	current := a.state.Read()
	if !current.Identity.Valid() {
		return ErrNoIdentity
	}
	if current.Identity != id {
		return ErrIdentityChanged
	}

	next := fn(current.Fields.Clone())
	if next == nil {
		next = note.EmptyFields()
	}
	if next.Equal(current.Fields) {
		return nil
	}
	a.state.Write(Snapshot{Identity: id, Fields: next})
	a.setStatusLocked(StatusUnsaved)

	captured := id
	if err := a.sched.Schedule(a.key(id), a.cfg.Delay, func() { a.fire(captured) }); err != nil {
		return fmt.Errorf("schedule autosave: %w", err)
	}
	return nil
}

// fire is the debounced write. It re-checks the chart it was armed for and
// does nothing if that chart is gone or a switch is underway.
func (a *Autosaver) fire(captured note.Identity) {
	a.mu.Lock()
	snap, version := a.state.ReadVersioned()
	if transitioning := a.transitioning; transitioning || !captured.Valid() || snap.Identity != captured {
		a.mu.Unlock()
		a.metrics.AutosaveWrite("dropped")
		a.logger.Debug("autosave dropped",
			zap.String("patient_id", captured.PatientID),
			zap.Bool("transitioning", transitioning))
		return
	}
	a.setStatusLocked(StatusSaving)
	a.mu.Unlock()

	err := a.write(context.Background(), captured, snap.Fields, version)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Read().Identity != captured {
		return
	}
	if err != nil {
		a.setStatusLocked(StatusUnsaved)
		return
	}
	if a.state.Version() == version {
		a.setStatusLocked(StatusSaved)
	} else {
		a.setStatusLocked(StatusUnsaved)
	}
}

// write persists fields as id's record unless a newer version of the same
// record has already been written
func (a *Autosaver) write(ctx context.Context, id note.Identity, fields note.Fields, version uint64) error {
	ctx, span := a.tracer.Start(ctx, "autosave.write",
		trace.WithAttributes(attribute.String("patient_id", id.PatientID)))
	defer span.End()

	key := a.key(id)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if last, ok := a.written[key]; ok && version < last {
		a.metrics.AutosaveWrite("superseded")
		return nil
	}

	payload, err := json.Marshal(Record{
		Data:      fields,
		Timestamp: a.clock.Now().UnixMilli(),
		PatientID: id.PatientID,
		VisitID:   id.VisitID,
	})
	if err != nil {
		return fmt.Errorf("marshal autosave record: %w", err)
	}

	if err := a.store.Set(ctx, key, payload); err != nil {
		span.RecordError(err)
		a.metrics.AutosaveWrite("failed")
		a.logger.Warn("autosave write failed",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("write autosave record: %w", err)
	}

	a.written[key] = version
	a.metrics.AutosaveWrite("written")
	a.logger.Debug("autosave written", zap.String("key", key), zap.Int("fields", len(fields)))
	return nil
}

// BeginTransition switches to next. In order: the pending write is
// cancelled, the outgoing field map is written under its own key, the
// transition flag is raised and the field map is cleared. If the flush fails
// nothing is switched and the write is re-armed.
func (a *Autosaver) BeginTransition(ctx context.Context, next note.Identity) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.transitioning {
		return ErrTransitionInProgress
	}

	snap, version := a.state.ReadVersioned()
	outgoing := snap.Identity

	if outgoing.Valid() {
		a.sched.Cancel(a.key(outgoing))
		if err := a.write(ctx, outgoing, snap.Fields, version); err != nil {
			a.setStatusLocked(StatusUnsaved)
			if serr := a.sched.Schedule(a.key(outgoing), a.cfg.Delay, func() { a.fire(outgoing) }); serr != nil {
				a.logger.Warn("could not re-arm autosave", zap.Error(serr))
			}
			return fmt.Errorf("flush %s before switching: %w", outgoing.PatientID, err)
		}
	}

	a.transitioning = true
	a.state.Write(Snapshot{Identity: next, Fields: note.EmptyFields()})
	a.setStatusLocked(StatusSaved)

	a.logger.Info("patient transition started",
		zap.String("from", outgoing.PatientID),
		zap.String("to", next.PatientID))
	return nil
}

// CompleteTransition installs the freshly loaded fields for id, restores a
// recent matching record over them, and lowers the transition flag. A record
// that is malformed, too old, or tagged with another chart is purged.
func (a *Autosaver) CompleteTransition(ctx context.Context, id note.Identity, loaded note.Fields) (RestoreOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Read().Identity != id {
		return RestoreNone, ErrIdentityChanged
	}

	fields := loaded.Clone()
	outcome := RestoreNone
	if id.Valid() {
		var restored note.Fields
		outcome, restored = a.restore(ctx, id)
		for k, v := range restored {
			fields[k] = v
		}
	}

	a.state.Write(Snapshot{Identity: id, Fields: fields})
	a.transitioning = false
	a.setStatusLocked(StatusSaved)
	a.metrics.Restore(string(outcome))

	a.logger.Info("patient transition completed",
		zap.String("patient_id", id.PatientID),
		zap.String("restore", string(outcome)))
	return outcome, nil
}

// SwitchTo runs a whole transition with already loaded data
func (a *Autosaver) SwitchTo(ctx context.Context, next note.Identity, loaded note.Fields) (RestoreOutcome, error) {
	if err := a.BeginTransition(ctx, next); err != nil {
		return RestoreNone, err
	}
	return a.CompleteTransition(ctx, next, loaded)
}

func (a *Autosaver) restore(ctx context.Context, id note.Identity) (RestoreOutcome, note.Fields) {
	ctx, span := a.tracer.Start(ctx, "autosave.restore",
		trace.WithAttributes(attribute.String("patient_id", id.PatientID)))
	defer span.End()

	key := a.key(id)
	raw, err := a.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return RestoreNone, nil
	}
	if err != nil {
		span.RecordError(err)
		a.logger.Warn("autosave read failed", zap.String("key", key), zap.Error(err))
		return RestoreNone, nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Timestamp <= 0 {
		a.purge(ctx, key, "malformed")
		return RestoreMalformed, nil
	}
	if rec.PatientID != id.PatientID || rec.VisitID != id.VisitID {
		a.purge(ctx, key, "identity mismatch")
		return RestoreMismatch, nil
	}
	age := a.clock.Now().Sub(time.UnixMilli(rec.Timestamp))
	if age < -maxClockSkew {
		a.purge(ctx, key, "future timestamp")
		return RestoreMalformed, nil
	}
	if age >= a.cfg.MaxAge {
		a.purge(ctx, key, "stale")
		return RestoreStale, nil
	}
	return RestoreApplied, rec.Data
}

func (a *Autosaver) purge(ctx context.Context, key, reason string) {
	a.logger.Info("purging autosave record", zap.String("key", key), zap.String("reason", reason))
	if err := a.store.Delete(ctx, key); err != nil {
		a.logger.Warn("autosave purge failed", zap.String("key", key), zap.Error(err))
	}
}

// MarkPersisted drops id's record once the note is saved server-side
func (a *Autosaver) MarkPersisted(ctx context.Context, id note.Identity) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.key(id)
	a.sched.Cancel(key)

	a.writeMu.Lock()
	a.written[key] = a.state.Version() + 1
	err := a.store.Delete(ctx, key)
	a.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("delete autosave record: %w", err)
	}

	if a.state.Read().Identity == id && !a.transitioning {
		a.setStatusLocked(StatusSaved)
	}
	return nil
}

// Teardown performs one last synchronous write of the current chart and
// stops all scheduling. It is skipped without a patient or mid-switch.
func (a *Autosaver) Teardown(ctx context.Context) error {
	defer a.sched.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()

	snap, version := a.state.ReadVersioned()
	if !snap.Identity.Valid() || a.transitioning {
		return nil
	}

	a.sched.Cancel(a.key(snap.Identity))
	if err := a.write(ctx, snap.Identity, snap.Fields, version); err != nil {
		a.setStatusLocked(StatusUnsaved)
		return err
	}
	a.setStatusLocked(StatusSaved)
	return nil
}

// Pending reports whether a debounced write is armed for the current chart
func (a *Autosaver) Pending() bool {
	return a.sched.Pending(a.key(a.state.Read().Identity))
}

func (a *Autosaver) key(id note.Identity) string {
	return Key(a.cfg.Namespace, id)
}

func (a *Autosaver) setStatusLocked(s Status) {
	if a.status == s {
		return
	}
	a.status = s
	a.metrics.SetUnsaved(s == StatusUnsaved)
	for _, fn := range a.observers {
		fn(s)
	}
}
