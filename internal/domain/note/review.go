package note

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the review state of a note
type Status string

const (
	StatusDraft  Status = "draft"
	StatusReady  Status = "ready"
	StatusSigned Status = "signed"
)

var (
	// ErrNotReady is returned when signing while a required section is unverified
	ErrNotReady = errors.New("required sections are not verified")
	// ErrSigned is returned when mutating a signed note
	ErrSigned = errors.New("note already signed")
	// ErrUnknownSection is returned for a section id the note does not carry
	ErrUnknownSection = errors.New("unknown section")
)

// Review is the aggregate around one open FormattedNote. It enforces the
// Draft -> Ready -> Signed lifecycle and records every change as an event.
type Review struct {
	id        string
	patientID string
	visitID   string
	version   int
	note      FormattedNote
	signedBy  string
	signedAt  time.Time
	changes   []*Event
	now       func() time.Time
}

// OpenReview starts a review over a freshly generated note
func OpenReview(id, patientID, visitID string, note FormattedNote, now func() time.Time) (*Review, error) {
	if now == nil {
		now = time.Now
	}
	r := &Review{
		id:        id,
		patientID: patientID,
		visitID:   visitID,
		note:      note,
		now:       now,
	}

	ids := make([]string, 0, len(note.Sections))
	for _, s := range note.OrderedSections() {
		ids = append(ids, s.ID)
	}
	if err := r.record(EventReviewOpened, &ReviewOpenedData{SectionIDs: ids, WordCount: note.WordCount}); err != nil {
		return nil, err
	}
	return r, nil
}

// ID returns the review ID
func (r *Review) ID() string { return r.id }

// PatientID returns the patient the note belongs to
func (r *Review) PatientID() string { return r.patientID }

// VisitID returns the visit the note belongs to
func (r *Review) VisitID() string { return r.visitID }

// Version returns the number of recorded events
func (r *Review) Version() int { return r.version }

// Note returns the current note
func (r *Review) Note() FormattedNote { return r.note }

// SignedBy returns who signed the note and when
func (r *Review) SignedBy() (string, time.Time) { return r.signedBy, r.signedAt }

// Changes returns unpublished events
func (r *Review) Changes() []*Event { return r.changes }

// ClearChanges clears unpublished events
func (r *Review) ClearChanges() { r.changes = nil }

// Status derives the lifecycle state from the note
func (r *Review) Status() Status {
	if r.signedBy != "" {
		return StatusSigned
	}
	if AllRequiredVerified(r.note) {
		return StatusReady
	}
	return StatusDraft
}

// EditSection replaces one section's content
func (r *Review) EditSection(sectionID, content string) error {
	if r.Status() == StatusSigned {
		return ErrSigned
	}
	if _, ok := r.note.Section(sectionID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSection, sectionID)
	}

	r.note = UpdateSection(r.note, sectionID, content)
	return r.record(EventSectionEdited, &SectionEditedData{SectionID: sectionID, WordCount: r.note.WordCount})
}

// SetVerified sets the clinician's verification flag for one section.
// Clearing it on a required section returns a ready note to draft.
func (r *Review) SetVerified(sectionID string, verified bool) error {
	if r.Status() == StatusSigned {
		return ErrSigned
	}
	if _, ok := r.note.Section(sectionID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSection, sectionID)
	}

	r.note = ToggleVerified(r.note, sectionID, verified)
	return r.record(EventSectionVerificationChanged, &SectionVerificationData{SectionID: sectionID, Verified: verified})
}

// ApplySynthesis overlays synthesized content and returns the replaced ids
func (r *Review) ApplySynthesis(synthesized map[string]any) ([]string, error) {
	if r.Status() == StatusSigned {
		return nil, ErrSigned
	}

	updated, applied := OverlayApplied(r.note, synthesized)
	if len(applied) == 0 {
		return nil, nil
	}
	r.note = updated
	if err := r.record(EventSectionsSynthesized, &SectionsSynthesizedData{SectionIDs: applied}); err != nil {
		return nil, err
	}
	return applied, nil
}

// Sign consumes the ready state. It is rejected without any change unless
// every required section is verified.
func (r *Review) Sign(clinicianID string) error {
	switch r.Status() {
	case StatusSigned:
		return ErrSigned
	case StatusDraft:
		return ErrNotReady
	}
	if clinicianID == "" {
		return errors.New("signing clinician is required")
	}

	at := r.now().UTC()
	data := &NoteSignedData{
		SignedBy:  clinicianID,
		SignedAt:  at,
		WordCount: r.note.WordCount,
		FullText:  r.note.FullText,
	}
	if err := r.record(EventNoteSigned, data); err != nil {
		return err
	}
	r.signedBy = clinicianID
	r.signedAt = at
	return nil
}

func (r *Review) record(eventType EventType, data interface{}) error {
	event, err := NewEvent(r.id, eventType, data, r.now())
	if err != nil {
		return fmt.Errorf("create %s event: %w", eventType, err)
	}
	r.version++
	event.Version = r.version
	event.PatientID = r.patientID
	event.VisitID = r.visitID
	r.changes = append(r.changes, event)
	return nil
}
