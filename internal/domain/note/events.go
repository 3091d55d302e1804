package note

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of review event
type EventType string

const (
	EventReviewOpened               EventType = "ReviewOpened"
	EventSectionEdited              EventType = "SectionEdited"
	EventSectionVerificationChanged EventType = "SectionVerificationChanged"
	EventSectionsSynthesized        EventType = "SectionsSynthesized"
	EventNoteSigned                 EventType = "NoteSigned"
)

// Event represents a review event
type Event struct {
	ID        string          `json:"id"`
	ReviewID  string          `json:"review_id"`
	EventType EventType       `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	Version   int             `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	PatientID string          `json:"patient_id,omitempty"`
	VisitID   string          `json:"visit_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(reviewID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		ReviewID:  reviewID,
		EventType: eventType,
		EventData: eventData,
		Timestamp: at.UTC(),
	}, nil
}

// ReviewOpenedData records the note as first composed
type ReviewOpenedData struct {
	SectionIDs []string `json:"section_ids"`
	WordCount  int      `json:"word_count"`
}

// SectionEditedData records a manual section edit
type SectionEditedData struct {
	SectionID string `json:"section_id"`
	WordCount int    `json:"word_count"`
}

// SectionVerificationData records a verification toggle
type SectionVerificationData struct {
	SectionID string `json:"section_id"`
	Verified  bool   `json:"verified"`
}

// SectionsSynthesizedData records an applied synthesis overlay
type SectionsSynthesizedData struct {
	SectionIDs []string `json:"section_ids"`
}

// NoteSignedData records the terminal sign-off
type NoteSignedData struct {
	SignedBy  string    `json:"signed_by"`
	SignedAt  time.Time `json:"signed_at"`
	WordCount int       `json:"word_count"`
	FullText  string    `json:"full_text"`
}
