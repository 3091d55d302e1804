package note

import "time"

// PrepCategory classifies a dictated pre-visit note
type PrepCategory string

const (
	CategoryImaging    PrepCategory = "imaging"
	CategoryLabs       PrepCategory = "labs"
	CategoryReferral   PrepCategory = "referral"
	CategoryHistory    PrepCategory = "history"
	CategoryAssessment PrepCategory = "assessment"
	CategoryGeneral    PrepCategory = "general"
)

// PrepNote is one unit of dictated chart-prep content
type PrepNote struct {
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
	Category  PrepCategory `json:"category"`
}
