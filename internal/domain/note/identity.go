package note

// Identity names the chart a piece of note data belongs to
type Identity struct {
	PatientID string `json:"patientId"`
	VisitID   string `json:"visitId,omitempty"`
}

// Valid reports whether a patient is selected
func (i Identity) Valid() bool { return i.PatientID != "" }

// VisitKey returns the visit id, or "draft" before a visit exists
func (i Identity) VisitKey() string {
	if i.VisitID == "" {
		return "draft"
	}
	return i.VisitID
}
