// Package note implements the visit note section store, its composition from
// multi-source input, and the review aggregate that gates sign-off.
package note

import (
	"sort"
	"strings"
)

// ContentSource records where a section's content came from. It is display
// provenance only and never influences section order.
type ContentSource string

const (
	SourceManual          ContentSource = "manual"
	SourceChartPrep       ContentSource = "chart-prep"
	SourceVisitAI         ContentSource = "visit-ai"
	SourceMerged          ContentSource = "merged"
	SourceAISynthesized   ContentSource = "ai-synthesized"
	SourceRecommendations ContentSource = "recommendations"
	SourceScales          ContentSource = "scales"
	SourceImaging         ContentSource = "imaging"
)

// Section identifiers. Each doubles as the key of the field map entry that
// backs the section.
const (
	SectionChiefComplaint  = "chiefComplaint"
	SectionHPI             = "hpi"
	SectionROS             = "ros"
	SectionPastHistory     = "pastHistory"
	SectionMedications     = "medications"
	SectionAllergies       = "allergies"
	SectionSocialHistory   = "socialHistory"
	SectionFamilyHistory   = "familyHistory"
	SectionPhysicalExam    = "physicalExam"
	SectionScales          = "scales"
	SectionLabs            = "labs"
	SectionImaging         = "imaging"
	SectionAssessment      = "assessment"
	SectionPlan            = "plan"
	SectionRecommendations = "recommendations"
)

// IsRequired reports whether a section must be verified before signing
func IsRequired(id string) bool {
	def, ok := lookupDef(id)
	return ok && def.required
}

// RequiredSectionIDs returns the required ids in document order
func RequiredSectionIDs() []string {
	var ids []string
	for _, def := range catalog {
		if def.required {
			ids = append(ids, def.id)
		}
	}
	return ids
}

type sectionDef struct {
	id       string
	title    string
	order    int
	required bool
}

// catalog lists every section the engine knows, in document order
var catalog = []sectionDef{
	{SectionChiefComplaint, "Chief Complaint", 10, true},
	{SectionHPI, "History of Present Illness", 20, true},
	{SectionROS, "Review of Systems", 30, false},
	{SectionPastHistory, "Past Medical History", 40, false},
	{SectionMedications, "Medications", 50, false},
	{SectionAllergies, "Allergies", 60, false},
	{SectionSocialHistory, "Social History", 70, false},
	{SectionFamilyHistory, "Family History", 80, false},
	{SectionPhysicalExam, "Physical Exam", 90, true},
	{SectionScales, "Clinical Scales", 100, false},
	{SectionLabs, "Labs", 110, false},
	{SectionImaging, "Imaging", 120, false},
	{SectionAssessment, "Assessment", 130, true},
	{SectionPlan, "Plan", 140, true},
	{SectionRecommendations, "Recommendations", 150, false},
}

func lookupDef(id string) (sectionDef, bool) {
	for _, def := range catalog {
		if def.id == id {
			return def, true
		}
	}
	return sectionDef{}, false
}

// FieldIDs returns every field key backed by a section, in document order
func FieldIDs() []string {
	ids := make([]string, 0, len(catalog))
	for _, def := range catalog {
		ids = append(ids, def.id)
	}
	return ids
}

// NoteSection is one typed block of the note
type NoteSection struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Order      int           `json:"order"`
	Content    string        `json:"content"`
	Source     ContentSource `json:"source"`
	IsVerified bool          `json:"isVerified"`
	Required   bool          `json:"required"`
}

// Populated reports whether the section has content
func (s NoteSection) Populated() bool {
	return strings.TrimSpace(s.Content) != ""
}

// Fields is the flat field map: the system of record for a visit note
type Fields map[string]string

// Clone returns an independent copy
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same values. A missing key
// equals an empty value.
func (f Fields) Equal(other Fields) bool {
	for k, v := range f {
		if other[k] != v {
			return false
		}
	}
	for k, v := range other {
		if f[k] != v {
			return false
		}
	}
	return true
}

// EmptyFields returns the blank template shown while a patient loads
func EmptyFields() Fields {
	return Fields{}
}

// sortSections orders by the order field, breaking ties by id so that the
// layout is deterministic
func sortSections(sections []NoteSection) []NoteSection {
	out := make([]NoteSection, len(sections))
	copy(out, sections)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}
