package note

import (
	"fmt"
	"strconv"
	"strings"
)

// NoteType selects the header and which history sections a note carries
type NoteType string

const (
	NoteTypeNewPatient NoteType = "new-patient"
	NoteTypeFollowUp   NoteType = "follow-up"
	NoteTypeConsult    NoteType = "consult"
	NoteTypeProcedure  NoteType = "procedure"
)

// NoteLength selects how many optional narrative sections appear
type NoteLength string

const (
	LengthConcise  NoteLength = "concise"
	LengthStandard NoteLength = "standard"
	LengthDetailed NoteLength = "detailed"
)

// Preferences are the clinician's composition settings
type Preferences struct {
	NoteType               NoteType   `json:"noteType"`
	NoteLength             NoteLength `json:"noteLength"`
	IncludeScales          bool       `json:"includeScales"`
	IncludeImaging         bool       `json:"includeImaging"`
	IncludeLabs            bool       `json:"includeLabs"`
	IncludeRecommendations bool       `json:"includeRecommendations"`
}

// DefaultPreferences returns the settings used when a clinician has none
func DefaultPreferences() Preferences {
	return Preferences{
		NoteType:               NoteTypeFollowUp,
		NoteLength:             LengthStandard,
		IncludeScales:          true,
		IncludeImaging:         true,
		IncludeLabs:            true,
		IncludeRecommendations: true,
	}
}

// ChartPrepOutput is the structured result of pre-visit summarization
type ChartPrepOutput struct {
	Summary             string `json:"summary,omitempty"`
	Alerts              string `json:"alerts,omitempty"`
	SuggestedHPI        string `json:"suggestedHPI,omitempty"`
	SuggestedAssessment string `json:"suggestedAssessment,omitempty"`
	SuggestedPlan       string `json:"suggestedPlan,omitempty"`
}

// Suggestion returns the chart-prep text targeted at a section
func (c *ChartPrepOutput) Suggestion(id string) string {
	if c == nil {
		return ""
	}
	switch id {
	case SectionHPI:
		return c.SuggestedHPI
	case SectionAssessment:
		return c.SuggestedAssessment
	case SectionPlan:
		return c.SuggestedPlan
	}
	return ""
}

// VisitAIOutput is the structured result of in-visit transcription
type VisitAIOutput struct {
	Transcript string            `json:"transcript,omitempty"`
	Sections   map[string]string `json:"sections,omitempty"`
}

func (v *VisitAIOutput) section(id string) string {
	if v == nil {
		return ""
	}
	return v.Sections[id]
}

// Scale is a scored clinical instrument such as PHQ-9
type Scale struct {
	Name           string  `json:"name"`
	Score          float64 `json:"score"`
	MaxScore       float64 `json:"maxScore,omitempty"`
	Interpretation string  `json:"interpretation,omitempty"`
}

// Diagnosis is a coded problem for the visit
type Diagnosis struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description"`
}

// ImagingStudy is a resulted imaging exam
type ImagingStudy struct {
	Modality   string `json:"modality"`
	BodyPart   string `json:"bodyPart,omitempty"`
	Date       string `json:"date,omitempty"`
	Impression string `json:"impression,omitempty"`
}

// LabResult is a single resulted lab value
type LabResult struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
	Flag  string `json:"flag,omitempty"`
}

// Extras are structured inputs rendered as their own sections
type Extras struct {
	Scales          []Scale        `json:"scales,omitempty"`
	Diagnoses       []Diagnosis    `json:"diagnoses,omitempty"`
	Imaging         []ImagingStudy `json:"imaging,omitempty"`
	Labs            []LabResult    `json:"labs,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// Bundle is every input the composition engine draws from
type Bundle struct {
	Fields    Fields           `json:"fields"`
	ChartPrep *ChartPrepOutput `json:"chartPrep,omitempty"`
	VisitAI   *VisitAIOutput   `json:"visitAI,omitempty"`
	Extras    Extras           `json:"extras"`
}

const defaultFooter = "Electronically documented. Clinician review and signature required."

var headers = map[NoteType]string{
	NoteTypeNewPatient: "NEW PATIENT VISIT NOTE",
	NoteTypeFollowUp:   "FOLLOW-UP VISIT NOTE",
	NoteTypeConsult:    "CONSULTATION NOTE",
	NoteTypeProcedure:  "PROCEDURE NOTE",
}

// Generate builds a note from the bundle. It is pure: identical inputs yield
// identical sections and text, and every section starts unverified.
func Generate(data Bundle, prefs Preferences) FormattedNote {
	header, ok := headers[prefs.NoteType]
	if !ok {
		header = "CLINICAL VISIT NOTE"
	}

	note := FormattedNote{Header: header, Footer: defaultFooter}
	for _, def := range catalog {
		if !includeSection(def, prefs) {
			continue
		}
		content, source := resolveContent(def.id, data)
		note.Sections = append(note.Sections, NoteSection{
			ID:       def.id,
			Title:    def.title,
			Order:    def.order,
			Content:  content,
			Source:   source,
			Required: def.required,
		})
	}

	return note.regenerate()
}

func includeSection(def sectionDef, prefs Preferences) bool {
	if def.required {
		return true
	}

	switch def.id {
	case SectionScales:
		return prefs.IncludeScales
	case SectionImaging:
		return prefs.IncludeImaging
	case SectionLabs:
		return prefs.IncludeLabs
	case SectionRecommendations:
		return prefs.IncludeRecommendations
	case SectionROS, SectionMedications, SectionAllergies:
		return prefs.NoteLength != LengthConcise
	case SectionPastHistory, SectionSocialHistory, SectionFamilyHistory:
		if prefs.NoteLength == LengthDetailed {
			return true
		}
		return prefs.NoteType == NoteTypeNewPatient && prefs.NoteLength != LengthConcise
	}
	return false
}

// resolveContent picks a section's content and provenance. Manual text wins,
// then visit-AI, then chart prep; structured extras render alongside.
func resolveContent(id string, data Bundle) (string, ContentSource) {
	manual := strings.TrimSpace(data.Fields[id])

	if block, source := extrasBlock(id, data.Extras); block != "" {
		base := manual
		if base == "" && id == SectionAssessment {
			base = firstNonEmpty(data.VisitAI.section(id), data.ChartPrep.Suggestion(id))
		}
		return joinNonEmpty(base, block), source
	}

	if manual != "" {
		return manual, SourceManual
	}
	if v := strings.TrimSpace(data.VisitAI.section(id)); v != "" {
		return v, SourceVisitAI
	}
	if v := strings.TrimSpace(data.ChartPrep.Suggestion(id)); v != "" {
		return v, SourceChartPrep
	}
	return "", SourceManual
}

// extrasBlock renders the structured extras a section appends below its
// field text, or "" when the section has none
func extrasBlock(id string, x Extras) (string, ContentSource) {
	switch id {
	case SectionScales:
		return renderScales(x.Scales), SourceScales
	case SectionImaging:
		return renderImaging(x.Imaging), SourceImaging
	case SectionLabs:
		return renderLabs(x.Labs), SourceChartPrep
	case SectionRecommendations:
		return renderBullets(x.Recommendations), SourceRecommendations
	case SectionAssessment:
		if lines := renderDiagnoses(x.Diagnoses); lines != "" {
			return "Diagnoses:\n" + lines, SourceMerged
		}
	}
	return "", ""
}

// FieldValue returns the part of a section's content that belongs in the
// field map: the content with the rendered extras block taken out, so the
// next composition appends it exactly once.
func FieldValue(id, content string, extras Extras) string {
	content = strings.TrimSpace(content)
	block, _ := extrasBlock(id, extras)
	if block == "" {
		return content
	}
	if i := strings.LastIndex(content, block); i >= 0 {
		content = joinNonEmpty(content[:i], content[i+len(block):])
	}
	return content
}

func renderScales(scales []Scale) string {
	var lines []string
	for _, s := range scales {
		if s.Name == "" {
			continue
		}
		line := s.Name + ": " + formatScore(s.Score)
		if s.MaxScore > 0 {
			line += "/" + formatScore(s.MaxScore)
		}
		if s.Interpretation != "" {
			line += " (" + s.Interpretation + ")"
		}
		lines = append(lines, "- "+line)
	}
	return strings.Join(lines, "\n")
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func renderImaging(studies []ImagingStudy) string {
	var lines []string
	for _, s := range studies {
		if s.Modality == "" {
			continue
		}
		line := strings.TrimSpace(s.Modality + " " + s.BodyPart)
		if s.Date != "" {
			line += " (" + s.Date + ")"
		}
		if s.Impression != "" {
			line += ": " + s.Impression
		}
		lines = append(lines, "- "+line)
	}
	return strings.Join(lines, "\n")
}

func renderLabs(labs []LabResult) string {
	var lines []string
	for _, l := range labs {
		if l.Name == "" {
			continue
		}
		line := strings.TrimSpace(fmt.Sprintf("%s: %s %s", l.Name, l.Value, l.Unit))
		if l.Flag != "" {
			line += " [" + l.Flag + "]"
		}
		lines = append(lines, "- "+line)
	}
	return strings.Join(lines, "\n")
}

func renderDiagnoses(dx []Diagnosis) string {
	var lines []string
	for _, d := range dx {
		if d.Description == "" {
			continue
		}
		line := d.Description
		if d.Code != "" {
			line += " (" + d.Code + ")"
		}
		lines = append(lines, "- "+line)
	}
	return strings.Join(lines, "\n")
}

func renderBullets(items []string) string {
	var lines []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			lines = append(lines, "- "+item)
		}
	}
	return strings.Join(lines, "\n")
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// UpdateSection returns a copy of note with one section's content replaced
// and the text regenerated. Source and verification are left alone. An
// unknown id returns the note unchanged.
func UpdateSection(note FormattedNote, sectionID, content string) FormattedNote {
	idx := indexOf(note, sectionID)
	if idx < 0 {
		return note
	}
	out := note.clone()
	out.Sections[idx].Content = content
	return out.regenerate()
}

// ToggleVerified returns a copy of note with one section's verification set
func ToggleVerified(note FormattedNote, sectionID string, value bool) FormattedNote {
	idx := indexOf(note, sectionID)
	if idx < 0 {
		return note
	}
	out := note.clone()
	out.Sections[idx].IsVerified = value
	return out
}

// AllRequiredVerified is the sign-off gate
func AllRequiredVerified(note FormattedNote) bool {
	for _, s := range note.Sections {
		if s.Required && !s.IsVerified {
			return false
		}
	}
	return true
}

// UnverifiedRequired lists the required sections still blocking sign-off
func UnverifiedRequired(note FormattedNote) []string {
	var ids []string
	for _, s := range note.OrderedSections() {
		if s.Required && !s.IsVerified {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func indexOf(note FormattedNote, sectionID string) int {
	for i, s := range note.Sections {
		if s.ID == sectionID {
			return i
		}
	}
	return -1
}
