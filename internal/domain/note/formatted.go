package note

import "strings"

// FormattedNote is the reviewable, signable view of a visit note. It is
// rebuilt on demand from the field map and never persisted.
type FormattedNote struct {
	Header    string        `json:"header"`
	Footer    string        `json:"footer"`
	Sections  []NoteSection `json:"sections"`
	FullText  string        `json:"fullText"`
	WordCount int           `json:"wordCount"`
}

// Section returns the section with the given id
func (n FormattedNote) Section(id string) (NoteSection, bool) {
	for _, s := range n.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return NoteSection{}, false
}

// OrderedSections returns the sections sorted by their order field
func (n FormattedNote) OrderedSections() []NoteSection {
	return sortSections(n.Sections)
}

// clone copies the section slice so callers can mutate the result freely
func (n FormattedNote) clone() FormattedNote {
	out := n
	out.Sections = make([]NoteSection, len(n.Sections))
	copy(out.Sections, n.Sections)
	return out
}

// regenerate recomputes every derived field from the sections
func (n FormattedNote) regenerate() FormattedNote {
	n.FullText = renderFullText(n.Header, n.Sections, n.Footer)
	n.WordCount = countWords(n.FullText)
	return n
}

func renderFullText(header string, sections []NoteSection, footer string) string {
	var parts []string
	if header != "" {
		parts = append(parts, header)
	}
	for _, s := range sortSections(sections) {
		if !s.Populated() {
			continue
		}
		parts = append(parts, strings.ToUpper(s.Title)+":\n"+strings.TrimSpace(s.Content))
	}
	if footer != "" {
		parts = append(parts, footer)
	}
	return strings.Join(parts, "\n\n")
}

func countWords(text string) int {
	return len(strings.Fields(text))
}
