package note

import "strings"

// Overlay applies an externally synthesized section map onto note. Only ids
// that exist in the note and map to a non-empty string are applied; anything
// else is ignored, so the overlay can add content but never blank a section.
func Overlay(note FormattedNote, synthesized map[string]any) FormattedNote {
	out, _ := OverlayApplied(note, synthesized)
	return out
}

// OverlayApplied is Overlay that also reports which section ids were replaced
func OverlayApplied(note FormattedNote, synthesized map[string]any) (FormattedNote, []string) {
	if len(synthesized) == 0 {
		return note, nil
	}

	var out FormattedNote
	var applied []string
	for i, s := range note.Sections {
		raw, ok := synthesized[s.ID]
		if !ok {
			continue
		}
		content, ok := raw.(string)
		if !ok || strings.TrimSpace(content) == "" {
			continue
		}
		if applied == nil {
			out = note.clone()
		}
		out.Sections[i].Content = content
		out.Sections[i].Source = SourceAISynthesized
		applied = append(applied, s.ID)
	}

	if applied == nil {
		return note, nil
	}
	return out.regenerate(), applied
}
